// SPDX-License-Identifier: Apache-2.0

package skill

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

// SQLiteStore persists the skill tree in SQLite. Timestamps are stored
// as Unix milliseconds; content and tags ride as JSON blobs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed skill store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	if err := ensureSkillSchema(db); err != nil {
		return nil, fmt.Errorf("ensure skill schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func ensureSkillSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS skills (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT NOT NULL,
			level INTEGER NOT NULL,
			parent_id TEXT,
			category TEXT,
			content_json BLOB NOT NULL,
			tags_json BLOB,
			version INTEGER NOT NULL,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			last_used INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skills_level ON skills (level)`,
		`CREATE INDEX IF NOT EXISTS idx_skills_parent ON skills (parent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_skills_category ON skills (category)`,
		`CREATE TABLE IF NOT EXISTS skill_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			skill_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			change_description TEXT NOT NULL,
			snapshot_json BLOB NOT NULL,
			acting_agent_id TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skill_history_skill ON skill_history (skill_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

const skillColumns = `id, name, description, level, parent_id, category, content_json, tags_json,
	version, success_count, failure_count, last_used, created_at, updated_at`

func (s *SQLiteStore) Create(ctx context.Context, sk *Skill) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "begin transaction", err)
	}
	defer tx.Rollback()

	parent, err := s.parentFor(ctx, tx, sk)
	if err != nil {
		return err
	}
	if err := validateSkill(sk, parent); err != nil {
		return kerrors.New(kerrors.CodeInvalidInput, "invalid skill", err)
	}
	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM skills WHERE name = ?`, sk.Name).Scan(&exists)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "check skill name", err)
	}
	if exists > 0 {
		return kerrors.New(kerrors.CodeInvalidInput, "skill name already exists: "+sk.Name, nil)
	}

	if sk.ID == "" {
		sk.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sk.Version = 1
	sk.CreatedAt = now
	sk.UpdatedAt = now

	content, tags, err := encodeSkillBlobs(sk)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO skills (
			id, name, description, level, parent_id, category, content_json, tags_json,
			version, success_count, failure_count, last_used, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, NULL, ?, ?)
	`,
		sk.ID, sk.Name, sk.Description, sk.Level,
		nullableText(sk.ParentID), nullableText(sk.Category),
		content, tags, sk.Version, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "insert skill", err)
	}
	if err := tx.Commit(); err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "commit skill create", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Skill, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE id = ?`, id)
	sk, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, kerrors.New(kerrors.CodeNotFound, "skill not found: "+id, nil)
	}
	return sk, err
}

func (s *SQLiteStore) GetByName(ctx context.Context, name string) (*Skill, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE name = ?`, name)
	sk, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, kerrors.New(kerrors.CodeNotFound, "skill not found: "+name, nil)
	}
	return sk, err
}

func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*Skill, error) {
	query := `SELECT ` + skillColumns + ` FROM skills`
	var (
		where []string
		args  []any
	)
	if filter.Level != 0 {
		where = append(where, `level = ?`)
		args = append(args, filter.Level)
	}
	if filter.Category != "" {
		where = append(where, `category = ?`)
		args = append(args, filter.Category)
	}
	if filter.ParentID != "" {
		where = append(where, `parent_id = ?`)
		args = append(args, filter.ParentID)
	}
	if filter.Name != "" {
		where = append(where, `name = ?`)
		args = append(args, filter.Name)
	}
	for i, clause := range where {
		if i == 0 {
			query += ` WHERE ` + clause
		} else {
			query += ` AND ` + clause
		}
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "list skills", err)
	}
	defer rows.Close()

	var out []*Skill
	for rows.Next() {
		sk, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sk)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Update(ctx context.Context, sk *Skill, expectedVersion int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "begin transaction", err)
	}
	defer tx.Rollback()

	parent, err := s.parentFor(ctx, tx, sk)
	if err != nil {
		return err
	}
	if err := validateSkill(sk, parent); err != nil {
		return kerrors.New(kerrors.CodeInvalidInput, "invalid skill", err)
	}

	content, tags, err := encodeSkillBlobs(sk)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE skills SET
			name = ?, description = ?, level = ?, parent_id = ?, category = ?,
			content_json = ?, tags_json = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		sk.Name, sk.Description, sk.Level,
		nullableText(sk.ParentID), nullableText(sk.Category),
		content, tags, now.UnixMilli(), sk.ID, expectedVersion,
	)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "update skill", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "update skill", err)
	}
	if affected == 0 {
		var current int
		err := tx.QueryRowContext(ctx, `SELECT version FROM skills WHERE id = ?`, sk.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return kerrors.New(kerrors.CodeNotFound, "skill not found: "+sk.ID, nil)
		}
		if err != nil {
			return kerrors.New(kerrors.CodeUnavailable, "check skill version", err)
		}
		return ErrVersionConflict
	}
	if err := tx.Commit(); err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "commit skill update", err)
	}
	sk.Version = expectedVersion + 1
	sk.UpdatedAt = now
	return nil
}

func (s *SQLiteStore) UpdateStats(ctx context.Context, id string, success bool, usedAt time.Time) error {
	column := `failure_count`
	if success {
		column = `success_count`
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE skills SET `+column+` = `+column+` + 1, last_used = ? WHERE id = ?`,
		usedAt.UTC().UnixMilli(), id,
	)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "update skill stats", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "update skill stats", err)
	}
	if affected == 0 {
		return kerrors.New(kerrors.CodeNotFound, "skill not found: "+id, nil)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "begin transaction", err)
	}
	defer tx.Rollback()

	var children int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM skills WHERE parent_id = ?`, id).Scan(&children)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "check skill children", err)
	}
	if children > 0 {
		return kerrors.New(kerrors.CodeInvalidInput,
			"skill has children and cannot be deleted: "+id, nil)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM skills WHERE id = ?`, id)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "delete skill", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "delete skill", err)
	}
	if affected == 0 {
		return kerrors.New(kerrors.CodeNotFound, "skill not found: "+id, nil)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM skill_history WHERE skill_id = ?`, id); err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "delete skill history", err)
	}
	if err := tx.Commit(); err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "commit skill delete", err)
	}
	return nil
}

func (s *SQLiteStore) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	if entry.SkillID == "" {
		return kerrors.New(kerrors.CodeInvalidInput, "history entry requires a skill id", nil)
	}
	snapshot, err := json.Marshal(entry.SnapshotContent)
	if err != nil {
		return kerrors.New(kerrors.CodeInternal, "encode history snapshot", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skill_history (skill_id, version, change_description, snapshot_json, acting_agent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.SkillID, entry.Version, entry.ChangeDescription,
		snapshot, nullableText(entry.ActingAgentID), entry.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "insert skill history", err)
	}
	return nil
}

func (s *SQLiteStore) History(ctx context.Context, skillID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, skill_id, version, change_description, snapshot_json, acting_agent_id, created_at
		FROM skill_history
		WHERE skill_id = ?
		ORDER BY created_at DESC, id DESC
	`, skillID)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "list skill history", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			entry     HistoryEntry
			snapshot  []byte
			agent     sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.SkillID, &entry.Version,
			&entry.ChangeDescription, &snapshot, &agent, &createdAt); err != nil {
			return nil, kerrors.New(kerrors.CodeUnavailable, "scan skill history", err)
		}
		if len(snapshot) > 0 {
			if err := json.Unmarshal(snapshot, &entry.SnapshotContent); err != nil {
				return nil, kerrors.New(kerrors.CodeInternal, "decode history snapshot", err)
			}
		}
		entry.ActingAgentID = agent.String
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, entry)
	}
	return out, rows.Err()
}

// parentFor resolves the parent row inside the caller's transaction so
// level checks see a consistent tree.
func (s *SQLiteStore) parentFor(ctx context.Context, tx *sql.Tx, sk *Skill) (*Skill, error) {
	if sk == nil || sk.ParentID == "" {
		return nil, nil
	}
	row := tx.QueryRowContext(ctx, `SELECT `+skillColumns+` FROM skills WHERE id = ?`, sk.ParentID)
	parent, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "resolve parent skill", err)
	}
	return parent, nil
}

func encodeSkillBlobs(sk *Skill) (content, tags []byte, err error) {
	content, err = json.Marshal(sk.Content)
	if err != nil {
		return nil, nil, kerrors.New(kerrors.CodeInternal, "encode skill content", err)
	}
	if len(sk.Tags) > 0 {
		tags, err = json.Marshal(sk.Tags)
		if err != nil {
			return nil, nil, kerrors.New(kerrors.CodeInternal, "encode skill tags", err)
		}
	}
	return content, tags, nil
}

func nullableText(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSkill(row rowScanner) (*Skill, error) {
	var (
		sk                   Skill
		parentID, category   sql.NullString
		content, tags        []byte
		lastUsed             sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&sk.ID, &sk.Name, &sk.Description, &sk.Level,
		&parentID, &category, &content, &tags,
		&sk.Version, &sk.Stats.SuccessCount, &sk.Stats.FailureCount,
		&lastUsed, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "scan skill", err)
	}
	sk.ParentID = parentID.String
	sk.Category = category.String
	if len(content) > 0 {
		if err := json.Unmarshal(content, &sk.Content); err != nil {
			return nil, kerrors.New(kerrors.CodeInternal, "decode skill content", err)
		}
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &sk.Tags); err != nil {
			return nil, kerrors.New(kerrors.CodeInternal, "decode skill tags", err)
		}
	}
	if lastUsed.Valid {
		used := time.UnixMilli(lastUsed.Int64).UTC()
		sk.Stats.LastUsed = &used
	}
	sk.CreatedAt = time.UnixMilli(createdAt).UTC()
	sk.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &sk, nil
}

var _ Store = (*SQLiteStore)(nil)
