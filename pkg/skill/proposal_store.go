package skill

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

// MemoryProposalStore is an in-memory ProposalStore.
type MemoryProposalStore struct {
	mu   sync.RWMutex
	byID map[string]*Proposal
}

// NewMemoryProposalStore creates an empty in-memory proposal store.
func NewMemoryProposalStore() *MemoryProposalStore {
	return &MemoryProposalStore{byID: make(map[string]*Proposal)}
}

func (m *MemoryProposalStore) Create(ctx context.Context, p *Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = ProposalPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	clone := cloneProposal(p)
	m.byID[p.ID] = clone
	return nil
}

func (m *MemoryProposalStore) Get(ctx context.Context, id string) (*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return nil, kerrors.New(kerrors.CodeNotFound, "proposal not found: "+id, nil)
	}
	return cloneProposal(p), nil
}

func (m *MemoryProposalStore) List(ctx context.Context, status ProposalStatus) ([]*Proposal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Proposal
	for _, p := range m.byID {
		if status == "" || p.Status == status {
			out = append(out, cloneProposal(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryProposalStore) UpdateStatus(ctx context.Context, id string, status ProposalStatus, resolvedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.byID[id]
	if !ok {
		return kerrors.New(kerrors.CodeNotFound, "proposal not found: "+id, nil)
	}
	p.Status = status
	resolved := resolvedAt.UTC()
	p.ResolvedAt = &resolved
	return nil
}

func cloneProposal(p *Proposal) *Proposal {
	clone := *p
	clone.MemberIDs = append([]string(nil), p.MemberIDs...)
	if p.ResolvedAt != nil {
		resolved := *p.ResolvedAt
		clone.ResolvedAt = &resolved
	}
	return &clone
}

var _ ProposalStore = (*MemoryProposalStore)(nil)

// SQLiteProposalStore persists induction proposals in SQLite.
type SQLiteProposalStore struct {
	db *sql.DB
}

// NewSQLiteProposalStore creates a SQLite-backed proposal store and
// ensures schema.
func NewSQLiteProposalStore(db *sql.DB) (*SQLiteProposalStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS skill_proposals (
			id TEXT PRIMARY KEY,
			category TEXT,
			parent_id TEXT,
			parent_name TEXT NOT NULL,
			member_ids_json BLOB NOT NULL,
			similarity REAL NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			resolved_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skill_proposals_status ON skill_proposals (status, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("ensure proposal schema: %w", err)
		}
	}
	return &SQLiteProposalStore{db: db}, nil
}

func (s *SQLiteProposalStore) Create(ctx context.Context, p *Proposal) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = ProposalPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	members, err := json.Marshal(p.MemberIDs)
	if err != nil {
		return kerrors.New(kerrors.CodeInternal, "encode proposal members", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO skill_proposals (id, category, parent_id, parent_name, member_ids_json, similarity, status, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`,
		p.ID, nullableText(p.Category), nullableText(p.ParentID), p.ParentName,
		members, p.Similarity, string(p.Status), p.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "insert proposal", err)
	}
	return nil
}

func (s *SQLiteProposalStore) Get(ctx context.Context, id string) (*Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, category, parent_id, parent_name, member_ids_json, similarity, status, created_at, resolved_at
		FROM skill_proposals WHERE id = ?
	`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, kerrors.New(kerrors.CodeNotFound, "proposal not found: "+id, nil)
	}
	return p, err
}

func (s *SQLiteProposalStore) List(ctx context.Context, status ProposalStatus) ([]*Proposal, error) {
	query := `
		SELECT id, category, parent_id, parent_name, member_ids_json, similarity, status, created_at, resolved_at
		FROM skill_proposals
	`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "list proposals", err)
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteProposalStore) UpdateStatus(ctx context.Context, id string, status ProposalStatus, resolvedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE skill_proposals SET status = ?, resolved_at = ? WHERE id = ?`,
		string(status), resolvedAt.UTC().UnixMilli(), id,
	)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "update proposal status", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "update proposal status", err)
	}
	if affected == 0 {
		return kerrors.New(kerrors.CodeNotFound, "proposal not found: "+id, nil)
	}
	return nil
}

func scanProposal(row rowScanner) (*Proposal, error) {
	var (
		p                  Proposal
		category, parentID sql.NullString
		members            []byte
		status             string
		createdAt          int64
		resolvedAt         sql.NullInt64
	)
	err := row.Scan(&p.ID, &category, &parentID, &p.ParentName, &members,
		&p.Similarity, &status, &createdAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "scan proposal", err)
	}
	p.Category = category.String
	p.ParentID = parentID.String
	if len(members) > 0 {
		if err := json.Unmarshal(members, &p.MemberIDs); err != nil {
			return nil, kerrors.New(kerrors.CodeInternal, "decode proposal members", err)
		}
	}
	p.Status = ProposalStatus(status)
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	if resolvedAt.Valid {
		resolved := time.UnixMilli(resolvedAt.Int64).UTC()
		p.ResolvedAt = &resolved
	}
	return &p, nil
}

var _ ProposalStore = (*SQLiteProposalStore)(nil)
