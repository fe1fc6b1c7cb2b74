// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

// SQLiteApprovalStore persists approval records in SQLite so pending
// approvals survive a restart alongside their checkpoints.
type SQLiteApprovalStore struct {
	db *sql.DB
}

// NewSQLiteApprovalStore ensures the schema and returns the store.
func NewSQLiteApprovalStore(db *sql.DB) (*SQLiteApprovalStore, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS approvals (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			plan_json BLOB,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_thread ON approvals(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, kerrors.New(kerrors.CodeUnavailable, "create approvals schema", err)
		}
	}
	return &SQLiteApprovalStore{db: db}, nil
}

// Create implements ApprovalStore.
func (s *SQLiteApprovalStore) Create(ctx context.Context, record *ApprovalRecord) (*ApprovalRecord, error) {
	if record == nil || record.ThreadID == "" {
		return nil, kerrors.New(kerrors.CodeInvalidInput, "approval requires a thread id", nil)
	}
	stored := cloneApproval(record)
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Status == "" {
		stored.Status = ApprovalStatusPending
	}
	now := time.Now().UTC()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	planJSON, err := json.Marshal(stored.PlanSnapshot)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeInternal, "encode plan snapshot", err)
	}
	var expires int64
	if !stored.ExpiresAt.IsZero() {
		expires = stored.ExpiresAt.UnixMilli()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, thread_id, status, reason, plan_json, created_at, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.ThreadID, stored.Status, stored.Reason, planJSON,
		stored.CreatedAt.UnixMilli(), stored.UpdatedAt.UnixMilli(), expires,
	)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "insert approval", err)
	}
	return s.Get(ctx, stored.ID)
}

// Get implements ApprovalStore.
func (s *SQLiteApprovalStore) Get(ctx context.Context, id string) (*ApprovalRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, status, reason, plan_json, created_at, updated_at, expires_at
		 FROM approvals WHERE id = ?`, id)
	record, err := scanApprovalRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approvalNotFound(id)
	}
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "read approval", err)
	}
	return record, nil
}

// Latest implements ApprovalStore.
func (s *SQLiteApprovalStore) Latest(ctx context.Context, threadID string) (*ApprovalRecord, error) {
	records, err := s.List(ctx, ApprovalFilter{ThreadID: threadID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, kerrors.New(kerrors.CodeNotFound, "no approvals for thread "+threadID, nil)
	}
	return records[0], nil
}

// List implements ApprovalStore.
func (s *SQLiteApprovalStore) List(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRecord, error) {
	query := `SELECT id, thread_id, status, reason, plan_json, created_at, updated_at, expires_at
		 FROM approvals WHERE 1=1`
	args := []any{}
	if filter.ThreadID != "" {
		query += " AND thread_id = ?"
		args = append(args, filter.ThreadID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if !filter.ExpiringBefore.IsZero() {
		query += " AND expires_at > 0 AND expires_at <= ?"
		args = append(args, filter.ExpiringBefore.UnixMilli())
	}
	query += " ORDER BY updated_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "list approvals", err)
	}
	defer rows.Close()

	var records []*ApprovalRecord
	for rows.Next() {
		record, err := scanApprovalRow(rows)
		if err != nil {
			return nil, kerrors.New(kerrors.CodeUnavailable, "scan approval", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "list approvals", err)
	}
	return records, nil
}

// UpdateStatus implements ApprovalStore.
func (s *SQLiteApprovalStore) UpdateStatus(ctx context.Context, id, status, reason string) (*ApprovalRecord, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, reason = ?, updated_at = ? WHERE id = ?`,
		status, reason, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "update approval", err)
	}
	affected, err := result.RowsAffected()
	if err == nil && affected == 0 {
		return nil, approvalNotFound(id)
	}
	return s.Get(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApprovalRow(row rowScanner) (*ApprovalRecord, error) {
	var (
		record    ApprovalRecord
		planJSON  []byte
		createdAt int64
		updatedAt int64
		expiresAt int64
	)
	if err := row.Scan(&record.ID, &record.ThreadID, &record.Status, &record.Reason,
		&planJSON, &createdAt, &updatedAt, &expiresAt); err != nil {
		return nil, err
	}
	if len(planJSON) > 0 && string(planJSON) != "null" {
		var plan core.Plan
		if err := json.Unmarshal(planJSON, &plan); err != nil {
			return nil, err
		}
		record.PlanSnapshot = &plan
	}
	record.CreatedAt = time.UnixMilli(createdAt).UTC()
	record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if expiresAt > 0 {
		record.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	}
	return &record, nil
}

var _ ApprovalStore = (*SQLiteApprovalStore)(nil)
