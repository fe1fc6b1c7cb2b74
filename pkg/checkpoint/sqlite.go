// SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

// SQLiteStore persists snapshots in SQLite, one row per thread.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed snapshot store and ensures
// its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "checkpoint store requires a database", nil)
	}
	if err := ensureCheckpointSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func ensureCheckpointSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			session_json BLOB NOT NULL,
			saved_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_saved_at ON checkpoints(saved_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return kerrors.New(kerrors.CodeUnavailable, "ensuring checkpoint schema", err)
		}
	}
	return nil
}

// Save implements Store.
func (s *SQLiteStore) Save(ctx context.Context, threadID string, snap Snapshot) error {
	if err := normalizeSnapshot(threadID, &snap); err != nil {
		return err
	}
	payload, err := json.Marshal(snap.Session)
	if err != nil {
		return kerrors.New(kerrors.CodeInternal, "encoding session snapshot", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, state, session_json, saved_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(thread_id) DO UPDATE SET state = excluded.state, session_json = excluded.session_json, saved_at = excluded.saved_at`,
		threadID, string(snap.Session.State), payload, snap.SavedAt.UnixMilli())
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "saving checkpoint for thread "+threadID, err)
	}
	return nil
}

// Load implements Store.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_json, saved_at FROM checkpoints WHERE thread_id = ?`, threadID)
	var (
		payload   []byte
		savedAtMs int64
	)
	if err := row.Scan(&payload, &savedAtMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, notFound(threadID)
		}
		return nil, kerrors.New(kerrors.CodeUnavailable, "loading checkpoint for thread "+threadID, err)
	}
	session := &core.Session{}
	if err := json.Unmarshal(payload, session); err != nil {
		return nil, kerrors.New(kerrors.CodeInternal, "decoding session snapshot", err)
	}
	return &Snapshot{
		ThreadID: threadID,
		Session:  session,
		SavedAt:  time.UnixMilli(savedAtMs).UTC(),
	}, nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID); err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "deleting checkpoint for thread "+threadID, err)
	}
	return nil
}

// Threads implements Store.
func (s *SQLiteStore) Threads(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id FROM checkpoints ORDER BY thread_id`)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "listing checkpoint threads", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var threadID string
		if err := rows.Scan(&threadID); err != nil {
			return nil, kerrors.New(kerrors.CodeUnavailable, "scanning checkpoint thread", err)
		}
		out = append(out, threadID)
	}
	return out, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
