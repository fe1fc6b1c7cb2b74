// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

var tableNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func sanitizeTableName(table string) (string, error) {
	if table == "" {
		return "", fmt.Errorf("table name is required")
	}
	if !tableNamePattern.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// SQLiteConversation implements ConversationMemory with SQLite storage so
// session history survives process restarts.
type SQLiteConversation struct {
	db     *sql.DB
	table  string
	config ConversationConfig
}

// SQLiteConversationConfig configures the SQLite conversation store.
type SQLiteConversationConfig struct {
	// DB is the database connection. Required.
	DB *sql.DB
	// TableName is the table to use. Default: "conversation_messages".
	TableName string
	// ConversationConfig for truncation and TTL.
	ConversationConfig ConversationConfig
}

// NewSQLiteConversation creates a SQLite-backed conversation store and
// ensures the schema exists.
func NewSQLiteConversation(cfg SQLiteConversationConfig) (*SQLiteConversation, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	table := cfg.TableName
	if table == "" {
		table = "conversation_messages"
	}
	table, err := sanitizeTableName(table)
	if err != nil {
		return nil, err
	}

	s := &SQLiteConversation{
		db:     cfg.DB,
		table:  table,
		config: cfg.ConversationConfig,
	}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteConversation) ensureSchema() error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_call_id TEXT,
			metadata_json BLOB,
			created_at INTEGER NOT NULL
		);`, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session ON %s(session_id);`, s.table, s.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_session_created ON %s(session_id, created_at, id);`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendMessage adds a message to the conversation.
func (s *SQLiteConversation) AppendMessage(ctx context.Context, sessionID string, msg ConversationMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SessionID == "" {
		msg.SessionID = sessionID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	var metadataJSON []byte
	var err error
	if msg.Metadata != nil {
		metadataJSON, err = json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, session_id, role, content, tool_call_id, metadata_json, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)", s.table),
		msg.ID,
		sessionID,
		msg.Role,
		msg.Content,
		sql.NullString{String: msg.ToolCallID, Valid: msg.ToolCallID != ""},
		metadataJSON,
		msg.CreatedAt.UTC().UnixMilli(),
	)
	return err
}

// GetMessages retrieves all messages for a session.
func (s *SQLiteConversation) GetMessages(ctx context.Context, sessionID string) ([]ConversationMessage, error) {
	query := fmt.Sprintf(`SELECT id, session_id, role, content, tool_call_id, metadata_json, created_at
		FROM %s WHERE session_id = ? ORDER BY created_at ASC, id ASC`, s.table)

	messages, err := s.queryMessages(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}

	if s.config.TruncationStrategy != nil && len(messages) > 0 {
		return s.config.TruncationStrategy.Truncate(ctx, messages)
	}
	return messages, nil
}

// GetRecentMessages retrieves the last N messages for a session.
func (s *SQLiteConversation) GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]ConversationMessage, error) {
	// Subquery selects the newest N, outer query restores chronological order.
	query := fmt.Sprintf(`SELECT id, session_id, role, content, tool_call_id, metadata_json, created_at
		FROM (
			SELECT id, session_id, role, content, tool_call_id, metadata_json, created_at
			FROM %s WHERE session_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) ORDER BY created_at ASC, id ASC`, s.table)

	return s.queryMessages(ctx, query, sessionID, limit)
}

// Clear removes all messages for a session.
func (s *SQLiteConversation) Clear(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE session_id = ?", s.table), sessionID)
	return err
}

// DeleteOldMessages removes messages older than the given duration.
func (s *SQLiteConversation) DeleteOldMessages(ctx context.Context, sessionID string, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan).UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE session_id = ? AND created_at < ?", s.table),
		sessionID, cutoff)
	return err
}

// DeleteOldSessions removes all messages from sessions inactive for the given
// duration. Returns the number of deleted rows.
func (s *SQLiteConversation) DeleteOldSessions(ctx context.Context, inactiveDuration time.Duration) (int64, error) {
	cutoff := time.Now().Add(-inactiveDuration).UTC().UnixMilli()
	query := fmt.Sprintf(`DELETE FROM %s WHERE session_id IN (
		SELECT session_id FROM %s GROUP BY session_id HAVING MAX(created_at) < ?
	)`, s.table, s.table)

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListSessions returns all session IDs with stored messages.
func (s *SQLiteConversation) ListSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT DISTINCT session_id FROM %s ORDER BY session_id", s.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []string
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			return nil, err
		}
		sessions = append(sessions, sessionID)
	}
	return sessions, rows.Err()
}

// SessionStats contains statistics about a conversation session.
type SessionStats struct {
	SessionID    string
	MessageCount int
	FirstMessage time.Time
	LastMessage  time.Time
}

// SessionStats returns statistics for a session.
func (s *SQLiteConversation) SessionStats(ctx context.Context, sessionID string) (*SessionStats, error) {
	query := fmt.Sprintf(`SELECT COUNT(*), MIN(created_at), MAX(created_at) FROM %s WHERE session_id = ?`, s.table)

	stats := SessionStats{SessionID: sessionID}
	var firstMs, lastMs sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&stats.MessageCount, &firstMs, &lastMs)
	if err != nil {
		return nil, err
	}
	if firstMs.Valid {
		stats.FirstMessage = time.UnixMilli(firstMs.Int64).UTC()
	}
	if lastMs.Valid {
		stats.LastMessage = time.UnixMilli(lastMs.Int64).UTC()
	}
	return &stats, nil
}

func (s *SQLiteConversation) queryMessages(ctx context.Context, query string, args ...any) ([]ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ConversationMessage
	for rows.Next() {
		var msg ConversationMessage
		var toolCallID sql.NullString
		var metadataJSON []byte
		var createdMs int64

		err := rows.Scan(
			&msg.ID,
			&msg.SessionID,
			&msg.Role,
			&msg.Content,
			&toolCallID,
			&metadataJSON,
			&createdMs,
		)
		if err != nil {
			return nil, err
		}

		if toolCallID.Valid {
			msg.ToolCallID = toolCallID.String
		}
		msg.CreatedAt = time.UnixMilli(createdMs).UTC()

		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
				msg.Metadata = nil
			}
		}

		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

var _ ConversationMemory = (*SQLiteConversation)(nil)
