// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newSQLiteConversation(t *testing.T) *SQLiteConversation {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mem, err := NewSQLiteConversation(SQLiteConversationConfig{DB: db})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return mem
}

func TestSQLiteConversation_AppendAndGet(t *testing.T) {
	mem := newSQLiteConversation(t)
	ctx := context.Background()

	msgs := []ConversationMessage{
		{Role: "user", Content: "hello", CreatedAt: time.Now().Add(-2 * time.Second)},
		{Role: "assistant", Content: "hi there", CreatedAt: time.Now().Add(-1 * time.Second)},
		{Role: "user", Content: "what can you do?", Metadata: map[string]string{"channel": "web"}},
	}
	for _, m := range msgs {
		if err := mem.AppendMessage(ctx, "s1", m); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := mem.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Content != "hello" || got[2].Content != "what can you do?" {
		t.Errorf("messages out of order: %q ... %q", got[0].Content, got[2].Content)
	}
	if got[2].Metadata["channel"] != "web" {
		t.Errorf("metadata lost: %v", got[2].Metadata)
	}
	if got[0].ID == "" {
		t.Error("expected generated message id")
	}
	if got[0].SessionID != "s1" {
		t.Errorf("expected session id s1, got %q", got[0].SessionID)
	}
}

func TestSQLiteConversation_GetRecentMessages(t *testing.T) {
	mem := newSQLiteConversation(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Minute)
	for i, content := range []string{"one", "two", "three", "four"} {
		err := mem.AppendMessage(ctx, "s1", ConversationMessage{
			Role:      "user",
			Content:   content,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := mem.GetRecentMessages(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].Content != "three" || got[1].Content != "four" {
		t.Errorf("expected last two in order, got %q, %q", got[0].Content, got[1].Content)
	}
}

func TestSQLiteConversation_ClearAndSessions(t *testing.T) {
	mem := newSQLiteConversation(t)
	ctx := context.Background()

	for _, sid := range []string{"s1", "s2"} {
		if err := mem.AppendMessage(ctx, sid, ConversationMessage{Role: "user", Content: "x"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	sessions, err := mem.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	if err := mem.Clear(ctx, "s1"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	got, err := mem.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected cleared session, got %d messages", len(got))
	}

	stats, err := mem.SessionStats(ctx, "s2")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.MessageCount != 1 {
		t.Errorf("expected 1 message in s2, got %d", stats.MessageCount)
	}
}

func TestSQLiteConversation_DeleteOldMessages(t *testing.T) {
	mem := newSQLiteConversation(t)
	ctx := context.Background()

	old := ConversationMessage{Role: "user", Content: "stale", CreatedAt: time.Now().Add(-2 * time.Hour)}
	fresh := ConversationMessage{Role: "user", Content: "fresh"}
	if err := mem.AppendMessage(ctx, "s1", old); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mem.AppendMessage(ctx, "s1", fresh); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := mem.DeleteOldMessages(ctx, "s1", time.Hour); err != nil {
		t.Fatalf("delete old: %v", err)
	}

	got, err := mem.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].Content != "fresh" {
		t.Fatalf("expected only the fresh message, got %+v", got)
	}
}

func TestSQLiteConversation_Truncation(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	mem, err := NewSQLiteConversation(SQLiteConversationConfig{
		DB:                 db,
		ConversationConfig: ConversationConfig{TruncationStrategy: NewWindowStrategy(2, false)},
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		err := mem.AppendMessage(ctx, "s1", ConversationMessage{
			Role:      "user",
			Content:   "m",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := mem.GetMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected window of 2, got %d", len(got))
	}
}

func TestSQLiteConversation_InvalidTableName(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := NewSQLiteConversation(SQLiteConversationConfig{DB: db, TableName: "bad; DROP TABLE x"}); err == nil {
		t.Error("expected error for invalid table name")
	}
}
