package checkpoint

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sqliteStore, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqliteStore,
	}
}

func sampleSession(threadID string) *core.Session {
	session := core.NewSession(threadID, "book a flight to Lisbon", core.ModeAuto, "")
	session.Plan = core.NewPlan("llm",
		core.Task{Action: "find flights", Target: "travel_agent"},
		core.Task{Action: "summarize options", Target: core.TargetChitchat},
	)
	session.Touch(core.StateAwaitApproval)
	return session
}

func TestSaveLoadRoundTrip(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := sampleSession("t1")

			if err := store.Save(ctx, "t1", Snapshot{Session: session}); err != nil {
				t.Fatalf("save: %v", err)
			}

			snap, err := store.Load(ctx, "t1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if snap.ThreadID != "t1" || snap.SavedAt.IsZero() {
				t.Fatalf("snapshot metadata not filled: %+v", snap)
			}
			if snap.Session.State != core.StateAwaitApproval {
				t.Fatalf("unexpected state: %s", snap.Session.State)
			}
			if len(snap.Session.Plan.Tasks) != 2 || snap.Session.Plan.Tasks[0].Target != "travel_agent" {
				t.Fatalf("plan not preserved: %+v", snap.Session.Plan)
			}
		})
	}
}

func TestSaveOverwrites(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			session := sampleSession("t1")

			if err := store.Save(ctx, "t1", Snapshot{Session: session}); err != nil {
				t.Fatalf("save: %v", err)
			}

			session.Touch(core.StateDispatch)
			session.RetryCount = 1
			if err := store.Save(ctx, "t1", Snapshot{Session: session, SavedAt: time.Now().UTC()}); err != nil {
				t.Fatalf("second save: %v", err)
			}

			snap, err := store.Load(ctx, "t1")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if snap.Session.State != core.StateDispatch || snap.Session.RetryCount != 1 {
				t.Fatalf("overwrite lost: %+v", snap.Session)
			}
		})
	}
}

func TestLoadMissingIsSessionNotFound(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Load(context.Background(), "ghost"); !kerrors.IsCode(err, kerrors.CodeSessionNotFound) {
				t.Fatalf("expected session-not-found, got %v", err)
			}
		})
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Save(ctx, "t1", Snapshot{Session: sampleSession("t1")}); err != nil {
				t.Fatalf("save: %v", err)
			}
			if err := store.Delete(ctx, "t1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := store.Load(ctx, "t1"); !kerrors.IsCode(err, kerrors.CodeSessionNotFound) {
				t.Fatalf("expected session-not-found after delete, got %v", err)
			}
			if err := store.Delete(ctx, "t1"); err != nil {
				t.Fatalf("second delete should be a no-op: %v", err)
			}
		})
	}
}

func TestThreads(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, threadID := range []string{"t2", "t1", "t3"} {
				if err := store.Save(ctx, threadID, Snapshot{Session: sampleSession(threadID)}); err != nil {
					t.Fatalf("save %s: %v", threadID, err)
				}
			}
			threads, err := store.Threads(ctx)
			if err != nil {
				t.Fatalf("threads: %v", err)
			}
			if len(threads) != 3 || threads[0] != "t1" || threads[2] != "t3" {
				t.Fatalf("unexpected threads: %v", threads)
			}
		})
	}
}

func TestSaveValidatesInput(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Save(ctx, "", Snapshot{Session: sampleSession("t1")}); !kerrors.IsCode(err, kerrors.CodeInvalidInput) {
				t.Fatalf("expected invalid-input for empty thread, got %v", err)
			}
			if err := store.Save(ctx, "t1", Snapshot{}); !kerrors.IsCode(err, kerrors.CodeInvalidInput) {
				t.Fatalf("expected invalid-input for nil session, got %v", err)
			}
		})
	}
}

func TestMemoryStoreDetachesSessions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	session := sampleSession("t1")

	if err := store.Save(ctx, "t1", Snapshot{Session: session}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	session.Plan.Tasks[0].Status = core.TaskFailed
	session.Touch(core.StateEnd)

	snap, err := store.Load(ctx, "t1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Session.State != core.StateAwaitApproval {
		t.Fatalf("stored session mutated: %s", snap.Session.State)
	}
	if snap.Session.Plan.Tasks[0].Status == core.TaskFailed {
		t.Fatal("stored plan mutated through caller reference")
	}
}
