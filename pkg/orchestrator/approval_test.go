package orchestrator

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kelicblan/seerlord-ai/pkg/core"
	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

func approvalStoresUnderTest(t *testing.T) map[string]ApprovalStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sqliteStore, err := NewSQLiteApprovalStore(db)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	return map[string]ApprovalStore{
		"memory": NewMemoryApprovalStore(),
		"sqlite": sqliteStore,
	}
}

func pendingApproval(threadID string, expiresAt time.Time) *ApprovalRecord {
	return &ApprovalRecord{
		ThreadID: threadID,
		PlanSnapshot: core.NewPlan("llm",
			core.Task{Action: "fetch weather", Target: "weather"},
			core.Task{Action: "summarize", Target: core.TargetChitchat},
		),
		ExpiresAt: expiresAt,
	}
}

func TestApprovalCreateFillsDefaults(t *testing.T) {
	for name, store := range approvalStoresUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expires := time.Now().UTC().Add(time.Hour)

			record, err := store.Create(ctx, pendingApproval("t1", expires))
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if record.ID == "" {
				t.Fatal("id not assigned")
			}
			if record.Status != ApprovalStatusPending {
				t.Fatalf("status = %q, want pending", record.Status)
			}
			if record.CreatedAt.IsZero() || record.UpdatedAt.IsZero() {
				t.Fatalf("timestamps not filled: %+v", record)
			}

			got, err := store.Get(ctx, record.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.ThreadID != "t1" {
				t.Fatalf("thread = %q", got.ThreadID)
			}
			if got.PlanSnapshot == nil || len(got.PlanSnapshot.Tasks) != 2 {
				t.Fatalf("plan snapshot not preserved: %+v", got.PlanSnapshot)
			}
			if got.PlanSnapshot.Tasks[0].Target != "weather" {
				t.Fatalf("task target = %q", got.PlanSnapshot.Tasks[0].Target)
			}
			if got.ExpiresAt.IsZero() {
				t.Fatal("expiry not preserved")
			}
		})
	}
}

func TestApprovalCreateRequiresThread(t *testing.T) {
	for name, store := range approvalStoresUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Create(context.Background(), &ApprovalRecord{})
			if !kerrors.IsCode(err, kerrors.CodeInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestApprovalGetNotFound(t *testing.T) {
	for name, store := range approvalStoresUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := store.Get(context.Background(), "missing"); !kerrors.IsCode(err, kerrors.CodeNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
			if _, err := store.Latest(context.Background(), "t-none"); !kerrors.IsCode(err, kerrors.CodeNotFound) {
				t.Fatalf("expected not found from latest, got %v", err)
			}
		})
	}
}

func TestApprovalLatestPicksNewest(t *testing.T) {
	for name, store := range approvalStoresUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			expires := time.Now().UTC().Add(time.Hour)

			first, err := store.Create(ctx, pendingApproval("t1", expires))
			if err != nil {
				t.Fatalf("create first: %v", err)
			}
			time.Sleep(5 * time.Millisecond)
			second, err := store.Create(ctx, pendingApproval("t1", expires))
			if err != nil {
				t.Fatalf("create second: %v", err)
			}

			latest, err := store.Latest(ctx, "t1")
			if err != nil {
				t.Fatalf("latest: %v", err)
			}
			if latest.ID != second.ID {
				t.Fatalf("latest = %s, want %s", latest.ID, second.ID)
			}

			// Resolving the first makes it the most recently updated.
			time.Sleep(5 * time.Millisecond)
			if _, err := store.UpdateStatus(ctx, first.ID, ApprovalStatusRejected, "obsolete"); err != nil {
				t.Fatalf("update: %v", err)
			}
			latest, err = store.Latest(ctx, "t1")
			if err != nil {
				t.Fatalf("latest after update: %v", err)
			}
			if latest.ID != first.ID || latest.Status != ApprovalStatusRejected {
				t.Fatalf("latest after update = %+v", latest)
			}
		})
	}
}

func TestApprovalListFilters(t *testing.T) {
	for name, store := range approvalStoresUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			stale, err := store.Create(ctx, pendingApproval("t1", now.Add(-time.Minute)))
			if err != nil {
				t.Fatalf("create stale: %v", err)
			}
			if _, err := store.Create(ctx, pendingApproval("t1", now.Add(time.Hour))); err != nil {
				t.Fatalf("create fresh: %v", err)
			}
			other, err := store.Create(ctx, pendingApproval("t2", now.Add(time.Hour)))
			if err != nil {
				t.Fatalf("create other: %v", err)
			}
			if _, err := store.UpdateStatus(ctx, other.ID, ApprovalStatusApproved, "ok"); err != nil {
				t.Fatalf("approve other: %v", err)
			}

			byThread, err := store.List(ctx, ApprovalFilter{ThreadID: "t1"})
			if err != nil {
				t.Fatalf("list by thread: %v", err)
			}
			if len(byThread) != 2 {
				t.Fatalf("thread t1 records = %d, want 2", len(byThread))
			}

			pending, err := store.List(ctx, ApprovalFilter{Status: ApprovalStatusPending})
			if err != nil {
				t.Fatalf("list pending: %v", err)
			}
			if len(pending) != 2 {
				t.Fatalf("pending records = %d, want 2", len(pending))
			}

			expiring, err := store.List(ctx, ApprovalFilter{
				Status:         ApprovalStatusPending,
				ExpiringBefore: now,
			})
			if err != nil {
				t.Fatalf("list expiring: %v", err)
			}
			if len(expiring) != 1 || expiring[0].ID != stale.ID {
				t.Fatalf("expiring = %+v", expiring)
			}

			limited, err := store.List(ctx, ApprovalFilter{Limit: 1})
			if err != nil {
				t.Fatalf("list limited: %v", err)
			}
			if len(limited) != 1 {
				t.Fatalf("limited records = %d, want 1", len(limited))
			}
		})
	}
}

func TestApprovalUpdateStatus(t *testing.T) {
	for name, store := range approvalStoresUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			record, err := store.Create(ctx, pendingApproval("t1", time.Now().UTC().Add(time.Hour)))
			if err != nil {
				t.Fatalf("create: %v", err)
			}

			updated, err := store.UpdateStatus(ctx, record.ID, ApprovalStatusApproved, "looks good")
			if err != nil {
				t.Fatalf("update: %v", err)
			}
			if updated.Status != ApprovalStatusApproved || updated.Reason != "looks good" {
				t.Fatalf("updated = %+v", updated)
			}
			if !updated.UpdatedAt.After(updated.CreatedAt) && !updated.UpdatedAt.Equal(updated.CreatedAt) {
				t.Fatalf("updated_at went backwards: %+v", updated)
			}

			if _, err := store.UpdateStatus(ctx, "missing", ApprovalStatusApproved, ""); !kerrors.IsCode(err, kerrors.CodeNotFound) {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestSweeperExpiresOnlyStalePending(t *testing.T) {
	for name, store := range approvalStoresUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()

			stale, err := store.Create(ctx, pendingApproval("t1", now.Add(-time.Minute)))
			if err != nil {
				t.Fatalf("create stale: %v", err)
			}
			fresh, err := store.Create(ctx, pendingApproval("t2", now.Add(time.Hour)))
			if err != nil {
				t.Fatalf("create fresh: %v", err)
			}
			resolved, err := store.Create(ctx, pendingApproval("t3", now.Add(-time.Minute)))
			if err != nil {
				t.Fatalf("create resolved: %v", err)
			}
			if _, err := store.UpdateStatus(ctx, resolved.ID, ApprovalStatusApproved, "ok"); err != nil {
				t.Fatalf("approve: %v", err)
			}

			sweeper := NewApprovalSweeper(store, 0, nil)
			expired, err := sweeper.Sweep(ctx)
			if err != nil {
				t.Fatalf("sweep: %v", err)
			}
			if expired != 1 {
				t.Fatalf("expired = %d, want 1", expired)
			}

			got, _ := store.Get(ctx, stale.ID)
			if got.Status != ApprovalStatusExpired {
				t.Fatalf("stale status = %q", got.Status)
			}
			got, _ = store.Get(ctx, fresh.ID)
			if got.Status != ApprovalStatusPending {
				t.Fatalf("fresh status = %q", got.Status)
			}
			got, _ = store.Get(ctx, resolved.ID)
			if got.Status != ApprovalStatusApproved {
				t.Fatalf("resolved status = %q", got.Status)
			}
		})
	}
}

func TestSweeperBackgroundLoop(t *testing.T) {
	store := NewMemoryApprovalStore()
	ctx := context.Background()

	record, err := store.Create(ctx, pendingApproval("t1", time.Now().UTC().Add(-time.Minute)))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sweeper := NewApprovalSweeper(store, 10*time.Millisecond, nil)
	sweeper.Start()
	defer sweeper.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.Get(ctx, record.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == ApprovalStatusExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sweeper never expired the record")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sweeper.Stop()
	sweeper.Stop() // idempotent
}

func TestSweeperDisabledWithoutInterval(t *testing.T) {
	sweeper := NewApprovalSweeper(NewMemoryApprovalStore(), 0, nil)
	sweeper.Start()
	sweeper.Stop()
}
