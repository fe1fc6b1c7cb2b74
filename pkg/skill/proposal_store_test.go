package skill

import (
	"context"
	"database/sql"
	"testing"
	"time"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

func proposalStoresUnderTest(t *testing.T) map[string]ProposalStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	sqlite, err := NewSQLiteProposalStore(db)
	if err != nil {
		t.Fatalf("new sqlite proposal store: %v", err)
	}
	return map[string]ProposalStore{
		"memory": NewMemoryProposalStore(),
		"sqlite": sqlite,
	}
}

func TestProposalStoreLifecycle(t *testing.T) {
	for name, store := range proposalStoresUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			p := &Proposal{
				Category:   "learning",
				ParentName: "learn_general",
				MemberIDs:  []string{"a", "b", "c"},
				Similarity: 0.62,
			}
			if err := store.Create(ctx, p); err != nil {
				t.Fatalf("create: %v", err)
			}
			if p.ID == "" || p.Status != ProposalPending || p.CreatedAt.IsZero() {
				t.Fatalf("create defaults not applied: %+v", p)
			}

			got, err := store.Get(ctx, p.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.ParentName != "learn_general" || len(got.MemberIDs) != 3 || got.Similarity != 0.62 {
				t.Fatalf("round trip mismatch: %+v", got)
			}
			if _, err := store.Get(ctx, "missing"); !kerrors.IsCode(err, kerrors.CodeNotFound) {
				t.Fatalf("missing error = %v", err)
			}

			if err := store.UpdateStatus(ctx, p.ID, ProposalConfirmed, time.Now()); err != nil {
				t.Fatalf("update status: %v", err)
			}
			confirmed, err := store.List(ctx, ProposalConfirmed)
			if err != nil || len(confirmed) != 1 || confirmed[0].ResolvedAt == nil {
				t.Fatalf("confirmed list: %v %+v", err, confirmed)
			}
			pending, err := store.List(ctx, ProposalPending)
			if err != nil || len(pending) != 0 {
				t.Fatalf("pending list: %v %+v", err, pending)
			}
			all, err := store.List(ctx, "")
			if err != nil || len(all) != 1 {
				t.Fatalf("all list: %v %+v", err, all)
			}
			if err := store.UpdateStatus(ctx, "missing", ProposalRejected, time.Now()); !kerrors.IsCode(err, kerrors.CodeNotFound) {
				t.Fatalf("missing update error = %v", err)
			}
		})
	}
}
