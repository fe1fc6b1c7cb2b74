package skill

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

func newFeedbackFixture(t *testing.T) (*FeedbackService, *Engine, *Service, *Skill) {
	t.Helper()
	svc := newTestService(t)
	_, _, specific := seedTestTree(t, svc)
	engine := NewEngine(svc, nil, nil, nil, nil, EngineConfig{QueueSize: 16})
	fb, err := NewFeedbackService(NewMemoryRatingStore(), svc, engine, FeedbackConfig{})
	if err != nil {
		t.Fatalf("new feedback service: %v", err)
	}
	return fb, engine, svc, specific
}

func TestSubmitValidatesRating(t *testing.T) {
	fb, _, _, specific := newFeedbackFixture(t)
	ctx := context.Background()

	for _, bad := range []int{0, -1, 6} {
		if _, err := fb.Submit(ctx, Rating{SkillID: specific.ID, Rating: bad}); !kerrors.IsCode(err, kerrors.CodeInvalidInput) {
			t.Fatalf("rating %d error = %v", bad, err)
		}
	}
	if _, err := fb.Submit(ctx, Rating{SkillID: "missing", Rating: 3}); !kerrors.IsCode(err, kerrors.CodeNotFound) {
		t.Fatalf("unknown skill error = %v", err)
	}
}

func TestSubmitComputesAverage(t *testing.T) {
	fb, _, _, specific := newFeedbackFixture(t)
	ctx := context.Background()

	if avg, err := fb.Submit(ctx, Rating{SkillID: specific.ID, Rating: 5}); err != nil || avg != 5 {
		t.Fatalf("avg = %f err = %v", avg, err)
	}
	if avg, err := fb.Submit(ctx, Rating{SkillID: specific.ID, Rating: 3}); err != nil || avg != 4 {
		t.Fatalf("avg = %f err = %v", avg, err)
	}
	ratings, err := fb.Ratings(ctx, specific.ID)
	if err != nil || len(ratings) != 2 {
		t.Fatalf("ratings: %v %+v", err, ratings)
	}
	if ratings[0].Rating != 3 {
		t.Fatalf("ratings not newest first: %+v", ratings)
	}
}

func TestPoorRatingsTriggerRefinement(t *testing.T) {
	fb, engine, svc, specific := newFeedbackFixture(t)
	ctx := context.Background()

	// Two poor ratings: below the minimum sample size, nothing queued.
	for i := 0; i < 2; i++ {
		if _, err := fb.Submit(ctx, Rating{
			SkillID: specific.ID, Rating: 1, Comment: "answers are too long",
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if len(engine.queue) != 0 {
		t.Fatalf("refinement queued too early: %d", len(engine.queue))
	}

	// Third poor rating crosses min samples with average 1.0 < 3.0.
	if _, err := fb.Submit(ctx, Rating{
		SkillID: specific.ID, Rating: 1, Comment: "way too verbose",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(engine.queue) != 1 {
		t.Fatalf("refinement not queued: %d", len(engine.queue))
	}

	engine.Start()
	t.Cleanup(engine.Stop)
	drain(t, engine)

	got, err := svc.Get(ctx, specific.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	joined := strings.Join(got.Content.Knowledge, "\n")
	if !strings.Contains(joined, "too verbose") && !strings.Contains(joined, "too long") {
		t.Fatalf("feedback comments not folded into skill: %v", got.Content.Knowledge)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d", got.Version)
	}
}

func TestGoodRatingsNeverTriggerRefinement(t *testing.T) {
	fb, engine, _, specific := newFeedbackFixture(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := fb.Submit(ctx, Rating{SkillID: specific.ID, Rating: 5, Comment: "great"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if len(engine.queue) != 0 {
		t.Fatalf("good ratings queued refinement: %d", len(engine.queue))
	}
}

func TestPoorRatingsOnDomainSkillDoNotRefine(t *testing.T) {
	svc := newTestService(t)
	_, domain, _ := seedTestTree(t, svc)
	engine := NewEngine(svc, nil, nil, nil, nil, EngineConfig{QueueSize: 16})
	fb, err := NewFeedbackService(NewMemoryRatingStore(), svc, engine, FeedbackConfig{})
	if err != nil {
		t.Fatalf("new feedback service: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := fb.Submit(ctx, Rating{SkillID: domain.ID, Rating: 1, Comment: "bad"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if len(engine.queue) != 0 {
		t.Fatalf("refinement queued for a domain skill: %d", len(engine.queue))
	}
}

func TestSQLiteRatingStore(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := NewSQLiteRatingStore(db)
	if err != nil {
		t.Fatalf("new rating store: %v", err)
	}
	ctx := context.Background()

	if err := store.Add(ctx, Rating{Rating: 3}); !kerrors.IsCode(err, kerrors.CodeInvalidInput) {
		t.Fatalf("missing skill id error = %v", err)
	}
	for i, r := range []int{2, 4, 5} {
		if err := store.Add(ctx, Rating{
			SkillID: "sk-1", ThreadID: "t-1", Rating: r, Comment: strings.Repeat("c", i+1),
		}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	if err := store.Add(ctx, Rating{SkillID: "sk-2", Rating: 1}); err != nil {
		t.Fatalf("add other skill: %v", err)
	}

	got, err := store.BySkill(ctx, "sk-1")
	if err != nil {
		t.Fatalf("by skill: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("ratings = %d", len(got))
	}
	if got[0].Rating != 5 || got[0].Comment != "ccc" {
		t.Fatalf("not newest first: %+v", got[0])
	}
	if got[0].ThreadID != "t-1" || got[0].CreatedAt.IsZero() {
		t.Fatalf("fields lost: %+v", got[0])
	}
}
