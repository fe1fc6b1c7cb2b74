// SPDX-License-Identifier: Apache-2.0

package skill

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
)

// Rating is one user rating of a skill, 1 (worst) to 5 (best).
type Rating struct {
	SkillID   string    `json:"skill_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RatingStore persists skill ratings.
type RatingStore interface {
	Add(ctx context.Context, r Rating) error
	// BySkill returns a skill's ratings, newest first.
	BySkill(ctx context.Context, skillID string) ([]Rating, error)
}

// FeedbackConfig tunes when poor ratings trigger a refinement.
type FeedbackConfig struct {
	// RefineRatingThreshold is the average rating below which a
	// refinement is enqueued. Defaults to 3.0.
	RefineRatingThreshold float64
	// RefineMinRatings is the minimum rating count before the average
	// is trusted. Defaults to 3.
	RefineMinRatings int
	// RecentComments caps how many comments feed the refinement.
	// Defaults to 3.
	RecentComments int
}

// FeedbackService records ratings and converts sustained poor feedback
// into refinement observations for the evolution engine.
type FeedbackService struct {
	ratings RatingStore
	service *Service
	engine  *Engine
	cfg     FeedbackConfig
}

// NewFeedbackService builds a FeedbackService. engine may be nil, in
// which case ratings are stored but never trigger refinement.
func NewFeedbackService(ratings RatingStore, service *Service, engine *Engine, cfg FeedbackConfig) (*FeedbackService, error) {
	if ratings == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "feedback service requires a rating store", nil)
	}
	if service == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "feedback service requires a skill service", nil)
	}
	if cfg.RefineRatingThreshold <= 0 {
		cfg.RefineRatingThreshold = 3.0
	}
	if cfg.RefineMinRatings <= 0 {
		cfg.RefineMinRatings = 3
	}
	if cfg.RecentComments <= 0 {
		cfg.RecentComments = 3
	}
	return &FeedbackService{ratings: ratings, service: service, engine: engine, cfg: cfg}, nil
}

// Submit validates and records a rating. When the skill's average drops
// below the refinement threshold with enough samples, a refinement
// observation is enqueued for the evolution engine. Returns the new
// average rating.
func (f *FeedbackService) Submit(ctx context.Context, r Rating) (float64, error) {
	if r.Rating < 1 || r.Rating > 5 {
		return 0, kerrors.New(kerrors.CodeInvalidInput,
			fmt.Sprintf("rating must be between 1 and 5, got %d", r.Rating), nil)
	}
	sk, err := f.service.Get(ctx, r.SkillID)
	if err != nil {
		return 0, err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if err := f.ratings.Add(ctx, r); err != nil {
		return 0, err
	}

	all, err := f.ratings.BySkill(ctx, r.SkillID)
	if err != nil {
		return 0, err
	}
	var sum int
	for _, rating := range all {
		sum += rating.Rating
	}
	avg := float64(sum) / float64(len(all))

	if f.engine != nil && sk.Level == LevelSpecific &&
		len(all) >= f.cfg.RefineMinRatings && avg < f.cfg.RefineRatingThreshold {
		feedback := f.collectComments(all)
		if feedback != "" {
			f.engine.Enqueue(Observation{
				ThreadID: r.ThreadID,
				SkillID:  r.SkillID,
				Success:  false,
				Feedback: feedback,
			})
			slog.Info("poor ratings triggered refinement",
				slog.String("skill", sk.Name),
				slog.Float64("average", avg),
				slog.Int("ratings", len(all)))
		}
	}
	return avg, nil
}

// Ratings returns a skill's ratings, newest first.
func (f *FeedbackService) Ratings(ctx context.Context, skillID string) ([]Rating, error) {
	return f.ratings.BySkill(ctx, skillID)
}

func (f *FeedbackService) collectComments(all []Rating) string {
	var comments []string
	for _, rating := range all {
		if c := strings.TrimSpace(rating.Comment); c != "" {
			comments = append(comments, c)
		}
		if len(comments) == f.cfg.RecentComments {
			break
		}
	}
	return strings.Join(comments, "\n")
}

// MemoryRatingStore is an in-memory RatingStore.
type MemoryRatingStore struct {
	mu      sync.RWMutex
	bySkill map[string][]Rating
}

// NewMemoryRatingStore creates an empty in-memory rating store.
func NewMemoryRatingStore() *MemoryRatingStore {
	return &MemoryRatingStore{bySkill: make(map[string][]Rating)}
}

func (m *MemoryRatingStore) Add(ctx context.Context, r Rating) error {
	if r.SkillID == "" {
		return kerrors.New(kerrors.CodeInvalidInput, "rating requires a skill id", nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySkill[r.SkillID] = append(m.bySkill[r.SkillID], r)
	return nil
}

func (m *MemoryRatingStore) BySkill(ctx context.Context, skillID string) ([]Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ratings := m.bySkill[skillID]
	out := make([]Rating, len(ratings))
	for i, r := range ratings {
		out[len(ratings)-1-i] = r
	}
	return out, nil
}

var _ RatingStore = (*MemoryRatingStore)(nil)

// SQLiteRatingStore persists ratings in SQLite.
type SQLiteRatingStore struct {
	db *sql.DB
}

// NewSQLiteRatingStore creates a SQLite-backed rating store and ensures
// schema.
func NewSQLiteRatingStore(db *sql.DB) (*SQLiteRatingStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS skill_ratings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			skill_id TEXT NOT NULL,
			thread_id TEXT,
			rating INTEGER NOT NULL,
			comment TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_skill_ratings_skill ON skill_ratings (skill_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("ensure rating schema: %w", err)
		}
	}
	return &SQLiteRatingStore{db: db}, nil
}

func (s *SQLiteRatingStore) Add(ctx context.Context, r Rating) error {
	if r.SkillID == "" {
		return kerrors.New(kerrors.CodeInvalidInput, "rating requires a skill id", nil)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skill_ratings (skill_id, thread_id, rating, comment, created_at)
		VALUES (?, ?, ?, ?, ?)
	`,
		r.SkillID, nullableText(r.ThreadID), r.Rating, nullableText(r.Comment),
		r.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "insert rating", err)
	}
	return nil
}

func (s *SQLiteRatingStore) BySkill(ctx context.Context, skillID string) ([]Rating, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT skill_id, thread_id, rating, comment, created_at
		FROM skill_ratings
		WHERE skill_id = ?
		ORDER BY created_at DESC, id DESC
	`, skillID)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "list ratings", err)
	}
	defer rows.Close()

	var out []Rating
	for rows.Next() {
		var (
			r                 Rating
			threadID, comment sql.NullString
			createdAt         int64
		)
		if err := rows.Scan(&r.SkillID, &threadID, &r.Rating, &comment, &createdAt); err != nil {
			return nil, kerrors.New(kerrors.CodeUnavailable, "scan rating", err)
		}
		r.ThreadID = threadID.String
		r.Comment = comment.String
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ RatingStore = (*SQLiteRatingStore)(nil)
