// SPDX-License-Identifier: Apache-2.0

package skill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	kerrors "github.com/kelicblan/seerlord-ai/pkg/errors"
	"github.com/kelicblan/seerlord-ai/pkg/memory"
)

// DefaultCollection is the vector collection skills are indexed in.
const DefaultCollection = "skills"

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store    Store
	Vector   memory.VectorStore
	Embedder memory.Embedder

	// Collection defaults to DefaultCollection.
	Collection string
	// VectorSize must match the embedder output dimension.
	VectorSize uint64
}

// Service combines the relational store with the vector index. Every
// mutation keeps both sides in sync: the store is the source of truth,
// the index holds one point per skill keyed by skill id.
type Service struct {
	store      Store
	vector     memory.VectorStore
	embedder   memory.Embedder
	collection string
	vectorSize uint64
}

// Match pairs a skill with its semantic similarity score.
type Match struct {
	Skill *Skill
	Score float32
}

// NewService validates the wiring and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "skill service requires a store", nil)
	}
	if cfg.Vector == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "skill service requires a vector store", nil)
	}
	if cfg.Embedder == nil {
		return nil, kerrors.New(kerrors.CodeConfiguration, "skill service requires an embedder", nil)
	}
	if cfg.Collection == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.VectorSize == 0 {
		return nil, kerrors.New(kerrors.CodeConfiguration, "skill service requires a vector size", nil)
	}
	return &Service{
		store:      cfg.Store,
		vector:     cfg.Vector,
		embedder:   cfg.Embedder,
		collection: cfg.Collection,
		vectorSize: cfg.VectorSize,
	}, nil
}

// Initialize makes sure the vector collection exists and re-indexes any
// skills the index does not know about yet. Safe to call on every boot.
func (s *Service) Initialize(ctx context.Context) error {
	if err := s.vector.CreateCollection(ctx, s.collection, s.vectorSize); err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "create skill collection", err)
	}
	skills, err := s.store.List(ctx, ListFilter{})
	if err != nil {
		return err
	}
	for _, sk := range skills {
		if err := s.index(ctx, sk); err != nil {
			return err
		}
	}
	if len(skills) > 0 {
		slog.Info("skill index ready",
			slog.Int("skills", len(skills)),
			slog.String("collection", s.collection))
	}
	return nil
}

// Create persists a new skill, indexes it and records history.
func (s *Service) Create(ctx context.Context, sk *Skill, actingAgent, change string) (*Skill, error) {
	if err := s.store.Create(ctx, sk); err != nil {
		return nil, err
	}
	if err := s.index(ctx, sk); err != nil {
		return nil, err
	}
	if change == "" {
		change = "created"
	}
	s.appendHistory(ctx, HistoryEntry{
		SkillID:           sk.ID,
		Version:           sk.Version,
		ChangeDescription: change,
		SnapshotContent:   sk.Content,
		ActingAgentID:     actingAgent,
	})
	return sk.Clone(), nil
}

// Update applies an optimistic-concurrency update: the history snapshot
// of the prior content is written first, then the row flips only if the
// stored version still equals expectedVersion.
func (s *Service) Update(ctx context.Context, sk *Skill, expectedVersion int, actingAgent, change string) (*Skill, error) {
	prior, err := s.store.Get(ctx, sk.ID)
	if err != nil {
		return nil, err
	}
	s.appendHistory(ctx, HistoryEntry{
		SkillID:           sk.ID,
		Version:           prior.Version,
		ChangeDescription: change,
		SnapshotContent:   prior.Content,
		ActingAgentID:     actingAgent,
	})
	if err := s.store.Update(ctx, sk, expectedVersion); err != nil {
		return nil, err
	}
	if err := s.index(ctx, sk); err != nil {
		return nil, err
	}
	return sk.Clone(), nil
}

// Delete removes a childless skill from the store and the index.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.vector.Delete(ctx, s.collection, []string{id}); err != nil {
		slog.Warn("skill removed but vector delete failed",
			slog.String("skill_id", id),
			slog.String("error", err.Error()))
	}
	return nil
}

// Get returns a skill by id.
func (s *Service) Get(ctx context.Context, id string) (*Skill, error) {
	return s.store.Get(ctx, id)
}

// GetByName returns a skill by exact name.
func (s *Service) GetByName(ctx context.Context, name string) (*Skill, error) {
	return s.store.GetByName(ctx, name)
}

// List returns skills matching the filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Skill, error) {
	return s.store.List(ctx, filter)
}

// History returns the audit trail of a skill, newest first.
func (s *Service) History(ctx context.Context, skillID string) ([]HistoryEntry, error) {
	return s.store.History(ctx, skillID)
}

// RecordUsage bumps usage counters. Failures are logged, not returned:
// stats must never break the execution path.
func (s *Service) RecordUsage(ctx context.Context, id string, success bool) {
	if err := s.store.UpdateStats(ctx, id, success, time.Now()); err != nil {
		slog.Warn("skill usage update failed",
			slog.String("skill_id", id),
			slog.String("error", err.Error()))
	}
}

// EmbedQuery embeds free text with the service embedder. Routing embeds
// each request exactly once and reuses the vector across levels.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "embed query", err)
	}
	return vec, nil
}

// SearchLevel finds the closest skills at one tree level. Hits whose
// rows have vanished from the store are skipped with a warning; the
// index is a cache, the store decides.
func (s *Service) SearchLevel(ctx context.Context, vector []float32, level int, category string, limit int, threshold float32) ([]Match, error) {
	filter := memory.Filter{"level": level}
	if category != "" {
		filter["category"] = category
	}
	results, err := s.vector.Search(ctx, s.collection, vector, limit, threshold, filter)
	if err != nil {
		return nil, kerrors.New(kerrors.CodeUnavailable, "search skills", err)
	}
	matches := make([]Match, 0, len(results))
	for _, res := range results {
		sk, err := s.store.Get(ctx, res.ID)
		if err != nil {
			if kerrors.IsCode(err, kerrors.CodeNotFound) {
				slog.Warn("vector hit without a store row, skipping",
					slog.String("skill_id", res.ID),
					slog.Int("level", level))
				continue
			}
			return nil, err
		}
		matches = append(matches, Match{Skill: sk, Score: res.Score})
	}
	return matches, nil
}

// ResolveChain walks parent links up to the root. The returned slice
// starts at the skill itself; ok is false when the chain is broken or
// does not terminate at level 3, meaning the skill is an orphan.
func (s *Service) ResolveChain(ctx context.Context, sk *Skill) ([]*Skill, bool) {
	chain := []*Skill{sk}
	current := sk
	for current.Level < LevelMeta {
		if current.ParentID == "" {
			return chain, false
		}
		parent, err := s.store.Get(ctx, current.ParentID)
		if err != nil {
			return chain, false
		}
		if parent.Level != current.Level+1 {
			return chain, false
		}
		chain = append(chain, parent)
		current = parent
	}
	return chain, true
}

// MetaSkill returns the level-3 fallback: the category's meta skill if
// one exists, otherwise any meta skill. No meta skill at all is a
// wiring error.
func (s *Service) MetaSkill(ctx context.Context, category string) (*Skill, error) {
	if category != "" {
		metas, err := s.store.List(ctx, ListFilter{Level: LevelMeta, Category: category})
		if err != nil {
			return nil, err
		}
		if len(metas) > 0 {
			return metas[0], nil
		}
	}
	metas, err := s.store.List(ctx, ListFilter{Level: LevelMeta})
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, kerrors.New(kerrors.CodeConfiguration,
			"no level-3 meta skill registered, routing has no fallback", nil)
	}
	return metas[0], nil
}

// index writes the skill's point into the vector collection.
func (s *Service) index(ctx context.Context, sk *Skill) error {
	vec, err := s.embedder.Embed(ctx, sk.EmbeddingText())
	if err != nil {
		return kerrors.New(kerrors.CodeUnavailable, "embed skill", err)
	}
	point := memory.Point{
		ID:     sk.ID,
		Vector: vec,
		Payload: map[string]interface{}{
			"skill_id": sk.ID,
			"name":     sk.Name,
			"level":    sk.Level,
			"category": sk.Category,
		},
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.vector.Upsert(ctx, s.collection, []memory.Point{point}); err != nil {
		return kerrors.New(kerrors.CodeUnavailable, fmt.Sprintf("index skill %s", sk.Name), err)
	}
	return nil
}

func (s *Service) appendHistory(ctx context.Context, entry HistoryEntry) {
	if err := s.store.AppendHistory(ctx, entry); err != nil {
		slog.Warn("skill history append failed",
			slog.String("skill_id", entry.SkillID),
			slog.String("error", err.Error()))
	}
}
