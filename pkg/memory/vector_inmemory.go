package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// InMemoryVectorStore is a process-local VectorStore with cosine scoring.
// Suitable for development, testing, and single-instance deployments where
// running Qdrant is not worth the operational cost.
type InMemoryVectorStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Point
	dims        map[string]uint64
}

// NewInMemoryVectorStore creates an empty in-memory vector store.
func NewInMemoryVectorStore() *InMemoryVectorStore {
	return &InMemoryVectorStore{
		collections: make(map[string]map[string]Point),
		dims:        make(map[string]uint64),
	}
}

// CreateCollection registers a collection. Creating an existing collection
// is a no-op so callers can ensure-create on startup.
func (s *InMemoryVectorStore) CreateCollection(_ context.Context, name string, vectorSize uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		return nil
	}
	s.collections[name] = make(map[string]Point)
	s.dims[name] = vectorSize
	return nil
}

// Upsert adds or replaces points by ID.
func (s *InMemoryVectorStore) Upsert(_ context.Context, collection string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]Point)
		s.collections[collection] = coll
	}
	for _, p := range points {
		if p.ID == "" {
			return fmt.Errorf("vector point requires an id")
		}
		coll[p.ID] = p
	}
	return nil
}

// Delete removes points by ID. Unknown IDs are ignored.
func (s *InMemoryVectorStore) Delete(_ context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(coll, id)
	}
	return nil
}

// Search returns the points nearest to vector by cosine similarity, best
// first, honoring the payload filter and score threshold.
func (s *InMemoryVectorStore) Search(_ context.Context, collection string, vector []float32, limit int, scoreThreshold float32, filter Filter) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", collection)
	}

	results := make([]SearchResult, 0, len(coll))
	for _, p := range coll {
		if len(filter) > 0 && !filter.Matches(p.Payload) {
			continue
		}
		score := cosineSimilarity(vector, p.Vector)
		if score < scoreThreshold {
			continue
		}
		results = append(results, SearchResult{ID: p.ID, Score: score, Point: p})
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ VectorStore = (*InMemoryVectorStore)(nil)
