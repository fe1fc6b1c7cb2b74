// Package memory provides vector, conversation and key-value memory backends
// for the kernel, plus the embedding helpers they share.
package memory

import "context"

// Filter restricts a vector search to points whose payload fields equal the
// given values. A nil or empty filter matches every point.
type Filter map[string]interface{}

// VectorStore defines the interface for a vector database.
type VectorStore interface {
	// Upsert adds or updates points in the vector store.
	Upsert(ctx context.Context, collection string, points []Point) error
	// Search searches for the nearest vectors to the given vector,
	// optionally restricted by a payload filter.
	Search(ctx context.Context, collection string, vector []float32, limit int, scoreThreshold float32, filter Filter) ([]SearchResult, error)
	// Delete removes points by ID.
	Delete(ctx context.Context, collection string, ids []string) error
	// CreateCollection creates a new collection if it doesn't exist.
	CreateCollection(ctx context.Context, name string, vectorSize uint64) error
}

// Point represents a data point in the vector store.
type Point struct {
	ID        string                 `json:"id"`
	Vector    []float32              `json:"vector"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp int64                  `json:"timestamp"`
}

// SearchResult represents a result from a vector search.
type SearchResult struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
	Point Point   `json:"point"`
}

// Embedder defines the interface for converting text to vectors.
type Embedder interface {
	// Embed converts a text string into a vector.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Matches reports whether the point payload satisfies the filter. Numeric
// payload values are compared loosely since JSON round-trips integers as
// float64.
func (f Filter) Matches(payload map[string]interface{}) bool {
	for key, want := range f {
		got, ok := payload[key]
		if !ok {
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func looseEqual(a, b interface{}) bool {
	if a == b {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
