package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// HashEmbedder produces deterministic embeddings from token hashes. It has
// no notion of semantics beyond token overlap, but it is dependency-free,
// stable across runs, and good enough for tests and air-gapped setups where
// no embedding model is reachable.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hash embedder with the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

// Embed converts text into a normalized bag-of-tokens vector. Each token
// contributes weight to a handful of hashed buckets so similar texts end up
// with similar vectors.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dim)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(token))
		seed := h.Sum64()
		// Spread each token over three buckets with alternating sign.
		for i := 0; i < 3; i++ {
			bucket := int((seed >> (i * 16)) % uint64(e.dim))
			sign := float32(1)
			if (seed>>(i*16+7))&1 == 1 {
				sign = -1
			}
			vec[bucket] += sign
		}
	}
	normalize(vec)
	return vec, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
}

var _ Embedder = (*HashEmbedder)(nil)
