package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// PseudoEmbedder is a deterministic, offline Embedder used when no real
// provider is configured. It hashes word tokens into a fixed-dimension
// bag-of-words vector and L2-normalizes the result, so identical texts
// always produce identical vectors and texts sharing words land near each
// other under cosine similarity. Quality is far below a real embedding
// model; the point is to keep the pipeline functional for local
// development and tests.
type PseudoEmbedder struct {
	// dimensions is the output vector length.
	dimensions int
}

// NewPseudoEmbedder constructs a PseudoEmbedder with the given output
// dimension (minimum 8).
func NewPseudoEmbedder(dimensions int) *PseudoEmbedder {
	if dimensions < 8 {
		dimensions = 8
	}
	return &PseudoEmbedder{dimensions: dimensions}
}

// Embed produces deterministic pseudo-embeddings. Intent is ignored —
// the hash is symmetric, so query and document vectors for the same text
// coincide, which is exactly what offline matching needs.
func (e *PseudoEmbedder) Embed(_ context.Context, texts []string, _ Intent) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embedOne(text)
	}
	return out, nil
}

// embedOne hashes each lowercased token into a bucket and accumulates,
// then normalizes to unit length.
func (e *PseudoEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dimensions)

	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		bucket := int(sum % uint64(e.dimensions))
		// Sign bit from the hash spreads tokens across both directions.
		if sum&(1<<63) != 0 {
			vec[bucket] -= 1
		} else {
			vec[bucket] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
