// Package vector defines the interface to the external similarity index
// and its Qdrant implementation. The index stores one point per knowledge
// record, keyed by the record id, with a denormalized metadata snapshot.
// The canonical store remains the source of truth: the index may hold
// stale or missing metadata and the retrieval pipeline must reconcile.
package vector

import (
	"context"
	"errors"
)

// ErrNotFound may be returned by delete operations when the point does
// not exist. Callers must treat it as success — deletes are idempotent.
// Backends whose delete is natively idempotent (Qdrant) never return it.
var ErrNotFound = errors.New("vector: point not found")

// Payload is the metadata snapshot stored alongside each vector. It may
// be incomplete for points written by an older schema; use Complete to
// decide whether it can be trusted.
type Payload struct {
	// Question is the record's question text at sync time.
	Question string
	// Answer is the record's answer text at sync time.
	Answer string
	// Language is the record's language tag at sync time.
	Language string
}

// Complete reports whether the payload carries enough metadata to build
// a search result without consulting the canonical store.
func (p Payload) Complete() bool {
	return p.Question != "" && p.Answer != ""
}

// Hit is a single similarity-search result.
type Hit struct {
	// ID is the point id (equals the knowledge record id).
	ID string
	// Score is the similarity score as returned by the index,
	// descending order assumed.
	Score float32
	// Payload is the stored metadata snapshot; nil when the point
	// carries no payload at all.
	Payload *Payload
}

// Stats reports aggregate index state.
type Stats struct {
	// TotalCount is the number of points in the namespace.
	TotalCount uint64
}

// Index is the interface to the external vector index. A "not found"
// outcome on any delete operation must be treated as success — deletes
// are idempotent. Implementations must be safe to call from multiple
// goroutines.
type Index interface {
	// Upsert stores or replaces the vector and metadata for one record.
	Upsert(ctx context.Context, id string, vec []float32, payload Payload) error

	// Query returns the topK nearest points to vec, best first.
	Query(ctx context.Context, vec []float32, topK int) ([]Hit, error)

	// DeleteOne removes a single point by id.
	DeleteOne(ctx context.Context, id string) error

	// DeleteMany removes a batch of points by id.
	DeleteMany(ctx context.Context, ids []string) error

	// DeleteAll clears the entire namespace. An already-empty namespace
	// is success.
	DeleteAll(ctx context.Context) error

	// Stats reports the current point count.
	Stats(ctx context.Context) (Stats, error)

	// Close releases any resources held by the index client.
	Close() error
}
