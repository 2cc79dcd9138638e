// Package embedder provides implementations of the Embedder interface for
// converting text into dense vector embeddings. Each implementation talks
// to a different backend (OpenAI, Azure OpenAI, Ollama) via plain HTTP —
// no additional SDK dependencies are required. A deterministic offline
// fallback keeps the retrieval pipeline functional when no provider is
// configured.
package embedder

import "context"

// Intent distinguishes query-time embedding from ingestion-time embedding.
// Providers may optimize the two differently (asymmetric retrieval models
// prefix or route them separately), so callers must say which side of the
// search they are on.
type Intent string

const (
	// IntentQuery marks text a user is searching with.
	IntentQuery Intent = "query"
	// IntentDocument marks stored text being indexed.
	IntentDocument Intent = "document"
)

// Embedder is the interface for converting text into dense vector
// embeddings. Implementations must be safe to call from multiple
// goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings
	// with the given intent. The returned slice is parallel to the input
	// slice. An all-empty vector for a text is a valid outcome meaning the
	// provider could not embed it; callers decide how to degrade.
	Embed(ctx context.Context, texts []string, intent Intent) ([][]float32, error)
}
