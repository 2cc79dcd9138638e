package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsdesk/kbsearch/internal/knowledge"
	"github.com/opsdesk/kbsearch/internal/pipeline"
	"github.com/opsdesk/kbsearch/internal/reranker"
	"github.com/opsdesk/kbsearch/internal/syncer"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on rate-limited
	// endpoints (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// Registry receives the server's Prometheus metrics and backs
	// GET /metrics. If nil, the default registry is used.
	Registry *prometheus.Registry
}

// searcher is the interface handleSearch calls to run a query.
// *pipeline.Searcher satisfies it; tests inject a fake.
type searcher interface {
	Search(ctx context.Context, query string, topK int) (*pipeline.Result, error)
}

// Deps holds the core components the server exposes over HTTP.
type Deps struct {
	// Store is the canonical record store.
	Store *knowledge.SQLiteStore
	// Engine keeps the vector index consistent with the store.
	Engine *syncer.Engine
	// Searcher runs the retrieval pipeline. May be a fake in tests.
	Searcher searcher
	// Usage tracks rerank billing units for GET /api/rerank/usage.
	Usage *reranker.UsageCounter
}

// Server is the HTTP server over the knowledge store, sync engine, and
// retrieval pipeline.
type Server struct {
	// store is the canonical record store.
	store *knowledge.SQLiteStore
	// engine synchronizes records to the vector index.
	engine *syncer.Engine
	// searcher runs search requests.
	searcher searcher
	// usage is the rerank usage counter.
	usage *reranker.UsageCounter
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the server's Prometheus instruments.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// createRecordRequest is the JSON body for POST /api/records.
type createRecordRequest struct {
	// Question is the canonical question text.
	Question string `json:"question"`
	// Answer is the canonical answer text.
	Answer string `json:"answer"`
	// Language is an optional language tag; defaults to the store default.
	Language string `json:"language,omitempty"`
}

// createRecordResponse is the JSON response for POST /api/records.
type createRecordResponse struct {
	// Record is the stored record, after any duplicate replacement.
	Record *knowledge.Record `json:"record"`
	// Replaced is true when an existing record with the same normalized
	// question was overwritten instead of a new one being created.
	Replaced bool `json:"replaced"`
}

// updateRecordRequest is the JSON body for PUT /api/records/{id}.
type updateRecordRequest struct {
	// Question is the new question text.
	Question string `json:"question"`
	// Answer is the new answer text.
	Answer string `json:"answer"`
	// Language optionally changes the language tag.
	Language string `json:"language,omitempty"`
}

// listRecordsResponse is the JSON response for GET /api/records.
type listRecordsResponse struct {
	// Records is the requested page.
	Records []*knowledge.Record `json:"records"`
	// Total is the number of records matching the search across all pages.
	Total int `json:"total"`
	// Page is the 1-based page that was returned.
	Page int `json:"page"`
	// PageSize is the page size that was applied.
	PageSize int `json:"page_size"`
}

// searchRequest is the JSON body for POST /api/search.
type searchRequest struct {
	// Query is the free-text question to search for.
	Query string `json:"query"`
	// TopK bounds the number of results; 0 selects the default.
	TopK int `json:"top_k"`
}

// errorResponse is the JSON body for all error statuses.
type errorResponse struct {
	// Error is the human-readable failure reason.
	Error string `json:"error"`
}
