package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsdesk/kbsearch/internal/embedder"
	"github.com/opsdesk/kbsearch/internal/knowledge"
	"github.com/opsdesk/kbsearch/internal/pipeline"
	"github.com/opsdesk/kbsearch/internal/reranker"
	"github.com/opsdesk/kbsearch/internal/syncer"
	"github.com/opsdesk/kbsearch/internal/vector"
)

// app bundles the wired core components shared by every subcommand.
// Build order is fixed: store → embedder → index → reranker → engine →
// searcher, so each component only depends on ones already built.
type app struct {
	// store is the canonical SQLite record store.
	store *knowledge.SQLiteStore
	// embedder is the configured embedding backend.
	embedder embedder.Embedder
	// index is the Qdrant vector index; nil when QDRANT_HOST is unset.
	index vector.Index
	// qdrant is the concrete index, kept for the readiness probe. Nil
	// when no index is configured.
	qdrant *vector.QdrantIndex
	// rerank is the rerank provider; nil when RERANK_ENDPOINT is unset.
	rerank reranker.Client
	// usage tracks rerank billing units.
	usage *reranker.UsageCounter
	// engine keeps the index consistent with the store.
	engine *syncer.Engine
	// searcher runs the retrieval pipeline.
	searcher *pipeline.Searcher
	// registry holds all component metrics for /metrics exposition.
	registry *prometheus.Registry
}

// Close releases the app's resources: drains in-flight sync triggers,
// then closes the index connection and the store.
func (a *app) Close() {
	a.engine.Close()
	if a.qdrant != nil {
		_ = a.qdrant.Close()
	}
	_ = a.store.Close()
}

// buildApp wires all core components from the environment. The vector
// index and reranker are both optional: without an index the system runs
// storage-only (search reports unavailable), without a reranker search
// degrades to vector ordering.
func buildApp(ctx context.Context, log *slog.Logger) (*app, error) {
	reg := prometheus.NewRegistry()

	dbPath := os.Getenv("KBSEARCH_DB")
	if dbPath == "" {
		var err error
		dbPath, err = knowledge.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
	}
	store, err := knowledge.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", dbPath, err)
	}
	log.Info("store opened", slog.String("path", dbPath))

	if err := embedder.Validate(log); err != nil {
		_ = store.Close()
		return nil, err
	}
	emb, err := embedder.NewFromEnv()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initialise embedder: %w", err)
	}
	backend := embedder.Backend()
	log.Info("embedder initialised", slog.String("provider", backend))

	a := &app{store: store, embedder: emb, registry: reg}

	collection := getEnvOrDefault("QDRANT_COLLECTION", "kb-records")
	if host := os.Getenv("QDRANT_HOST"); host != "" {
		dims := embedder.DefaultDimensions(backend)
		idx, err := vector.NewQdrantIndex(ctx, &vector.QdrantConfig{
			Host:       host,
			Port:       getEnvInt("QDRANT_PORT", 6334),
			Collection: collection,
			VectorSize: uint64(dims), //nolint:gosec // dimensions are bounded
			APIKey:     os.Getenv("QDRANT_API_KEY"),
			UseTLS:     os.Getenv("QDRANT_TLS") == "true",
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect to Qdrant at %s: %w", host, err)
		}
		a.index = idx
		a.qdrant = idx
		log.Info("vector index ready",
			slog.String("host", host),
			slog.String("collection", collection),
		)
	} else {
		log.Warn("QDRANT_HOST not set — running storage-only, search unavailable")
	}

	var dailyLimit *int
	if v := getEnvInt("RERANK_DAILY_LIMIT", 0); v > 0 {
		dailyLimit = &v
	}
	a.usage = reranker.NewUsageCounter(dailyLimit)

	var models []string
	if endpoint := os.Getenv("RERANK_ENDPOINT"); endpoint != "" {
		a.rerank = reranker.NewHTTPClient(&reranker.HTTPConfig{
			Endpoint: endpoint,
			APIKey:   os.Getenv("RERANK_API_KEY"),
		})
		models = splitModels(os.Getenv("RERANK_MODELS"))
		if len(models) == 0 {
			log.Warn("RERANK_ENDPOINT set but RERANK_MODELS empty — reranking disabled")
		}
	}

	a.engine = syncer.NewEngine(store, emb, a.index, reg, log, syncer.Config{
		MaxAttempts: getEnvInt("SYNC_MAX_ATTEMPTS", 0),
		RetryDelay:  time.Duration(getEnvInt("SYNC_RETRY_DELAY_SECONDS", 0)) * time.Second,
	})

	a.searcher = pipeline.NewSearcher(emb, a.index, store, a.rerank, a.usage, reg, pipeline.Config{
		Namespace:      collection,
		RerankModels:   models,
		MinRerankScore: getEnvFloat("RERANK_MIN_SCORE", 0),
	})

	return a, nil
}

// currentSyncStatus re-reads a record's sync status for CLI output.
func currentSyncStatus(ctx context.Context, a *app, id string) string {
	rec, err := a.store.Get(ctx, id)
	if err != nil {
		return "unknown"
	}
	return string(rec.SyncStatus)
}

// splitModels parses a comma-separated model list, dropping empties.
func splitModels(raw string) []string {
	var models []string
	for _, m := range strings.Split(raw, ",") {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	return models
}

// getEnvOrDefault returns the env value for key, or fallback when unset.
func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt returns the integer env value for key, or fallback when
// unset or malformed.
func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// getEnvFloat returns the float env value for key, or fallback when
// unset or malformed.
func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
