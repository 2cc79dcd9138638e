// Package pipeline implements hybrid retrieval: embed the query, fetch
// nearest vectors, reconcile candidate metadata against the canonical
// store, rerank across a prioritized model chain with graceful
// degradation, gate on confidence, and assemble ranked results with a
// transparent trace of which stage produced the final ordering.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsdesk/kbsearch/internal/embedder"
	"github.com/opsdesk/kbsearch/internal/knowledge"
	"github.com/opsdesk/kbsearch/internal/logging"
	"github.com/opsdesk/kbsearch/internal/reranker"
	"github.com/opsdesk/kbsearch/internal/vector"
)

const (
	// defaultTopK is used when the caller passes topK <= 0.
	defaultTopK = 5
	// maxTopK bounds the candidate set; larger requests are clamped.
	maxTopK = 20
	// defaultMinRerankScore is the confidence gate threshold on the
	// rerank provider's native score scale. A top result below it means
	// the knowledge base has no relevant answer for this query.
	defaultMinRerankScore = 0.01
)

// ErrUnavailable is returned when search cannot run at all because no
// vector index is configured. Partial degradations (no reranker, stale
// metadata) never produce this — they degrade inside the pipeline.
var ErrUnavailable = errors.New("pipeline: search unavailable: vector index not configured")

// Config holds the retrieval pipeline settings.
type Config struct {
	// Namespace is the vector namespace name, reported in traces.
	Namespace string
	// RerankModels is the prioritized model chain: the first model that
	// succeeds with at least one result wins. Empty disables reranking.
	RerankModels []string
	// MinRerankScore overrides the confidence gate threshold
	// (default 0.01).
	MinRerankScore float64
}

// Searcher turns a free-text query into ranked question/answer matches.
// Safe for concurrent use.
type Searcher struct {
	// embedder produces the query vector.
	embedder embedder.Embedder
	// index is the vector index; nil means search is unavailable.
	index vector.Index
	// store backfills candidate metadata missing from the index.
	store *knowledge.SQLiteStore
	// rerank is the rerank provider; nil disables the rerank stage.
	rerank reranker.Client
	// usage records rerank billing units per day.
	usage *reranker.UsageCounter
	// cfg is the resolved pipeline configuration.
	cfg Config
	// metrics counts search outcomes.
	metrics *searchMetrics
}

// searchMetrics holds the Prometheus metrics owned by the pipeline.
type searchMetrics struct {
	// searchesTotal counts searches by outcome: "reranked", "vector",
	// "rejected", "error".
	searchesTotal *prometheus.CounterVec
	// candidatesDropped counts candidates discarded for having no
	// metadata in either the index or the canonical store.
	candidatesDropped prometheus.Counter
}

// newSearchMetrics registers pipeline metrics against reg.
func newSearchMetrics(reg prometheus.Registerer) *searchMetrics {
	searches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kbsearch",
		Subsystem: "search",
		Name:      "requests_total",
		Help:      "Total number of searches completed, partitioned by final ordering source.",
	}, []string{"outcome"})
	dropped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "kbsearch",
		Subsystem: "search",
		Name:      "candidates_dropped_total",
		Help:      "Candidates discarded because neither the index nor the canonical store had metadata.",
	})
	reg.MustRegister(searches, dropped)
	return &searchMetrics{searchesTotal: searches, candidatesDropped: dropped}
}

// NewSearcher constructs a retrieval pipeline. index may be nil (search
// reports unavailable); rerank may be nil (vector order only).
func NewSearcher(emb embedder.Embedder, index vector.Index, store *knowledge.SQLiteStore,
	rerank reranker.Client, usage *reranker.UsageCounter,
	reg prometheus.Registerer, cfg Config) *Searcher {
	if cfg.MinRerankScore <= 0 {
		cfg.MinRerankScore = defaultMinRerankScore
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if usage == nil {
		usage = reranker.NewUsageCounter(nil)
	}
	return &Searcher{
		embedder: emb,
		index:    index,
		store:    store,
		rerank:   rerank,
		usage:    usage,
		cfg:      cfg,
		metrics:  newSearchMetrics(reg),
	}
}

// Match is one ranked result.
type Match struct {
	// ID is the knowledge record id.
	ID string `json:"id"`
	// Score is the score of the winning ordering: the rerank score when
	// reranking applied, the vector score otherwise.
	Score float64 `json:"score"`
	// VectorScore is the similarity score from the vector query.
	VectorScore float64 `json:"vector_score"`
	// RerankScore is the rerank relevance score; nil when the final
	// ordering came from the vector stage.
	RerankScore *float64 `json:"rerank_score"`
	// Question is the matched record's question text.
	Question string `json:"question"`
	// Answer is the matched record's answer text.
	Answer string `json:"answer"`
	// Language is the matched record's language tag.
	Language string `json:"language"`
}

// Trace describes, per request, which stage produced the final ordering.
// It is ephemeral diagnostics, never persisted.
type Trace struct {
	// Namespace is the vector namespace that was queried.
	Namespace string `json:"namespace"`
	// TopK is the bounded candidate count that was requested.
	TopK int `json:"top_k"`
	// AttemptedModels lists every rerank model tried, in order.
	AttemptedModels []string `json:"attempted_models,omitempty"`
	// AppliedModel is the model whose ordering won; empty when vector
	// order was used.
	AppliedModel string `json:"applied_model,omitempty"`
	// RerankSkipReason explains in human terms why reranking was not
	// applied. Empty when a model was applied.
	RerankSkipReason string `json:"rerank_skip_reason,omitempty"`
	// RerankerRejected is true when the confidence gate emptied the
	// results.
	RerankerRejected bool `json:"reranker_rejected"`
	// TopRerankScore is the winning model's best score, recorded for
	// gate diagnostics. Nil when no model was applied.
	TopRerankScore *float64 `json:"top_rerank_score,omitempty"`
}

// Result is the outcome of one search.
type Result struct {
	// Matches is the final ranked answer list. Empty when nothing
	// matched or the confidence gate rejected the ordering.
	Matches []Match `json:"matches"`
	// Fallback carries the raw vector-ordered candidates when the
	// confidence gate rejected the reranked ordering, so a caller can
	// still offer them as an explicitly weak suggestion. Nil otherwise.
	Fallback []Match `json:"fallback,omitempty"`
	// RerankerRejected mirrors Trace.RerankerRejected for callers that
	// ignore the trace.
	RerankerRejected bool `json:"reranker_rejected"`
	// Trace records which stage produced the ordering.
	Trace Trace `json:"trace"`
}

// candidate is an internal reconciled hit.
type candidate struct {
	id          string
	vectorScore float64
	question    string
	answer      string
	language    string
}

// text returns the document representation handed to the reranker.
func (c *candidate) text() string {
	return c.question + "\n\n" + c.answer
}

// Search runs the full retrieval pipeline for query. topK <= 0 selects
// the default (5); values above 20 are clamped. A missing vector index
// is fatal (ErrUnavailable); a missing or failing reranker degrades to
// vector order.
func (s *Searcher) Search(ctx context.Context, query string, topK int) (*Result, error) {
	log := logging.FromContext(ctx)

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &knowledge.ValidationError{Field: "query", Reason: "must not be empty"}
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	if topK > maxTopK {
		topK = maxTopK
	}

	if s.index == nil {
		s.metrics.searchesTotal.WithLabelValues("error").Inc()
		return nil, ErrUnavailable
	}

	vecs, err := s.embedder.Embed(ctx, []string{query}, embedder.IntentQuery)
	if err != nil {
		s.metrics.searchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("pipeline: embed query: %w", err)
	}
	if len(vecs) == 0 {
		s.metrics.searchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("pipeline: embedder returned no vector for query")
	}

	hits, err := s.index.Query(ctx, vecs[0], topK)
	if err != nil {
		s.metrics.searchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("pipeline: vector query: %w", err)
	}

	candidates, err := s.reconcile(ctx, hits)
	if err != nil {
		s.metrics.searchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	trace := Trace{Namespace: s.cfg.Namespace, TopK: topK}
	result := &Result{Trace: trace}

	if len(candidates) == 0 {
		result.Matches = []Match{}
		result.Trace.RerankSkipReason = "no candidates after reconciliation"
		s.metrics.searchesTotal.WithLabelValues("vector").Inc()
		return result, nil
	}

	ordered, applied := s.rerankChain(ctx, query, candidates, &result.Trace)

	if applied {
		top := ordered[0]
		result.Trace.TopRerankScore = top.RerankScore
		if *top.RerankScore < s.cfg.MinRerankScore {
			// Confidence gate: the best the reranker could find is
			// noise. Report "no relevant answer" but keep the raw
			// vector ordering separately for a weak fallback.
			result.RerankerRejected = true
			result.Trace.RerankerRejected = true
			result.Trace.RerankSkipReason = fmt.Sprintf(
				"top rerank score %.4f below threshold %.4f", *top.RerankScore, s.cfg.MinRerankScore)
			result.Matches = []Match{}
			result.Fallback = truncate(vectorMatches(candidates), topK)
			log.Info("reranker rejected all candidates",
				slog.Float64("top_score", *top.RerankScore),
				slog.Float64("threshold", s.cfg.MinRerankScore),
			)
			s.metrics.searchesTotal.WithLabelValues("rejected").Inc()
			return result, nil
		}
		result.Matches = truncate(ordered, topK)
		s.metrics.searchesTotal.WithLabelValues("reranked").Inc()
		return result, nil
	}

	result.Matches = truncate(vectorMatches(candidates), topK)
	s.metrics.searchesTotal.WithLabelValues("vector").Inc()
	return result, nil
}

// reconcile builds the candidate list from vector hits, preserving hit
// order. Metadata comes from the hit payload when complete; otherwise
// one bulk canonical lookup backfills it. A hit with neither source is
// index drift: dropped with a warning, never an error.
func (s *Searcher) reconcile(ctx context.Context, hits []vector.Hit) ([]*candidate, error) {
	log := logging.FromContext(ctx)

	var missing []string
	for _, h := range hits {
		if h.Payload == nil || !h.Payload.Complete() {
			missing = append(missing, h.ID)
		}
	}

	fallback := make(map[string]*knowledge.Record, len(missing))
	if len(missing) > 0 {
		recs, err := s.store.FindByIDs(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("pipeline: canonical fallback lookup: %w", err)
		}
		for _, rec := range recs {
			fallback[rec.ID] = rec
		}
	}

	candidates := make([]*candidate, 0, len(hits))
	for _, h := range hits {
		c := &candidate{id: h.ID, vectorScore: float64(h.Score)}
		switch {
		case h.Payload != nil && h.Payload.Complete():
			c.question = h.Payload.Question
			c.answer = h.Payload.Answer
			c.language = h.Payload.Language
		case fallback[h.ID] != nil:
			rec := fallback[h.ID]
			c.question = rec.Question
			c.answer = rec.Answer
			c.language = rec.Language
		default:
			// Index drift: the vector exists but nobody knows its text.
			s.metrics.candidatesDropped.Inc()
			log.Warn("dropping candidate with no metadata in index or canonical store",
				slog.String("id", h.ID),
			)
			continue
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

// rerankChain tries each configured model in priority order and returns
// the reranked matches of the first model that succeeds with at least
// one result. The bool reports whether any model was applied. Usage
// units are recorded for every call that reports them, including calls
// whose ordering is later rejected by the confidence gate.
func (s *Searcher) rerankChain(ctx context.Context, query string, candidates []*candidate, trace *Trace) ([]Match, bool) {
	if s.rerank == nil || len(s.cfg.RerankModels) == 0 {
		trace.RerankSkipReason = "no rerank model configured"
		return nil, false
	}

	log := logging.FromContext(ctx)
	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.text()
	}

	var failures []string
	for _, model := range s.cfg.RerankModels {
		trace.AttemptedModels = append(trace.AttemptedModels, model)

		res, err := s.rerank.Rerank(ctx, model, query, docs)
		if res != nil {
			s.usage.Record(res.UsageUnits)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", model, err))
			log.Warn("rerank model failed, trying next",
				slog.String("model", model),
				slog.Any("error", err),
			)
			continue
		}
		if len(res.Results) == 0 {
			failures = append(failures, fmt.Sprintf("%s: returned no results", model))
			continue
		}

		matches := make([]Match, 0, len(res.Results))
		for _, r := range res.Results {
			c := candidates[r.Index]
			score := r.Score
			matches = append(matches, Match{
				ID:          c.id,
				Score:       score,
				VectorScore: c.vectorScore,
				RerankScore: &score,
				Question:    c.question,
				Answer:      c.answer,
				Language:    c.language,
			})
		}
		trace.AppliedModel = model
		return matches, true
	}

	trace.RerankSkipReason = "all rerank models failed: " + strings.Join(failures, "; ")
	return nil, false
}

// vectorMatches maps candidates to matches in vector order, with no
// rerank score.
func vectorMatches(candidates []*candidate) []Match {
	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		matches = append(matches, Match{
			ID:          c.id,
			Score:       c.vectorScore,
			VectorScore: c.vectorScore,
			Question:    c.question,
			Answer:      c.answer,
			Language:    c.language,
		})
	}
	return matches
}

// truncate bounds matches to topK.
func truncate(matches []Match, topK int) []Match {
	if len(matches) > topK {
		return matches[:topK]
	}
	return matches
}
