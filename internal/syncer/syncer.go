// Package syncer keeps the vector index eventually consistent with the
// canonical knowledge store. Every record mutation triggers one bounded
// retry-with-backoff sync attempt; namespace-wide rebuild and teardown
// handle drift recovery. Sync failures never propagate to the mutation
// that triggered them — they are recorded in the record's sync status
// and surfaced on subsequent reads.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsdesk/kbsearch/internal/embedder"
	"github.com/opsdesk/kbsearch/internal/knowledge"
	"github.com/opsdesk/kbsearch/internal/logging"
	"github.com/opsdesk/kbsearch/internal/vector"
)

// maxReportErrors caps the error list carried by a resync report so a
// fully broken provider cannot balloon the response.
const maxReportErrors = 50

// ErrNoIndex is returned by operations that require a configured vector
// index when the engine was built without one.
var ErrNoIndex = errors.New("syncer: operation requires a configured vector index")

// Config holds the retry policy for single-record sync.
type Config struct {
	// MaxAttempts is the number of sync attempts per record (default 3).
	MaxAttempts int
	// RetryDelay is the base backoff delay; attempt n waits n*RetryDelay
	// before retrying (default 500ms).
	RetryDelay time.Duration
}

// Engine drives the knowledge-store → vector-index consistency protocol.
// Safe for concurrent use.
type Engine struct {
	// store is the canonical record store.
	store *knowledge.SQLiteStore
	// embedder converts record text to a document-intent vector.
	embedder embedder.Embedder
	// index is the vector index; nil when not configured, in which case
	// sync marks records skipped and removals report Skipped.
	index vector.Index
	// cfg is the resolved retry policy.
	cfg Config
	// log is the fallback logger for background syncs.
	log *slog.Logger
	// metrics counts sync attempt outcomes.
	metrics *engineMetrics
	// wg tracks in-flight background syncs so Close can drain them.
	wg sync.WaitGroup
}

// engineMetrics holds the Prometheus metrics owned by the sync engine.
type engineMetrics struct {
	// attemptsTotal counts completed sync attempts, partitioned by
	// outcome: "ready", "skipped", "failed".
	attemptsTotal *prometheus.CounterVec
}

// newEngineMetrics registers engine metrics against reg. Tests pass a
// fresh registry to stay hermetic.
func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "kbsearch",
		Subsystem: "sync",
		Name:      "attempts_total",
		Help:      "Total number of record sync attempts completed, partitioned by outcome.",
	}, []string{"outcome"})
	reg.MustRegister(attempts)
	return &engineMetrics{attemptsTotal: attempts}
}

// NewEngine constructs a sync engine. index may be nil when the vector
// index is not configured.
func NewEngine(store *knowledge.SQLiteStore, emb embedder.Embedder, index vector.Index,
	reg prometheus.Registerer, log *slog.Logger, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &Engine{
		store:    store,
		embedder: emb,
		index:    index,
		cfg:      cfg,
		log:      log,
		metrics:  newEngineMetrics(reg),
	}
}

// SyncOne performs a single sync attempt for rec: embed its text with
// document intent and upsert the vector with a metadata snapshot.
//
// Outcomes, recorded in the record's sync status:
//   - empty embedding vector, or no index configured → skipped, nil error
//   - embed or upsert failure → failed, error returned
//   - success → ready, VectorRef set to the record id
func (e *Engine) SyncOne(ctx context.Context, rec *knowledge.Record) error {
	log := logging.FromContext(ctx)

	if e.index == nil {
		e.setState(ctx, rec.ID, knowledge.SyncSkipped, rec.VectorRef)
		e.metrics.attemptsTotal.WithLabelValues("skipped").Inc()
		log.Debug("sync skipped: vector index not configured", slog.String("record_id", rec.ID))
		return nil
	}

	vecs, err := e.embedder.Embed(ctx, []string{rec.EmbeddingText()}, embedder.IntentDocument)
	if err != nil {
		e.setState(ctx, rec.ID, knowledge.SyncFailed, rec.VectorRef)
		e.metrics.attemptsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("syncer: embed record %s: %w", rec.ID, err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		e.setState(ctx, rec.ID, knowledge.SyncSkipped, rec.VectorRef)
		e.metrics.attemptsTotal.WithLabelValues("skipped").Inc()
		log.Warn("sync skipped: provider returned empty embedding", slog.String("record_id", rec.ID))
		return nil
	}

	payload := vector.Payload{
		Question: rec.Question,
		Answer:   rec.Answer,
		Language: rec.Language,
	}
	if err := e.index.Upsert(ctx, rec.ID, vecs[0], payload); err != nil {
		e.setState(ctx, rec.ID, knowledge.SyncFailed, rec.VectorRef)
		e.metrics.attemptsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("syncer: upsert record %s: %w", rec.ID, err)
	}

	e.setState(ctx, rec.ID, knowledge.SyncReady, rec.ID)
	e.metrics.attemptsTotal.WithLabelValues("ready").Inc()
	return nil
}

// SyncOneWithRetry calls SyncOne up to MaxAttempts times with linear
// backoff (attempt n waits n*RetryDelay). The record is re-read before
// each retry so a concurrent edit is picked up and a concurrent delete
// aborts with knowledge.ErrNotFound. Exhausting all attempts returns the
// last error.
func (e *Engine) SyncOneWithRetry(ctx context.Context, rec *knowledge.Record) error {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, time.Duration(attempt-1)*e.cfg.RetryDelay); err != nil {
				return err
			}
			fresh, err := e.store.Get(ctx, rec.ID)
			if errors.Is(err, knowledge.ErrNotFound) {
				return fmt.Errorf("syncer: record %s disappeared during retry: %w", rec.ID, err)
			}
			if err != nil {
				return err
			}
			rec = fresh
		}

		lastErr = e.SyncOne(ctx, rec)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Trigger starts a background sync-with-retry for rec and returns
// immediately. The mutation that called it never sees the outcome:
// failures are logged and recorded in the record's sync status only.
// Close drains all triggered syncs.
func (e *Engine) Trigger(rec *knowledge.Record) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx := logging.WithLogger(context.Background(), e.log)
		if err := e.SyncOneWithRetry(ctx, rec); err != nil {
			e.log.Error("background sync failed",
				slog.String("record_id", rec.ID),
				slog.Any("error", err),
			)
		}
	}()
}

// Close waits for all in-flight background syncs to finish or give up.
func (e *Engine) Close() {
	e.wg.Wait()
}

// Removal is the outcome of a RemoveVector call.
type Removal struct {
	// Removed is true when a vector was deleted from the index.
	Removed bool
	// Skipped is true when no index is configured, so there was nothing
	// to remove.
	Skipped bool
	// Err is the removal failure, if any. An index "not found" response
	// is not a failure: the vector is already gone.
	Err error
}

// RemoveVector deletes rec's vector from the index, keyed by VectorRef
// when set and the record id otherwise. Deleting an absent vector is
// success.
func (e *Engine) RemoveVector(ctx context.Context, rec *knowledge.Record) Removal {
	if e.index == nil {
		return Removal{Skipped: true}
	}

	ref := rec.VectorRef
	if ref == "" {
		ref = rec.ID
	}

	err := e.index.DeleteOne(ctx, ref)
	if errors.Is(err, vector.ErrNotFound) {
		return Removal{}
	}
	if err != nil {
		return Removal{Err: fmt.Errorf("syncer: remove vector %s: %w", ref, err)}
	}
	return Removal{Removed: true}
}

// ResyncReport summarizes a full index rebuild.
type ResyncReport struct {
	// Total is the number of canonical records considered.
	Total int `json:"total"`
	// Synced is the number of records now ready.
	Synced int `json:"synced"`
	// Failed is the number of records that exhausted their retries or
	// were skipped with an empty embedding.
	Failed int `json:"failed"`
	// Errors holds up to 50 failure descriptions.
	Errors []string `json:"errors,omitempty"`
}

// ResyncAll rebuilds the entire namespace: clears the index, then syncs
// every canonical record most-recently-updated first with the full retry
// policy. This is the disaster-recovery path after the index and store
// have drifted (e.g. a metadata schema change). Correctness over speed;
// each record's sync is independent so callers may parallelize later.
func (e *Engine) ResyncAll(ctx context.Context) (*ResyncReport, error) {
	if e.index == nil {
		return nil, ErrNoIndex
	}

	if err := e.index.DeleteAll(ctx); err != nil {
		return nil, fmt.Errorf("syncer: clear namespace: %w", err)
	}

	recs, err := e.store.All(ctx)
	if err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx)
	report := &ResyncReport{Total: len(recs)}
	for _, rec := range recs {
		if err := e.SyncOneWithRetry(ctx, rec); err != nil {
			report.Failed++
			if len(report.Errors) < maxReportErrors {
				report.Errors = append(report.Errors, err.Error())
			}
			continue
		}
		report.Synced++
	}

	log.Info("resync complete",
		slog.Int("total", report.Total),
		slog.Int("synced", report.Synced),
		slog.Int("failed", report.Failed),
	)
	return report, nil
}

// PurgeReport summarizes a full teardown.
type PurgeReport struct {
	// DeletedCount is the number of canonical rows removed.
	DeletedCount int `json:"deleted_count"`
	// VectorFailures lists the vector ids that could not be removed
	// from the index. Canonical rows are deleted regardless.
	VectorFailures []string `json:"vector_failures,omitempty"`
}

// DeleteAll removes every record and its vector. One bulk vector delete
// is attempted first; if it fails the affected ids are reported as
// failures rather than aborting, and the canonical rows are deleted
// unconditionally; the canonical store is the correctness target.
func (e *Engine) DeleteAll(ctx context.Context) (*PurgeReport, error) {
	recs, err := e.store.All(ctx)
	if err != nil {
		return nil, err
	}

	report := &PurgeReport{}

	if e.index != nil && len(recs) > 0 {
		ids := make([]string, len(recs))
		for i, rec := range recs {
			if rec.VectorRef != "" {
				ids[i] = rec.VectorRef
			} else {
				ids[i] = rec.ID
			}
		}
		if err := e.index.DeleteMany(ctx, ids); err != nil && !errors.Is(err, vector.ErrNotFound) {
			logging.FromContext(ctx).Warn("bulk vector delete failed, canonical rows will be removed anyway",
				slog.Int("count", len(ids)),
				slog.Any("error", err),
			)
			report.VectorFailures = ids
		}
	}

	deleted, err := e.store.PurgeAll(ctx)
	if err != nil {
		return nil, err
	}
	report.DeletedCount = deleted
	return report, nil
}

// setState records a sync outcome, logging rather than propagating
// bookkeeping failures — the vector write already happened (or not) and
// status is advisory.
func (e *Engine) setState(ctx context.Context, id string, status knowledge.SyncStatus, vectorRef string) {
	if err := e.store.SetSyncState(ctx, id, status, vectorRef); err != nil {
		logging.FromContext(ctx).Warn("could not record sync status",
			slog.String("record_id", id),
			slog.String("status", string(status)),
			slog.Any("error", err),
		)
	}
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
