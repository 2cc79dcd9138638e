package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opsdesk/kbsearch/internal/embedder"
	"github.com/opsdesk/kbsearch/internal/knowledge"
	"github.com/opsdesk/kbsearch/internal/vector"
)

// fakeEmbedder implements embedder.Embedder with an injectable function.
type fakeEmbedder struct {
	fn func(texts []string, intent embedder.Intent) ([][]float32, error)
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, intent embedder.Intent) ([][]float32, error) {
	return f.fn(texts, intent)
}

// goodEmbedder returns a fixed non-empty vector for every text.
func goodEmbedder() *fakeEmbedder {
	return &fakeEmbedder{fn: func(texts []string, _ embedder.Intent) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{0.1, 0.2, 0.3}
		}
		return out, nil
	}}
}

// fakeIndex is an in-memory vector.Index with injectable failures.
type fakeIndex struct {
	mu            sync.Mutex
	points        map[string]vector.Payload
	upsertErr     error
	deleteOneErr  error
	deleteManyErr error
	deleteAllN    int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{points: make(map[string]vector.Payload)}
}

func (f *fakeIndex) Upsert(_ context.Context, id string, _ []float32, payload vector.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.points[id] = payload
	return nil
}

func (f *fakeIndex) Query(context.Context, []float32, int) ([]vector.Hit, error) {
	return nil, nil
}

func (f *fakeIndex) DeleteOne(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteOneErr != nil {
		return f.deleteOneErr
	}
	if _, ok := f.points[id]; !ok {
		return vector.ErrNotFound
	}
	delete(f.points, id)
	return nil
}

func (f *fakeIndex) DeleteMany(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteManyErr != nil {
		return f.deleteManyErr
	}
	for _, id := range ids {
		delete(f.points, id)
	}
	return nil
}

func (f *fakeIndex) DeleteAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteAllN++
	f.points = make(map[string]vector.Payload)
	return nil
}

func (f *fakeIndex) Stats(context.Context) (vector.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return vector.Stats{TotalCount: uint64(len(f.points))}, nil
}

func (f *fakeIndex) Close() error { return nil }

func (f *fakeIndex) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.points[id]
	return ok
}

// newTestEngine wires an engine over an in-memory store, a fake embedder,
// and a fake index, with a fast retry policy.
func newTestEngine(t *testing.T, emb embedder.Embedder, idx vector.Index) (*Engine, *knowledge.SQLiteStore) {
	t.Helper()
	store, err := knowledge.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	e := NewEngine(store, emb, idx, prometheus.NewRegistry(), slog.Default(), Config{
		MaxAttempts: 3,
		RetryDelay:  time.Millisecond,
	})
	t.Cleanup(e.Close)
	return e, store
}

// mustCreate inserts a record or fails the test.
func mustCreate(t *testing.T, store *knowledge.SQLiteStore, q, a string) *knowledge.Record {
	t.Helper()
	rec, _, err := store.Create(context.Background(), q, a, "")
	if err != nil {
		t.Fatalf("create %q: %v", q, err)
	}
	return rec
}

func Test_SyncOne_SuccessMarksReady(t *testing.T) {
	t.Parallel()
	idx := newFakeIndex()
	e, store := newTestEngine(t, goodEmbedder(), idx)
	ctx := context.Background()

	rec := mustCreate(t, store, "q", "a")
	if err := e.SyncOne(ctx, rec); err != nil {
		t.Fatalf("sync: %v", err)
	}

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.SyncStatus != knowledge.SyncReady {
		t.Errorf("want ready, got %s", got.SyncStatus)
	}
	if got.VectorRef != rec.ID {
		t.Errorf("want vector ref %s, got %s", rec.ID, got.VectorRef)
	}
	if !idx.has(rec.ID) {
		t.Error("vector missing from index after sync")
	}
}

func Test_SyncOne_EmptyVectorMarksSkipped(t *testing.T) {
	t.Parallel()
	empty := &fakeEmbedder{fn: func(texts []string, _ embedder.Intent) ([][]float32, error) {
		return [][]float32{{}}, nil
	}}
	e, store := newTestEngine(t, empty, newFakeIndex())
	ctx := context.Background()

	rec := mustCreate(t, store, "q", "a")
	if err := e.SyncOne(ctx, rec); err != nil {
		t.Fatalf("empty vector must not be an error, got %v", err)
	}

	got, _ := store.Get(ctx, rec.ID)
	if got.SyncStatus != knowledge.SyncSkipped {
		t.Errorf("want skipped, got %s", got.SyncStatus)
	}
}

func Test_SyncOne_UpsertFailureMarksFailed(t *testing.T) {
	t.Parallel()
	idx := newFakeIndex()
	idx.upsertErr = errors.New("index down")
	e, store := newTestEngine(t, goodEmbedder(), idx)
	ctx := context.Background()

	rec := mustCreate(t, store, "q", "a")
	if err := e.SyncOne(ctx, rec); err == nil {
		t.Fatal("want error when upsert fails")
	}

	got, _ := store.Get(ctx, rec.ID)
	if got.SyncStatus != knowledge.SyncFailed {
		t.Errorf("want failed, got %s", got.SyncStatus)
	}
}

func Test_SyncOne_NoIndexMarksSkipped(t *testing.T) {
	t.Parallel()
	e, store := newTestEngine(t, goodEmbedder(), nil)
	ctx := context.Background()

	rec := mustCreate(t, store, "q", "a")
	if err := e.SyncOne(ctx, rec); err != nil {
		t.Fatalf("unconfigured index must not error, got %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.SyncStatus != knowledge.SyncSkipped {
		t.Errorf("want skipped, got %s", got.SyncStatus)
	}
}

func Test_SyncOneWithRetry_RecoversOnSecondAttempt(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	calls := 0
	flaky := &fakeEmbedder{fn: func(texts []string, _ embedder.Intent) ([][]float32, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("transient provider error")
		}
		return [][]float32{{1, 2, 3}}, nil
	}}

	e, store := newTestEngine(t, flaky, newFakeIndex())
	ctx := context.Background()

	rec := mustCreate(t, store, "q", "a")
	if err := e.SyncOneWithRetry(ctx, rec); err != nil {
		t.Fatalf("retry should have recovered: %v", err)
	}

	got, _ := store.Get(ctx, rec.ID)
	if got.SyncStatus != knowledge.SyncReady {
		t.Errorf("want ready after recovery, got %s", got.SyncStatus)
	}
}

func Test_SyncOneWithRetry_ExhaustionReturnsLastError(t *testing.T) {
	t.Parallel()
	broken := &fakeEmbedder{fn: func(texts []string, _ embedder.Intent) ([][]float32, error) {
		return nil, errors.New("provider permanently down")
	}}
	e, store := newTestEngine(t, broken, newFakeIndex())
	ctx := context.Background()

	rec := mustCreate(t, store, "q", "a")
	err := e.SyncOneWithRetry(ctx, rec)
	if err == nil {
		t.Fatal("want error after exhausting retries")
	}

	got, _ := store.Get(ctx, rec.ID)
	if got.SyncStatus != knowledge.SyncFailed {
		t.Errorf("want failed after exhaustion, got %s", got.SyncStatus)
	}
}

func Test_SyncOneWithRetry_AbortsWhenRecordDeleted(t *testing.T) {
	t.Parallel()

	e, store := newTestEngine(t, nil, newFakeIndex())
	ctx := context.Background()
	rec := mustCreate(t, store, "q", "a")

	// First attempt fails; the record is deleted before the retry re-read.
	var mu sync.Mutex
	calls := 0
	e.embedder = &fakeEmbedder{fn: func(texts []string, _ embedder.Intent) ([][]float32, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			if _, err := store.Delete(ctx, rec.ID); err != nil {
				t.Errorf("delete during sync: %v", err)
			}
			return nil, errors.New("transient")
		}
		return [][]float32{{1}}, nil
	}}

	err := e.SyncOneWithRetry(ctx, rec)
	if !errors.Is(err, knowledge.ErrNotFound) {
		t.Errorf("want ErrNotFound when record disappears mid-retry, got %v", err)
	}
}

func Test_Trigger_IsAsynchronousAndDrained(t *testing.T) {
	t.Parallel()
	e, store := newTestEngine(t, goodEmbedder(), newFakeIndex())
	ctx := context.Background()

	rec := mustCreate(t, store, "q", "a")
	e.Trigger(rec)
	e.Close()

	got, _ := store.Get(ctx, rec.ID)
	if got.SyncStatus != knowledge.SyncReady {
		t.Errorf("want ready after Close drains the trigger, got %s", got.SyncStatus)
	}
}

func Test_RemoveVector_SkippedWithoutIndex(t *testing.T) {
	t.Parallel()
	e, store := newTestEngine(t, goodEmbedder(), nil)

	rec := mustCreate(t, store, "q", "a")
	rm := e.RemoveVector(context.Background(), rec)
	if !rm.Skipped || rm.Removed || rm.Err != nil {
		t.Errorf("want skipped removal, got %+v", rm)
	}
}

func Test_RemoveVector_AbsentVectorIsSuccess(t *testing.T) {
	t.Parallel()
	e, store := newTestEngine(t, goodEmbedder(), newFakeIndex())

	// Never synced — the index has no point for this record.
	rec := mustCreate(t, store, "q", "a")
	rm := e.RemoveVector(context.Background(), rec)
	if rm.Err != nil {
		t.Fatalf("idempotent delete must not error: %v", rm.Err)
	}
	if rm.Removed || rm.Skipped {
		t.Errorf("already-gone vector: want removed=false skipped=false, got %+v", rm)
	}
}

func Test_RemoveVector_DeletesSyncedVector(t *testing.T) {
	t.Parallel()
	idx := newFakeIndex()
	e, store := newTestEngine(t, goodEmbedder(), idx)
	ctx := context.Background()

	rec := mustCreate(t, store, "q", "a")
	if err := e.SyncOne(ctx, rec); err != nil {
		t.Fatalf("sync: %v", err)
	}
	rec, _ = store.Get(ctx, rec.ID)

	rm := e.RemoveVector(ctx, rec)
	if rm.Err != nil || !rm.Removed {
		t.Errorf("want successful removal, got %+v", rm)
	}
	if idx.has(rec.ID) {
		t.Error("vector still present after removal")
	}
}

func Test_ResyncAll_RebuildsNamespace(t *testing.T) {
	t.Parallel()
	idx := newFakeIndex()
	e, store := newTestEngine(t, goodEmbedder(), idx)
	ctx := context.Background()

	for i := range 4 {
		mustCreate(t, store, fmt.Sprintf("q%d", i), "a")
	}

	report, err := e.ResyncAll(ctx)
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if report.Total != 4 || report.Synced != 4 || report.Failed != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
	if idx.deleteAllN != 1 {
		t.Errorf("resync must clear the namespace first, deleteAll calls = %d", idx.deleteAllN)
	}
	stats, _ := idx.Stats(ctx)
	if stats.TotalCount != 4 {
		t.Errorf("want 4 points after rebuild, got %d", stats.TotalCount)
	}
}

func Test_ResyncAll_RequiresIndex(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, goodEmbedder(), nil)

	if _, err := e.ResyncAll(context.Background()); !errors.Is(err, ErrNoIndex) {
		t.Fatalf("resync without an index: want ErrNoIndex, got %v", err)
	}
}

func Test_DeleteAll_BulkVectorFailureStillDeletesRows(t *testing.T) {
	t.Parallel()
	idx := newFakeIndex()
	idx.deleteManyErr = errors.New("index unreachable")
	e, store := newTestEngine(t, goodEmbedder(), idx)
	ctx := context.Background()

	ids := make(map[string]bool)
	for i := range 10 {
		rec := mustCreate(t, store, fmt.Sprintf("q%d", i), "a")
		ids[rec.ID] = true
	}

	report, err := e.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if report.DeletedCount != 10 {
		t.Errorf("want 10 rows deleted, got %d", report.DeletedCount)
	}
	if len(report.VectorFailures) != 10 {
		t.Fatalf("want all 10 ids in vector failures, got %d", len(report.VectorFailures))
	}
	for _, id := range report.VectorFailures {
		if !ids[id] {
			t.Errorf("unexpected failure id %s", id)
		}
	}

	n, _ := store.Count(ctx)
	if n != 0 {
		t.Errorf("canonical rows must be gone regardless, %d remain", n)
	}
}

func Test_DeleteAll_CleanRun(t *testing.T) {
	t.Parallel()
	idx := newFakeIndex()
	e, store := newTestEngine(t, goodEmbedder(), idx)
	ctx := context.Background()

	for i := range 3 {
		rec := mustCreate(t, store, fmt.Sprintf("q%d", i), "a")
		if err := e.SyncOne(ctx, rec); err != nil {
			t.Fatalf("sync: %v", err)
		}
	}

	report, err := e.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if report.DeletedCount != 3 || len(report.VectorFailures) != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
	stats, _ := idx.Stats(ctx)
	if stats.TotalCount != 0 {
		t.Errorf("want empty index, got %d points", stats.TotalCount)
	}
}
