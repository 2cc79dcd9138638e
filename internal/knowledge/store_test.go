package knowledge

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// openTestStore opens an in-memory SQLiteStore for use in tests.
func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func Test_Store_CreateAssignsDefaults(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rec, replaced, err := s.Create(ctx, "  How do I reset my password?  ", "Click forgot password...", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if replaced {
		t.Error("first create must not report replaced")
	}
	if rec.ID == "" {
		t.Error("create must assign an id")
	}
	if rec.Question != "How do I reset my password?" {
		t.Errorf("question not trimmed: %q", rec.Question)
	}
	if rec.Language != DefaultLanguage {
		t.Errorf("want default language %q, got %q", DefaultLanguage, rec.Language)
	}
	if rec.SyncStatus != SyncPending {
		t.Errorf("want pending after create, got %s", rec.SyncStatus)
	}
}

func Test_Store_CreateReplacesDuplicateQuestion(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	orig, _, err := s.Create(ctx, "How do I reset my password?", "Click forgot password...", "en")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetSyncState(ctx, orig.ID, SyncReady, orig.ID); err != nil {
		t.Fatalf("set sync state: %v", err)
	}

	// Same question modulo case and surrounding whitespace.
	rec, replaced, err := s.Create(ctx, "how do i reset my password?  ", "New answer", "en")
	if err != nil {
		t.Fatalf("create duplicate: %v", err)
	}
	if !replaced {
		t.Fatal("duplicate create must report replaced=true")
	}
	if rec.ID != orig.ID {
		t.Errorf("replace must preserve id: want %s, got %s", orig.ID, rec.ID)
	}
	if rec.Answer != "New answer" {
		t.Errorf("replace must take the newest answer, got %q", rec.Answer)
	}
	if rec.SyncStatus != SyncPending {
		t.Errorf("replace must reset sync status to pending, got %s", rec.SyncStatus)
	}

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("replace must not insert a second row, got %d rows", n)
	}
}

func Test_Store_CreateRejectsEmptyTexts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	var verr *ValidationError
	if _, _, err := s.Create(ctx, "   ", "answer", ""); !errors.As(err, &verr) {
		t.Errorf("empty question: want ValidationError, got %v", err)
	}
	if _, _, err := s.Create(ctx, "question", "", ""); !errors.As(err, &verr) {
		t.Errorf("empty answer: want ValidationError, got %v", err)
	}
}

func Test_Store_UpdateResetsSyncStatus(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rec, _, err := s.Create(ctx, "q1", "a1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.SetSyncState(ctx, rec.ID, SyncReady, rec.ID); err != nil {
		t.Fatalf("set sync state: %v", err)
	}

	got, err := s.Update(ctx, rec.ID, "q1 edited", "a1 edited", "en")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.SyncStatus != SyncPending {
		t.Errorf("update must reset sync status to pending, got %s", got.SyncStatus)
	}
	if got.Question != "q1 edited" || got.Answer != "a1 edited" || got.Language != "en" {
		t.Errorf("update did not persist fields: %+v", got)
	}
}

func Test_Store_UpdateNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)

	_, err := s.Update(context.Background(), "no-such-id", "q", "a", "")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func Test_Store_UpdateRejectsQuestionCollision(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	if _, _, err := s.Create(ctx, "first question", "a", ""); err != nil {
		t.Fatalf("create first: %v", err)
	}
	second, _, err := s.Create(ctx, "second question", "a", "")
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	var verr *ValidationError
	_, err = s.Update(ctx, second.ID, "First Question", "a", "")
	if !errors.As(err, &verr) {
		t.Errorf("colliding update: want ValidationError, got %v", err)
	}
}

func Test_Store_DeleteReportsExistence(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	rec, _, err := s.Create(ctx, "q", "a", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := s.Delete(ctx, rec.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !ok {
		t.Error("delete of existing record must return true")
	}

	ok, err = s.Delete(ctx, rec.ID)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if ok {
		t.Error("delete of missing record must return false")
	}
}

func Test_Store_FindByIDsSkipsMissing(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	a, _, err := s.Create(ctx, "qa", "aa", "")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, _, err := s.Create(ctx, "qb", "ab", "")
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	recs, err := s.FindByIDs(ctx, []string{a.ID, "missing", b.ID})
	if err != nil {
		t.Fatalf("find by ids: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("want 2 records, got %d", len(recs))
	}
}

func Test_Store_ListPagingAndSearch(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := range 5 {
		q := fmt.Sprintf("question %d", i)
		a := "generic answer"
		if i == 3 {
			a = "special needle answer"
		}
		if _, _, err := s.Create(ctx, q, a, ""); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	recs, total, err := s.List(ctx, 1, 2, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("want total 5, got %d", total)
	}
	if len(recs) != 2 {
		t.Errorf("want page of 2, got %d", len(recs))
	}

	recs, total, err = s.List(ctx, 1, 10, "needle")
	if err != nil {
		t.Fatalf("list search: %v", err)
	}
	if total != 1 || len(recs) != 1 {
		t.Fatalf("want 1 search hit, got total=%d len=%d", total, len(recs))
	}
	if recs[0].Question != "question 3" {
		t.Errorf("wrong search hit: %q", recs[0].Question)
	}

	// Out-of-range paging is clamped, not rejected.
	recs, _, err = s.List(ctx, 0, 1000, "")
	if err != nil {
		t.Fatalf("list clamped: %v", err)
	}
	if len(recs) != 5 {
		t.Errorf("clamped list: want all 5, got %d", len(recs))
	}
}

func Test_Store_PurgeAllCounts(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	for i := range 3 {
		if _, _, err := s.Create(ctx, fmt.Sprintf("q%d", i), "a", ""); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := s.PurgeAll(ctx)
	if err != nil {
		t.Fatalf("purge all: %v", err)
	}
	if n != 3 {
		t.Errorf("want 3 purged, got %d", n)
	}
	left, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if left != 0 {
		t.Errorf("want empty store, got %d rows", left)
	}
}

func Test_ParseSyncStatus_RejectsUnknown(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"pending", "ready", "failed", "skipped"} {
		if _, err := ParseSyncStatus(valid); err != nil {
			t.Errorf("%q: unexpected error %v", valid, err)
		}
	}
	if _, err := ParseSyncStatus("syncing"); err == nil {
		t.Error("unknown status must be rejected")
	}
}
