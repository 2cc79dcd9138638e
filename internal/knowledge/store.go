package knowledge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register "sqlite" driver
)

// List bounds. Page size is clamped rather than rejected so sloppy
// callers still get a sane page.
const (
	maxPageSize     = 100
	defaultPageSize = 20
)

// SQLiteStore is the canonical record store backed by a local SQLite
// database. Safe for concurrent use.
type SQLiteStore struct {
	// db is the underlying database connection pool.
	db *sql.DB
}

// DefaultDBPath returns the default path for the knowledge database.
// It resolves to ~/.kbsearch/knowledge.db, creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("knowledge: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".kbsearch")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("knowledge: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "knowledge.db"), nil
}

// Open opens (or creates) a SQLiteStore at the given path and runs the
// schema migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS records (
    id            TEXT PRIMARY KEY,
    question      TEXT    NOT NULL,
    question_norm TEXT    NOT NULL UNIQUE,
    answer        TEXT    NOT NULL,
    language      TEXT    NOT NULL DEFAULT 'ru',
    sync_status   TEXT    NOT NULL CHECK(sync_status IN ('pending','ready','failed','skipped')),
    vector_ref    TEXT,
    created_at    INTEGER NOT NULL,  -- Unix timestamp (milliseconds)
    updated_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_updated
    ON records (updated_at DESC, id);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("knowledge: migrate: %w", err)
	}
	return nil
}

// Create inserts a new record, or replaces an existing one in place when
// the question already exists under case/whitespace-insensitive
// comparison. On replace the original id and created_at are preserved,
// answer and language take the new values, updated_at is refreshed, and
// sync status resets to pending. The returned bool is true when an
// existing record was replaced.
func (s *SQLiteStore) Create(ctx context.Context, question, answer, language string) (*Record, bool, error) {
	if err := validateTexts(question, answer); err != nil {
		return nil, false, err
	}
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	if language == "" {
		language = DefaultLanguage
	}
	norm := NormalizeQuestion(question)
	now := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("knowledge: create: begin: %w", err)
	}
	defer tx.Rollback()

	var existingID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM records WHERE question_norm = ?`, norm,
	).Scan(&existingID)

	switch {
	case err == nil:
		// In-place replace: same id, new text, status back to pending.
		const q = `UPDATE records
		           SET question = ?, answer = ?, language = ?,
		               sync_status = ?, updated_at = ?
		           WHERE id = ?`
		if _, err := tx.ExecContext(ctx, q, question, answer, language,
			string(SyncPending), now.UnixMilli(), existingID); err != nil {
			return nil, false, fmt.Errorf("knowledge: create replace: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("knowledge: create: commit: %w", err)
		}
		rec, err := s.Get(ctx, existingID)
		return rec, true, err

	case errors.Is(err, sql.ErrNoRows):
		id := uuid.NewString()
		const q = `INSERT INTO records
		           (id, question, question_norm, answer, language, sync_status, created_at, updated_at)
		           VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, q, id, question, norm, answer, language,
			string(SyncPending), now.UnixMilli(), now.UnixMilli()); err != nil {
			return nil, false, fmt.Errorf("knowledge: create insert: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("knowledge: create: commit: %w", err)
		}
		rec, err := s.Get(ctx, id)
		return rec, false, err

	default:
		return nil, false, fmt.Errorf("knowledge: create lookup: %w", err)
	}
}

// Update edits an existing record's text and resets its sync status to
// pending (the text may have changed, so the vector must be recomputed).
// Returns ErrNotFound when id does not exist, and a ValidationError when
// the new question collides with a different record.
func (s *SQLiteStore) Update(ctx context.Context, id, question, answer, language string) (*Record, error) {
	if err := validateTexts(question, answer); err != nil {
		return nil, err
	}
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	norm := NormalizeQuestion(question)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("knowledge: update: begin: %w", err)
	}
	defer tx.Rollback()

	var otherID string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM records WHERE question_norm = ? AND id != ?`, norm, id,
	).Scan(&otherID)
	if err == nil {
		return nil, &ValidationError{Field: "question", Reason: "another record already has this question"}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("knowledge: update collision check: %w", err)
	}

	q := `UPDATE records
	      SET question = ?, question_norm = ?, answer = ?, sync_status = ?, updated_at = ?`
	args := []any{question, norm, answer, string(SyncPending), time.Now().UnixMilli()}
	if language != "" {
		q += `, language = ?`
		args = append(args, language)
	}
	q += ` WHERE id = ?`
	args = append(args, id)

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("knowledge: update rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("knowledge: update: commit: %w", err)
	}
	return s.Get(ctx, id)
}

// Delete removes the canonical row only. Vector cleanup is the caller's
// responsibility and must be attempted before this call. Returns false
// when the id did not exist.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("knowledge: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("knowledge: delete rows affected: %w", err)
	}
	return n > 0, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("knowledge: get: %w", err)
	}
	return rec, nil
}

// FindByIDs returns the records matching the given ids, in no particular
// order. Missing ids are silently absent from the result — the retrieval
// pipeline uses this to backfill metadata and treats gaps as index drift.
func (s *SQLiteStore) FindByIDs(ctx context.Context, ids []string) ([]*Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, selectCols+` WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge: find by ids: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// List returns one page of records ordered most-recently-updated first
// (id is the documented tie-break key), optionally filtered by a
// substring match over question and answer. The second return value is
// the total match count before paging.
func (s *SQLiteStore) List(ctx context.Context, page, pageSize int, search string) ([]*Record, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	where := ""
	var args []any
	if search != "" {
		where = ` WHERE question LIKE ? ESCAPE '\' OR answer LIKE ? ESCAPE '\'`
		pat := "%" + escapeLike(search) + "%"
		args = append(args, pat, pat)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("knowledge: list count: %w", err)
	}

	q := selectCols + where + ` ORDER BY updated_at DESC, id LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("knowledge: list: %w", err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// All returns every record, most-recently-updated first. Used by the
// sync engine's rebuild and teardown paths.
func (s *SQLiteStore) All(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, selectCols+` ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("knowledge: all: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count returns the total number of records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("knowledge: count: %w", err)
	}
	return n, nil
}

// SetSyncState records the outcome of a sync attempt. This is the only
// mutation the sync engine performs on a record; updated_at is left
// untouched so sync bookkeeping never reorders the edit history.
func (s *SQLiteStore) SetSyncState(ctx context.Context, id string, status SyncStatus, vectorRef string) error {
	var ref any
	if vectorRef != "" {
		ref = vectorRef
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET sync_status = ?, vector_ref = ? WHERE id = ?`,
		string(status), ref, id)
	if err != nil {
		return fmt.Errorf("knowledge: set sync state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("knowledge: set sync state rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeAll deletes every canonical row and returns how many were removed.
func (s *SQLiteStore) PurgeAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records`)
	if err != nil {
		return 0, fmt.Errorf("knowledge: purge all: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("knowledge: purge all rows affected: %w", err)
	}
	return int(n), nil
}

// Close releases the database connection pool.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("knowledge: close: %w", err)
	}
	return nil
}

// selectCols is the shared column list for record queries.
const selectCols = `SELECT id, question, answer, language, sync_status, vector_ref, created_at, updated_at FROM records`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRecord reads one record from a row produced by selectCols.
func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec        Record
		status     string
		vectorRef  sql.NullString
		created    int64
		updated    int64
	)
	if err := row.Scan(&rec.ID, &rec.Question, &rec.Answer, &rec.Language,
		&status, &vectorRef, &created, &updated); err != nil {
		return nil, err
	}
	st, err := ParseSyncStatus(status)
	if err != nil {
		return nil, err
	}
	rec.SyncStatus = st
	rec.VectorRef = vectorRef.String
	rec.CreatedAt = time.UnixMilli(created)
	rec.UpdatedAt = time.UnixMilli(updated)
	return &rec, nil
}

// scanRecords drains rows into a slice.
func scanRecords(rows *sql.Rows) ([]*Record, error) {
	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("knowledge: scan: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: rows: %w", err)
	}
	return recs, nil
}

// escapeLike escapes LIKE wildcards in user-supplied search input.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}
