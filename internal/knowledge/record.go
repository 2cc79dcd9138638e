// Package knowledge implements the canonical store for question/answer
// records. The store owns record identity and text; the sync engine may
// only change a record's sync status and vector reference. The vector
// index is treated as a denormalized cache of this store, never the
// other way around.
package knowledge

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultLanguage is the language tag assigned when a record is created
// without an explicit language.
const DefaultLanguage = "ru"

// SyncStatus tracks whether a record's vector representation is up to
// date with its canonical text.
type SyncStatus string

const (
	// SyncPending means the record text changed and its vector has not
	// been (re)written yet. Every create and update resets to this.
	SyncPending SyncStatus = "pending"
	// SyncReady means the vector index holds an up-to-date vector for
	// this record.
	SyncReady SyncStatus = "ready"
	// SyncFailed means the last sync attempt exhausted its retries.
	// The record is eligible for manual resync.
	SyncFailed SyncStatus = "failed"
	// SyncSkipped means the embedding provider returned an empty vector
	// for this record. Terminal until the next explicit edit.
	SyncSkipped SyncStatus = "skipped"
)

// ParseSyncStatus converts a stored string into a SyncStatus, rejecting
// anything outside the four known states.
func ParseSyncStatus(s string) (SyncStatus, error) {
	switch SyncStatus(s) {
	case SyncPending, SyncReady, SyncFailed, SyncSkipped:
		return SyncStatus(s), nil
	}
	return "", fmt.Errorf("knowledge: unknown sync status %q", s)
}

// Record is a single question/answer pair.
type Record struct {
	// ID is the opaque stable identifier, assigned at creation and
	// never reused. It doubles as the vector index point id.
	ID string
	// Question is the trimmed question text.
	Question string
	// Answer is the trimmed answer text.
	Answer string
	// Language is a short language tag (default "ru").
	Language string
	// SyncStatus reports the vector index state for this record.
	SyncStatus SyncStatus
	// VectorRef is the id under which the vector is stored, normally
	// equal to ID. Empty when the record has never been synced.
	VectorRef string
	// CreatedAt is when the record was first inserted.
	CreatedAt time.Time
	// UpdatedAt is refreshed on every text edit, including a
	// replace-on-duplicate create.
	UpdatedAt time.Time
}

// EmbeddingText returns the text that is embedded for this record:
// question and answer separated by a blank line.
func (r *Record) EmbeddingText() string {
	return r.Question + "\n\n" + r.Answer
}

// NormalizeQuestion returns the canonical form used for duplicate
// detection: whitespace-trimmed and lowercased. Two questions that
// normalize equally are the same record.
func NormalizeQuestion(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// ErrNotFound is returned when a record id does not exist in the store.
var ErrNotFound = errors.New("knowledge: record not found")

// ValidationError reports input rejected before it reaches the store.
// It is distinct from ErrNotFound so callers can map the two to
// different HTTP statuses.
type ValidationError struct {
	// Field names the offending input ("question", "answer", ...).
	Field string
	// Reason is a short human-readable description.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// validateTexts rejects empty question or answer after trimming.
func validateTexts(question, answer string) error {
	if strings.TrimSpace(question) == "" {
		return &ValidationError{Field: "question", Reason: "must not be empty"}
	}
	if strings.TrimSpace(answer) == "" {
		return &ValidationError{Field: "answer", Reason: "must not be empty"}
	}
	return nil
}
