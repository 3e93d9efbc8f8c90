// Package ledger records which notification events have been claimed, sent
// or failed. It is the only shared mutable state of a monitoring pass.
package ledger

import (
	"context"
	stderrors "errors"
	"time"

	"notification-monitor/internal/notification"
)

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	StatusClaimed     Status = "claimed"
	StatusSent        Status = "sent"
	StatusFailed      Status = "failed"
	StatusFailedFinal Status = "failed_final"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailedFinal
}

// ErrNotClaimed is returned when a release targets an entry that is no
// longer in the claimed state.
var ErrNotClaimed = stderrors.New("ledger entry is not claimed")

// Entry is one row of the ledger. The event is stored with it so a retry can
// re-render without re-detecting.
type Entry struct {
	Event         notification.Event
	Status        Status
	AttemptCount  int
	LastError     string
	LastAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RetryQuery selects reclaim candidates.
type RetryQuery struct {
	// MaxAttempts excludes entries that have used every attempt.
	MaxAttempts int
	// StaleBefore is the cutoff for claimed entries left behind by an
	// aborted pass.
	StaleBefore time.Time
	Limit       int
}

// Store is the persistence contract behind the Gate. Implementations must
// make Insert an atomic insert-if-absent and Reclaim/Resolve conditional
// updates, so concurrent callers on the same event id see exactly one winner.
type Store interface {
	// Insert creates a claimed entry with attempt count 1. It returns false
	// without side effects when an entry for the event already exists.
	Insert(ctx context.Context, ev notification.Event, now time.Time) (bool, error)

	// Reclaim moves an entry back to claimed and increments its attempt
	// count, provided it is still in status from with the given attempt
	// count.
	Reclaim(ctx context.Context, eventID string, from Status, attemptCount int, now time.Time) (bool, error)

	// Resolve moves a claimed entry to status to. It returns false when the
	// entry is not claimed.
	Resolve(ctx context.Context, eventID string, to Status, lastError string, now time.Time) (bool, error)

	// ListRetryable returns failed entries and stale claimed entries that
	// still have attempts left, oldest attempt first.
	ListRetryable(ctx context.Context, q RetryQuery) ([]Entry, error)

	// FinalizeExhausted marks failed and stale claimed entries that have no
	// attempts left as failed_final and returns them.
	FinalizeExhausted(ctx context.Context, staleBefore time.Time, maxAttempts int, now time.Time) ([]Entry, error)

	// ListFinalFailures returns failed_final entries, most recent first.
	ListFinalFailures(ctx context.Context, limit int) ([]Entry, error)
}

// WatermarkStore persists named positions in an append-only source.
type WatermarkStore interface {
	Watermark(ctx context.Context, name string) (int64, error)
	AdvanceWatermark(ctx context.Context, name string, position int64, now time.Time) error
}
