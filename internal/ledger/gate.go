package ledger

import (
	"context"
	"fmt"
	"time"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/notification"
)

const defaultRetryBatchSize = 1000

// Policy bounds how often and how soon an event is retried.
type Policy struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	ClaimTimeout time.Duration
	// RetryBatchSize caps the candidates listed per pass. Zero means 1000.
	RetryBatchSize int
}

// Backoff is the wait after attempt n before attempt n+1 may start:
// base * 2^(n-1), capped at BackoffMax.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.BackoffBase <= 0 {
		return 0
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.BackoffMax > 0 && d >= p.BackoffMax {
			return p.BackoffMax
		}
	}
	if p.BackoffMax > 0 && d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}

// Gate is the dedup/eligibility gate. Every ledger mutation of a pass goes
// through it.
type Gate struct {
	store  Store
	policy Policy
	now    func() time.Time
}

func NewGate(store Store, policy Policy) *Gate {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.RetryBatchSize < 1 {
		policy.RetryBatchSize = defaultRetryBatchSize
	}
	return &Gate{store: store, policy: policy, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the gate's time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) Policy() Policy { return g.policy }

// Claim atomically reserves ev. A false result means the event is already
// handled or in flight and nothing was written.
func (g *Gate) Claim(ctx context.Context, ev notification.Event) (bool, error) {
	ok, err := g.store.Insert(ctx, ev, g.now())
	if err != nil {
		return false, unavailable("claim", err)
	}
	return ok, nil
}

// Reclaim reserves a retry candidate for another attempt. It returns false
// when the entry changed since it was listed.
func (g *Gate) Reclaim(ctx context.Context, entry Entry) (bool, error) {
	if entry.Status.Terminal() || entry.AttemptCount >= g.policy.MaxAttempts {
		return false, nil
	}
	ok, err := g.store.Reclaim(ctx, entry.Event.ID, entry.Status, entry.AttemptCount, g.now())
	if err != nil {
		return false, unavailable("reclaim", err)
	}
	return ok, nil
}

// Release records the outcome of attempt number attempt. A transient failure
// on the last allowed attempt and any permanent failure are final.
func (g *Gate) Release(ctx context.Context, eventID string, attempt int, outcome notification.Outcome) (Status, error) {
	to := g.StatusFor(attempt, outcome)
	return to, g.resolve(ctx, eventID, to, outcome.Reason)
}

// Finalize marks a claimed event failed_final regardless of attempts left.
func (g *Gate) Finalize(ctx context.Context, eventID, reason string) error {
	return g.resolve(ctx, eventID, StatusFailedFinal, reason)
}

// StatusFor maps an attempt outcome to the status it releases into.
func (g *Gate) StatusFor(attempt int, outcome notification.Outcome) Status {
	switch outcome.Kind {
	case notification.Sent:
		return StatusSent
	case notification.TransientFailure:
		if attempt < g.policy.MaxAttempts {
			return StatusFailed
		}
		return StatusFailedFinal
	default:
		return StatusFailedFinal
	}
}

func (g *Gate) resolve(ctx context.Context, eventID string, to Status, reason string) error {
	ok, err := g.store.Resolve(ctx, eventID, to, reason, g.now())
	if err != nil {
		return unavailable("release", err)
	}
	if !ok {
		return fmt.Errorf("release %s to %s: %w", eventID, to, ErrNotClaimed)
	}
	return nil
}

// RetryCandidates lists entries that may be reclaimed now: failed entries
// whose backoff has elapsed and claimed entries older than the claim
// timeout.
func (g *Gate) RetryCandidates(ctx context.Context) ([]Entry, error) {
	now := g.now()
	entries, err := g.store.ListRetryable(ctx, RetryQuery{
		MaxAttempts: g.policy.MaxAttempts,
		StaleBefore: now.Add(-g.policy.ClaimTimeout),
		Limit:       g.policy.RetryBatchSize,
	})
	if err != nil {
		return nil, unavailable("list retryable", err)
	}

	out := entries[:0]
	for _, e := range entries {
		if e.Status == StatusFailed && now.Before(e.LastAttemptAt.Add(g.policy.Backoff(e.AttemptCount))) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// FinalizeExhausted reconciles entries that used every attempt and
// returns them.
func (g *Gate) FinalizeExhausted(ctx context.Context) ([]Entry, error) {
	now := g.now()
	entries, err := g.store.FinalizeExhausted(ctx, now.Add(-g.policy.ClaimTimeout), g.policy.MaxAttempts, now)
	if err != nil {
		return nil, unavailable("finalize exhausted", err)
	}
	return entries, nil
}

// FinalFailures is the operator view of failed_final entries.
func (g *Gate) FinalFailures(ctx context.Context, limit int) ([]Entry, error) {
	entries, err := g.store.ListFinalFailures(ctx, limit)
	if err != nil {
		return nil, unavailable("list final failures", err)
	}
	return entries, nil
}

func unavailable(op string, err error) error {
	if errors.HasCode(err, errors.ErrCodeLedgerUnavailable) {
		return err
	}
	return errors.NewLedgerUnavailableError(op, err)
}
