// Package ledgertest provides an in-memory ledger store for tests.
package ledgertest

import (
	"context"
	"sort"
	"sync"
	"time"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/ledger"
	"notification-monitor/internal/notification"
)

// Store is a ledger.Store and ledger.WatermarkStore held in memory. Its
// conditional operations are atomic under a single mutex.
type Store struct {
	mu         sync.Mutex
	entries    map[string]*ledger.Entry
	watermarks map[string]int64
	fail       map[string]error
	inserts    int
}

var (
	_ ledger.Store          = (*Store)(nil)
	_ ledger.WatermarkStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		entries:    make(map[string]*ledger.Entry),
		watermarks: make(map[string]int64),
		fail:       make(map[string]error),
	}
}

// FailOn makes every later call of op return err. Ops are "insert",
// "reclaim", "resolve", "list", "finalize", "final", "watermark" and
// "advance". A nil err clears the failure.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

func (s *Store) failure(op string) error {
	if err, ok := s.fail[op]; ok {
		return errors.NewLedgerUnavailableError(op, err)
	}
	return nil
}

// Get returns a copy of the entry for eventID.
func (s *Store) Get(eventID string) (ledger.Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[eventID]
	if !ok {
		return ledger.Entry{}, false
	}
	return *e, true
}

// Entries returns copies of every entry ordered by event id.
func (s *Store) Entries() []ledger.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event.ID < out[j].Event.ID })
	return out
}

// Inserts counts successful inserts.
func (s *Store) Inserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

// Put stores e as-is, replacing any existing entry.
func (s *Store) Put(e ledger.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := e
	s.entries[e.Event.ID] = &cp
}

func (s *Store) Insert(_ context.Context, ev notification.Event, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("insert"); err != nil {
		return false, err
	}
	if _, exists := s.entries[ev.ID]; exists {
		return false, nil
	}
	s.entries[ev.ID] = &ledger.Entry{
		Event:         ev,
		Status:        ledger.StatusClaimed,
		AttemptCount:  1,
		LastAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.inserts++
	return true, nil
}

func (s *Store) Reclaim(_ context.Context, eventID string, from ledger.Status, attemptCount int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("reclaim"); err != nil {
		return false, err
	}
	e, ok := s.entries[eventID]
	if !ok || e.Status != from || e.AttemptCount != attemptCount {
		return false, nil
	}
	e.Status = ledger.StatusClaimed
	e.AttemptCount++
	e.LastAttemptAt = now
	e.UpdatedAt = now
	return true, nil
}

func (s *Store) Resolve(_ context.Context, eventID string, to ledger.Status, lastError string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("resolve"); err != nil {
		return false, err
	}
	e, ok := s.entries[eventID]
	if !ok || e.Status != ledger.StatusClaimed {
		return false, nil
	}
	e.Status = to
	e.LastError = lastError
	e.UpdatedAt = now
	return true, nil
}

func (s *Store) ListRetryable(_ context.Context, q ledger.RetryQuery) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("list"); err != nil {
		return nil, err
	}
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.AttemptCount >= q.MaxAttempts {
			continue
		}
		if e.Status == ledger.StatusFailed || (e.Status == ledger.StatusClaimed && e.LastAttemptAt.Before(q.StaleBefore)) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAttemptAt.Equal(out[j].LastAttemptAt) {
			return out[i].LastAttemptAt.Before(out[j].LastAttemptAt)
		}
		return out[i].Event.ID < out[j].Event.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *Store) FinalizeExhausted(_ context.Context, staleBefore time.Time, maxAttempts int, now time.Time) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("finalize"); err != nil {
		return nil, err
	}
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.AttemptCount < maxAttempts {
			continue
		}
		if e.Status == ledger.StatusFailed || (e.Status == ledger.StatusClaimed && e.LastAttemptAt.Before(staleBefore)) {
			e.Status = ledger.StatusFailedFinal
			if e.LastError == "" {
				e.LastError = "attempts exhausted"
			}
			e.UpdatedAt = now
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Event.ID < out[j].Event.ID })
	return out, nil
}

func (s *Store) ListFinalFailures(_ context.Context, limit int) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("final"); err != nil {
		return nil, err
	}
	var out []ledger.Entry
	for _, e := range s.entries {
		if e.Status == ledger.StatusFailedFinal {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].Event.ID < out[j].Event.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Watermark(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("watermark"); err != nil {
		return 0, err
	}
	return s.watermarks[name], nil
}

func (s *Store) AdvanceWatermark(_ context.Context, name string, position int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure("advance"); err != nil {
		return err
	}
	if position > s.watermarks[name] {
		s.watermarks[name] = position
	}
	return nil
}
