package ledger_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/ledger"
	"notification-monitor/internal/ledger/ledgertest"
	"notification-monitor/internal/notification"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func testPolicy() ledger.Policy {
	return ledger.Policy{
		MaxAttempts:  3,
		BackoffBase:  time.Minute,
		BackoffMax:   30 * time.Minute,
		ClaimTimeout: 10 * time.Minute,
	}
}

func newGate(store *ledgertest.Store) (*ledger.Gate, *clock) {
	c := &clock{now: t0}
	return ledger.NewGate(store, testPolicy()).WithClock(c.Now), c
}

func contactEvent(email string) notification.Event {
	return notification.NewEvent(notification.ContactAssigned, "O1/C1", "42",
		notification.Recipient{Email: email, Name: "Chris"},
		map[string]string{"recipientName": "Chris", "contactName": "Chris", "organisationName": "Org One"})
}

func transient(reason string) notification.Outcome {
	return notification.Outcome{Kind: notification.TransientFailure, Reason: reason}
}

func TestPolicy_Backoff(t *testing.T) {
	p := testPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{5, 16 * time.Minute},
		{6, 30 * time.Minute},
		{40, 30 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestGate_ClaimTwiceReturnsFalse(t *testing.T) {
	store := ledgertest.New()
	gate, _ := newGate(store)
	ev := contactEvent("c1@example.org")

	ok, err := gate.Claim(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.Claim(context.Background(), ev)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Len(t, store.Entries(), 1)
	assert.Equal(t, 1, store.Inserts())

	entry, _ := store.Get(ev.ID)
	assert.Equal(t, ledger.StatusClaimed, entry.Status)
	assert.Equal(t, 1, entry.AttemptCount)
	assert.Equal(t, t0, entry.LastAttemptAt)
}

func TestGate_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	store := ledgertest.New()
	gate, _ := newGate(store)
	ev := contactEvent("c1@example.org")

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := gate.Claim(context.Background(), ev)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, store.Inserts())
}

func TestGate_SentIsTerminal(t *testing.T) {
	store := ledgertest.New()
	gate, clk := newGate(store)
	ctx := context.Background()
	ev := contactEvent("c1@example.org")

	_, err := gate.Claim(ctx, ev)
	require.NoError(t, err)

	status, err := gate.Release(ctx, ev.ID, 1, notification.Outcome{Kind: notification.Sent})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSent, status)

	_, err = gate.Release(ctx, ev.ID, 1, transient("late"))
	assert.True(t, stderrors.Is(err, ledger.ErrNotClaimed))

	entry, _ := store.Get(ev.ID)
	ok, err := gate.Reclaim(ctx, entry)
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(24 * time.Hour)
	candidates, err := gate.RetryCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	ok, err = gate.Claim(ctx, ev)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGate_TransientFailureWaitsForBackoff(t *testing.T) {
	store := ledgertest.New()
	gate, clk := newGate(store)
	ctx := context.Background()
	ev := contactEvent("c1@example.org")

	_, err := gate.Claim(ctx, ev)
	require.NoError(t, err)
	status, err := gate.Release(ctx, ev.ID, 1, transient("timeout"))
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailed, status)

	entry, _ := store.Get(ev.ID)
	assert.Equal(t, 1, entry.AttemptCount)
	assert.Equal(t, "timeout", entry.LastError)

	clk.Advance(30 * time.Second)
	candidates, err := gate.RetryCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	clk.Advance(30 * time.Second)
	candidates, err = gate.RetryCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, ev.ID, candidates[0].Event.ID)
	assert.Equal(t, ev.TemplateData, candidates[0].Event.TemplateData)

	ok, err := gate.Reclaim(ctx, candidates[0])
	require.NoError(t, err)
	assert.True(t, ok)

	// A second reclaim of the same listing loses the compare-and-swap.
	ok, err = gate.Reclaim(ctx, candidates[0])
	require.NoError(t, err)
	assert.False(t, ok)

	entry, _ = store.Get(ev.ID)
	assert.Equal(t, ledger.StatusClaimed, entry.Status)
	assert.Equal(t, 2, entry.AttemptCount)
}

func TestGate_RetryBound(t *testing.T) {
	store := ledgertest.New()
	gate, clk := newGate(store)
	ctx := context.Background()
	ev := contactEvent("c1@example.org")

	_, err := gate.Claim(ctx, ev)
	require.NoError(t, err)

	attempts := 1
	for pass := 0; pass < 10; pass++ {
		entry, _ := store.Get(ev.ID)
		if entry.Status == ledger.StatusClaimed {
			_, err := gate.Release(ctx, ev.ID, entry.AttemptCount, transient("timeout"))
			require.NoError(t, err)
		}

		clk.Advance(time.Hour)
		candidates, err := gate.RetryCandidates(ctx)
		require.NoError(t, err)
		for _, c := range candidates {
			ok, err := gate.Reclaim(ctx, c)
			require.NoError(t, err)
			if ok {
				attempts++
			}
		}
	}

	entry, _ := store.Get(ev.ID)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, entry.AttemptCount)
	assert.Equal(t, ledger.StatusFailedFinal, entry.Status)
}

func TestGate_PermanentFailureIsFinalImmediately(t *testing.T) {
	store := ledgertest.New()
	gate, clk := newGate(store)
	ctx := context.Background()
	ev := contactEvent("not-an-address")

	_, err := gate.Claim(ctx, ev)
	require.NoError(t, err)

	status, err := gate.Release(ctx, ev.ID, 1, notification.Outcome{Kind: notification.PermanentFailure, Reason: "invalid recipient"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFailedFinal, status)

	clk.Advance(24 * time.Hour)
	candidates, err := gate.RetryCandidates(ctx)
	require.NoError(t, err)
	assert.Empty(t, candidates)

	final, err := gate.FinalFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, final, 1)
	assert.Equal(t, "invalid recipient", final[0].LastError)
}

func TestGate_StaleClaimsAreReconciled(t *testing.T) {
	store := ledgertest.New()
	gate, clk := newGate(store)
	ctx := context.Background()

	fresh := contactEvent("fresh@example.org")
	stale := contactEvent("stale@example.org")
	exhausted := contactEvent("exhausted@example.org")

	store.Put(ledger.Entry{Event: stale, Status: ledger.StatusClaimed, AttemptCount: 1, LastAttemptAt: t0.Add(-11 * time.Minute)})
	store.Put(ledger.Entry{Event: exhausted, Status: ledger.StatusClaimed, AttemptCount: 3, LastAttemptAt: t0.Add(-time.Hour)})
	_, err := gate.Claim(ctx, fresh)
	require.NoError(t, err)
	clk.Advance(time.Minute)

	finalized, err := gate.FinalizeExhausted(ctx)
	require.NoError(t, err)
	require.Len(t, finalized, 1)
	assert.Equal(t, exhausted.ID, finalized[0].Event.ID)
	assert.Equal(t, ledger.StatusFailedFinal, finalized[0].Status)

	candidates, err := gate.RetryCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, stale.ID, candidates[0].Event.ID)

	ok, err := gate.Reclaim(ctx, candidates[0])
	require.NoError(t, err)
	assert.True(t, ok)

	entry, _ := store.Get(stale.ID)
	assert.Equal(t, 2, entry.AttemptCount)
	assert.Equal(t, clk.Now(), entry.LastAttemptAt)
}

func TestGate_FinalizeClaimedEvent(t *testing.T) {
	store := ledgertest.New()
	gate, _ := newGate(store)
	ctx := context.Background()
	ev := contactEvent("c1@example.org")

	_, err := gate.Claim(ctx, ev)
	require.NoError(t, err)
	require.NoError(t, gate.Finalize(ctx, ev.ID, "template data invalid"))

	entry, _ := store.Get(ev.ID)
	assert.Equal(t, ledger.StatusFailedFinal, entry.Status)
}

func TestGate_StoreFailureIsLedgerUnavailable(t *testing.T) {
	store := ledgertest.New()
	gate, _ := newGate(store)
	ctx := context.Background()
	boom := stderrors.New("connection refused")

	store.FailOn("insert", boom)
	_, err := gate.Claim(ctx, contactEvent("c1@example.org"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeLedgerUnavailable))
	assert.True(t, stderrors.Is(err, boom))

	store.FailOn("list", boom)
	_, err = gate.RetryCandidates(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeLedgerUnavailable))

	store.FailOn("finalize", boom)
	_, err = gate.FinalizeExhausted(ctx)
	assert.True(t, errors.HasCode(err, errors.ErrCodeLedgerUnavailable))
}

func TestGate_RetryCandidatesHonoursBatchSize(t *testing.T) {
	store := ledgertest.New()
	policy := testPolicy()
	policy.RetryBatchSize = 2
	gate := ledger.NewGate(store, policy).WithClock(func() time.Time { return t0 })
	ctx := context.Background()

	var oldest []string
	for i, email := range []string{"a@example.org", "b@example.org", "c@example.org", "d@example.org", "e@example.org"} {
		ev := contactEvent(email)
		store.Put(ledger.Entry{
			Event:         ev,
			Status:        ledger.StatusFailed,
			AttemptCount:  1,
			LastAttemptAt: t0.Add(-time.Hour + time.Duration(i)*time.Minute),
		})
		if i < 2 {
			oldest = append(oldest, ev.ID)
		}
	}

	candidates, err := gate.RetryCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, oldest, []string{candidates[0].Event.ID, candidates[1].Event.ID})
	assert.Equal(t, 2, gate.Policy().RetryBatchSize)
}

func TestNewGate_DefaultRetryBatchSize(t *testing.T) {
	gate := ledger.NewGate(ledgertest.New(), testPolicy())
	assert.Equal(t, 1000, gate.Policy().RetryBatchSize)
}
