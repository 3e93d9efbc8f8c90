package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/common/logger"
)

type runnerFunc func(ctx context.Context) (Summary, error)

func (f runnerFunc) Run(ctx context.Context) (Summary, error) { return f(ctx) }

func TestNewScheduler_RejectsInvalidConfig(t *testing.T) {
	noop := runnerFunc(func(context.Context) (Summary, error) { return Summary{}, nil })

	_, err := NewScheduler("every five minutes", "", noop, logger.NewNoOpLogger())
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigInvalid))

	_, err = NewScheduler("", "Mars/Olympus_Mons", noop, logger.NewNoOpLogger())
	assert.True(t, errors.HasCode(err, errors.ErrCodeConfigInvalid))

	s, err := NewScheduler("0 7 * * 1-5", "Europe/London", noop, logger.NewNoOpLogger())
	require.NoError(t, err)
	s.Start(context.Background())
	assert.False(t, s.Next().IsZero())
	require.NoError(t, s.Stop(context.Background()))
}

func TestScheduler_RunsPassesAndStopInterruptsInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	interrupted := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context) (Summary, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		close(interrupted)
		return Summary{Aborted: true}, nil
	})

	s, err := NewScheduler("@every 1s", "", runner, logger.NewTestLogger(t))
	require.NoError(t, err)
	s.Start(context.Background())

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled pass did not start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	select {
	case <-interrupted:
	default:
		t.Fatal("Stop returned before the in-flight pass drained")
	}
}

func TestScheduler_TickLogsSkippedAndAbortedPasses(t *testing.T) {
	results := []error{
		errors.NewPassInProgressError("test:lock"),
		errors.NewLedgerUnavailableError("claim", context.DeadlineExceeded),
		nil,
	}
	calls := 0
	runner := runnerFunc(func(context.Context) (Summary, error) {
		err := results[calls]
		calls++
		return Summary{PassID: "p-1"}, err
	})

	s, err := NewScheduler("@every 1h", "", runner, logger.NewTestLogger(t))
	require.NoError(t, err)

	s.tick()
	assert.Zero(t, calls, "no pass before Start")

	s.Start(context.Background())
	defer s.Stop(context.Background())
	for range results {
		assert.NotPanics(t, s.tick)
	}
	assert.Equal(t, 3, calls)
}

func TestCronLogger_Pairs(t *testing.T) {
	assert.Equal(t, map[string]interface{}{"entry": 1, "next": "soon"}, kv([]interface{}{"entry", 1, "next", "soon", "dangling"}))
}
