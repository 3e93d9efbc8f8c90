package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/common/logger"
	"notification-monitor/internal/monitor"
)

type fakeRunner struct {
	summary monitor.Summary
	err     error
	calls   int
}

func (f *fakeRunner) Run(context.Context) (monitor.Summary, error) {
	f.calls++
	return f.summary, f.err
}

func createTestHandler(t *testing.T, runner monitor.PassRunner) *Handler {
	return NewHandler(context.Background(), runner, time.Minute, logger.NewTestLogger(t))
}

// interruptibleRunner runs until its context ends and reports the pass as
// aborted, the way the monitor runner does on shutdown.
type interruptibleRunner struct{}

func (interruptibleRunner) Run(ctx context.Context) (monitor.Summary, error) {
	<-ctx.Done()
	return monitor.Summary{PassID: "p-4", Aborted: true, Error: ctx.Err().Error()}, nil
}

func TestParseInput(t *testing.T) {
	tests := []struct {
		name      string
		variables string
		want      *Input
		wantErr   bool
	}{
		{name: "empty", variables: "", want: &Input{}},
		{name: "empty object", variables: "{}", want: &Input{}},
		{name: "full", variables: `{"requestId":"r-1","failOnAbort":true,"other":1}`, want: &Input{RequestID: "r-1", FailOnAbort: true}},
		{name: "not json", variables: "{", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInput(tt.variables)
			if tt.wantErr {
				assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidJobInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandler_Execute(t *testing.T) {
	runner := &fakeRunner{summary: monitor.Summary{PassID: "p-1", EventsDetected: 4, EventsSent: 4}}
	h := createTestHandler(t, runner)

	out, err := h.Execute(context.Background(), &Input{RequestID: "r-1"})
	require.NoError(t, err)
	assert.Equal(t, "r-1", out.RequestID)
	assert.Equal(t, 4, out.Summary.EventsSent)
	assert.Equal(t, 1, runner.calls)
}

func TestHandler_Execute_Errors(t *testing.T) {
	tests := []struct {
		name     string
		runner   *fakeRunner
		input    *Input
		wantCode errors.ErrorCode
	}{
		{
			name:     "pass in progress",
			runner:   &fakeRunner{err: errors.NewPassInProgressError("lock")},
			input:    &Input{},
			wantCode: errors.ErrCodePassInProgress,
		},
		{
			name:     "ledger unavailable",
			runner:   &fakeRunner{err: errors.NewLedgerUnavailableError("claim", context.DeadlineExceeded)},
			input:    &Input{},
			wantCode: errors.ErrCodeLedgerUnavailable,
		},
		{
			name:     "aborted pass with failOnAbort",
			runner:   &fakeRunner{summary: monitor.Summary{PassID: "p-2", Aborted: true, Error: "pass interrupted"}},
			input:    &Input{FailOnAbort: true},
			wantCode: errors.ErrCodePassInterrupted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := createTestHandler(t, tt.runner).Execute(context.Background(), tt.input)
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, errors.CodeOf(err))
		})
	}
}

func TestHandler_Execute_AbortedPassCompletesByDefault(t *testing.T) {
	runner := &fakeRunner{summary: monitor.Summary{PassID: "p-3", Aborted: true}}
	out, err := createTestHandler(t, runner).Execute(context.Background(), &Input{})
	require.NoError(t, err)
	assert.True(t, out.Summary.Aborted)
}

func TestHandler_CancelledBaseInterruptsPass(t *testing.T) {
	base, cancelBase := context.WithCancel(context.Background())
	h := NewHandler(base, interruptibleRunner{}, time.Hour, logger.NewTestLogger(t))

	ctx, cancel := h.jobContext()
	defer cancel()

	time.AfterFunc(20*time.Millisecond, cancelBase)

	done := make(chan *Output, 1)
	go func() {
		out, err := h.Execute(ctx, &Input{RequestID: "r-4"})
		assert.NoError(t, err)
		done <- out
	}()

	select {
	case out := <-done:
		require.NotNil(t, out)
		assert.True(t, out.Summary.Aborted)
		assert.Equal(t, context.Canceled.Error(), out.Summary.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("pass did not stop after the base context was cancelled")
	}
}
