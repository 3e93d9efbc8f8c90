package monitor

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/common/logger"
)

func newTestServer(t *testing.T, runner PassRunner, checks map[string]Check) *httptest.Server {
	t.Helper()
	phase := func() Phase { return PhaseGating }
	s := NewServer(context.Background(), ":0", runner, phase, checks, logger.NewTestLogger(t))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]string{"status": "healthy", "phase": "gating"}, body)
}

func TestServer_Ready(t *testing.T) {
	srv := newTestServer(t, nil, map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return stderrors.New("redis ping failed") },
	})

	resp, err := http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not_ready", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Equal(t, "redis ping failed", body.Checks["redis"])
}

func TestServer_RunPass(t *testing.T) {
	tests := []struct {
		name       string
		summary    Summary
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "completed",
			summary:    Summary{PassID: "p-1", EventsDetected: 2, EventsSent: 2},
			wantStatus: http.StatusOK,
			wantBody:   `"eventsSent":2`,
		},
		{
			name:       "lock held",
			err:        errors.NewPassInProgressError("test:lock"),
			wantStatus: http.StatusConflict,
			wantBody:   `"code":"PASS_IN_PROGRESS"`,
		},
		{
			name:       "aborted",
			summary:    Summary{PassID: "p-2", Aborted: true, Error: "ledger down"},
			err:        errors.NewLedgerUnavailableError("claim", stderrors.New("connection refused")),
			wantStatus: http.StatusServiceUnavailable,
			wantBody:   `"aborted":true`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, runnerFunc(func(context.Context) (Summary, error) {
				return tt.summary, tt.err
			}), nil)

			resp, err := http.Post(srv.URL+"/passes", "application/json", nil)
			require.NoError(t, err)
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Contains(t, string(body), tt.wantBody)
		})
	}
}

func TestServer_RoutesAndMetrics(t *testing.T) {
	srv := newTestServer(t, nil, nil)

	resp, err := http.Get(srv.URL + "/passes")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}
