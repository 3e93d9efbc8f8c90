package main

import (
	"bytes"
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-monitor/internal/common/config"
	"notification-monitor/internal/common/errors"
	"notification-monitor/internal/common/logger"
	"notification-monitor/internal/detector"
	"notification-monitor/internal/ledger"
	"notification-monitor/internal/monitor"
	"notification-monitor/internal/notification"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestTemplatesCheck_Embedded(t *testing.T) {
	out, err := execute(t, "templates", "check")
	require.NoError(t, err)

	assert.Contains(t, out, "3 templates OK (embedded)")
	assert.Contains(t, out, "assessment-reminder@")
	assert.Contains(t, out, "contact-assigned@")
	assert.Contains(t, out, "contact-removed@")
}

func TestTemplatesCheck_MissingDir(t *testing.T) {
	_, err := execute(t, "templates", "check", "--dir", t.TempDir()+"/missing")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTemplateLoadFailed))
}

func TestRetryWithBackoff(t *testing.T) {
	log := logger.NewTestLogger(t)

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := retryWithBackoff(context.Background(), func() error {
			calls++
			if calls < 3 {
				return stderrors.New("connection refused")
			}
			return nil
		}, 5, time.Millisecond, log, "test connection")
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := retryWithBackoff(context.Background(), func() error {
			calls++
			return stderrors.New("connection refused")
		}, 3, time.Millisecond, log, "test connection")
		require.Error(t, err)
		assert.Equal(t, 3, calls)
		assert.Contains(t, err.Error(), "test connection failed after 3 attempts")
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := retryWithBackoff(ctx, func() error {
			calls++
			return stderrors.New("connection refused")
		}, 5, time.Hour, log, "test connection")
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestNewTransport(t *testing.T) {
	cfg := &config.Config{}
	cfg.Dispatch.FromEmail = "no-reply@example.gov.uk"

	cfg.Dispatch.Transport = "log"
	tr, err := newTransport(context.Background(), cfg, logger.NewNoOpLogger())
	require.NoError(t, err)
	assert.Equal(t, "log", tr.Name())

	cfg.Dispatch.Transport = "smtp"
	cfg.Integrations.SMTP.Host = "mail.example.gov.uk"
	cfg.Integrations.SMTP.Port = 587
	tr, err = newTransport(context.Background(), cfg, logger.NewNoOpLogger())
	require.NoError(t, err)
	assert.Equal(t, "smtp", tr.Name())

	cfg.Dispatch.Transport = "pigeon"
	_, err = newTransport(context.Background(), cfg, logger.NewNoOpLogger())
	assert.ErrorContains(t, err, "unknown transport")
}

func TestNewRecipientResolver(t *testing.T) {
	cfg := &config.Config{}
	source := detector.NewPostgresSource(nil)

	r, err := newRecipientResolver(cfg, source)
	require.NoError(t, err)
	assert.Same(t, source, r)

	cfg.Detector.RecipientSource = "keycloak"
	cfg.Auth.Keycloak.URL = "http://keycloak:8080"
	cfg.Auth.Keycloak.Realm = "studies"
	r, err = newRecipientResolver(cfg, source)
	require.NoError(t, err)
	assert.IsType(t, &detector.KeycloakResolver{}, r)

	cfg.Detector.RecipientSource = "ldap"
	_, err = newRecipientResolver(cfg, source)
	assert.Error(t, err)
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printSummary(&out, monitor.Summary{PassID: "p-1", EventsSent: 2}))
	assert.Contains(t, out.String(), `"passId": "p-1"`)
}

func TestPrintFailures(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printFailures(&out, nil))
	assert.Equal(t, "no failed notifications\n", out.String())

	out.Reset()
	ev := notification.NewEvent(notification.ContactAssigned, "org-1", "17",
		notification.Recipient{Name: "Ada", Email: "ada@example.org"}, nil)
	require.NoError(t, printFailures(&out, []ledger.Entry{{
		Event:         ev,
		Status:        ledger.StatusFailedFinal,
		AttemptCount:  3,
		LastError:     "mailbox unavailable",
		LastAttemptAt: time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC),
	}}))

	assert.Contains(t, out.String(), "ATTEMPTS")
	assert.Contains(t, out.String(), ev.ID)
	assert.Contains(t, out.String(), "ada@example.org")
	assert.Contains(t, out.String(), "2026-03-06T09:00:00Z")
	assert.Contains(t, out.String(), "mailbox unavailable")
}
