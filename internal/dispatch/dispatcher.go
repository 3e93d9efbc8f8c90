// Package dispatch sends rendered messages through a mail transport and
// classifies the result of each attempt.
package dispatch

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"notification-monitor/internal/common/logger"
	"notification-monitor/internal/common/metrics"
	"notification-monitor/internal/notification"
)

// Mail is one message handed to a transport.
type Mail struct {
	MessageID string
	From      notification.Recipient
	To        notification.Recipient
	Subject   string
	HTMLBody  string
	TextBody  string
}

// Transport delivers a single message. A nil error means the transport
// accepted it. Transports must not retry.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, m Mail) error
}

type Config struct {
	From          notification.Recipient
	SendTimeout   time.Duration
	RatePerSecond int
}

// Dispatcher makes exactly one delivery attempt per Send call.
type Dispatcher struct {
	transport Transport
	from      notification.Recipient
	timeout   time.Duration
	limiter   *rate.Limiter
	logger    logger.Logger
}

func New(transport Transport, cfg Config, log logger.Logger) (*Dispatcher, error) {
	if _, err := mail.ParseAddress(cfg.From.Email); err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", cfg.From.Email, err)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond)
	}

	return &Dispatcher{
		transport: transport,
		from:      cfg.From,
		timeout:   cfg.SendTimeout,
		limiter:   limiter,
		logger:    log.WithFields(map[string]interface{}{"component": "dispatcher", "transport": transport.Name()}),
	}, nil
}

// Transport returns the name of the underlying transport.
func (d *Dispatcher) Transport() string { return d.transport.Name() }

// Send attempts delivery of msg once and classifies the result.
func (d *Dispatcher) Send(ctx context.Context, msg notification.RenderedMessage) notification.Outcome {
	addr, err := mail.ParseAddress(msg.Recipient.Email)
	if err != nil || !strings.Contains(addr.Address, "@") {
		return notification.Outcome{Kind: notification.PermanentFailure, Reason: fmt.Sprintf("invalid recipient address %q", msg.Recipient.Email)}
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return notification.Outcome{Kind: notification.TransientFailure, Reason: "rate limiter: " + err.Error()}
	}

	sendCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	name := d.transport.Name()
	active := metrics.DispatchActive.WithLabelValues(name)
	active.Inc()
	start := time.Now()

	err = d.transport.Deliver(sendCtx, Mail{
		MessageID: msg.EventID,
		From:      d.from,
		To:        notification.Recipient{Email: addr.Address, Name: msg.Recipient.Name},
		Subject:   msg.Subject,
		HTMLBody:  msg.HTMLBody,
		TextBody:  msg.TextBody,
	})

	active.Dec()
	outcome := Classify(err)
	metrics.DispatchDuration.WithLabelValues(name, string(outcome.Kind)).Observe(time.Since(start).Seconds())

	if outcome.Kind != notification.Sent {
		d.logger.Warn("delivery attempt failed", map[string]interface{}{
			"eventId": msg.EventID,
			"outcome": string(outcome.Kind),
			"error":   err,
		})
	}
	return outcome
}
