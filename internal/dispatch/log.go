package dispatch

import (
	"context"

	"notification-monitor/internal/common/logger"
)

// LogTransport writes messages to the log instead of sending them. It is
// meant for local runs.
type LogTransport struct {
	logger logger.Logger
}

func NewLogTransport(log logger.Logger) *LogTransport {
	return &LogTransport{logger: log}
}

func (t *LogTransport) Name() string { return "log" }

func (t *LogTransport) Deliver(ctx context.Context, m Mail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.logger.Info("mail delivered to log", map[string]interface{}{
		"messageId": m.MessageID,
		"to":        m.To.Address(),
		"subject":   m.Subject,
		"textBody":  m.TextBody,
	})
	return nil
}
