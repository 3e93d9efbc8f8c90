package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestNoopObservability(t *testing.T) {
	o := NewNoop()

	ctx, span := o.StartSpan(context.Background(), "pass", attribute.String("passId", "p-1"))
	assert.NotNil(t, ctx)
	span.End()

	assert.NotPanics(t, func() {
		o.RecordPass(context.Background(), time.Second, "completed")
		o.Shutdown()
	})
}

func TestNilObservabilityIsSafe(t *testing.T) {
	var o *Observability

	_, span := o.StartSpan(context.Background(), "pass")
	span.End()
	assert.NotPanics(t, func() { o.RecordPass(context.Background(), time.Millisecond, "aborted") })
}

func TestNewRecordsSpans(t *testing.T) {
	o := New("notification-monitor-test")
	defer o.Shutdown()

	_, span := o.StartSpan(context.Background(), "pass")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	o.RecordPass(context.Background(), 20*time.Millisecond, "completed")
}
