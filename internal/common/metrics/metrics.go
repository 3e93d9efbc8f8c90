// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_passes_total",
			Help: "Monitoring passes by result (completed, aborted, skipped)",
		},
		[]string{"result"},
	)

	PassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notification_pass_duration_seconds",
			Help:    "Duration of monitoring passes in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"result"},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_events_total",
			Help: "Notification events by type and pass outcome",
		},
		[]string{"event_type", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "notification_dispatch_duration_seconds",
			Help: "Duration of a single mail transport call in seconds",
		},
		[]string{"transport", "outcome"},
	)

	DispatchActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notification_dispatch_active",
			Help: "Number of sends in flight",
		},
		[]string{"transport"},
	)

	FailedFinalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notification_failed_final_total",
			Help: "Events that reached Failed-Final and need manual follow-up",
		},
		[]string{"event_type"},
	)
)
