// Package observability provides the logger and Prometheus metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SendsTotal counts settled sends by outcome.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sends_total",
			Help: "Total number of message sends by outcome",
		},
		[]string{"outcome"},
	)

	// AITaskDuration tracks AI provider calls, retries included.
	AITaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_ai_task_duration_seconds",
			Help:    "Duration of AI task runs",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 90},
		},
		[]string{"op", "outcome"},
	)

	// ReconnectAttempts counts scheduled realtime reconnects.
	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "realtime_reconnect_attempts_total",
			Help: "Total number of scheduled realtime reconnect attempts",
		},
	)

	// ChannelStatus counts channel status events.
	ChannelStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_channel_status_total",
			Help: "Total number of realtime channel status events",
		},
		[]string{"status"},
	)

	// PushEvents counts change events delivered to subscribers.
	PushEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "realtime_push_events_total",
			Help: "Total number of realtime change events delivered",
		},
		[]string{"type"},
	)

	// FallbackChannels tracks channels currently relying on polling.
	FallbackChannels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "realtime_fallback_polling_channels",
			Help: "Number of channels with fallback polling enabled",
		},
	)
)

// RecordSend increments the send counter for outcome.
func RecordSend(outcome string) {
	SendsTotal.WithLabelValues(outcome).Inc()
}

// RecordAITask observes an AI task run.
func RecordAITask(op, outcome string, d time.Duration) {
	AITaskDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
}
