package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// eventsTotal counts delivery outcomes by event type.
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "huntboard",
			Name:      "outbox_events_total",
			Help:      "Outbox delivery outcomes by event type and result.",
		},
		[]string{"type", "result"},
	)

	// eventDuration observes handler latency by event type.
	eventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "huntboard",
			Name:      "outbox_handler_duration_seconds",
			Help:      "Outbox handler duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		},
		[]string{"type"},
	)

	// queueDepth tracks pending and failed event counts.
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "huntboard",
			Name:      "outbox_queue_depth",
			Help:      "Number of outbox events by status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(eventsTotal, eventDuration, queueDepth)
}
