// Package metrics holds the Prometheus collectors for the ingest pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IngestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugshot_ingest_total",
			Help: "Ingest requests by outcome",
		},
		[]string{"outcome"},
	)

	AggregatesCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bugshot_aggregates_created_total",
			Help: "Error aggregates created on first occurrence",
		},
	)

	AggregationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bugshot_aggregation_retries_total",
			Help: "Find-or-create attempts retried after a write conflict",
		},
	)

	AdmissionDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugshot_ratelimit_denied_total",
			Help: "Requests denied by admission control",
		},
		[]string{"kind"},
	)

	RateLimitBackendErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugshot_ratelimit_backend_errors_total",
			Help: "Counter backend failures that were failed open",
		},
		[]string{"kind"},
	)

	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bugshot_events_published_total",
			Help: "Ingested events published on the bus",
		},
	)

	EventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugshot_events_delivered_total",
			Help: "Event deliveries per subscriber and result",
		},
		[]string{"subscriber", "result"},
	)

	EventQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bugshot_event_queue_depth",
			Help: "Events waiting for a bus worker",
		},
	)

	NotificationsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bugshot_notifications_total",
			Help: "Notification sends per channel type and result",
		},
		[]string{"channel_type", "result"},
	)

	NotificationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bugshot_notification_duration_seconds",
			Help:    "Time spent delivering one notification",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel_type"},
	)
)

func init() {
	prometheus.MustRegister(
		IngestTotal,
		AggregatesCreated,
		AggregationRetries,
		AdmissionDenied,
		RateLimitBackendErrors,
		EventsPublished,
		EventsDelivered,
		EventQueueDepth,
		NotificationsSent,
		NotificationDuration,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
