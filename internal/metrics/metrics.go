// Package metrics registers the Prometheus instruments for the delivery
// fabric and the HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PublishLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aurswift_event_publish_duration_seconds",
		Help:    "Time taken to publish events to the bus",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aurswift_events_published_total",
		Help: "Events published, by type and backend",
	}, []string{"type", "backend"})

	BusFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurswift_bus_fallback_total",
		Help: "Publishes that fell back to the in-process bus after a transport failure. Multi-instance deployments should alarm on this.",
	})

	ActiveSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aurswift_bus_active_subscribers",
		Help: "Currently attached bus subscribers",
	})

	ConnectedTerminals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aurswift_stream_connected_terminals",
		Help: "Terminals with an open streaming connection",
	})

	DeliveredFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aurswift_stream_frames_delivered_total",
		Help: "Event frames delivered to terminals, by phase (replay/live)",
	}, []string{"phase"})

	AcksRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aurswift_acks_recorded_total",
		Help: "Acknowledgements recorded, by status",
	}, []string{"status"})

	RetriesScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurswift_retries_scheduled_total",
		Help: "Retry attempts scheduled by the retry engine",
	})

	DeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aurswift_dead_lettered_total",
		Help: "Events escalated to the dead letter queue",
	})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aurswift_webhook_events_total",
		Help: "Webhook events processed, by type and outcome",
	}, []string{"type", "outcome"})

	apiRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aurswift_api_request_duration_seconds",
		Help:    "API request latency by method, route and status",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// RecordAPIRequest observes one completed HTTP request.
func RecordAPIRequest(method, route, status string, elapsed time.Duration) {
	apiRequests.WithLabelValues(method, route, status).Observe(elapsed.Seconds())
}
