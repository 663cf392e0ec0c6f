// Package metrics provides Prometheus instrumentation for the admin
// gateway. It exposes gauges for connection counts, counters for event
// throughput, and histograms for push and orchestrator latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adminvoice_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// EventsPublished counts events written to the broker, labeled by kind.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adminvoice_events_published_total",
		Help: "Total number of events published to the broker",
	}, []string{"kind"})

	// EventsDispatched counts events delivered to at least one local
	// recipient, labeled by kind.
	EventsDispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adminvoice_events_dispatched_total",
		Help: "Total number of events dispatched to local recipients",
	}, []string{"kind"})

	// EventsDropped counts broker messages discarded before dispatch,
	// labeled by reason: "invalid" or "no_recipients".
	EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adminvoice_events_dropped_total",
		Help: "Total number of broker messages dropped before dispatch",
	}, []string{"reason"})

	// PublishErrors counts failed broker publish round-trips.
	PublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adminvoice_publish_errors_total",
		Help: "Total number of failed event publish calls",
	})

	// HandlerErrors counts subscriber handler and reaction-rule failures.
	HandlerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adminvoice_handler_errors_total",
		Help: "Total number of event handler failures",
	})

	// PushLatency records per-recipient event push latency in seconds.
	PushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "adminvoice_push_latency_seconds",
		Help:    "Per-recipient event push latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// OrchestratorDuration records orchestrator command round-trip time.
	OrchestratorDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "adminvoice_orchestrator_duration_seconds",
		Help:    "Orchestrator command forwarding duration in seconds",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsPublished,
		EventsDispatched,
		EventsDropped,
		PublishErrors,
		HandlerErrors,
		PushLatency,
		OrchestratorDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
