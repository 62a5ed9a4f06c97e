package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the engine.
	Registry = prometheus.NewRegistry()

	// HTTPRequests counts requests by method, path, and status.
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds.
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// LocationUpdates counts accepted driver location pushes by status.
	LocationUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "driver_location_updates_total", Help: "Driver location updates by reported status."},
		[]string{"status"},
	)
	// MatchAttempts counts matching runs by method and outcome (matched,
	// no_match, error).
	MatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "match_attempts_total", Help: "Matching runs by method and outcome."},
		[]string{"method", "outcome"},
	)
	// AssignmentOutcomes counts settled assignment attempts by final status.
	AssignmentOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "assignment_outcomes_total", Help: "Assignment attempts by final status."},
		[]string{"status"},
	)
	// ResponseTime tracks driver response latencies in seconds.
	ResponseTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "driver_response_seconds", Help: "Driver response time in seconds.", Buckets: []float64{5, 15, 30, 60, 120, 300, 600}},
		[]string{"response"},
	)

	// WebhookDeliveries counts webhook delivery outcomes by event type and status.
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// WebhookLatency tracks webhook delivery latencies in milliseconds.
	WebhookLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "webhook_delivery_latency_ms", Help: "Webhook delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

var regOnce sync.Once

// RegisterDefault registers all collectors on the dedicated registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(LocationUpdates)
		Registry.MustRegister(MatchAttempts)
		Registry.MustRegister(AssignmentOutcomes)
		Registry.MustRegister(ResponseTime)
		Registry.MustRegister(WebhookDeliveries)
		Registry.MustRegister(WebhookLatency)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}
