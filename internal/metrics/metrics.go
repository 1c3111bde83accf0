package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	// Registry is the dedicated Prometheus registry for the API
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, path, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// OptimizationRuns counts optimizer runs by strategy and outcome
	OptimizationRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "optimization_runs_total", Help: "Optimization runs by strategy and outcome."},
		[]string{"strategy", "outcome"},
	)
	// OptimizationDuration records solver wall time in seconds
	OptimizationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "optimization_duration_seconds", Help: "Optimizer wall time in seconds.", Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30}},
		[]string{"strategy"},
	)

	// ProviderCalls counts outbound distance-provider calls by provider and status
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "distance_provider_calls_total", Help: "Distance provider calls by provider and status."},
		[]string{"provider", "status"},
	)
	// MatrixCacheLookups counts distance cache lookups by result (hit, miss, expired)
	MatrixCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "distance_cache_lookups_total", Help: "Distance matrix cache lookups by result."},
		[]string{"result"},
	)

	// LocationUpdates counts GPS samples by disposition (applied, stale, no_route)
	LocationUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "location_updates_total", Help: "Vehicle location updates by disposition."},
		[]string{"disposition"},
	)
	// DelayAlerts counts emitted delay alerts by severity
	DelayAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "delay_alerts_total", Help: "Delay alerts emitted by severity."},
		[]string{"severity"},
	)

	// NotifyDeliveries counts notification delivery outcomes by event type and status
	NotifyDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notification_deliveries_total", Help: "Notification deliveries by event type and status."},
		[]string{"event_type", "status"},
	)
	// NotifyLatency tracks notification delivery latencies in milliseconds
	NotifyLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "notification_delivery_latency_ms", Help: "Notification delivery latency in ms.", Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000}},
		[]string{"event_type", "status"},
	)
)

// RegisterDefault registers collectors to the default registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(OptimizationRuns)
		Registry.MustRegister(OptimizationDuration)
		Registry.MustRegister(ProviderCalls)
		Registry.MustRegister(MatrixCacheLookups)
		Registry.MustRegister(LocationUpdates)
		Registry.MustRegister(DelayAlerts)
		Registry.MustRegister(NotifyDeliveries)
		Registry.MustRegister(NotifyLatency)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once
