package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Total number of proxied JSON-RPC requests",
		},
		[]string{"rpc_method", "backend", "status_class"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpc_request_duration_seconds",
			Help:    "Proxied request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"rpc_method", "backend"},
	)

	BackendHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpc_backend_health",
			Help: "Backend health status (1 = healthy, 0 = unhealthy)",
		},
		[]string{"backend"},
	)

	SelectionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_selection_rejected_total",
			Help: "Total number of times a backend was rejected during selection",
		},
		[]string{"reason"},
	)

	KeyCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rpc_key_cache_hits_total",
			Help: "Total number of API key cache hits",
		},
	)

	KeyCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rpc_key_cache_misses_total",
			Help: "Total number of API key cache misses",
		},
	)

	WSConnectionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rpc_ws_connections_active",
			Help: "Currently open proxied WebSocket connections",
		},
		[]string{"backend"},
	)
)

// statusClass collapses a status code into its class label ("2xx", "5xx", ...).
func statusClass(statusCode int) string {
	switch {
	case statusCode >= 500:
		return "5xx"
	case statusCode >= 400:
		return "4xx"
	case statusCode >= 300:
		return "3xx"
	case statusCode >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}

// RecordRequest increments the request counter and duration histogram for
// one completed request. backend is "none" when no backend was selected.
func RecordRequest(rpcMethod, backend string, statusCode int, duration time.Duration) {
	if rpcMethod == "" {
		rpcMethod = "unknown"
	}
	if backend == "" {
		backend = "none"
	}
	RequestsTotal.WithLabelValues(rpcMethod, backend, statusClass(statusCode)).Inc()
	RequestDuration.WithLabelValues(rpcMethod, backend).Observe(duration.Seconds())
}

// SetBackendHealth reflects a supervisor transition on the health gauge.
func SetBackendHealth(backend string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	BackendHealth.WithLabelValues(backend).Set(value)
}
