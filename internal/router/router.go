// Package router wires the HTTP surface: the proxy catch-all, the
// health snapshot, and the metrics exposition.
package router

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rpcfleet/rpc_router/internal/balancer"
	"github.com/rpcfleet/rpc_router/internal/health"
	"github.com/rpcfleet/rpc_router/internal/proxy"
)

// HealthResponse is the aggregate served by GET /health.
type HealthResponse struct {
	OverallStatus string                       `json:"overall_status"`
	Backends      []health.BackendHealthStatus `json:"backends"`
}

// New assembles the proxy mux. GET (and HEAD) on the exact diagnostic
// paths is served locally and never proxied upstream; every other
// request, including other methods on those paths, goes to the proxy.
func New(prx *proxy.Proxy, tracker *health.Tracker, backends []*balancer.Backend, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	chain := proxy.ExtractRPCMethod(proxy.AccessLog(logger)(prx))
	metrics := promhttp.Handler()
	isGet := func(r *http.Request) bool {
		return r.Method == http.MethodGet || r.Method == http.MethodHead
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !isGet(r) {
			chain.ServeHTTP(w, r)
			return
		}
		serveHealth(w, tracker, backends)
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !isGet(r) {
			chain.ServeHTTP(w, r)
			return
		}
		metrics.ServeHTTP(w, r)
	})
	mux.Handle("/", chain)

	return mux
}

// serveHealth renders the rich snapshot in configured backend order.
// Overall status is healthy iff at least one backend is healthy.
func serveHealth(w http.ResponseWriter, tracker *health.Tracker, backends []*balancer.Backend) {
	statuses := tracker.AllStatuses()

	resp := HealthResponse{Backends: make([]health.BackendHealthStatus, 0, len(backends))}
	anyHealthy := false
	for _, b := range backends {
		status, ok := statuses[b.Label]
		if !ok {
			continue
		}
		if status.Healthy {
			anyHealthy = true
		}
		resp.Backends = append(resp.Backends, status)
	}

	resp.OverallStatus = "unhealthy"
	if anyHealthy {
		resp.OverallStatus = "healthy"
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
