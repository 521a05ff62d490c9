// Package balancer chooses one backend per request: a method-pinned
// backend when it is healthy, otherwise weighted random over the
// currently-healthy subset.
package balancer

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rpcfleet/rpc_router/internal/config"
	"github.com/rpcfleet/rpc_router/internal/monitoring"
)

// Backend is one configured upstream endpoint. The config fields are
// immutable for the process lifetime; healthy is written only by the
// health supervisor and read lock-free on every request.
type Backend struct {
	Label  string
	URL    string
	WSURL  string
	Weight int

	healthy atomic.Bool
}

// Healthy reports the backend's current health bit.
func (b *Backend) Healthy() bool {
	return b.healthy.Load()
}

// SetHealthy writes the health bit. Only the health supervisor calls this.
func (b *Backend) SetHealthy(healthy bool) {
	b.healthy.Store(healthy)
}

// Balancer holds the backend pool and the method route table, both
// immutable after construction.
type Balancer struct {
	backends     []*Backend
	byLabel      map[string]*Backend
	methodRoutes map[string]string

	mu   sync.Mutex
	rand *rand.Rand
}

// New builds the runtime backend pool from config. Backends start
// healthy; the supervisor flips them as probe results come in.
func New(backendConfigs []config.BackendConfig, methodRoutes map[string]string, rng *rand.Rand) *Balancer {
	backends := make([]*Backend, 0, len(backendConfigs))
	byLabel := make(map[string]*Backend, len(backendConfigs))

	for _, bc := range backendConfigs {
		b := &Backend{
			Label:  bc.Label,
			URL:    bc.URL,
			WSURL:  bc.WSURL,
			Weight: bc.Weight,
		}
		b.healthy.Store(true)
		backends = append(backends, b)
		byLabel[bc.Label] = b
	}

	if methodRoutes == nil {
		methodRoutes = make(map[string]string)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Balancer{
		backends:     backends,
		byLabel:      byLabel,
		methodRoutes: methodRoutes,
		rand:         rng,
	}
}

// Backends returns the pool in configured order. The slice is shared;
// callers must not mutate it.
func (bl *Balancer) Backends() []*Backend {
	return bl.backends
}

// Lookup returns the backend with the given label, or nil.
func (bl *Balancer) Lookup(label string) *Backend {
	return bl.byLabel[label]
}

// Select picks a backend for an HTTP request. A method pin wins when its
// backend is healthy; an unhealthy pin falls back to weighted selection
// so a pinned method keeps serving traffic. Returns nil when no healthy
// backend exists.
func (bl *Balancer) Select(method string) *Backend {
	if method != "" {
		if label, ok := bl.methodRoutes[method]; ok {
			pinned := bl.byLabel[label]
			if pinned != nil && pinned.Healthy() {
				return pinned
			}
			monitoring.SelectionRejected.WithLabelValues("pinned_unhealthy").Inc()
		}
	}

	return bl.weightedPick(func(b *Backend) bool {
		return b.Healthy()
	})
}

// SelectWS picks a backend for a WebSocket session. No method pinning is
// applied: the upgrade happens before any frame is read, so there is no
// method to pin on. Only backends with a WS endpoint are candidates.
func (bl *Balancer) SelectWS() *Backend {
	return bl.weightedPick(func(b *Backend) bool {
		return b.Healthy() && b.WSURL != ""
	})
}

// weightedPick draws uniformly in [0, total weight) and walks the
// eligible backends in configured order accumulating weights. Config
// validation forbids zero weights, so every candidate contributes.
func (bl *Balancer) weightedPick(eligible func(*Backend) bool) *Backend {
	var candidates []*Backend
	totalWeight := 0
	for _, b := range bl.backends {
		if !eligible(b) {
			continue
		}
		candidates = append(candidates, b)
		totalWeight += b.Weight
	}

	if len(candidates) == 0 {
		monitoring.SelectionRejected.WithLabelValues("no_healthy_backends").Inc()
		return nil
	}

	bl.mu.Lock()
	draw := bl.rand.Intn(totalWeight)
	bl.mu.Unlock()

	for _, b := range candidates {
		if draw < b.Weight {
			return b
		}
		draw -= b.Weight
	}

	// Unreachable while weights are positive.
	return candidates[0]
}
