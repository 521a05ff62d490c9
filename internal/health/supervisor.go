package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rpcfleet/rpc_router/internal/balancer"
	"github.com/rpcfleet/rpc_router/internal/config"
	"github.com/rpcfleet/rpc_router/internal/monitoring"
)

// maxConcurrentProbes bounds how many backends are probed at once, so a
// large pool does not open one connection per backend simultaneously.
const maxConcurrentProbes = 8

// Supervisor owns the probe loop. It is the only writer of backend
// health bits; data-plane failures never reach it.
type Supervisor struct {
	cfg      config.HealthCheckConfig
	backends []*balancer.Backend
	tracker  *Tracker
	client   *http.Client
	logger   *slog.Logger
}

// NewSupervisor wires the probe loop to the backend pool and tracker.
// The client should have no global timeout; each probe is bounded by
// the per-probe timeout from config.
func NewSupervisor(cfg config.HealthCheckConfig, backends []*balancer.Backend, tracker *Tracker, client *http.Client, logger *slog.Logger) *Supervisor {
	if client == nil {
		panic("health.NewSupervisor: client must not be nil")
	}
	if tracker == nil {
		panic("health.NewSupervisor: tracker must not be nil")
	}
	return &Supervisor{
		cfg:      cfg,
		backends: backends,
		tracker:  tracker,
		client:   client,
		logger:   logger,
	}
}

// Tracker exposes the snapshot state for the diagnostic endpoint.
func (s *Supervisor) Tracker() *Tracker {
	return s.tracker
}

// Start runs probe rounds until the context is cancelled. Blocks; run
// it in its own goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()

	s.logger.Info("Health supervisor started",
		"interval", s.cfg.Interval(),
		"probe_method", s.cfg.Method,
		"fail_threshold", s.cfg.ConsecutiveFailuresThreshold,
		"success_threshold", s.cfg.ConsecutiveSuccessesThreshold,
	)

	// First round immediately so a dead backend is gated out before the
	// first full interval elapses.
	s.runRound(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Health supervisor stopped")
			return
		case <-ticker.C:
			s.runRound(ctx)
		}
	}
}

// runRound probes every backend concurrently, bounded by a semaphore,
// and waits for the round to finish. Probes within a round complete in
// any order; the healthy flag write is the serialization point.
func (s *Supervisor) runRound(ctx context.Context) {
	sem := make(chan struct{}, maxConcurrentProbes)
	var wg sync.WaitGroup

	for _, b := range s.backends {
		wg.Add(1)
		sem <- struct{}{}
		go func(backend *balancer.Backend) {
			defer wg.Done()
			defer func() { <-sem }()
			s.apply(backend, s.probe(ctx, backend))
		}(b)
	}

	wg.Wait()
}

// probe issues one JSON-RPC POST to the backend. Success is an HTTP 2xx
// within the timeout; the body is not inspected.
func (s *Supervisor) probe(ctx context.Context, backend *balancer.Backend) error {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  s.cfg.Method,
		"params":  []any{},
	})
	if err != nil {
		return fmt.Errorf("failed to serialize probe: %w", err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, backend.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("probe timed out after %s", s.cfg.Timeout())
		}
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// apply folds one probe result into the hysteresis state machine and
// mirrors transitions onto the atomic bit and the health gauge.
func (s *Supervisor) apply(backend *balancer.Backend, probeErr error) {
	var healthy, transitioned bool
	if probeErr == nil {
		healthy, transitioned = s.tracker.RecordSuccess(backend.Label)
		s.logger.Debug("Health probe succeeded", "backend", backend.Label)
	} else {
		healthy, transitioned = s.tracker.RecordFailure(backend.Label, probeErr.Error())
		s.logger.Warn("Health probe failed",
			"backend", backend.Label,
			"error", probeErr,
		)
	}

	backend.SetHealthy(healthy)
	monitoring.SetBackendHealth(backend.Label, healthy)

	if transitioned {
		if healthy {
			status, _ := s.tracker.Status(backend.Label)
			s.logger.Info("Backend marked HEALTHY",
				"backend", backend.Label,
				"consecutive_successes", status.ConsecutiveSuccesses,
			)
		} else {
			status, _ := s.tracker.Status(backend.Label)
			s.logger.Warn("Backend marked UNHEALTHY",
				"backend", backend.Label,
				"consecutive_failures", status.ConsecutiveFailures,
			)
		}
	}
}
