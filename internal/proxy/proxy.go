// Package proxy is the data plane: it authenticates callers, picks a
// backend, and pipes JSON-RPC traffic upstream over HTTP and WebSocket.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rpcfleet/rpc_router/internal/balancer"
	"github.com/rpcfleet/rpc_router/internal/keystore"
	"github.com/rpcfleet/rpc_router/internal/security"
)

// apiKeyParam is the query parameter carrying the caller's API key.
const apiKeyParam = "api-key"

// Proxy forwards authenticated JSON-RPC POSTs to a selected backend.
type Proxy struct {
	keyStore keystore.KeyStore
	balancer *balancer.Balancer
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger
}

func New(ks keystore.KeyStore, bal *balancer.Balancer, client *http.Client, timeout time.Duration, logger *slog.Logger) *Proxy {
	if ks == nil {
		panic("proxy.New: keystore must not be nil")
	}
	if bal == nil {
		panic("proxy.New: balancer must not be nil")
	}
	if client == nil {
		panic("proxy.New: client must not be nil")
	}
	return &Proxy{
		keyStore: ks,
		balancer: bal,
		client:   client,
		timeout:  timeout,
		logger:   logger,
	}
}

// authenticate extracts and validates the API key, writing the error
// response itself when the request must not proceed.
func (p *Proxy) authenticate(w http.ResponseWriter, r *http.Request) bool {
	apiKey := r.URL.Query().Get(apiKeyParam)
	if apiKey == "" {
		http.Error(w, "Missing api-key query parameter", http.StatusUnauthorized)
		return false
	}

	result := p.keyStore.ValidateKey(r.Context(), apiKey)
	switch result.Outcome {
	case keystore.OutcomeValid:
		return true
	case keystore.OutcomeInvalid:
		p.logger.Info("Invalid API key presented", "key", security.MaskAPIKey(apiKey))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	case keystore.OutcomeRateLimited:
		p.logger.Warn("API key rate limited", "key", security.MaskAPIKey(apiKey))
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
	case keystore.OutcomeStoreError:
		p.logger.Error("Key validation failed", "error", result.Err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	default:
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
	return false
}

// ServeHTTP implements the request pipeline: auth, selection,
// forwarding, verbatim response relay.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !p.authenticate(w, r) {
		return
	}

	meta := MetaFromContext(r.Context())
	rpcMethod := ""
	if meta != nil {
		rpcMethod = meta.RPCMethod
	}

	backend := p.balancer.Select(rpcMethod)
	if backend == nil {
		p.logger.Error("No healthy backends available for request")
		http.Error(w, "No healthy backends available", http.StatusServiceUnavailable)
		return
	}
	if meta != nil {
		meta.BackendLabel = backend.Label
	}

	targetURL := buildTargetURL(backend.URL, r.URL)

	ctx, cancel := context.WithTimeout(r.Context(), p.timeout)
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, r.Body)
	if err != nil {
		p.logger.Error("Failed to build upstream request", "error", err, "url", targetURL)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	upstreamReq.ContentLength = r.ContentLength
	copyRequestHeaders(upstreamReq, r)

	resp, err := p.client.Do(upstreamReq)
	if err != nil {
		// Data-plane failures never mark the backend unhealthy; only the
		// supervisor changes health.
		cause := "Proxy error"
		if errors.Is(err, context.DeadlineExceeded) {
			cause = fmt.Sprintf("Upstream request timed out after %s", p.timeout)
		} else if errors.Is(err, context.Canceled) {
			// Client went away; nothing useful to write.
			return
		} else {
			cause = fmt.Sprintf("Proxy error: %v", err)
		}
		p.logger.Info("Backend request failed",
			"backend", backend.Label,
			"error", err,
		)
		http.Error(w, cause, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	// Upstream status codes, including 4xx/5xx, are forwarded verbatim.
	copyResponseHeaders(w, resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("Response relay interrupted",
			"backend", backend.Label,
			"error", err,
		)
	}
}

// buildTargetURL joins the backend origin with the original path and
// the query string minus the api-key credential. The root path forwards
// as the bare origin.
func buildTargetURL(backendURL string, original *url.URL) string {
	query := original.Query()
	query.Del(apiKeyParam)
	cleanedQuery := query.Encode()

	target := backendURL
	if original.Path != "" && original.Path != "/" {
		target += original.Path
	}
	if cleanedQuery != "" {
		target += "?" + cleanedQuery
	}
	return target
}
