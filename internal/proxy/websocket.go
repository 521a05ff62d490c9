package proxy

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rpcfleet/rpc_router/internal/balancer"
	"github.com/rpcfleet/rpc_router/internal/keystore"
	"github.com/rpcfleet/rpc_router/internal/monitoring"
	"github.com/rpcfleet/rpc_router/internal/ratelimit"
	"github.com/rpcfleet/rpc_router/internal/security"
)

const wsCloseWriteTimeout = 5 * time.Second

// WSProxy accepts client WebSocket upgrades and bridges them to a
// ws-capable backend. Auth and the rate-limit charge happen once at
// connect time; frames are never charged individually.
type WSProxy struct {
	keyStore keystore.KeyStore
	balancer *balancer.Balancer
	connCap  *ratelimit.ConnCap
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	logger   *slog.Logger
}

func NewWSProxy(ks keystore.KeyStore, bal *balancer.Balancer, connCap *ratelimit.ConnCap, logger *slog.Logger) *WSProxy {
	if ks == nil {
		panic("proxy.NewWSProxy: keystore must not be nil")
	}
	if bal == nil {
		panic("proxy.NewWSProxy: balancer must not be nil")
	}
	if connCap == nil {
		connCap = ratelimit.NewConnCap(0)
	}
	return &WSProxy{
		keyStore: ks,
		balancer: bal,
		connCap:  connCap,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The proxy authenticates by API key, not origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: websocket.DefaultDialer,
		logger: logger,
	}
}

// ServeHTTP refuses bad upgrades with plain HTTP statuses, then bridges
// frames until either side closes.
func (p *WSProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get(apiKeyParam)
	if apiKey == "" {
		http.Error(w, "Missing api-key query parameter", http.StatusUnauthorized)
		return
	}

	result := p.keyStore.ValidateKey(r.Context(), apiKey)
	switch result.Outcome {
	case keystore.OutcomeValid:
	case keystore.OutcomeInvalid:
		p.logger.Info("WebSocket: invalid API key", "key", security.MaskAPIKey(apiKey))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	case keystore.OutcomeRateLimited:
		p.logger.Warn("WebSocket: API key rate limited", "key", security.MaskAPIKey(apiKey))
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	default:
		p.logger.Error("WebSocket: key validation failed", "error", result.Err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if !p.connCap.Acquire(apiKey) {
		p.logger.Warn("WebSocket: connection cap reached", "key", security.MaskAPIKey(apiKey))
		http.Error(w, "Too many concurrent connections", http.StatusTooManyRequests)
		return
	}
	defer p.connCap.Release(apiKey)

	// No frame has been read yet, so selection cannot pin by method.
	backend := p.balancer.SelectWS()
	if backend == nil {
		p.logger.Error("No healthy WebSocket backends available")
		http.Error(w, "No healthy WebSocket backends available", http.StatusServiceUnavailable)
		return
	}

	backendConn, resp, err := p.dialer.DialContext(r.Context(), backend.WSURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		p.logger.Error("WebSocket: failed to connect to backend",
			"backend", backend.Label,
			"error", err,
		)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer backendConn.Close()

	clientConn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade writes its own error response.
		p.logger.Info("WebSocket: upgrade failed", "error", err)
		return
	}
	defer clientConn.Close()

	monitoring.WSConnectionsActive.WithLabelValues(backend.Label).Inc()
	defer monitoring.WSConnectionsActive.WithLabelValues(backend.Label).Dec()

	p.logger.Info("WebSocket: session opened",
		"client", r.RemoteAddr,
		"backend", backend.Label,
	)

	p.bridge(clientConn, backendConn)

	p.logger.Info("WebSocket: session closed",
		"client", r.RemoteAddr,
		"backend", backend.Label,
	)
}

// bridge pumps frames both ways until either side closes or errors,
// then initiates a graceful close on the other. Pings are answered
// locally by gorilla's default handler, which keeps liveness without a
// backend round-trip.
func (p *WSProxy) bridge(clientConn, backendConn *websocket.Conn) {
	done := make(chan struct{}, 2)

	pump := func(src, dst *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			msgType, data, err := src.ReadMessage()
			if err != nil {
				closeCode := websocket.CloseNormalClosure
				if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseNoStatusReceived {
					closeCode = ce.Code
				}
				deadline := time.Now().Add(wsCloseWriteTimeout)
				_ = dst.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(closeCode, ""), deadline)
				return
			}
			if err := dst.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}

	go pump(clientConn, backendConn)
	go pump(backendConn, clientConn)

	// Either direction finishing tears down both sockets, which unblocks
	// the other pump's blocked read.
	<-done
	clientConn.Close()
	backendConn.Close()
	<-done
}
