package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rpcfleet/rpc_router/internal/balancer"
	"github.com/rpcfleet/rpc_router/internal/config"
	"github.com/rpcfleet/rpc_router/internal/health"
	"github.com/rpcfleet/rpc_router/internal/httputil"
	"github.com/rpcfleet/rpc_router/internal/keystore"
	"github.com/rpcfleet/rpc_router/internal/logger"
	"github.com/rpcfleet/rpc_router/internal/proxy"
	"github.com/rpcfleet/rpc_router/internal/ratelimit"
	"github.com/rpcfleet/rpc_router/internal/router"
	"github.com/rpcfleet/rpc_router/internal/security"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.toml", "Path to configuration file")
	flag.StringVar(configPath, "c", "config.toml", "Path to configuration file (shorthand)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LoggingLevel)

	log.Info("Starting rpc_router",
		"logging_level", cfg.LoggingLevel,
		"port", cfg.Port,
		"ws_port", cfg.Port+1,
		"redis_url", security.MaskRedisURL(cfg.RedisURL),
	)

	log.Info("Loaded backends", "count", len(cfg.Backends))
	for i, b := range cfg.Backends {
		log.Info("Backend configured",
			"index", i+1,
			"label", b.Label,
			"url", b.URL,
			"ws_url", b.WSURL,
			"weight", b.Weight,
		)
	}
	for method, label := range cfg.MethodRoutes {
		log.Info("Method route configured", "rpc_method", method, "backend", label)
	}

	ks, err := keystore.NewRedisStore(cfg.RedisURL, log)
	if err != nil {
		log.Error("Failed to initialize keystore", "error", err)
		os.Exit(1)
	}

	bal := balancer.New(cfg.Backends, cfg.MethodRoutes, nil)

	backendURLs := make(map[string]string, len(cfg.Backends))
	for _, b := range cfg.Backends {
		backendURLs[b.Label] = b.URL
	}
	tracker := health.NewTracker(backendURLs,
		cfg.HealthCheck.ConsecutiveFailuresThreshold,
		cfg.HealthCheck.ConsecutiveSuccessesThreshold,
	)

	client := httputil.NewClient(nil)
	supervisor := health.NewSupervisor(cfg.HealthCheck, bal.Backends(), tracker, client, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go supervisor.Start(ctx)

	prx := proxy.New(ks, bal, client, cfg.Proxy.Timeout(), log)
	connCap := ratelimit.NewConnCap(cfg.Proxy.WSMaxConnsPerKey)
	wsPrx := proxy.NewWSProxy(ks, bal, connCap, log)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router.New(prx, tracker, bal.Backends(), log),
	}
	wsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port+1),
		Handler: wsPrx,
	}

	go func() {
		log.Info("HTTP server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	go func() {
		log.Info("WebSocket server starting", "port", cfg.Port+1)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("WebSocket server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("WebSocket server shutdown failed", "error", err)
	}

	log.Info("Shutdown complete")
}
