// Package api exposes the cache stores over HTTP: health, metrics, entry
// inspection and the maintenance triggers used by operators and the CLI.
package api

import (
	"context"
	"net/http"

	"github.com/oriys/qcache/internal/cachestore"
	"github.com/oriys/qcache/internal/config"
	"github.com/oriys/qcache/internal/logging"
	"github.com/oriys/qcache/internal/metadata"
	"github.com/oriys/qcache/internal/metrics"
	"github.com/oriys/qcache/internal/observability"
	"github.com/oriys/qcache/internal/scheduler"
)

// ServerConfig contains dependencies for the HTTP server.
type ServerConfig struct {
	Stores    map[metadata.CacheType]*cachestore.Store
	Scheduler *scheduler.Scheduler
	// Health reports whether the remote store is reachable. Optional.
	Health func(ctx context.Context) error
	// Config returns the effective configuration for GET /config. Optional.
	Config func() *config.Config
}

// NewHandler builds the routed, traced handler without starting a listener.
func NewHandler(cfg ServerConfig) http.Handler {
	mux := http.NewServeMux()

	h := &Handler{
		Stores:    cfg.Stores,
		Scheduler: cfg.Scheduler,
		Health:    cfg.Health,
		Config:    cfg.Config,
	}
	h.RegisterRoutes(mux)

	mux.Handle("GET /metrics", metrics.PrometheusHandler())
	mux.Handle("GET /stats", metrics.JSONHandler())

	return observability.HTTPMiddleware(mux)
}

// StartHTTPServer creates and starts the HTTP server.
func StartHTTPServer(addr string, cfg ServerConfig) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: NewHandler(cfg),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("HTTP server error", "error", err)
		}
	}()

	logging.Op().Info("HTTP server listening", "addr", addr)
	return server
}
