// SPDX-License-Identifier: AGPL-3.0-or-later

package http

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/btouchard/nvim-manager/internal/middleware"
)

// RouterConfig holds the configuration for creating a new router.
type RouterConfig struct {
	Instances      InstanceReader
	MetricsHandler http.Handler            // optional, served on /metrics
	RateLimiter    *middleware.RateLimiter // optional
	Logger         *slog.Logger
}

// NewRouter creates the admin HTTP router.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "admin")

	handlers := NewHandlers(cfg.Instances, logger)
	mux := http.NewServeMux()

	// Health check (no rate limit)
	mux.HandleFunc("/api/v1/healthcheck", handlers.Healthcheck)

	rl := cfg.RateLimiter
	mux.HandleFunc("/api/v1/instances", rl.Middleware(handlers.AdminInstances))

	if cfg.MetricsHandler != nil {
		mux.Handle("/metrics", cfg.MetricsHandler)
	}

	return logRequests(logger, mux)
}

// Serve runs an admin HTTP server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("admin HTTP listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}
