// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	adminhttp "github.com/btouchard/nvim-manager/internal/adapters/http"
	"github.com/btouchard/nvim-manager/internal/adapters/nvim"
	"github.com/btouchard/nvim-manager/internal/adapters/rpc"
	"github.com/btouchard/nvim-manager/internal/app"
	"github.com/btouchard/nvim-manager/internal/config"
	"github.com/btouchard/nvim-manager/internal/metrics"
	"github.com/btouchard/nvim-manager/internal/middleware"
	"github.com/btouchard/nvim-manager/internal/services"
	"github.com/btouchard/nvim-manager/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "neovim-instance-manager: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.NewViper())
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	log := logger.New(os.Stderr, level)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector("")
	remote := nvim.NewRemote(cfg.EditorBinary, cfg.ProbeTimeout, log)
	registry := app.NewRegistry(remote, log, app.WithMetrics(collector))

	limiter := middleware.NewRateLimiter(cfg.RateLimit, log)
	defer limiter.Stop()

	dispatcher := rpc.NewDispatcher(registry, log,
		rpc.WithRequestMetrics(collector),
		rpc.WithShutdown(func() {
			log.Info("shutdown requested by client")
			os.Exit(0)
		}),
	)
	server := rpc.NewServer(rpc.ServerConfig{
		Dispatcher:  dispatcher,
		RateLimiter: limiter,
		Metrics:     collector,
		Logger:      log,
	})
	scheduler := services.NewScheduler(registry, cfg.SweepInterval, log)

	log.Info("═══════════════════════════════════════════════════")
	log.Info("neovim instance manager starting",
		"component", "server",
		"addr", cfg.Address(),
		"sweep_interval", cfg.SweepInterval,
		"probe_timeout", cfg.ProbeTimeout,
		"rate_limit", cfg.RateLimit.Enabled,
	)
	log.Info("═══════════════════════════════════════════════════")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return server.ListenAndServe(gctx, cfg.Address())
	})

	g.Go(func() error {
		scheduler.Start(gctx)
		return nil
	})

	if cfg.MetricsAddr != "" {
		router := adminhttp.NewRouter(adminhttp.RouterConfig{
			Instances:      registry,
			MetricsHandler: collector.Handler(),
			RateLimiter:    limiter,
			Logger:         log,
		})
		g.Go(func() error {
			return adminhttp.Serve(gctx, cfg.MetricsAddr, router, log)
		})
	}

	err = g.Wait()
	log.Info("neovim instance manager stopped", "component", "server")
	return err
}
