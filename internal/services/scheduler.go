// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/btouchard/nvim-manager/internal/app"
)

// DefaultSweepInterval is the period between two health sweeps.
const DefaultSweepInterval = 5 * time.Second

// Sweeper runs one health sweep over the registry.
type Sweeper interface {
	Sweep(ctx context.Context) (app.SweepResult, error)
}

// Scheduler handles the periodic health sweep.
type Scheduler struct {
	sweeper  Sweeper
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a new Scheduler.
func NewScheduler(sweeper Sweeper, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Scheduler{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
	}
}

// Start runs a sweep on every tick.
// This function blocks until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "sweep_interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one sweep. Failures and panics are logged and swallowed so
// the next tick still fires.
func (s *Scheduler) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("health sweep panicked", "error", fmt.Sprint(r))
		}
	}()

	result, err := s.sweeper.Sweep(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("health sweep failed", "error", err)
		return
	}

	if len(result.Evicted) > 0 {
		s.logger.Info("health sweep evicted instances",
			"evicted", result.Evicted,
			"probed", result.Probed,
			"duration", result.Duration,
		)
		return
	}
	s.logger.Debug("health sweep completed",
		"probed", result.Probed,
		"healthy", result.Healthy,
		"duration", result.Duration,
	)
}
