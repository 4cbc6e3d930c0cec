// SPDX-License-Identifier: AGPL-3.0-or-later

package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/btouchard/nvim-manager/internal/app/ports"
	"github.com/btouchard/nvim-manager/internal/domain"
)

// SweepResult summarises one health sweep.
type SweepResult struct {
	Probed   int
	Healthy  int
	Evicted  []string
	Duration time.Duration
}

// Registry owns the directory of live editor instances.
//
// Reads share the lock; Register, Unregister and Sweep take it
// exclusively. Sweep holds the write lock for the whole pass so that a
// reader arriving afterwards sees a consistent set of alive instances.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*domain.Instance

	prober  ports.LivenessProber
	metrics ports.RegistryMetrics
	logger  *slog.Logger
	now     func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMetrics sets the metrics sink.
func WithMetrics(m ports.RegistryMetrics) RegistryOption {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty Registry probing instances with prober.
func NewRegistry(prober ports.LivenessProber, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		instances: make(map[string]*domain.Instance),
		prober:    prober,
		metrics:   ports.NopMetrics{},
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a new instance. Among concurrent callers for the same
// identifier exactly one succeeds; the others get ErrInstanceAlreadyExists.
func (r *Registry) Register(ctx context.Context, identifier, serverAddress string) error {
	instance, err := domain.NewInstance(identifier, serverAddress, r.now())
	if err != nil {
		r.metrics.RecordRegistration("invalid")
		return fmt.Errorf("register instance: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[identifier]; exists {
		r.metrics.RecordRegistration("already_exists")
		return fmt.Errorf("register instance %q: %w", identifier, domain.ErrInstanceAlreadyExists)
	}

	r.instances[identifier] = instance
	r.metrics.RecordRegistration("registered")
	r.metrics.SetInstances(len(r.instances))
	r.logger.Info("registered instance", "identifier", identifier, "server_address", serverAddress)
	return nil
}

// Unregister removes an instance.
func (r *Registry) Unregister(ctx context.Context, identifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.instances[identifier]; !exists {
		return fmt.Errorf("unregister instance %q: %w", identifier, domain.ErrInstanceNotFound)
	}

	delete(r.instances, identifier)
	r.metrics.SetInstances(len(r.instances))
	r.logger.Info("unregistered instance", "identifier", identifier)
	return nil
}

// Query returns the instance registered under identifier.
// It never probes: status may be up to one sweep interval stale.
func (r *Registry) Query(ctx context.Context, identifier string) (domain.Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	instance, ok := r.instances[identifier]
	if !ok {
		return domain.Snapshot{}, false
	}
	return instance.Snapshot(), true
}

// List runs a full health sweep, then returns what survived it.
func (r *Registry) List(ctx context.Context) ([]domain.Snapshot, error) {
	if _, err := r.Sweep(ctx); err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return r.Snapshots(ctx), nil
}

// Snapshots returns every record without probing, sorted by identifier.
func (r *Registry) Snapshots(ctx context.Context) []domain.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Snapshot, 0, len(r.instances))
	for _, instance := range r.instances {
		out = append(out, instance.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identifier < out[j].Identifier
	})
	return out
}

// Len returns the number of registered instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

// Sweep probes every instance once. Responders are marked healthy,
// anything else is evicted on the spot, as is a record whose status
// cannot move to Healthy. A cancelled context aborts the sweep and
// leaves unprobed records untouched.
func (r *Registry) Sweep(ctx context.Context) (SweepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.now()
	result := SweepResult{}

	identifiers := make([]string, 0, len(r.instances))
	for id := range r.instances {
		identifiers = append(identifiers, id)
	}
	sort.Strings(identifiers)

	var sweepErr error
	for _, id := range identifiers {
		if err := ctx.Err(); err != nil {
			sweepErr = err
			break
		}

		instance := r.instances[id]
		alive, err := r.prober.IsAlive(ctx, instance.ServerAddress)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				sweepErr = ctxErr
				break
			}
			r.logger.Debug("liveness probe failed",
				"identifier", id,
				"server_address", instance.ServerAddress,
				"error", err,
			)
		}
		result.Probed++

		if alive {
			wasHealthy := instance.IsHealthy()
			if err := instance.MarkHealthy(start); err != nil {
				r.logger.Error("cannot record probe, dropping instance",
					"identifier", id,
					"status", string(instance.HealthStatus),
					"error", err,
				)
				delete(r.instances, id)
				result.Evicted = append(result.Evicted, id)
				continue
			}
			if !wasHealthy {
				r.logger.Info("instance is now healthy", "identifier", id)
			}
			result.Healthy++
			continue
		}

		delete(r.instances, id)
		result.Evicted = append(result.Evicted, id)
		r.logger.Info("removed unresponsive instance", "identifier", id, "server_address", instance.ServerAddress)
	}

	result.Duration = r.now().Sub(start)
	r.metrics.RecordSweep(result.Duration, result.Probed, len(result.Evicted))
	r.metrics.SetInstances(len(r.instances))

	if sweepErr != nil {
		return result, fmt.Errorf("health sweep: %w", sweepErr)
	}
	return result, nil
}
