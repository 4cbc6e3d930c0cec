// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ports defines the interfaces (ports) used by the application layer.
// These interfaces are implemented by adapters (editor remote control, metrics).
// Following hexagonal architecture: interfaces are declared where they are consumed.
package ports

import (
	"context"
	"time"
)

// LivenessProber asks an editor process whether it is still responsive.
type LivenessProber interface {
	// IsAlive returns true when the process behind serverAddress answered.
	// An error means the probe could not be carried out; callers treat it
	// the same as a negative answer.
	IsAlive(ctx context.Context, serverAddress string) (bool, error)
}

// RegistryMetrics receives registry events for instrumentation.
type RegistryMetrics interface {
	// SetInstances reports the current number of registered instances.
	SetInstances(n int)

	// RecordRegistration counts a registration attempt by outcome
	// ("registered", "already_exists", "invalid").
	RecordRegistration(outcome string)

	// RecordSweep reports one completed health sweep.
	RecordSweep(duration time.Duration, probed, evicted int)
}

// NopMetrics is a RegistryMetrics that discards everything.
type NopMetrics struct{}

func (NopMetrics) SetInstances(int)                    {}
func (NopMetrics) RecordRegistration(string)           {}
func (NopMetrics) RecordSweep(time.Duration, int, int) {}
