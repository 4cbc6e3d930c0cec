// SPDX-License-Identifier: AGPL-3.0-or-later

package domain

import (
	"fmt"
	"strings"
	"time"
)

// HealthStatus represents the last known liveness of an instance.
type HealthStatus string

const (
	HealthUnknown HealthStatus = "Unknown"
	HealthHealthy HealthStatus = "Healthy"
)

// Valid returns true if the status is a known value.
func (s HealthStatus) Valid() bool {
	switch s {
	case HealthUnknown, HealthHealthy:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks if a status transition is allowed.
// A failed probe evicts the record instead of downgrading it, so Healthy
// never goes back to Unknown.
func (s HealthStatus) CanTransitionTo(target HealthStatus) bool {
	switch s {
	case HealthUnknown:
		return target == HealthHealthy || target == HealthUnknown
	case HealthHealthy:
		return target == HealthHealthy
	default:
		return false
	}
}

// Instance is one editor process tracked by the registry.
type Instance struct {
	Identifier      string
	ServerAddress   string
	RegisteredAt    time.Time
	LastPing        time.Time
	HealthStatus    HealthStatus
	LastHealthCheck time.Time
}

// Snapshot is a read-only copy of an instance handed out to callers.
type Snapshot struct {
	Identifier      string
	ServerAddress   string
	HealthStatus    HealthStatus
	LastHealthCheck time.Time
}

// NewInstance creates a new Instance with validation.
// The identifier is kept verbatim; canonicalising paths is the caller's job.
func NewInstance(identifier, serverAddress string, now time.Time) (*Instance, error) {
	if strings.TrimSpace(identifier) == "" {
		return nil, ErrInvalidIdentifier
	}
	if strings.TrimSpace(serverAddress) == "" {
		return nil, fmt.Errorf("%w: server_address is required", ErrInvalidServerAddress)
	}

	now = now.UTC()
	return &Instance{
		Identifier:      identifier,
		ServerAddress:   serverAddress,
		RegisteredAt:    now,
		LastPing:        now,
		HealthStatus:    HealthUnknown,
		LastHealthCheck: now,
	}, nil
}

// MarkHealthy records a successful liveness probe taken at the given time.
func (i *Instance) MarkHealthy(at time.Time) error {
	if !i.HealthStatus.CanTransitionTo(HealthHealthy) {
		return fmt.Errorf("%w: cannot mark healthy from status %q", ErrInvalidStatusTransition, i.HealthStatus)
	}
	at = at.UTC()
	i.HealthStatus = HealthHealthy
	if at.After(i.LastPing) {
		i.LastPing = at
	}
	if at.After(i.LastHealthCheck) {
		i.LastHealthCheck = at
	}
	return nil
}

// IsHealthy returns true once a probe has confirmed the instance.
func (i *Instance) IsHealthy() bool {
	return i.HealthStatus == HealthHealthy
}

// Snapshot returns a copy safe to share outside the registry.
func (i *Instance) Snapshot() Snapshot {
	return Snapshot{
		Identifier:      i.Identifier,
		ServerAddress:   i.ServerAddress,
		HealthStatus:    i.HealthStatus,
		LastHealthCheck: i.LastHealthCheck,
	}
}
