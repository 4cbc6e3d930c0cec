// SPDX-License-Identifier: AGPL-3.0-or-later

// Package http provides the read-only admin surface of the manager.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/btouchard/nvim-manager/internal/domain"
	"github.com/btouchard/nvim-manager/pkg/api"
)

// InstanceReader is the cheap, non-probing view of the registry.
type InstanceReader interface {
	Snapshots(ctx context.Context) []domain.Snapshot
	Len() int
}

// Handlers holds HTTP handlers and their dependencies.
type Handlers struct {
	instances InstanceReader
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers.
func NewHandlers(instances InstanceReader, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		instances: instances,
		logger:    logger,
	}
}

// Healthcheck returns a simple health status.
func (h *Handlers) Healthcheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"instances": h.instances.Len(),
	})
}

// AdminInstances lists registered instances as last observed. It never
// probes, so statuses can be up to one sweep interval old.
func (h *Handlers) AdminInstances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshots := h.instances.Snapshots(r.Context())

	response := make([]api.InstanceResult, 0, len(snapshots))
	for _, s := range snapshots {
		response = append(response, api.InstanceResult{
			Identifier:      s.Identifier,
			ServerAddress:   s.ServerAddress,
			HealthStatus:    string(s.HealthStatus),
			LastHealthCheck: s.LastHealthCheck,
		})
	}

	h.logger.Debug("instances listed", "count", len(response))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}
