// SPDX-License-Identifier: MIT

package golang

import (
	"time"

	"github.com/btouchard/nvim-manager/internal/domain"
	"github.com/btouchard/nvim-manager/pkg/api"
)

// Instance is a registered editor instance as reported by the manager.
type Instance = api.InstanceResult

// Healthy reports whether the manager's last probe of inst succeeded.
func Healthy(inst *Instance) bool {
	return inst != nil && domain.HealthStatus(inst.HealthStatus) == domain.HealthHealthy
}

const (
	DefaultAddress       = "127.0.0.1:57394"
	DefaultServerBinary  = "neovim-instance-manager"
	DefaultDialTimeout   = time.Second
	DefaultIOTimeout     = 30 * time.Second
	DefaultStartAttempts = 10
	DefaultStartInterval = 500 * time.Millisecond
	DefaultPollInterval  = 500 * time.Millisecond
)
