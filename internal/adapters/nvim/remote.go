// SPDX-License-Identifier: AGPL-3.0-or-later

// Package nvim drives running editor processes through their remote-control
// interface (`nvim --server ADDR --remote-expr EXPR`).
package nvim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

const (
	// DefaultBinary is the editor executable looked up in PATH.
	DefaultBinary = "nvim"
	// DefaultProbeTimeout bounds a single remote-expr call.
	DefaultProbeTimeout = 2 * time.Second

	aliveExpr = "1"
	focusExpr = "execute('NeovideFocus')"
	quitExpr  = "execute('quit')"
)

// Remote implements ports.LivenessProber and the focus/quit commands.
type Remote struct {
	binary  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRemote creates a Remote. Empty binary and non-positive timeout fall
// back to the defaults.
func NewRemote(binary string, timeout time.Duration, logger *slog.Logger) *Remote {
	if binary == "" {
		binary = DefaultBinary
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Remote{
		binary:  binary,
		timeout: timeout,
		logger:  logger,
	}
}

// IsAlive asks the editor at serverAddress to evaluate a constant
// expression. A non-zero exit status means the editor is gone.
func (r *Remote) IsAlive(ctx context.Context, serverAddress string) (bool, error) {
	return r.remoteExpr(ctx, serverAddress, aliveExpr)
}

// Focus raises the GUI window attached to serverAddress.
func (r *Remote) Focus(ctx context.Context, serverAddress string) error {
	ok, err := r.remoteExpr(ctx, serverAddress, focusExpr)
	if err != nil {
		return fmt.Errorf("focus %s: %w", serverAddress, err)
	}
	if !ok {
		return fmt.Errorf("focus %s: editor rejected command", serverAddress)
	}
	return nil
}

// Quit asks the editor to quit. It returns false when the editor
// answered with a failure status.
func (r *Remote) Quit(ctx context.Context, serverAddress string) (bool, error) {
	return r.remoteExpr(ctx, serverAddress, quitExpr)
}

// QuitWithRetry sends quit up to attempts times, delay apart.
func (r *Remote) QuitWithRetry(ctx context.Context, serverAddress string, attempts int, delay time.Duration) error {
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		ok, err := r.Quit(ctx, serverAddress)
		switch {
		case err != nil:
			r.logger.Warn("quit failed", "server_address", serverAddress, "attempt", attempt, "max_attempts", attempts, "error", err)
		case ok:
			r.logger.Info("quit sent", "server_address", serverAddress)
			return nil
		default:
			r.logger.Warn("quit rejected", "server_address", serverAddress, "attempt", attempt, "max_attempts", attempts)
		}

		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("quit %s: failed after %d attempts", serverAddress, attempts)
}

func (r *Remote) remoteExpr(ctx context.Context, serverAddress, expr string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.binary, "--server", serverAddress, "--remote-expr", expr)
	cmd.WaitDelay = time.Second
	hideWindow(cmd)

	err := cmd.Run()
	if err == nil {
		return true, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return false, nil
	}
	if ctx.Err() != nil {
		return false, fmt.Errorf("remote-expr %s: %w", serverAddress, ctx.Err())
	}
	return false, fmt.Errorf("remote-expr %s: %w", serverAddress, err)
}
