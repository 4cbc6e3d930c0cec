// SPDX-License-Identifier: MIT

package golang

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// EnsureServerRunning makes sure a manager answers on the configured
// address, starting one next to the current executable if needed. The
// spawn is serialized through a lock file so concurrent clients start
// at most one server.
func (c *Client) EnsureServerRunning(ctx context.Context) error {
	if c.ping(ctx) {
		return nil
	}
	if c.config.NoSpawn {
		return fmt.Errorf("%w: nothing listening on %s", ErrServerUnreachable, c.config.Address)
	}

	lock := flock.New(c.config.LockPath)
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquire spawn lock: %w", err)
	}
	if locked {
		defer func() { _ = lock.Unlock() }()
	}

	// Another client may have started it while we waited for the lock.
	if c.ping(ctx) {
		return nil
	}

	if err := c.spawn(); err != nil {
		return err
	}

	for attempt := 1; attempt <= c.config.StartAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.StartInterval):
		}
		if c.ping(ctx) {
			c.logger.Debug("manager is up", "attempt", attempt)
			return nil
		}
		c.logger.Debug("manager not reachable yet", "attempt", attempt, "max", c.config.StartAttempts)
	}

	return fmt.Errorf("%w: %s after %d attempts", ErrServerUnreachable, c.config.Address, c.config.StartAttempts)
}

func (c *Client) ping(ctx context.Context) bool {
	conn, err := c.dial(ctx)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func (c *Client) spawn() error {
	bin := c.serverBinary()
	cmd := exec.Command(bin, c.config.ServerArgs...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = append(os.Environ(), c.serverEnv()...)
	detach(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start manager %s: %w", bin, err)
	}
	c.logger.Debug("spawned manager", "binary", bin, "pid", cmd.Process.Pid)

	// Reap the child if it exits while this process is still alive.
	go func() { _ = cmd.Wait() }()
	return nil
}

// serverBinary resolves the manager executable: explicit config first,
// then the sibling of the running executable, then PATH.
func (c *Client) serverBinary() string {
	if c.config.ServerBinary != "" {
		return c.config.ServerBinary
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), DefaultServerBinary+exeSuffix)
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return DefaultServerBinary + exeSuffix
}

// serverEnv points the spawned manager at the address this client dials.
func (c *Client) serverEnv() []string {
	host, port, err := net.SplitHostPort(c.config.Address)
	if err != nil {
		return nil
	}
	return []string{
		"NEOVIM_MANAGER_BIND_ADDR=" + host,
		"NEOVIM_MANAGER_PORT=" + port,
	}
}
