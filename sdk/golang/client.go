// SPDX-License-Identifier: MIT

// Package golang is the Go client of the Neovim instance manager.
package golang

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/btouchard/nvim-manager/internal/domain"
	"github.com/btouchard/nvim-manager/pkg/api"
)

type Config struct {
	Address       string        // manager host:port (default 127.0.0.1:57394)
	ServerBinary  string        // default: neovim-instance-manager next to os.Executable()
	ServerArgs    []string      // extra arguments for a spawned manager
	NoSpawn       bool          // fail instead of starting a manager
	LockPath      string        // spawn lock file (default: in os.TempDir())
	DialTimeout   time.Duration // per connection attempt (default: 1s)
	IOTimeout     time.Duration // per request round trip (default: 30s)
	StartAttempts int           // reachability checks after a spawn (default: 10)
	StartInterval time.Duration // delay between checks (default: 500ms)
	Logger        *slog.Logger  // debug tracing; nil discards
}

// Client talks to the manager. It keeps no connection open: each call
// dials, writes one request line, reads one response line and hangs up.
type Client struct {
	config Config
	logger *slog.Logger
	dialer net.Dialer
}

func New(cfg Config) *Client {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.IOTimeout <= 0 {
		cfg.IOTimeout = DefaultIOTimeout
	}
	if cfg.StartAttempts <= 0 {
		cfg.StartAttempts = DefaultStartAttempts
	}
	if cfg.StartInterval <= 0 {
		cfg.StartInterval = DefaultStartInterval
	}
	if cfg.LockPath == "" {
		name := "neovim-instance-manager-" + strings.NewReplacer(":", "_", "[", "", "]", "").Replace(cfg.Address) + ".lock"
		cfg.LockPath = filepath.Join(os.TempDir(), name)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		config: cfg,
		logger: logger,
		dialer: net.Dialer{Timeout: cfg.DialTimeout},
	}
}

// Address returns the manager address this client dials.
func (c *Client) Address() string {
	return c.config.Address
}

// Send makes sure a manager is running, then performs one request.
// A protocol error is returned inside the response, not as err.
func (c *Client) Send(ctx context.Context, method string, params any) (*api.Response, error) {
	if err := c.EnsureServerRunning(ctx); err != nil {
		return nil, err
	}
	return c.roundTrip(ctx, method, params)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "tcp", c.config.Address)
}

func (c *Client) roundTrip(ctx context.Context, method string, params any) (*api.Response, error) {
	id := newRequestID()
	req, err := api.NewRequest(method, params, id)
	if err != nil {
		return nil, err
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.config.Address, err)
	}
	defer conn.Close()

	stop := c.bindDeadline(ctx, conn)
	defer stop()

	c.logger.Debug("sending request", "method", method, "id", id)
	if err := api.WriteLine(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	line, err := readLine(conn)
	if err != nil {
		return nil, err
	}

	resp, err := api.DecodeResponse(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeResponse, err)
	}
	// The manager answers requests it could not parse with id null; the
	// error it carries is still the answer to this request.
	if resp.Error == nil || !isNullID(resp.ID) {
		if err := checkEchoedID(resp.ID, id); err != nil {
			return nil, err
		}
	}

	c.logger.Debug("received response", "method", method, "id", id, "error", resp.Error != nil)
	return &resp, nil
}

// bindDeadline applies the I/O timeout and makes ctx cancellation
// interrupt blocked reads and writes.
func (c *Client) bindDeadline(ctx context.Context, conn net.Conn) func() bool {
	deadline := time.Now().Add(c.config.IOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	return context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
}

func readLine(conn net.Conn) ([]byte, error) {
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(line)) == 0 {
				return nil, ErrConnectionClosed
			}
			// Unterminated final line: still try to decode it.
			return line, nil
		}
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, ErrEmptyResponse
	}
	return line, nil
}

// call sends a request and decodes its result into out, returning the
// protocol error as an *api.Error.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	resp, err := c.Send(ctx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	return resp.DecodeResult(out)
}

// Query returns the instance registered under identifier, or nil when
// there is none. The manager does not probe on query.
func (c *Client) Query(ctx context.Context, identifier string) (*Instance, error) {
	var inst *Instance
	if err := c.call(ctx, api.MethodQueryInstance, api.QueryInstanceParams{Identifier: identifier}, &inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// List runs a health sweep on the manager and returns the survivors.
func (c *Client) List(ctx context.Context) ([]Instance, error) {
	list := []Instance{}
	if err := c.call(ctx, api.MethodListInstances, struct{}{}, &list); err != nil {
		return nil, err
	}
	return list, nil
}

func (c *Client) Register(ctx context.Context, identifier, serverAddress string) error {
	return c.call(ctx, api.MethodRegisterInstance, api.RegisterInstanceParams{
		Identifier:    identifier,
		ServerAddress: serverAddress,
	}, nil)
}

func (c *Client) Unregister(ctx context.Context, identifier string) error {
	return c.call(ctx, api.MethodUnregisterInstance, api.UnregisterInstanceParams{Identifier: identifier}, nil)
}

// Shutdown asks a running manager to exit. It never starts one. The
// manager may exit before answering, so a connection closed after the
// request was written counts as success.
func (c *Client) Shutdown(ctx context.Context) error {
	if !c.ping(ctx) {
		return ErrServerNotRunning
	}

	resp, err := c.roundTrip(ctx, api.MethodShutdown, struct{}{})
	switch {
	case err == nil:
		if resp.Error != nil {
			return resp.Error
		}
		return nil
	case errors.Is(err, ErrConnectionClosed), isConnReset(err):
		c.logger.Debug("manager closed the connection during shutdown")
		return nil
	default:
		return err
	}
}

// isConnReset reports a peer that hung up abruptly. Deadlines and other
// read failures do not qualify.
func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, io.ErrUnexpectedEOF)
}

// WaitHealthy polls until the manager reports identifier as Healthy.
// Transport errors and a not-yet-registered instance are retried.
func (c *Client) WaitHealthy(ctx context.Context, identifier string, interval time.Duration, attempts int) (*Instance, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		inst, err := c.Query(ctx, identifier)
		switch {
		case err != nil:
			c.logger.Debug("health poll failed", "identifier", identifier, "attempt", attempt, "error", err)
		case inst != nil && !domain.HealthStatus(inst.HealthStatus).Valid():
			return nil, fmt.Errorf("%w: unknown health status %q for %s", ErrDecodeResponse, inst.HealthStatus, identifier)
		case Healthy(inst):
			return inst, nil
		}

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrNotHealthy, identifier, attempts)
}

// Monitor blocks while identifier stays registered and returns nil once
// the manager no longer knows it. Query errors are logged and retried.
func (c *Client) Monitor(ctx context.Context, identifier string, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	for {
		inst, err := c.Query(ctx, identifier)
		if err == nil && inst == nil {
			c.logger.Debug("instance no longer registered", "identifier", identifier)
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("monitor query failed", "identifier", identifier, "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
