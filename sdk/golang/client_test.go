// SPDX-License-Identifier: MIT

package golang

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/nvim-manager/internal/adapters/rpc"
	"github.com/btouchard/nvim-manager/internal/app"
	"github.com/btouchard/nvim-manager/pkg/api"
)

type liveSet struct {
	mu   sync.Mutex
	live map[string]bool
}

func (l *liveSet) set(addr string, alive bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.live[addr] = alive
}

func (l *liveSet) IsAlive(ctx context.Context, addr string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.live[addr], nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type manager struct {
	addr     string
	registry *app.Registry
	probe    *liveSet
	shutdown atomic.Int64
}

// startManager runs a real manager in-process on a random port.
func startManager(t *testing.T) *manager {
	t.Helper()
	m := &manager{probe: &liveSet{live: make(map[string]bool)}}
	m.registry = app.NewRegistry(m.probe, discard())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	m.addr = ln.Addr().String()

	dispatcher := rpc.NewDispatcher(m.registry, discard(), rpc.WithShutdown(func() { m.shutdown.Add(1) }))
	srv := rpc.NewServer(rpc.ServerConfig{Dispatcher: dispatcher, Logger: discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	return New(Config{
		Address:  addr,
		NoSpawn:  true,
		LockPath: filepath.Join(t.TempDir(), "spawn.lock"),
	})
}

// freeAddr returns a loopback address nothing listens on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// rawPeer reads the first line of every connection and answers with
// reply verbatim, or just hangs up when reply is empty.
func rawPeer(t *testing.T, reply func(reqLine []byte) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				line, err := bufio.NewReader(conn).ReadBytes('\n')
				if err != nil {
					return
				}
				if out := reply(line); out != "" {
					_, _ = conn.Write([]byte(out))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestNew_Defaults(t *testing.T) {
	c := New(Config{})
	assert.Equal(t, DefaultAddress, c.Address())
	assert.Equal(t, DefaultDialTimeout, c.config.DialTimeout)
	assert.Equal(t, DefaultIOTimeout, c.config.IOTimeout)
	assert.Equal(t, DefaultStartAttempts, c.config.StartAttempts)
	assert.Equal(t, DefaultStartInterval, c.config.StartInterval)
	assert.Contains(t, c.config.LockPath, "neovim-instance-manager-127.0.0.1_57394.lock")
}

func TestClient_RegisterQueryUnregister(t *testing.T) {
	m := startManager(t)
	c := newTestClient(t, m.addr)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "A", "127.0.0.1:7001"))

	inst, err := c.Query(ctx, "A")
	require.NoError(t, err)
	require.NotNil(t, inst)
	assert.Equal(t, "127.0.0.1:7001", inst.ServerAddress)
	assert.Equal(t, "Unknown", inst.HealthStatus)
	assert.False(t, Healthy(inst))

	require.NoError(t, c.Unregister(ctx, "A"))

	inst, err = c.Query(ctx, "A")
	require.NoError(t, err)
	assert.Nil(t, inst)
}

func TestClient_ProtocolErrors(t *testing.T) {
	m := startManager(t)
	c := newTestClient(t, m.addr)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "B", "127.0.0.1:7002"))

	err := c.Register(ctx, "B", "127.0.0.1:7002")
	var rpcErr *api.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, api.CodeInstanceAlreadyExists, rpcErr.Code)
	assert.Equal(t, "B", rpcErr.Identifier())

	err = c.Unregister(ctx, "missing")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, api.CodeInstanceNotFound, rpcErr.Code)

	resp, err := c.Send(ctx, "bogus", struct{}{})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, api.CodeMethodNotFound, resp.Error.Code)
}

func TestClient_ListSweeps(t *testing.T) {
	m := startManager(t)
	c := newTestClient(t, m.addr)
	ctx := context.Background()

	list, err := c.List(ctx)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list)

	m.probe.set("127.0.0.1:7001", true)
	require.NoError(t, c.Register(ctx, "alive", "127.0.0.1:7001"))
	require.NoError(t, c.Register(ctx, "dead", "127.0.0.1:7002"))

	list, err = c.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "alive", list[0].Identifier)
	assert.True(t, Healthy(&list[0]))
}

func TestClient_Shutdown(t *testing.T) {
	m := startManager(t)
	c := newTestClient(t, m.addr)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, int64(1), m.shutdown.Load())
}

func TestClient_ShutdownNotRunning(t *testing.T) {
	c := newTestClient(t, freeAddr(t))
	err := c.Shutdown(context.Background())
	assert.ErrorIs(t, err, ErrServerNotRunning)
}

func TestClient_ShutdownConnectionDropped(t *testing.T) {
	addr := rawPeer(t, func([]byte) string { return "" })
	c := newTestClient(t, addr)

	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestClient_ShutdownUnansweredTimesOut(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	addr := rawPeer(t, func([]byte) string {
		<-block
		return ""
	})
	c := New(Config{
		Address:   addr,
		NoSpawn:   true,
		LockPath:  filepath.Join(t.TempDir(), "spawn.lock"),
		IOTimeout: 100 * time.Millisecond,
	})

	err := c.Shutdown(context.Background())
	require.Error(t, err)
	var netErr net.Error
	require.True(t, errors.As(err, &netErr))
	assert.True(t, netErr.Timeout())
}

func TestIsConnReset(t *testing.T) {
	assert.True(t, isConnReset(&net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}))
	assert.True(t, isConnReset(io.ErrUnexpectedEOF))
	assert.False(t, isConnReset(&net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}))
	assert.False(t, isConnReset(errors.New("read failed")))
}

func TestClient_ErrorWithNullID(t *testing.T) {
	addr := rawPeer(t, func([]byte) string {
		return `{"jsonrpc":"2.0","error":{"code":-32700,"message":"Parse error"},"id":null}` + "\n"
	})
	c := newTestClient(t, addr)

	resp, err := c.Send(context.Background(), api.MethodListInstances, struct{}{})
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, api.CodeParseError, resp.Error.Code)

	err = c.Register(context.Background(), "x", "127.0.0.1:1")
	var rpcErr *api.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, api.CodeParseError, rpcErr.Code)
}

func TestClient_TransportErrors(t *testing.T) {
	tests := []struct {
		name  string
		reply func(line []byte) string
		want  error
	}{
		{
			name:  "closed without data",
			reply: func([]byte) string { return "" },
			want:  ErrConnectionClosed,
		},
		{
			name:  "blank line",
			reply: func([]byte) string { return "\n" },
			want:  ErrEmptyResponse,
		},
		{
			name:  "not json",
			reply: func([]byte) string { return "garbage\n" },
			want:  ErrDecodeResponse,
		},
		{
			name:  "wrong id",
			reply: func([]byte) string { return `{"jsonrpc":"2.0","result":[],"id":"someone-else"}` + "\n" },
			want:  ErrIDMismatch,
		},
		{
			name:  "null id",
			reply: func([]byte) string { return `{"jsonrpc":"2.0","result":[],"id":null}` + "\n" },
			want:  ErrIDMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, rawPeer(t, tt.reply))
			_, err := c.Send(context.Background(), api.MethodListInstances, struct{}{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClient_EchoedIDAccepted(t *testing.T) {
	addr := rawPeer(t, func(line []byte) string {
		req, err := api.DecodeRequest(line)
		if err != nil {
			return ""
		}
		return `{"jsonrpc":"2.0","result":"registered","id":` + string(req.ID) + `}`
	})
	c := newTestClient(t, addr)

	assert.NoError(t, c.Register(context.Background(), "x", "127.0.0.1:1"))
}

func TestClient_FreshConnectionPerCall(t *testing.T) {
	var accepted atomic.Int64
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			accepted.Add(1)
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				line, err := r.ReadBytes('\n')
				if err != nil {
					return
				}
				req, err := api.DecodeRequest(line)
				if err != nil {
					return
				}
				_ = api.WriteLine(conn, api.Response{JSONRPC: api.Version, Result: []byte("null"), ID: req.ID})
			}(conn)
		}
	}()

	c := newTestClient(t, ln.Addr().String())
	for i := 0; i < 3; i++ {
		inst, err := c.Query(context.Background(), "a")
		require.NoError(t, err)
		assert.Nil(t, inst)
	}
	// One ping plus one request connection per call.
	assert.Equal(t, int64(6), accepted.Load())
}

func TestClient_ContextCancelsRead(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Never answer.
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()

	c := newTestClient(t, ln.Addr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.List(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestEnsureServerRunning_NoSpawn(t *testing.T) {
	c := newTestClient(t, freeAddr(t))
	err := c.EnsureServerRunning(context.Background())
	assert.ErrorIs(t, err, ErrServerUnreachable)
}

func TestEnsureServerRunning_AlreadyUp(t *testing.T) {
	m := startManager(t)
	c := New(Config{Address: m.addr, ServerBinary: "/does/not/exist", LockPath: filepath.Join(t.TempDir(), "l")})

	assert.NoError(t, c.EnsureServerRunning(context.Background()))
}

func TestEnsureServerRunning_SpawnFailure(t *testing.T) {
	c := New(Config{
		Address:       freeAddr(t),
		ServerBinary:  filepath.Join(t.TempDir(), "missing-manager"),
		LockPath:      filepath.Join(t.TempDir(), "spawn.lock"),
		StartAttempts: 1,
		StartInterval: 10 * time.Millisecond,
	})
	err := c.EnsureServerRunning(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start manager")
}

func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a unix shell")
	}
	path := filepath.Join(t.TempDir(), "fake-manager")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestEnsureServerRunning_GivesUp(t *testing.T) {
	c := New(Config{
		Address:       freeAddr(t),
		ServerBinary:  fakeBinary(t, "exit 0"),
		LockPath:      filepath.Join(t.TempDir(), "spawn.lock"),
		StartAttempts: 3,
		StartInterval: 10 * time.Millisecond,
	})
	err := c.EnsureServerRunning(context.Background())
	assert.ErrorIs(t, err, ErrServerUnreachable)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestEnsureServerRunning_WaitsForSpawnedServer(t *testing.T) {
	addr := freeAddr(t)
	marker := filepath.Join(t.TempDir(), "spawned")

	c := New(Config{
		Address:       addr,
		ServerBinary:  fakeBinary(t, `echo "$NEOVIM_MANAGER_BIND_ADDR:$NEOVIM_MANAGER_PORT" > "`+marker+`"`),
		LockPath:      filepath.Join(t.TempDir(), "spawn.lock"),
		StartAttempts: 50,
		StartInterval: 20 * time.Millisecond,
	})

	// Stand in for the spawned manager once the script has run.
	listening := make(chan net.Listener, 1)
	go func() {
		defer close(listening)
		for i := 0; i < 100; i++ {
			if _, err := os.Stat(marker); err == nil {
				if ln, err := net.Listen("tcp", addr); err == nil {
					listening <- ln
				}
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	require.NoError(t, c.EnsureServerRunning(context.Background()))
	if ln, ok := <-listening; ok {
		_ = ln.Close()
	}

	env, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, addr+"\n", string(env))
}

func TestClient_WaitHealthy(t *testing.T) {
	m := startManager(t)
	c := newTestClient(t, m.addr)
	ctx := context.Background()

	m.probe.set("127.0.0.1:7001", true)
	require.NoError(t, c.Register(ctx, "w", "127.0.0.1:7001"))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = m.registry.Sweep(context.Background())
	}()

	inst, err := c.WaitHealthy(ctx, "w", 10*time.Millisecond, 100)
	require.NoError(t, err)
	assert.Equal(t, "Healthy", inst.HealthStatus)
}

func TestClient_WaitHealthyGivesUp(t *testing.T) {
	m := startManager(t)
	c := newTestClient(t, m.addr)

	_, err := c.WaitHealthy(context.Background(), "never", 5*time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrNotHealthy)
}

func TestClient_WaitHealthyRejectsUnknownStatus(t *testing.T) {
	addr := rawPeer(t, func(line []byte) string {
		req, err := api.DecodeRequest(line)
		if err != nil {
			return ""
		}
		return `{"jsonrpc":"2.0","result":{"identifier":"w","server_address":"127.0.0.1:1","health_status":"Zombie","last_health_check":"2026-01-01T00:00:00Z"},"id":` + string(req.ID) + "}\n"
	})
	c := newTestClient(t, addr)

	_, err := c.WaitHealthy(context.Background(), "w", 5*time.Millisecond, 10)
	assert.ErrorIs(t, err, ErrDecodeResponse)
	assert.Contains(t, err.Error(), "Zombie")
}

func TestClient_Monitor(t *testing.T) {
	m := startManager(t)
	c := newTestClient(t, m.addr)
	ctx := context.Background()

	require.NoError(t, c.Register(ctx, "mon", "127.0.0.1:7009"))

	done := make(chan error, 1)
	go func() { done <- c.Monitor(ctx, "mon", 10*time.Millisecond) }()

	select {
	case <-done:
		t.Fatal("Monitor returned while the instance was still registered")
	case <-time.After(50 * time.Millisecond):
	}

	// The probe reports it dead, so the sweep evicts it.
	_, err := m.registry.Sweep(ctx)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not notice the eviction")
	}
}

func TestClient_MonitorCancelled(t *testing.T) {
	m := startManager(t)
	c := newTestClient(t, m.addr)
	require.NoError(t, c.Register(context.Background(), "stay", "127.0.0.1:7010"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Monitor(ctx, "stay", 10*time.Millisecond)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestCheckEchoedID(t *testing.T) {
	assert.NoError(t, checkEchoedID([]byte(`"abc"`), "abc"))
	assert.ErrorIs(t, checkEchoedID(nil, "abc"), ErrIDMismatch)
	assert.ErrorIs(t, checkEchoedID([]byte(`{`), "abc"), ErrIDMismatch)
	assert.ErrorIs(t, checkEchoedID([]byte(`""`), ""), ErrIDMismatch)
	assert.ErrorIs(t, checkEchoedID([]byte(`42`), "42"), ErrIDMismatch)
}

func TestIsNullID(t *testing.T) {
	assert.True(t, isNullID(nil))
	assert.True(t, isNullID([]byte(" null ")))
	assert.False(t, isNullID([]byte(`"abc"`)))
}

func TestNewRequestID_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newRequestID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
