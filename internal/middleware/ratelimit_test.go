// SPDX-License-Identifier: AGPL-3.0-or-later

package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/nvim-manager/internal/config"
)

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Enabled:         true,
		Requests:        2,
		Period:          time.Minute,
		Burst:           2,
		CleanupInterval: 0,
	}
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPeerHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"127.0.0.1:5555", "127.0.0.1"},
		{"[::1]:5555", "::1"},
		{"127.0.0.1", "127.0.0.1"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, peerHost(tt.in))
		})
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	rl := NewRateLimiter(cfg, quiet())
	defer rl.Stop()

	for i := 0; i < 100; i++ {
		ok, _ := rl.Allow("127.0.0.1:1")
		require.True(t, ok)
	}
	assert.False(t, rl.Enabled())
}

func TestRateLimiter_NilIsDisabled(t *testing.T) {
	var rl *RateLimiter
	ok, delay := rl.Allow("127.0.0.1:1")
	assert.True(t, ok)
	assert.Zero(t, delay)
}

func TestRateLimiter_BurstThenBlock(t *testing.T) {
	rl := NewRateLimiter(testConfig(), quiet())
	defer rl.Stop()

	ok, _ := rl.Allow("127.0.0.1:1000")
	assert.True(t, ok)
	ok, _ = rl.Allow("127.0.0.1:1001")
	assert.True(t, ok, "different source ports share the host bucket")

	ok, delay := rl.Allow("127.0.0.1:1002")
	assert.False(t, ok)
	assert.Greater(t, delay, time.Duration(0))
}

func TestRateLimiter_SeparateHosts(t *testing.T) {
	rl := NewRateLimiter(testConfig(), quiet())
	defer rl.Stop()

	for i := 0; i < 2; i++ {
		ok, _ := rl.Allow("10.0.0.1:1")
		require.True(t, ok)
	}
	ok, _ := rl.Allow("10.0.0.1:1")
	assert.False(t, ok)

	ok, _ = rl.Allow("10.0.0.2:1")
	assert.True(t, ok)
}

func TestRateLimiter_Cleanup(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupInterval = time.Millisecond
	rl := &RateLimiter{config: cfg, logger: quiet(), stopCleanup: make(chan struct{})}

	rl.Allow("10.0.0.1:1")
	rl.Allow("10.0.0.2:1")

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, rl.cleanup())

	count := 0
	rl.peers.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	assert.Zero(t, count)
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	cfg := testConfig()
	cfg.CleanupInterval = time.Millisecond
	rl := NewRateLimiter(cfg, quiet())
	rl.Stop()
	rl.Stop()
}

func TestRateLimiter_Concurrent(t *testing.T) {
	cfg := testConfig()
	cfg.Requests = 10
	cfg.Burst = 10
	rl := NewRateLimiter(cfg, quiet())
	defer rl.Stop()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := rl.Allow("192.168.0.1:4000"); ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(testConfig(), quiet())
	defer rl.Stop()

	handler := rl.Middleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil)
		req.RemoteAddr = "10.1.1.1:5000"
		handler(rec, req)
		require.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil)
	req.RemoteAddr = "10.1.1.1:5001"
	handler(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestRateLimiter_NilMiddlewarePassesThrough(t *testing.T) {
	var rl *RateLimiter
	called := false
	handler := rl.Middleware(func(w http.ResponseWriter, r *http.Request) { called = true })

	handler(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}
