// SPDX-License-Identifier: AGPL-3.0-or-later

package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/btouchard/nvim-manager/internal/config"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64 // Unix nano timestamp for thread-safe access
}

// RateLimiter throttles RPC requests per peer host.
type RateLimiter struct {
	config config.RateLimitConfig
	logger *slog.Logger

	peers sync.Map // host -> *limiterEntry

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRateLimiter creates a RateLimiter. When the limiter is enabled and
// a cleanup interval is set, idle peers are forgotten in the background
// until Stop is called.
func NewRateLimiter(cfg config.RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		config:      cfg,
		logger:      logger,
		stopCleanup: make(chan struct{}),
	}

	if cfg.Enabled && cfg.CleanupInterval > 0 {
		go rl.cleanupLoop()
	}

	return rl
}

// Stop ends the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Enabled reports whether requests are being throttled.
func (rl *RateLimiter) Enabled() bool {
	return rl != nil && rl.config.Enabled
}

// Allow reports whether a request from remoteAddr may proceed. When it
// may not, the second value is how long until a token frees up.
func (rl *RateLimiter) Allow(remoteAddr string) (bool, time.Duration) {
	if !rl.Enabled() {
		return true, 0
	}

	host := peerHost(remoteAddr)
	limiter := rl.getLimiter(host)
	if limiter.Allow() {
		return true, 0
	}

	reservation := limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()

	rl.logger.Warn("rate limit exceeded", "remote", host, "retry_after", delay)
	return false, delay
}

// Middleware applies the same per-host budget to an HTTP handler.
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, delay := rl.Allow(r.RemoteAddr)
		if !ok {
			writeTooManyRequests(w, delay)
			return
		}
		next(w, r)
	}
}

func writeTooManyRequests(w http.ResponseWriter, delay time.Duration) {
	retryAfter := int(math.Ceil(delay.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() int {
	threshold := time.Now().Add(-rl.config.CleanupInterval * 2).UnixNano()

	count := 0
	rl.peers.Range(func(key, value interface{}) bool {
		if entry, ok := value.(*limiterEntry); ok {
			if entry.lastSeen.Load() < threshold {
				rl.peers.Delete(key)
				count++
			}
		}
		return true
	})

	if count > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", count)
	}
	return count
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	nowNano := time.Now().UnixNano()

	if existing, ok := rl.peers.Load(key); ok {
		entry := existing.(*limiterEntry)
		entry.lastSeen.Store(nowNano)
		return entry.limiter
	}

	limit := rate.Limit(float64(rl.config.Requests) / rl.config.Period.Seconds())
	entry := &limiterEntry{
		limiter: rate.NewLimiter(limit, rl.config.Burst),
	}
	entry.lastSeen.Store(nowNano)

	actual, _ := rl.peers.LoadOrStore(key, entry)
	return actual.(*limiterEntry).limiter
}

func peerHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
