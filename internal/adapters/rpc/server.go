// SPDX-License-Identifier: AGPL-3.0-or-later

package rpc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/btouchard/nvim-manager/internal/middleware"
	"github.com/btouchard/nvim-manager/pkg/api"
)

// MaxLineSize bounds a single request line.
const MaxLineSize = 1 << 20

// ServerConfig holds the dependencies of a Server.
type ServerConfig struct {
	Dispatcher  *Dispatcher
	RateLimiter *middleware.RateLimiter // optional
	Metrics     RequestMetrics          // optional
	Logger      *slog.Logger
}

// Server accepts connections and answers one response line per request line.
type Server struct {
	dispatcher *Dispatcher
	limiter    *middleware.RateLimiter
	metrics    RequestMetrics
	logger     *slog.Logger

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var metrics RequestMetrics = nopRequestMetrics{}
	if cfg.Metrics != nil {
		metrics = cfg.Metrics
	}
	return &Server{
		dispatcher: cfg.Dispatcher,
		limiter:    cfg.RateLimiter,
		metrics:    metrics,
		logger:     logger.With("component", "rpc"),
		conns:      make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Addr returns the listening address, or nil before Serve is called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// Each connection gets its own goroutine; there is no connection limit.
// Open connections are closed on return without draining.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stop:
		}
	}()

	s.logger.Info("listening", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.closeAll()
				s.wg.Wait()
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			s.logger.Warn("accept failed", "error", err, "retry_in", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.track(conn)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
	s.metrics.ConnectionClosed()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
	}
}

// handleConn processes requests strictly in arrival order until the peer
// hangs up or an I/O error occurs.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	log := s.logger.With("remote", remote)
	log.Debug("connection opened")

	reader := bufio.NewReaderSize(conn, 64*1024)
	var buf []byte

	for {
		line, err := readRequestLine(reader, buf[:0])
		var resp api.Response
		switch {
		case errors.Is(err, errLineTooLong):
			log.Debug("request line too long", "limit", MaxLineSize)
			resp = api.ParseErrorResponse()
		case err != nil:
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug("read failed", "error", err)
				return
			}
			log.Debug("connection closed")
			return
		default:
			buf = line
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			resp = s.handleLine(ctx, remote, line, log)
		}

		if err := api.WriteLine(conn, resp); err != nil {
			log.Debug("write failed", "error", err)
			return
		}
	}
}

var errLineTooLong = errors.New("request line too long")

// readRequestLine reads up to and including the next newline into buf.
// A line over MaxLineSize is consumed in full and reported as
// errLineTooLong, leaving the reader at the start of the next line. A
// final line without a newline is returned before io.EOF.
func readRequestLine(r *bufio.Reader, buf []byte) ([]byte, error) {
	tooLong := false
	for {
		chunk, err := r.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(bytes.TrimSuffix(chunk, []byte("\n"))) > MaxLineSize {
				tooLong = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, errLineTooLong
			}
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case tooLong && errors.Is(err, io.EOF):
			return nil, errLineTooLong
		case errors.Is(err, io.EOF) && len(buf) > 0:
			return buf, nil
		default:
			return nil, err
		}
	}
}

func (s *Server) handleLine(ctx context.Context, remote string, line []byte, log *slog.Logger) api.Response {
	req, err := api.DecodeRequest(line)
	if err != nil {
		log.Debug("parse error", "error", err)
		return api.ParseErrorResponse()
	}

	if ok, retryAfter := s.limiter.Allow(remote); !ok {
		s.metrics.RecordRateLimited()
		return api.NewErrorResponse(req.ID, api.NewError(api.CodeInternalError, "Rate limit exceeded",
			map[string]int64{"retry_after_ms": retryAfter.Milliseconds()}))
	}

	log.Debug("request", "method", req.Method)
	return s.dispatcher.Dispatch(ctx, req)
}
