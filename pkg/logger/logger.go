// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logger renders slog records as single colored lines:
//
//	[2006-01-02 15:04:05] [INFO] [REGISTRY] instance registered identifier=a
//
// The bracketed context comes from the "component" attribute.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Gray   = "\033[90m"
)

// ComponentKey is the attribute rendered as the bracketed context.
const ComponentKey = "component"

const timeFormat = "2006-01-02 15:04:05"

// Handler is a slog.Handler producing the colored line format.
type Handler struct {
	mu        *sync.Mutex
	w         io.Writer
	level     slog.Leveler
	color     bool
	component string
	attrs     []slog.Attr
	groups    []string
}

// NewHandler returns a Handler writing to w. Colors are only emitted
// when color is true.
func NewHandler(w io.Writer, level slog.Leveler, color bool) *Handler {
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{mu: &sync.Mutex{}, w: w, level: level, color: color}
}

// New returns a logger at the given level ("debug", "info", "warn", "error").
// Output to a terminal-like stderr is colored unless NO_COLOR is set.
func New(w io.Writer, level string) *slog.Logger {
	color := os.Getenv("NO_COLOR") == "" && (w == os.Stderr || w == os.Stdout)
	return slog.New(NewHandler(w, ParseLevel(level), color))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(NewHandler(io.Discard, slog.LevelError+100, false))
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var b strings.Builder
	h.paint(&b, Gray, "["+ts.Format(timeFormat)+"]")
	b.WriteByte(' ')
	h.paint(&b, levelColor(r.Level), "["+r.Level.String()+"]")

	component := h.component
	var fields []slog.Attr
	fields = append(fields, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == ComponentKey && len(h.groups) == 0 {
			component = a.Value.String()
			return true
		}
		fields = append(fields, h.qualify(a))
		return true
	})

	if component != "" {
		b.WriteByte(' ')
		h.paint(&b, Cyan, "["+strings.ToUpper(component)+"]")
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)

	for _, a := range fields {
		writeAttr(&b, "", a)
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := h.clone()
	for _, a := range attrs {
		if a.Key == ComponentKey && len(h.groups) == 0 {
			nh.component = a.Value.String()
			continue
		}
		nh.attrs = append(nh.attrs, h.qualify(a))
	}
	return nh
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := h.clone()
	nh.groups = append(nh.groups, name)
	return nh
}

func (h *Handler) clone() *Handler {
	nh := *h
	nh.attrs = append([]slog.Attr(nil), h.attrs...)
	nh.groups = append([]string(nil), h.groups...)
	return &nh
}

func (h *Handler) qualify(a slog.Attr) slog.Attr {
	if len(h.groups) == 0 {
		return a
	}
	a.Key = strings.Join(h.groups, ".") + "." + a.Key
	return a
}

func (h *Handler) paint(b *strings.Builder, color, s string) {
	if !h.color {
		b.WriteString(s)
		return
	}
	b.WriteString(color)
	b.WriteString(s)
	b.WriteString(Reset)
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, key, ga)
		}
		return
	}
	val := a.Value.String()
	if strings.ContainsAny(val, " \t\"=") {
		val = fmt.Sprintf("%q", val)
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(val)
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return Red
	case l >= slog.LevelWarn:
		return Yellow
	case l >= slog.LevelInfo:
		return Green
	default:
		return Gray
	}
}
