// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment variable, e.g. NEOVIM_MANAGER_PORT.
	EnvPrefix = "NEOVIM_MANAGER"

	DefaultBindAddr      = "127.0.0.1"
	DefaultPort          = 57394
	DefaultSweepInterval = 5 * time.Second
	DefaultProbeTimeout  = 2 * time.Second
	DefaultEditorBinary  = "nvim"
	DefaultLogLevel      = "info"

	// MinDuration is the smallest accepted duration setting. Bare numbers
	// parse as nanoseconds elsewhere, so anything below is rejected.
	MinDuration = time.Millisecond
)

// RateLimitConfig holds the per-peer request limiter settings.
type RateLimitConfig struct {
	Enabled         bool
	Requests        int
	Period          time.Duration
	Burst           int
	CleanupInterval time.Duration
}

// Config is the resolved configuration shared by the server and the CLI.
type Config struct {
	BindAddr      string
	Port          int
	SweepInterval time.Duration
	ProbeTimeout  time.Duration
	EditorBinary  string
	ServerBinary  string // empty: sibling of the running executable
	LogLevel      string
	Debug         bool
	MetricsAddr   string // empty: admin HTTP surface disabled

	RateLimit RateLimitConfig
}

// Address returns the host:port the manager listens on.
func (c Config) Address() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port))
}

// SetDefaults registers every key with its default value. Keys without
// a default are invisible to AutomaticEnv lookups through Unmarshal, so
// every setting gets one here.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("bind_addr", DefaultBindAddr)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("sweep_interval", DefaultSweepInterval)
	v.SetDefault("probe_timeout", DefaultProbeTimeout)
	v.SetDefault("editor_binary", DefaultEditorBinary)
	v.SetDefault("server_binary", "")
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("debug", "")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.requests", 100)
	v.SetDefault("ratelimit.period", time.Second)
	v.SetDefault("ratelimit.burst", 50)
	v.SetDefault("ratelimit.cleanup_interval", 10*time.Minute)
}

// NewViper returns a viper instance reading NEOVIM_MANAGER_* variables.
// Nested keys map dots to underscores: ratelimit.enabled is read from
// NEOVIM_MANAGER_RATELIMIT_ENABLED.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load resolves the configuration. Malformed numeric or duration values
// fall back to their defaults rather than failing, so a stray variable
// never keeps the manager from starting.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = NewViper()
	}

	cfg := Config{
		BindAddr:      strings.TrimSpace(v.GetString("bind_addr")),
		Port:          v.GetInt("port"),
		SweepInterval: duration(v, "sweep_interval"),
		ProbeTimeout:  duration(v, "probe_timeout"),
		EditorBinary:  v.GetString("editor_binary"),
		ServerBinary:  v.GetString("server_binary"),
		LogLevel:      v.GetString("log_level"),
		Debug:         isSet(v.GetString("debug")),
		MetricsAddr:   v.GetString("metrics_addr"),
		RateLimit: RateLimitConfig{
			Enabled:         v.GetBool("ratelimit.enabled"),
			Requests:        v.GetInt("ratelimit.requests"),
			Period:          duration(v, "ratelimit.period"),
			Burst:           v.GetInt("ratelimit.burst"),
			CleanupInterval: duration(v, "ratelimit.cleanup_interval"),
		},
	}

	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = DefaultPort
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.EditorBinary == "" {
		cfg.EditorBinary = DefaultEditorBinary
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Requests <= 0 || cfg.RateLimit.Period <= 0 || cfg.RateLimit.Burst <= 0 {
			return Config{}, fmt.Errorf("invalid rate limit: requests=%d period=%s burst=%d",
				cfg.RateLimit.Requests, cfg.RateLimit.Period, cfg.RateLimit.Burst)
		}
	}

	return cfg, nil
}

// duration reads key as a Go duration string ("5s", "500ms"). Values
// without a unit or below MinDuration yield 0 so callers fall back.
func duration(v *viper.Viper, key string) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
	if err != nil || d < MinDuration {
		return 0
	}
	return d
}

// isSet treats any non-empty value as true except explicit negatives,
// matching how NEOVIM_MANAGER_DEBUG=1 or =yes are both accepted.
func isSet(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}
