// Package config handles process configuration and the reloadable upstream
// and CORS snapshot.
//
// Static settings (listener, timeouts, logging, metrics) come from an optional
// TOML file plus CLI/env overrides and are read once. Upstream URLs and the
// CORS policy live in a [Snapshot] held by a [Store] and can be reloaded.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/cors-proxy/config.toml",
	"configs/config.toml",
}

// Reserved routes served by the proxy itself; everything else goes upstream.
const (
	ReservedPrefix = "/_proxy"
	HealthzPath    = ReservedPrefix + "/healthz"
	StatusPath     = ReservedPrefix + "/status"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config    string           `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host      string           `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port      int              `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	LogLevel  string           `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
	LogFormat string           `kong:"help='Log format: json|text (overrides config).',env='LOG_FORMAT'"`
	Version   kong.VersionFlag `kong:"help='Print version and exit.'"`
}

// Config is the static process configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds inbound HTTP server settings.
type ServerConfig struct {
	Host                     string          `toml:"host"`
	Port                     int             `toml:"port"`           // 0 means "use default" (5000)
	BodyMaxBytes             int64           `toml:"body_max_bytes"` // 0 means unlimited
	ReadHeaderTimeoutSeconds int             `toml:"read_header_timeout_seconds"`
	ReadTimeoutSeconds       int             `toml:"read_timeout_seconds"` // 0 means no overall read deadline
	IdleTimeoutSeconds       int             `toml:"idle_timeout_seconds"`
	RateLimit                RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// UpstreamConfig holds upstream connection settings. The upstream URLs
// themselves belong to the reloadable snapshot.
type UpstreamConfig struct {
	DialTimeoutSeconds           int `toml:"dial_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int `toml:"response_header_timeout_seconds"`
	IdleConnections              int `toml:"idle_connections"`
	HandshakeTimeoutSeconds      int `toml:"handshake_timeout_seconds"`
	WebSocketIdleTimeoutSeconds  int `toml:"ws_idle_timeout_seconds"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file, if any, and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/cors-proxy/config.toml then configs/config.toml. Running without a
// file is allowed; everything then comes from flags, env and defaults.
func Load(cli *CLI) (*Config, error) {
	var cfg Config

	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// FilePath returns the config file the static config was read from, or "".
func (c *Config) FilePath() string {
	return c.filePath
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.LogFormat != "" {
		c.Log.Format = cli.LogFormat
	}
}

func (c *Config) validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	for name, v := range map[string]int{
		"server.read_header_timeout_seconds":       c.Server.ReadHeaderTimeoutSeconds,
		"server.read_timeout_seconds":              c.Server.ReadTimeoutSeconds,
		"server.idle_timeout_seconds":              c.Server.IdleTimeoutSeconds,
		"upstream.dial_timeout_seconds":            c.Upstream.DialTimeoutSeconds,
		"upstream.response_header_timeout_seconds": c.Upstream.ResponseHeaderTimeoutSeconds,
		"upstream.idle_connections":                c.Upstream.IdleConnections,
		"upstream.handshake_timeout_seconds":       c.Upstream.HandshakeTimeoutSeconds,
		"upstream.ws_idle_timeout_seconds":         c.Upstream.WebSocketIdleTimeoutSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("%s must be non-negative; got %d", name, v)
		}
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range []string{HealthzPath, StatusPath} {
			if p == reserved {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// TOML cannot distinguish an explicit 0 from an omitted key, so zero means
// "unset" for every field that has a non-zero default.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.ReadHeaderTimeoutSeconds == 0 {
		c.Server.ReadHeaderTimeoutSeconds = 10
	}
	if c.Server.IdleTimeoutSeconds == 0 {
		c.Server.IdleTimeoutSeconds = 120
	}
	if c.Upstream.DialTimeoutSeconds == 0 {
		c.Upstream.DialTimeoutSeconds = 30
	}
	if c.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		c.Upstream.ResponseHeaderTimeoutSeconds = 60
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Upstream.HandshakeTimeoutSeconds == 0 {
		c.Upstream.HandshakeTimeoutSeconds = 15
	}
	if c.Upstream.WebSocketIdleTimeoutSeconds == 0 {
		c.Upstream.WebSocketIdleTimeoutSeconds = 600
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = ReservedPrefix + "/metrics"
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ReadHeaderTimeout returns the inbound header read deadline.
func (c *ServerConfig) ReadHeaderTimeout() time.Duration { return seconds(c.ReadHeaderTimeoutSeconds) }

// ReadTimeout returns the inbound full-request read deadline; 0 disables it.
func (c *ServerConfig) ReadTimeout() time.Duration { return seconds(c.ReadTimeoutSeconds) }

// IdleTimeout returns the keep-alive idle timeout for inbound connections.
func (c *ServerConfig) IdleTimeout() time.Duration { return seconds(c.IdleTimeoutSeconds) }

// DialTimeout bounds TCP connect to the upstream.
func (c *UpstreamConfig) DialTimeout() time.Duration { return seconds(c.DialTimeoutSeconds) }

// ResponseHeaderTimeout bounds the wait for upstream response headers.
// Bodies are not bounded so long downloads and streams survive.
func (c *UpstreamConfig) ResponseHeaderTimeout() time.Duration {
	return seconds(c.ResponseHeaderTimeoutSeconds)
}

// HandshakeTimeout bounds the upstream WebSocket opening handshake.
func (c *UpstreamConfig) HandshakeTimeout() time.Duration { return seconds(c.HandshakeTimeoutSeconds) }

// WebSocketIdleTimeout closes a relayed session when neither side sends
// anything for this long.
func (c *UpstreamConfig) WebSocketIdleTimeout() time.Duration {
	return seconds(c.WebSocketIdleTimeoutSeconds)
}
