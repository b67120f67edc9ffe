// Package config handles TOML configuration loading and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"ode-proxy-go/internal/model"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/ode-proxy/config.toml",
	"configs/config.toml",
}

// defaultOptionsPath is where the Home Assistant supervisor writes add-on options.
const defaultOptionsPath = "/data/options.json"

// Presentation modes.
const (
	ModeProxy   = "proxy"
	ModeEmbed   = "embed"
	ModeIngress = "ingress"
)

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config   string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Options  string `kong:"help='Path to add-on options JSON (ode_host, ode_port).',env='OPTIONS_PATH'"`
	Host     string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port     int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	ODEHost  string `kong:"name='ode-host',help='Upstream ODE host (overrides options).',env='ODE_HOST'"`
	ODEPort  int    `kong:"name='ode-port',help='Upstream ODE port (overrides options).',env='ODE_PORT'"`
	Mode     string `kong:"short='m',help='Presentation mode: proxy|embed|ingress (overrides config).',env='UI_MODE'"`
	LogLevel string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`

	CORSOrigins []string `kong:"name='cors-allowed-origins',sep=',',help='Comma-separated CORS origins (overrides config).',env='CORS_ALLOWED_ORIGINS'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Upstream UpstreamConfig `toml:"upstream"`
	Gate     GateConfig     `toml:"gate"`
	UI       UIConfig       `toml:"ui"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	// Target is resolved from Upstream after options and CLI overrides are applied.
	Target model.UpstreamTarget `toml:"-"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string          `toml:"host"`
	Port         int             `toml:"port"` // 0 means "use default" (8099)
	BodyMaxBytes int64           `toml:"body_max_bytes"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
	CORS         CORSConfig      `toml:"cors"`
}

// RateLimitConfig controls per-IP request rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// CORSConfig lists origins allowed to call the proxy cross-origin.
// Empty disables CORS handling; "*" allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `toml:"allowed_origins"`
}

// UpstreamConfig holds upstream connection settings.
type UpstreamConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	StatusPath      string `toml:"status_path"`
	APIPrefix       string `toml:"api_prefix"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	IdleConnections int    `toml:"idle_connections"`
}

// GateConfig holds the availability gate constants.
type GateConfig struct {
	MaxRetries      int `toml:"max_retries"`
	BackoffMS       int `toml:"backoff_ms"`
	ProbeTimeoutMS  int `toml:"probe_timeout_ms"`
	RevealTimeoutMS int `toml:"reveal_timeout_ms"`
}

// UIConfig selects the presentation mode and asset locations.
type UIConfig struct {
	Mode      string `toml:"mode"`
	StaticDir string `toml:"static_dir"`
	SPADir    string `toml:"spa_dir"`
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

// Options is the add-on options record written by the supervisor.
type Options struct {
	ODEHost string `json:"ode_host"`
	ODEPort int    `json:"ode_port"`
}

// Load reads the optional TOML config file, the add-on options record and
// the CLI overrides, then validates the result and resolves the upstream target.
// Every validation failure wraps model.ErrConfiguration.
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
			return nil, fmt.Errorf("config: parse %s: %w: %w", path, model.ErrConfiguration, err)
		}
		cfg.filePath = path
	}

	optsPath := cli.Options
	if optsPath == "" {
		optsPath = defaultOptionsPath
	}
	opts, err := loadOptions(optsPath, cli.Options != "")
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyOptions(opts)
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()

	target, err := model.NewUpstreamTarget(cfg.Upstream.Host, cfg.Upstream.Port)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Target = target
	return &cfg, nil
}

// loadOptions reads the JSON options record. A missing file yields zero
// options unless the path was given explicitly.
func loadOptions(path string, required bool) (Options, error) {
	var opts Options
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return opts, nil
		}
		return opts, fmt.Errorf("read options %s: %w: %w", path, model.ErrConfiguration, err)
	}
	if err := json.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parse options %s: %w: %w", path, model.ErrConfiguration, err)
	}
	return opts, nil
}

// applyOptions overrides upstream host/port with non-zero add-on options.
func (c *Config) applyOptions(opts Options) {
	if opts.ODEHost != "" {
		c.Upstream.Host = opts.ODEHost
	}
	if opts.ODEPort != 0 {
		c.Upstream.Port = opts.ODEPort
	}
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.ODEHost != "" {
		c.Upstream.Host = cli.ODEHost
	}
	if cli.ODEPort != 0 {
		c.Upstream.Port = cli.ODEPort
	}
	if cli.Mode != "" {
		c.UI.Mode = cli.Mode
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if len(cli.CORSOrigins) > 0 {
		c.Server.CORS.AllowedOrigins = cli.CORSOrigins
	}
}

func (c *Config) validate() error {
	if err := c.checkBounds(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrConfiguration, err)
	}
	return nil
}

func (c *Config) checkBounds() error {
	// Numeric bounds.
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 0–65535; got %d", c.Server.Port)
	}
	if c.Upstream.Port < 0 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port must be 1–65535; got %d", c.Upstream.Port)
	}
	if c.Server.BodyMaxBytes < 0 {
		return fmt.Errorf("server.body_max_bytes must be non-negative; got %d", c.Server.BodyMaxBytes)
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must be non-negative; got %d", c.Upstream.TimeoutSeconds)
	}
	if c.Upstream.IdleConnections < 0 {
		return fmt.Errorf("upstream.idle_connections must be non-negative; got %d", c.Upstream.IdleConnections)
	}
	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("server.rate_limit.requests_per_second must be > 0 when rate limiting is enabled; got %v", c.Server.RateLimit.RequestsPerSecond)
	}
	if c.Gate.MaxRetries < 0 {
		return fmt.Errorf("gate.max_retries must be non-negative; got %d", c.Gate.MaxRetries)
	}
	if c.Gate.BackoffMS < 0 || c.Gate.ProbeTimeoutMS < 0 || c.Gate.RevealTimeoutMS < 0 {
		return fmt.Errorf("gate timings must be non-negative")
	}

	// Paths.
	if p := c.Upstream.StatusPath; p != "" && p[0] != '/' {
		return fmt.Errorf("upstream.status_path must start with '/'; got %q", p)
	}
	if p := c.Upstream.APIPrefix; p != "" && (p[0] != '/' || p == "/" || strings.HasSuffix(p, "/")) {
		return fmt.Errorf("upstream.api_prefix must start with '/' and not end with '/'; got %q", p)
	}

	for _, o := range c.Server.CORS.AllowedOrigins {
		if !validOrigin(o) {
			return fmt.Errorf("server.cors.allowed_origins entries must be \"*\" or scheme://host[:port]; got %q", o)
		}
	}

	// Mode.
	switch strings.ToLower(c.UI.Mode) {
	case ModeProxy, ModeEmbed, ModeIngress, "":
		// valid
	default:
		return fmt.Errorf("ui.mode must be one of: proxy, embed, ingress; got %q", c.UI.Mode)
	}

	// Log fields.
	level := strings.ToLower(c.Log.Level)
	switch level {
	case "debug", "info", "warn", "error", "":
		// valid
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	format := strings.ToLower(c.Log.Format)
	switch format {
	case "json", "text", "tint", "":
		// valid
	default:
		return fmt.Errorf("log.format must be one of: json, text, tint; got %q", c.Log.Format)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		apiPrefix := c.Upstream.APIPrefix
		if apiPrefix == "" {
			apiPrefix = "/api"
		}
		for _, reserved := range []string{apiPrefix, "/static", "/health", "/healthz", "/proxy/status"} {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

func validOrigin(o string) bool {
	if o == "*" {
		return true
	}
	u, err := url.Parse(o)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" &&
		u.Path == "" && u.RawQuery == "" && u.Fragment == "" && u.User == nil
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields, zero means "unset" because TOML cannot distinguish
// between an explicit 0 and an omitted key.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8099
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 50 * 1024 * 1024 // 50 MB
	}
	if c.Upstream.StatusPath == "" {
		c.Upstream.StatusPath = "/coordinator/status"
	}
	if c.Upstream.APIPrefix == "" {
		c.Upstream.APIPrefix = "/api"
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 30
	}
	if c.Upstream.IdleConnections == 0 {
		c.Upstream.IdleConnections = 100
	}
	if c.Gate.MaxRetries == 0 {
		c.Gate.MaxRetries = 3
	}
	if c.Gate.BackoffMS == 0 {
		c.Gate.BackoffMS = 2000
	}
	if c.Gate.ProbeTimeoutMS == 0 {
		c.Gate.ProbeTimeoutMS = 3000
	}
	if c.Gate.RevealTimeoutMS == 0 {
		c.Gate.RevealTimeoutMS = 5000
	}
	c.UI.Mode = strings.ToLower(c.UI.Mode)
	if c.UI.Mode == "" {
		c.UI.Mode = ModeProxy
	}
	if c.UI.StaticDir == "" {
		c.UI.StaticDir = "static"
	}
	if c.UI.SPADir == "" {
		c.UI.SPADir = "/ode/dist"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
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

// ProbeTimeout returns the hard timeout for a single health probe.
func (c *GateConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMS) * time.Millisecond
}

// Backoff returns the fixed delay between gate probes.
func (c *GateConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMS) * time.Millisecond
}

// WarnPermissions logs a warning if the config file is writable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o022 != 0 {
		logger.Warn("config file is writable by group/others; consider chmod 644",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
