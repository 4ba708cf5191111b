// ABOUTME: Configuration loading and parsing for fieldtrack
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete fieldtrack configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream" toml:"upstream"`
	Credentials CredentialsConfig `yaml:"credentials" toml:"credentials"`
	Reconnect   ReconnectConfig   `yaml:"reconnect" toml:"reconnect"`
	Tracking    TrackingConfig    `yaml:"tracking" toml:"tracking"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the consumer API address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// UpstreamConfig describes the location feed and its token endpoints
type UpstreamConfig struct {
	FeedURL         string `yaml:"feed_url" toml:"feed_url"`
	TokenQueryParam string `yaml:"token_query_param" toml:"token_query_param"`
	RefreshURL      string `yaml:"refresh_url" toml:"refresh_url"`
	LoginURL        string `yaml:"login_url" toml:"login_url"`
	ReadLimitBytes  int64  `yaml:"read_limit_bytes" toml:"read_limit_bytes"`

	DialTimeout time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	DialTimeoutRaw string `yaml:"dial_timeout" toml:"dial_timeout"`
}

// CredentialsConfig holds the stored login used when the refresh token is rejected
type CredentialsConfig struct {
	PhoneNumber string `yaml:"phone_number" toml:"phone_number"`
	Password    string `yaml:"password" toml:"password"`
	TokenFile   string `yaml:"token_file" toml:"token_file"`
}

// ReconnectConfig holds the supervisor's backoff policy
type ReconnectConfig struct {
	MaxAuthFailures int `yaml:"max_auth_failures" toml:"max_auth_failures"`

	BaseDelay time.Duration `yaml:"-" toml:"-"`
	MaxDelay  time.Duration `yaml:"-" toml:"-"`
	Jitter    float64       `yaml:"-" toml:"-"`

	BaseDelayRaw string `yaml:"base_delay" toml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay" toml:"max_delay"`
	// JitterRaw is a pointer so an explicit 0 disables jitter.
	JitterRaw *float64 `yaml:"jitter" toml:"jitter"`
}

// TrackingConfig holds per-session store settings
type TrackingConfig struct {
	WindowSize int `yaml:"window_size" toml:"window_size"`
	PathLimit  int `yaml:"path_limit" toml:"path_limit"`

	StaleAfter time.Duration `yaml:"-" toml:"-"`

	StaleAfterRaw string `yaml:"stale_after" toml:"stale_after"`
}

// AuthConfig holds consumer API authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults
const (
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultTokenQueryParam = "token"
	DefaultDialTimeout     = 10 * time.Second
	DefaultReadLimitBytes  = 4 << 20
	DefaultBaseDelay       = time.Second
	DefaultMaxDelay        = 30 * time.Second
	DefaultJitter          = 0.5
	DefaultMaxAuthFailures = 3
	DefaultWindowSize      = 1200
	DefaultMetricsPath     = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(string(data), formatFor(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Format selects the config file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

func formatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatYAML
}

// Parse parses configuration content in the given format, applies defaults
// and validates the result.
func Parse(content string, format Format) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(content)

	var cfg Config
	switch format {
	case FormatTOML:
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Upstream.TokenQueryParam == "" {
		c.Upstream.TokenQueryParam = DefaultTokenQueryParam
	}
	if c.Upstream.DialTimeout == 0 {
		c.Upstream.DialTimeout = DefaultDialTimeout
	}
	if c.Upstream.ReadLimitBytes == 0 {
		c.Upstream.ReadLimitBytes = DefaultReadLimitBytes
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Reconnect.JitterRaw != nil {
		c.Reconnect.Jitter = *c.Reconnect.JitterRaw
	} else {
		c.Reconnect.Jitter = DefaultJitter
	}
	if c.Reconnect.MaxAuthFailures == 0 {
		c.Reconnect.MaxAuthFailures = DefaultMaxAuthFailures
	}
	if c.Tracking.WindowSize == 0 {
		c.Tracking.WindowSize = DefaultWindowSize
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Upstream.FeedURL == "" {
		return fmt.Errorf("upstream.feed_url is required")
	}
	u, err := url.Parse(c.Upstream.FeedURL)
	if err != nil {
		return fmt.Errorf("upstream.feed_url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("upstream.feed_url must use ws or wss, got %q", u.Scheme)
	}

	if c.Upstream.RefreshURL == "" && c.Credentials.TokenFile == "" {
		return fmt.Errorf("upstream.refresh_url or credentials.token_file is required")
	}
	if c.Credentials.Password != "" && c.Upstream.LoginURL == "" {
		return fmt.Errorf("upstream.login_url is required when credentials.password is set")
	}

	if c.Reconnect.BaseDelay < 0 || c.Reconnect.MaxDelay < 0 {
		return fmt.Errorf("reconnect delays must not be negative")
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return fmt.Errorf("reconnect.max_delay (%s) is below reconnect.base_delay (%s)",
			c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		return fmt.Errorf("reconnect.jitter must be between 0 and 1")
	}
	if c.Reconnect.MaxAuthFailures < 1 {
		return fmt.Errorf("reconnect.max_auth_failures must be at least 1")
	}

	if c.Tracking.WindowSize < 1 {
		return fmt.Errorf("tracking.window_size must be at least 1")
	}
	if c.Tracking.PathLimit < 0 {
		return fmt.Errorf("tracking.path_limit must not be negative")
	}
	if c.Tracking.StaleAfter < 0 {
		return fmt.Errorf("tracking.stale_after must not be negative")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"upstream.dial_timeout", cfg.Upstream.DialTimeoutRaw, &cfg.Upstream.DialTimeout},
		{"reconnect.base_delay", cfg.Reconnect.BaseDelayRaw, &cfg.Reconnect.BaseDelay},
		{"reconnect.max_delay", cfg.Reconnect.MaxDelayRaw, &cfg.Reconnect.MaxDelay},
		{"tracking.stale_after", cfg.Tracking.StaleAfterRaw, &cfg.Tracking.StaleAfter},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// StaleCheckInterval is how often the session should look for stale agents.
func (c *Config) StaleCheckInterval() time.Duration {
	if c.Tracking.StaleAfter <= 0 {
		return 0
	}
	interval := c.Tracking.StaleAfter / 4
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}
