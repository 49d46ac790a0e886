// ABOUTME: Configuration loading and parsing for the support-chat client
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

	"github.com/2389/support-chat/internal/chat"
)

// Config represents the complete support-chat configuration
type Config struct {
	Role     chat.Role      `yaml:"role" toml:"role"`
	UserID   string         `yaml:"user_id" toml:"user_id"`
	API      APIConfig      `yaml:"api" toml:"api"`
	Stream   StreamConfig   `yaml:"stream" toml:"stream"`
	Typing   TypingConfig   `yaml:"typing" toml:"typing"`
	Messages MessagesConfig `yaml:"messages" toml:"messages"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// APIConfig holds the REST endpoint configuration
type APIConfig struct {
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// StreamConfig holds the event stream endpoint and reconnection policy
type StreamConfig struct {
	URL              string          `yaml:"url" toml:"url"`
	HandshakeTimeout time.Duration   `yaml:"-" toml:"-"`
	Reconnect        ReconnectConfig `yaml:"reconnect" toml:"reconnect"`

	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
}

// ReconnectConfig holds the backoff ladder used while reconnecting
type ReconnectConfig struct {
	MaxAttempts int             `yaml:"max_attempts" toml:"max_attempts"`
	Delays      []time.Duration `yaml:"-" toml:"-"`
	MaxDelay    time.Duration   `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	DelaysRaw   []string `yaml:"delays" toml:"delays"`
	MaxDelayRaw string   `yaml:"max_delay" toml:"max_delay"`
}

// TypingConfig holds typing indicator timing
type TypingConfig struct {
	IdleTimeout time.Duration `yaml:"-" toml:"-"`
	PresenceTTL time.Duration `yaml:"-" toml:"-"`

	IdleTimeoutRaw string `yaml:"idle_timeout" toml:"idle_timeout"`
	PresenceTTLRaw string `yaml:"presence_ttl" toml:"presence_ttl"`
}

// MessagesConfig holds message log and preview settings
type MessagesConfig struct {
	PageSize       int           `yaml:"page_size" toml:"page_size"`
	PreviewLength  int           `yaml:"preview_length" toml:"preview_length"`
	RenderMarkdown bool          `yaml:"render_markdown" toml:"render_markdown"`
	DedupeWindow   time.Duration `yaml:"-" toml:"-"`
	DedupeSize     int           `yaml:"dedupe_size" toml:"dedupe_size"`

	DedupeWindowRaw string `yaml:"dedupe_window" toml:"dedupe_window"`
}

// AuthConfig says where the bearer token comes from
type AuthConfig struct {
	Token     string `yaml:"token" toml:"token"`
	TokenEnv  string `yaml:"token_env" toml:"token_env"`
	TokenFile string `yaml:"token_file" toml:"token_file"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults used when a field is absent.
const (
	DefaultAPITimeout       = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultMaxAttempts      = 5
	DefaultMaxDelay         = 10 * time.Second
	DefaultIdleTimeout      = 2 * time.Second
	DefaultPresenceTTL      = 5 * time.Second
	DefaultPageSize         = 50
	DefaultPreviewLength    = 50
	DefaultDedupeWindow     = 10 * time.Minute
	DefaultDedupeSize       = 10_000
)

// DefaultDelays is the reconnect ladder used when none is configured.
var DefaultDelays = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills every absent field with its default.
func (c *Config) ApplyDefaults() {
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultAPITimeout
	}
	if c.Stream.HandshakeTimeout == 0 {
		c.Stream.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Stream.Reconnect.MaxAttempts == 0 {
		c.Stream.Reconnect.MaxAttempts = DefaultMaxAttempts
	}
	if len(c.Stream.Reconnect.Delays) == 0 {
		c.Stream.Reconnect.Delays = append([]time.Duration(nil), DefaultDelays...)
	}
	if c.Stream.Reconnect.MaxDelay == 0 {
		c.Stream.Reconnect.MaxDelay = DefaultMaxDelay
	}
	if c.Typing.IdleTimeout == 0 {
		c.Typing.IdleTimeout = DefaultIdleTimeout
	}
	if c.Typing.PresenceTTL == 0 {
		c.Typing.PresenceTTL = DefaultPresenceTTL
	}
	if c.Messages.PageSize == 0 {
		c.Messages.PageSize = DefaultPageSize
	}
	if c.Messages.PreviewLength == 0 {
		c.Messages.PreviewLength = DefaultPreviewLength
	}
	if c.Messages.DedupeWindow == 0 {
		c.Messages.DedupeWindow = DefaultDedupeWindow
	}
	if c.Messages.DedupeSize == 0 {
		c.Messages.DedupeSize = DefaultDedupeSize
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Role.Valid() {
		return fmt.Errorf("role must be %q or %q, got %q", chat.RoleCustomer, chat.RoleAdmin, c.Role)
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}

	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		return fmt.Errorf("api.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("api.base_url must use http or https scheme")
	}

	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	u, err = url.Parse(c.Stream.URL)
	if err != nil {
		return fmt.Errorf("stream.url is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("stream.url must use ws or wss scheme")
	}

	if c.Stream.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("stream.reconnect.max_attempts must not be negative")
	}
	if c.Messages.PageSize < 0 || c.Messages.PreviewLength < 0 {
		return fmt.Errorf("messages.page_size and messages.preview_length must not be negative")
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics are enabled")
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
		{"api.timeout", cfg.API.TimeoutRaw, &cfg.API.Timeout},
		{"stream.handshake_timeout", cfg.Stream.HandshakeTimeoutRaw, &cfg.Stream.HandshakeTimeout},
		{"stream.reconnect.max_delay", cfg.Stream.Reconnect.MaxDelayRaw, &cfg.Stream.Reconnect.MaxDelay},
		{"typing.idle_timeout", cfg.Typing.IdleTimeoutRaw, &cfg.Typing.IdleTimeout},
		{"typing.presence_ttl", cfg.Typing.PresenceTTLRaw, &cfg.Typing.PresenceTTL},
		{"messages.dedupe_window", cfg.Messages.DedupeWindowRaw, &cfg.Messages.DedupeWindow},
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

	cfg.Stream.Reconnect.Delays = nil
	for _, raw := range cfg.Stream.Reconnect.DelaysRaw {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing stream.reconnect.delays %q: %w", raw, err)
		}
		cfg.Stream.Reconnect.Delays = append(cfg.Stream.Reconnect.Delays, d)
	}

	return nil
}
