// ABOUTME: Configuration loading and parsing for huddle-chat
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values
const (
	EnvConfigPath = "HUDDLE_CONFIG"
	EnvDBPath     = "HUDDLE_DB_PATH"
)

const minJWTSecretLength = 32

// Config represents the complete huddle-chat configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Tailscale     TailscaleConfig     `yaml:"tailscale" toml:"tailscale"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" toml:"metrics"`
	Conversations ConversationsConfig `yaml:"conversations" toml:"conversations"`
	Realtime      RealtimeConfig      `yaml:"realtime" toml:"realtime"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency" toml:"idempotency"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves grpc.health.v1 when set
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`

	ShutdownTimeout    time.Duration `yaml:"-" toml:"-"`
	ShutdownTimeoutRaw string        `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	// HTTPS serves the HTTP API on :443 with Tailscale-provisioned certificates
	HTTPS bool `yaml:"https" toml:"https"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo)
	Driver string `yaml:"driver" toml:"driver"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret signs and verifies bearer tokens.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// DevMode trusts the X-Huddle-User header instead of bearer tokens.
	// Only allowed when JWTSecret is empty.
	DevMode bool `yaml:"dev_mode" toml:"dev_mode"`
}

// Validate checks that exactly one authentication scheme is configured.
func (a AuthConfig) Validate() error {
	switch {
	case a.JWTSecret == "" && !a.DevMode:
		return fmt.Errorf("auth.jwt_secret is required unless auth.dev_mode is enabled")
	case a.JWTSecret != "" && a.DevMode:
		return fmt.Errorf("auth.dev_mode cannot be combined with auth.jwt_secret")
	case a.JWTSecret != "" && len(a.JWTSecret) < minJWTSecretLength:
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minJWTSecretLength)
	}
	return nil
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

// ConversationsConfig controls conversation list aggregation
type ConversationsConfig struct {
	// Aggregation is "scan" or "index"
	Aggregation string `yaml:"aggregation" toml:"aggregation"`
	// PlannerRequiresVendorProfile hides a planner's counterparts that have
	// no vendor profile. Defaults to true.
	PlannerRequiresVendorProfile *bool `yaml:"planner_requires_vendor_profile" toml:"planner_requires_vendor_profile"`
}

// RequireVendorProfile reports the effective planner_requires_vendor_profile value
func (c ConversationsConfig) RequireVendorProfile() bool {
	return c.PlannerRequiresVendorProfile == nil || *c.PlannerRequiresVendorProfile
}

// RealtimeConfig holds websocket and relay settings
type RealtimeConfig struct {
	SendBuffer        int      `yaml:"send_buffer" toml:"send_buffer"`
	MessagesPerSecond float64  `yaml:"messages_per_second" toml:"messages_per_second"`
	Burst             int      `yaml:"burst" toml:"burst"`
	AllowedOrigins    []string `yaml:"allowed_origins" toml:"allowed_origins"`

	PingInterval    time.Duration `yaml:"-" toml:"-"`
	PingIntervalRaw string        `yaml:"ping_interval" toml:"ping_interval"`

	Redis RedisConfig `yaml:"redis" toml:"redis"`
}

// RedisConfig enables the cross-instance relay when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Channel  string `yaml:"channel" toml:"channel"`
}

// IdempotencyConfig bounds the Idempotency-Key cache
type IdempotencyConfig struct {
	MaxEntries int `yaml:"max_entries" toml:"max_entries"`

	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
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

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

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

func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv(EnvDBPath); p != "" {
		cfg.Database.Path = p
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Conversations.Aggregation == "" {
		cfg.Conversations.Aggregation = "scan"
	}
	if cfg.Realtime.SendBuffer == 0 {
		cfg.Realtime.SendBuffer = 64
	}
	if cfg.Realtime.MessagesPerSecond == 0 {
		cfg.Realtime.MessagesPerSecond = 5
	}
	if cfg.Realtime.Burst == 0 {
		cfg.Realtime.Burst = 10
	}
	if cfg.Realtime.PingIntervalRaw == "" {
		cfg.Realtime.PingIntervalRaw = "30s"
	}
	if cfg.Realtime.Redis.Channel == "" {
		cfg.Realtime.Redis.Channel = "huddle:messages"
	}
	if cfg.Idempotency.TTLRaw == "" {
		cfg.Idempotency.TTLRaw = "24h"
	}
	if cfg.Idempotency.MaxEntries == 0 {
		cfg.Idempotency.MaxEntries = 10000
	}
	if cfg.Server.ShutdownTimeoutRaw == "" {
		cfg.Server.ShutdownTimeoutRaw = "10s"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if err := c.Auth.Validate(); err != nil {
		return err
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}

	if c.Conversations.Aggregation != "scan" && c.Conversations.Aggregation != "index" {
		return fmt.Errorf("conversations.aggregation must be scan or index, got %q", c.Conversations.Aggregation)
	}

	if c.Realtime.MessagesPerSecond < 0 || c.Realtime.Burst < 0 || c.Realtime.SendBuffer < 0 {
		return fmt.Errorf("realtime limits must not be negative")
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
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"realtime.ping_interval", cfg.Realtime.PingIntervalRaw, &cfg.Realtime.PingInterval},
		{"idempotency.ttl", cfg.Idempotency.TTLRaw, &cfg.Idempotency.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
