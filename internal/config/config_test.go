// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults and validation

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "0.0.0.0:8080"
  grpc_addr: "0.0.0.0:50051"
  shutdown_timeout: "5s"

database:
  path: "./test.db"
  driver: "sqlite3"

auth:
  dev_mode: true

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/internal/metrics"

conversations:
  aggregation: "index"
  planner_requires_vendor_profile: false

realtime:
  send_buffer: 16
  messages_per_second: 2.5
  burst: 4
  ping_interval: "15s"
  allowed_origins: ["app.example.com"]
  redis:
    addr: "localhost:6379"

idempotency:
  ttl: "1h"
  max_entries: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "0.0.0.0:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "/internal/metrics", cfg.Metrics.Path)
	assert.Equal(t, "index", cfg.Conversations.Aggregation)
	assert.False(t, cfg.Conversations.RequireVendorProfile())
	assert.Equal(t, 16, cfg.Realtime.SendBuffer)
	assert.Equal(t, 2.5, cfg.Realtime.MessagesPerSecond)
	assert.Equal(t, 15*time.Second, cfg.Realtime.PingInterval)
	assert.Equal(t, []string{"app.example.com"}, cfg.Realtime.AllowedOrigins)
	assert.Equal(t, "localhost:6379", cfg.Realtime.Redis.Addr)
	assert.Equal(t, "huddle:messages", cfg.Realtime.Redis.Channel)
	assert.Equal(t, time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 50, cfg.Idempotency.MaxEntries)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
http_addr = "127.0.0.1:9000"

[database]
path = "/var/lib/huddle/chat.db"

[auth]
dev_mode = true

[conversations]
aggregation = "scan"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "/var/lib/huddle/chat.db", cfg.Database.Path)
	assert.True(t, cfg.Auth.DevMode)
	assert.True(t, cfg.Conversations.RequireVendorProfile(), "defaults to true")
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "chat.db"
auth:
  dev_mode: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "scan", cfg.Conversations.Aggregation)
	assert.Equal(t, 64, cfg.Realtime.SendBuffer)
	assert.Equal(t, 30*time.Second, cfg.Realtime.PingInterval)
	assert.Equal(t, 24*time.Hour, cfg.Idempotency.TTL)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Empty(t, cfg.Realtime.Redis.Addr)
}

func TestLoad_EnvExpansionAndOverride(t *testing.T) {
	t.Setenv("TEST_HUDDLE_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv(EnvDBPath, "/tmp/override.db")

	path := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "from-file.db"
auth:
  jwt_secret: "${TEST_HUDDLE_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0123456789abcdef0123456789abcdef", cfg.Auth.JWTSecret)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: ":8080"
database:
  path: "chat.db"
idempotency:
  ttl: "forever"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idempotency.ttl")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{
			Server:   ServerConfig{HTTPAddr: ":8080"},
			Database: DatabaseConfig{Path: "chat.db"},
			Auth:     AuthConfig{DevMode: true},
		}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"tailscale replaces http addr", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Tailscale.Enabled = true
			c.Tailscale.Hostname = "huddle"
		}, ""},
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"no auth scheme", func(c *Config) { c.Auth.DevMode = false }, "auth.dev_mode"},
		{"dev mode with secret", func(c *Config) { c.Auth.JWTSecret = "0123456789abcdef0123456789abcdef" }, "auth.dev_mode"},
		{"short secret", func(c *Config) {
			c.Auth.DevMode = false
			c.Auth.JWTSecret = "short"
		}, "auth.jwt_secret"},
		{"jwt secret", func(c *Config) {
			c.Auth.DevMode = false
			c.Auth.JWTSecret = "0123456789abcdef0123456789abcdef"
		}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"relative metrics path", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.Path = "metrics"
		}, "metrics.path"},
		{"unknown aggregation", func(c *Config) { c.Conversations.Aggregation = "magic" }, "conversations.aggregation"},
		{"negative rate", func(c *Config) { c.Realtime.MessagesPerSecond = -1 }, "realtime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("HUDDLE_TEST_VAR", "value")
	assert.Equal(t, "a value b", expandEnvVars("a ${HUDDLE_TEST_VAR} b"))
	assert.Equal(t, "a  b", expandEnvVars("a ${HUDDLE_TEST_UNSET_VAR} b"))
}
