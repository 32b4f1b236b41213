// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, duration parsing and validation

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  grpc_addr: "0.0.0.0:50061"
  http_addr: "0.0.0.0:8091"

transport:
  kind: "both"
  bus:
    backend: "redis"
    redis:
      addr: "localhost:6379"
      db: 2
      group: "relayd"
      consumer: "relayd-1"

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
  token_ttl: "1h"

journal:
  enabled: true
  path: "./relay.db"

relay:
  handshake_timeout: "3s"
  call_timeout: "15s"
  tombstone_ttl: "2m"
  strict_tickets: true

services:
  ims:
    enabled: true
    profile: "volte"
    delay: "50ms"
  pairing:
    enabled: false

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.GRPCAddr != "0.0.0.0:50061" {
		t.Errorf("Server.GRPCAddr = %q, want %q", cfg.Server.GRPCAddr, "0.0.0.0:50061")
	}
	if !cfg.GRPCEnabled() || !cfg.BusEnabled() {
		t.Errorf("transport both should enable grpc and bus")
	}
	redis := cfg.Transport.Bus.Redis
	if redis.Addr != "localhost:6379" || redis.DB != 2 || redis.Group != "relayd" || redis.Consumer != "relayd-1" {
		t.Errorf("Transport.Bus.Redis = %+v", redis)
	}
	if cfg.Auth.TokenTTL != time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want 1h", cfg.Auth.TokenTTL)
	}
	if !cfg.Journal.Enabled || cfg.Journal.Path != "./relay.db" {
		t.Errorf("Journal = %+v", cfg.Journal)
	}
	if cfg.Relay.HandshakeTimeout != 3*time.Second {
		t.Errorf("Relay.HandshakeTimeout = %v, want 3s", cfg.Relay.HandshakeTimeout)
	}
	if cfg.Relay.CallTimeout != 15*time.Second {
		t.Errorf("Relay.CallTimeout = %v, want 15s", cfg.Relay.CallTimeout)
	}
	if cfg.Relay.TombstoneTTL != 2*time.Minute {
		t.Errorf("Relay.TombstoneTTL = %v, want 2m", cfg.Relay.TombstoneTTL)
	}
	if !cfg.Relay.StrictTickets {
		t.Error("Relay.StrictTickets = false, want true")
	}
	if cfg.Services.IMS.Profile != "volte" || cfg.Services.IMS.Delay != 50*time.Millisecond {
		t.Errorf("Services.IMS = %+v", cfg.Services.IMS)
	}
	if cfg.Services.Pairing.Enabled {
		t.Error("Services.Pairing.Enabled = true, want false")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: warn\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	def := Default()
	if cfg.Server != def.Server {
		t.Errorf("Server = %+v, want %+v", cfg.Server, def.Server)
	}
	if cfg.Transport.Kind != TransportGRPC {
		t.Errorf("Transport.Kind = %q, want grpc", cfg.Transport.Kind)
	}
	if cfg.Relay.CallTimeout != 30*time.Second {
		t.Errorf("Relay.CallTimeout = %v, want 30s", cfg.Relay.CallTimeout)
	}
	if !cfg.Services.IMS.Enabled || !cfg.Services.Pairing.Enabled {
		t.Errorf("both services should be enabled by default")
	}
	if cfg.Logging.Level != "warn" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_RELAY_SECRET", testSecret)
	t.Setenv("TEST_REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load(writeConfig(t, `
transport:
  kind: "bus"
  bus:
    backend: "redis"
    redis:
      addr: "${TEST_REDIS_ADDR}"
      group: "relayd"
auth:
  jwt_secret: "${TEST_RELAY_SECRET}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, testSecret)
	}
	if cfg.Transport.Bus.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Transport.Bus.Redis.Addr = %q", cfg.Transport.Bus.Redis.Addr)
	}
	if cfg.GRPCEnabled() {
		t.Error("bus transport should not enable grpc")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	cfg, err := Load(writeConfig(t, `
auth:
  jwt_secret: "${UNSET_VAR_FOR_TEST}"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "" {
		t.Errorf("Auth.JWTSecret = %q, want empty string for unset var", cfg.Auth.JWTSecret)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/relay.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server:\n  grpc_addr: [unclosed\n"))
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("error = %v, want parsing error", err)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"call timeout", "relay:\n  call_timeout: \"soon\"\n", "relay.call_timeout"},
		{"token ttl", "auth:\n  token_ttl: \"1 day\"\n", "auth.token_ttl"},
		{"negative delay", "services:\n  ims:\n    delay: \"-1s\"\n", "services.ims.delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults are valid", func(*Config) {}, ""},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, "transport.kind"},
		{"grpc needs address", func(c *Config) { c.Server.GRPCAddr = "" }, "server.grpc_addr"},
		{"bus ignores grpc address", func(c *Config) {
			c.Transport.Kind = TransportBus
			c.Server.GRPCAddr = ""
		}, ""},
		{"unknown bus backend", func(c *Config) {
			c.Transport.Kind = TransportBus
			c.Transport.Bus.Backend = "kafka"
		}, "transport.bus.backend"},
		{"redis needs addr", func(c *Config) {
			c.Transport.Kind = TransportBoth
			c.Transport.Bus.Backend = BusRedis
			c.Transport.Bus.Redis.Group = "relayd"
		}, "transport.bus.redis.addr"},
		{"redis needs group", func(c *Config) {
			c.Transport.Kind = TransportBus
			c.Transport.Bus.Backend = BusRedis
			c.Transport.Bus.Redis.Addr = "localhost:6379"
		}, "transport.bus.redis.group"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "auth.jwt_secret"},
		{"long secret", func(c *Config) { c.Auth.JWTSecret = testSecret }, ""},
		{"journal needs path", func(c *Config) { c.Journal.Enabled = true }, "journal.path"},
		{"metrics need http", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"metrics disabled", func(c *Config) {
			c.Server.HTTPAddr = ""
			c.Metrics.Enabled = false
		}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"no services", func(c *Config) {
			c.Services.IMS.Enabled = false
			c.Services.Pairing.Enabled = false
		}, "at least one service"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Run("env override", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "/etc/coven/relay.yaml")
		got, err := ResolvePath()
		if err != nil || got != "/etc/coven/relay.yaml" {
			t.Errorf("ResolvePath() = %q, %v", got, err)
		}
	})

	t.Run("xdg config home", func(t *testing.T) {
		xdg := t.TempDir()
		t.Setenv(EnvConfigPath, "")
		t.Setenv("XDG_CONFIG_HOME", xdg)
		want := filepath.Join(xdg, "coven", "relay.yaml")
		if err := os.MkdirAll(filepath.Dir(want), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(want, []byte("{}"), 0644); err != nil {
			t.Fatal(err)
		}

		got, err := ResolvePath()
		if err != nil || got != want {
			t.Errorf("ResolvePath() = %q, %v, want %q", got, err, want)
		}
	})

	t.Run("nothing found", func(t *testing.T) {
		t.Setenv(EnvConfigPath, "")
		t.Setenv("XDG_CONFIG_HOME", t.TempDir())
		t.Setenv("HOME", t.TempDir())

		_, err := ResolvePath()
		if !errors.Is(err, ErrNoConfig) {
			t.Errorf("ResolvePath() error = %v, want ErrNoConfig", err)
		}
	})
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RELAY_A", "alpha")
	t.Setenv("RELAY_B", "beta")

	tests := []struct {
		in, want string
	}{
		{"${RELAY_A}", "alpha"},
		{"pre-${RELAY_A}-${RELAY_B}-post", "pre-alpha-beta-post"},
		{"no vars here", "no vars here"},
		{"$RELAY_A stays", "$RELAY_A stays"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
