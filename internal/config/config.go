// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the config file location.
const EnvConfigPath = "COVEN_RELAY_CONFIG"

// ErrNoConfig is returned by ResolvePath when no candidate file exists.
var ErrNoConfig = errors.New("no config file found")

// Transport kinds.
const (
	TransportGRPC = "grpc"
	TransportBus  = "bus"
	TransportBoth = "both"
)

// Bus backends.
const (
	BusMemory = "memory"
	BusRedis  = "redis"
)

// minSecretLen is the shortest accepted jwt_secret.
const minSecretLen = 32

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Transport TransportConfig `yaml:"transport"`
	Auth      AuthConfig      `yaml:"auth"`
	Journal   JournalConfig   `yaml:"journal"`
	Relay     RelayConfig     `yaml:"relay"`
	Services  ServicesConfig  `yaml:"services"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

// TransportConfig selects how proxies reach hosts
type TransportConfig struct {
	Kind string    `yaml:"kind"` // grpc, bus or both
	Bus  BusConfig `yaml:"bus"`
}

// BusConfig holds message bus settings
type BusConfig struct {
	Backend string      `yaml:"backend"` // memory or redis
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis Streams connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

// AuthConfig holds channel token configuration. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-"`

	TokenTTLRaw string `yaml:"token_ttl"`
}

// JournalConfig holds lifecycle journal configuration
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RelayConfig holds endpoint behaviour and timing
type RelayConfig struct {
	StrictTickets bool `yaml:"strict_tickets"`
	AutoStream    bool `yaml:"auto_stream"`

	HandshakeTimeout time.Duration `yaml:"-"`
	CallTimeout      time.Duration `yaml:"-"`
	TombstoneTTL     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	CallTimeoutRaw      string `yaml:"call_timeout"`
	TombstoneTTLRaw     string `yaml:"tombstone_ttl"`
}

// ServicesConfig selects the services relayd hosts
type ServicesConfig struct {
	IMS     IMSConfig     `yaml:"ims"`
	Pairing PairingConfig `yaml:"pairing"`
}

// IMSConfig configures the IMS service
type IMSConfig struct {
	Enabled bool          `yaml:"enabled"`
	Profile string        `yaml:"profile"`
	Delay   time.Duration `yaml:"-"`

	DelayRaw string `yaml:"delay"`
}

// PairingConfig configures the pairing service
type PairingConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used for any field a file leaves out.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{GRPCAddr: "127.0.0.1:50061", HTTPAddr: "127.0.0.1:8091"},
		Transport: TransportConfig{Kind: TransportGRPC, Bus: BusConfig{Backend: BusMemory}},
		Auth:      AuthConfig{TokenTTL: 24 * time.Hour},
		Relay: RelayConfig{
			HandshakeTimeout: 10 * time.Second,
			CallTimeout:      30 * time.Second,
			TombstoneTTL:     5 * time.Minute,
		},
		Services: ServicesConfig{
			IMS:     IMSConfig{Enabled: true, Profile: "default", Delay: 200 * time.Millisecond},
			Pairing: PairingConfig{Enabled: true},
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// ResolvePath finds the config file: $COVEN_RELAY_CONFIG, then
// $XDG_CONFIG_HOME/coven/relay.yaml, then ~/.config/coven/relay.yaml.
func ResolvePath() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p, nil
	}

	var candidates []string
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		candidates = append(candidates, filepath.Join(xdg, "coven", "relay.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "coven", "relay.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", ErrNoConfig
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportGRPC, TransportBus, TransportBoth:
	default:
		return fmt.Errorf("transport.kind must be grpc, bus or both, got %q", c.Transport.Kind)
	}

	if c.Transport.Kind != TransportBus && c.Server.GRPCAddr == "" {
		return fmt.Errorf("server.grpc_addr is required for the grpc transport")
	}

	if c.Transport.Kind != TransportGRPC {
		switch c.Transport.Bus.Backend {
		case BusMemory:
		case BusRedis:
			if c.Transport.Bus.Redis.Addr == "" {
				return fmt.Errorf("transport.bus.redis.addr is required for the redis backend")
			}
			if c.Transport.Bus.Redis.Group == "" {
				return fmt.Errorf("transport.bus.redis.group is required for the redis backend")
			}
		default:
			return fmt.Errorf("transport.bus.backend must be memory or redis, got %q", c.Transport.Bus.Backend)
		}
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < minSecretLen {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", minSecretLen)
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal.path is required when the journal is enabled")
	}

	if c.Metrics.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required when metrics are enabled")
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Logging.Level) {
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if !c.Services.IMS.Enabled && !c.Services.Pairing.Enabled {
		return fmt.Errorf("at least one service must be enabled")
	}

	return nil
}

// GRPCEnabled reports whether relayd serves gRPC streams.
func (c *Config) GRPCEnabled() bool { return c.Transport.Kind != TransportBus }

// BusEnabled reports whether relayd serves bus sessions.
func (c *Config) BusEnabled() bool { return c.Transport.Kind != TransportGRPC }

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"relay.handshake_timeout", cfg.Relay.HandshakeTimeoutRaw, &cfg.Relay.HandshakeTimeout},
		{"relay.call_timeout", cfg.Relay.CallTimeoutRaw, &cfg.Relay.CallTimeout},
		{"relay.tombstone_ttl", cfg.Relay.TombstoneTTLRaw, &cfg.Relay.TombstoneTTL},
		{"services.ims.delay", cfg.Services.IMS.DelayRaw, &cfg.Services.IMS.Delay},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
