// Package config loads gateway configuration from file and environment.
//
// Sources, highest priority first:
//  1. Environment variables (MCPGATE_ prefix)
//  2. Config file (path given on the command line, or ./mcpgate.yaml)
//  3. Defaults
//
// Error handling uses sentinel errors so callers can match with errors.Is().
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kestrelops/mcpgate/internal/gateway/transport"
)

var (
	// ErrNoServers indicates the configuration declares no backend servers.
	ErrNoServers = errors.New("no backend servers configured")

	// ErrDuplicateServer indicates two servers share the same id.
	ErrDuplicateServer = errors.New("duplicate server id")

	// ErrInvalidServer indicates a backend server entry is unusable.
	ErrInvalidServer = errors.New("invalid server entry")

	// ErrInvalidAuthMode indicates auth.mode is not a known mode.
	ErrInvalidAuthMode = errors.New("invalid auth mode")

	// ErrMissingTokenURL indicates exchange mode without a token endpoint.
	ErrMissingTokenURL = errors.New("missing auth token URL")

	// ErrInvalidDuration indicates a timing value is out of range.
	ErrInvalidDuration = errors.New("invalid duration")
)

// Auth modes used in AuthConfig.Mode.
const (
	AuthModeExchange = "exchange"
	AuthModeStatic   = "static"
	AuthModeNone     = "none"
)

// Config is the root gateway configuration.
type Config struct {
	Listen  ListenConfig   `mapstructure:"listen"`
	Session SessionConfig  `mapstructure:"session"`
	Breaker BreakerConfig  `mapstructure:"breaker"`
	Retry   RetryConfig    `mapstructure:"retry"`
	Auth    AuthConfig     `mapstructure:"auth"`
	Servers []ServerConfig `mapstructure:"servers"`
}

// ListenConfig configures the gateway's own HTTP listener.
type ListenConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// SessionConfig tunes session lifetime and health checking.
type SessionConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatFailures int           `mapstructure:"heartbeat_failures"`
	MaxSessions       int           `mapstructure:"max_sessions"`
}

// BreakerConfig tunes the per-server circuit breakers.
type BreakerConfig struct {
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	SuccessThreshold    int           `mapstructure:"success_threshold"`
	HalfOpenMaxProbes   int           `mapstructure:"half_open_max_probes"`
	BaseRecoveryTimeout time.Duration `mapstructure:"base_recovery_timeout"`
	MaxRecoveryTimeout  time.Duration `mapstructure:"max_recovery_timeout"`
	RecoveryMultiplier  float64       `mapstructure:"recovery_multiplier"`
}

// RetryConfig tunes retry behavior for transient network failures.
type RetryConfig struct {
	MaxNetworkAttempts int           `mapstructure:"max_network_attempts"`
	BaseBackoff        time.Duration `mapstructure:"base_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
}

// AuthConfig configures how backend credentials are obtained.
type AuthConfig struct {
	Mode         string            `mapstructure:"mode"`
	TokenURL     string            `mapstructure:"token_url"`
	ClientID     string            `mapstructure:"client_id"`
	ClientSecret string            `mapstructure:"client_secret"` // SENSITIVE: never logged
	StaticTokens map[string]string `mapstructure:"static_tokens"` // SENSITIVE: never logged
}

// ServerConfig declares one backend MCP server.
type ServerConfig struct {
	ID             string            `mapstructure:"id"`
	Transport      string            `mapstructure:"transport"`
	Endpoint       string            `mapstructure:"endpoint"`
	Headers        map[string]string `mapstructure:"headers"`
	RequestTimeout time.Duration     `mapstructure:"request_timeout"`
	Command        string            `mapstructure:"command"`
	Args           []string          `mapstructure:"args"`
	Env            []string          `mapstructure:"env"`
	Cwd            string            `mapstructure:"cwd"`
	Audience       string            `mapstructure:"audience"`
}

// Descriptor converts the server entry into a transport descriptor.
func (s ServerConfig) Descriptor() transport.Descriptor {
	return transport.Descriptor{
		ServerID:       s.ID,
		Kind:           transport.Kind(s.Transport),
		Endpoint:       s.Endpoint,
		Headers:        s.Headers,
		RequestTimeout: s.RequestTimeout,
		Command:        s.Command,
		Args:           s.Args,
		Env:            s.Env,
		Cwd:            s.Cwd,
	}
}

// Load reads configuration from path (optional) plus environment, applies
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mcpgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/mcpgate")
	}

	v.SetEnvPrefix("MCPGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing file is fine only when no explicit path was given.
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.addr", ":8080")
	v.SetDefault("listen.read_timeout", 30*time.Second)
	v.SetDefault("listen.write_timeout", 120*time.Second)
	v.SetDefault("listen.shutdown_timeout", 15*time.Second)

	v.SetDefault("session.ttl", 30*time.Minute)
	v.SetDefault("session.sweep_interval", 60*time.Second)
	v.SetDefault("session.handshake_timeout", 30*time.Second)
	v.SetDefault("session.heartbeat_interval", 30*time.Second)
	v.SetDefault("session.heartbeat_failures", 3)
	v.SetDefault("session.max_sessions", 1000)

	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("breaker.half_open_max_probes", 3)
	v.SetDefault("breaker.base_recovery_timeout", 60*time.Second)
	v.SetDefault("breaker.max_recovery_timeout", 300*time.Second)
	v.SetDefault("breaker.recovery_multiplier", 2.0)

	v.SetDefault("retry.max_network_attempts", 3)
	v.SetDefault("retry.base_backoff", 500*time.Millisecond)
	v.SetDefault("retry.max_backoff", 5*time.Second)

	v.SetDefault("auth.mode", AuthModeNone)
}

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return ErrNoServers
	}

	seen := make(map[string]struct{}, len(c.Servers))
	for _, s := range c.Servers {
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateServer, s.ID)
		}
		seen[s.ID] = struct{}{}
		if err := s.Descriptor().Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidServer, err)
		}
	}

	switch c.Auth.Mode {
	case AuthModeNone, AuthModeStatic:
	case AuthModeExchange:
		if c.Auth.TokenURL == "" {
			return ErrMissingTokenURL
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAuthMode, c.Auth.Mode)
	}

	for name, d := range map[string]time.Duration{
		"session.ttl":                c.Session.TTL,
		"session.sweep_interval":     c.Session.SweepInterval,
		"session.handshake_timeout":  c.Session.HandshakeTimeout,
		"session.heartbeat_interval": c.Session.HeartbeatInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidDuration, name)
		}
	}
	if c.Breaker.MaxRecoveryTimeout < c.Breaker.BaseRecoveryTimeout {
		return fmt.Errorf("%w: breaker.max_recovery_timeout below base", ErrInvalidDuration)
	}
	return nil
}

// Server returns the entry for id, or false when unknown.
func (c *Config) Server(id string) (ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return ServerConfig{}, false
}
