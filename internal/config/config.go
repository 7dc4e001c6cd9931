// ABOUTME: Configuration loading and parsing for mcp-broker
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

	"github.com/2389/mcp-broker/internal/toolsession"
)

// Session defaults applied when the config leaves a value unset.
const (
	DefaultProtocolTimeout = 30 * time.Second
	DefaultIdleTimeout     = time.Hour
	DefaultSweepInterval   = time.Minute
)

// Config represents the complete mcp-broker configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Sessions  SessionsConfig  `yaml:"sessions" toml:"sessions"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`

	// Servers are static tool-server definitions offered to every conversation.
	Servers map[string]toolsession.ServerConfig `yaml:"servers" toml:"servers"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer-token auth on the API when set.
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// ServerConfig holds the HTTP listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// SessionsConfig holds tool session timing configuration
type SessionsConfig struct {
	ProtocolTimeout time.Duration `yaml:"-" toml:"-"`
	IdleTimeout     time.Duration `yaml:"-" toml:"-"`
	SweepInterval   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ProtocolTimeoutRaw string `yaml:"protocol_timeout" toml:"protocol_timeout"`
	IdleTimeoutRaw     string `yaml:"idle_timeout" toml:"idle_timeout"`
	SweepIntervalRaw   string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration content. ext selects the format (".toml" or
// YAML for anything else).
func Parse(data []byte, ext string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(ext, ".toml") {
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
	applyDefaults(&cfg)

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// The HTTP address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Sessions.ProtocolTimeout <= 0 {
		return fmt.Errorf("sessions.protocol_timeout must be positive")
	}
	if c.Sessions.IdleTimeout < 0 {
		return fmt.Errorf("sessions.idle_timeout must not be negative")
	}
	if c.Sessions.IdleTimeout > 0 && c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive when idle_timeout is set")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if err := toolsession.ValidateConfigs(c.Servers); err != nil {
		return fmt.Errorf("servers: %w", err)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
		def  time.Duration
	}{
		{"protocol_timeout", cfg.Sessions.ProtocolTimeoutRaw, &cfg.Sessions.ProtocolTimeout, DefaultProtocolTimeout},
		{"idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout, DefaultIdleTimeout},
		{"sweep_interval", cfg.Sessions.SweepIntervalRaw, &cfg.Sessions.SweepInterval, DefaultSweepInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			*f.dst = f.def
			continue
		}
		// A bare "0" disables the timer it configures.
		if f.raw == "0" {
			*f.dst = 0
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

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Servers == nil {
		cfg.Servers = make(map[string]toolsession.ServerConfig)
	}
	for name, s := range cfg.Servers {
		s.Transport = toolsession.NormalizeTransport(s.Transport)
		cfg.Servers[name] = s
	}
}
