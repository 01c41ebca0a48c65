// ABOUTME: Configuration loading and parsing for converse
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete converse configuration
type Config struct {
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Session  Session  `yaml:"session"`
	Presence Presence `yaml:"presence"`
	Typing   Typing   `yaml:"typing"`
	Logging  Logging  `yaml:"logging"`
}

// Database holds message store configuration
type Database struct {
	Path string `yaml:"path"`
}

// Redis holds the optional shared-bus backend; when Addr is empty the
// engine runs on the in-memory bus (single process).
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Session holds session-token verification configuration
type Session struct {
	TokenSecret string `yaml:"token_secret"`
}

// Presence holds presence timing configuration
type Presence struct {
	HeartbeatInterval time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
}

// Typing holds typing-indicator timing configuration
type Typing struct {
	TTL time.Duration `yaml:"-"`

	TTLRaw string `yaml:"ttl"`
}

// Logging holds logging configuration
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Session.TokenSecret == "" {
		return fmt.Errorf("session.token_secret is required")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Presence.HeartbeatIntervalRaw != "" {
		cfg.Presence.HeartbeatInterval, err = time.ParseDuration(cfg.Presence.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Presence.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Typing.TTLRaw != "" {
		cfg.Typing.TTL, err = time.ParseDuration(cfg.Typing.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing typing ttl %q: %w", cfg.Typing.TTLRaw, err)
		}
	}

	return nil
}
