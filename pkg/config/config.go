// Package config loads the gateway's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProxyConfig is an optional forward proxy for upstream traffic.
type ProxyConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the full startup configuration. It is read once at boot and
// never reloaded.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// APIKey protects the client-facing surface; AdminAPIKey protects the
	// admin surface. A blank AdminAPIKey disables the admin surface.
	APIKey      string `yaml:"api_key"`
	AdminAPIKey string `yaml:"admin_api_key"`

	DatabasePath string `yaml:"database_path"`

	Region      string `yaml:"region"`
	KiroVersion string `yaml:"kiro_version"`

	Proxy *ProxyConfig `yaml:"proxy,omitempty"`

	// RequestTimeoutSeconds is the hard per-request timeout for upstream
	// calls.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		Host:                  "0.0.0.0",
		Port:                  8990,
		DatabasePath:          "data/credentials.db",
		Region:                "us-east-1",
		KiroVersion:           "0.3.5",
		RequestTimeoutSeconds: 60,
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if c.Region == "" {
		return fmt.Errorf("region must not be empty")
	}
	if c.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("request_timeout_seconds must be positive")
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RequestTimeout returns the upstream timeout as a duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}
