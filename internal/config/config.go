// Package config handles configuration loading and validation for loft.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/loftdrive/loft/pkg/bytesize"
)

// MetricsConfig holds configuration for the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Config holds configuration for the loft server.
type Config struct {
	Listen        string        `yaml:"listen"`
	DataDir       string        `yaml:"data_dir"`        // Storage root (default: /var/lib/loft)
	MaxFileSize   string        `yaml:"max_file_size"`   // Per-file upload cap, e.g. "100MB" (empty = unlimited)
	DefaultQuota  string        `yaml:"default_quota"`   // Per-user storage limit, e.g. "50GB" (empty = unlimited)
	SessionSecret string        `yaml:"session_secret"`  // HMAC secret for session tokens
	PublicBaseURL string        `yaml:"public_base_url"` // External base for share links (optional)
	Metrics       MetricsConfig `yaml:"metrics"`
}

// Load reads server configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/loft"
	}
	// Expand home directory in data dir
	if strings.HasPrefix(c.DataDir, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			c.DataDir = filepath.Join(homeDir, c.DataDir[2:])
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.SessionSecret == "" {
		return fmt.Errorf("session_secret is required")
	}
	if c.MaxFileSize != "" {
		if _, err := bytesize.Parse(c.MaxFileSize); err != nil {
			return fmt.Errorf("invalid max_file_size: %w", err)
		}
	}
	if c.DefaultQuota != "" {
		if _, err := bytesize.Parse(c.DefaultQuota); err != nil {
			return fmt.Errorf("invalid default_quota: %w", err)
		}
	}
	return nil
}

// MaxFileSizeBytes returns the parsed per-file cap in bytes (0 = unlimited).
func (c *Config) MaxFileSizeBytes() int64 {
	if c.MaxFileSize == "" {
		return 0
	}
	return bytesize.MustParse(c.MaxFileSize)
}

// DefaultQuotaBytes returns the parsed default quota in bytes (0 = unlimited).
func (c *Config) DefaultQuotaBytes() int64 {
	if c.DefaultQuota == "" {
		return 0
	}
	return bytesize.MustParse(c.DefaultQuota)
}
