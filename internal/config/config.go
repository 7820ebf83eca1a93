// Package config loads and validates smokestack.yml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models smokestack.yml, the coordination core's runtime configuration.
type Config struct {
	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`

	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		DevLogin  bool   `yaml:"dev_login"`
	} `yaml:"auth"`

	AdminGroups []string `yaml:"admin_groups"`

	Persistence struct {
		SnapshotPath string `yaml:"snapshot_path"`
		HistoryPath  string `yaml:"history_path"`
	} `yaml:"persistence"`

	Subscriptions struct {
		QueueCapacity int `yaml:"queue_capacity"`
	} `yaml:"subscriptions"`

	SystemSinks struct {
		Timeout          time.Duration `yaml:"timeout"`
		RetryBackoff     time.Duration `yaml:"retry_backoff"`
		DegradeThreshold int           `yaml:"degrade_threshold"`
	} `yaml:"system_sinks"`
}

// Validate ensures the config meets the structure the core relies on.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config.server.listen is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config.auth.jwt_secret is required")
	}
	if c.Persistence.SnapshotPath == "" {
		return fmt.Errorf("config.persistence.snapshot_path is required")
	}
	if c.Persistence.HistoryPath == "" {
		return fmt.Errorf("config.persistence.history_path is required")
	}
	if len(c.AdminGroups) == 0 {
		return fmt.Errorf("config.admin_groups must name at least one group for destructive-action authorization")
	}
	if c.Subscriptions.QueueCapacity <= 0 {
		return fmt.Errorf("config.subscriptions.queue_capacity must be positive")
	}
	if c.SystemSinks.Timeout <= 0 {
		return fmt.Errorf("config.system_sinks.timeout must be positive")
	}
	if c.SystemSinks.RetryBackoff <= 0 {
		return fmt.Errorf("config.system_sinks.retry_backoff must be positive")
	}
	if c.SystemSinks.DegradeThreshold <= 0 {
		return fmt.Errorf("config.system_sinks.degrade_threshold must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "smokestack.yml")
}

// Load reads and validates config from workspace, falling back to Default
// when no file is present.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with the values a fresh workspace boots with.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Listen = ":8080"
	cfg.Auth.JWTSecret = "development-secret-change-me"
	cfg.AdminGroups = []string{"admins"}
	cfg.Persistence.SnapshotPath = ".smokestack/snapshot.json"
	cfg.Persistence.HistoryPath = "."
	cfg.Subscriptions.QueueCapacity = 1024
	cfg.SystemSinks.Timeout = 10 * time.Second
	cfg.SystemSinks.RetryBackoff = 5 * time.Second
	cfg.SystemSinks.DegradeThreshold = 5
	return cfg
}
