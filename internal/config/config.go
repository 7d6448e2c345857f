// Package config loads PlantSync configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full process configuration.
type Config struct {
	// DataDir is where the SQLite database and the secure store live.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`

	// TimeZone is the canonical civil time zone for all timestamp
	// comparisons. Every deployment must use the same zone so that day
	// boundaries for recurring tasks line up.
	TimeZone string `yaml:"time_zone"`

	Authority AuthorityConfig `yaml:"authority"`
	Sync      SyncConfig      `yaml:"sync"`
}

// AuthorityConfig describes how a replica reaches the authority.
type AuthorityConfig struct {
	// BaseURL of the authority. Empty on the authority itself.
	BaseURL string `yaml:"base_url"`

	// BootstrapTokenEnv names the environment variable holding the
	// build-time bootstrap token. The token itself never appears in the
	// config file.
	BootstrapTokenEnv string `yaml:"bootstrap_token_env"`
}

// SyncConfig holds sync-cycle tuning.
type SyncConfig struct {
	// Cooldown is the minimum interval between sync cycles.
	Cooldown time.Duration `yaml:"cooldown"`

	// PeriodicInterval is how often the scheduler considers an unprompted
	// cycle.
	PeriodicInterval time.Duration `yaml:"periodic_interval"`

	// HTTPTimeout bounds each HTTP call within a cycle.
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// BatchLimit caps the number of queue entries pushed per cycle.
	BatchLimit int `yaml:"batch_limit"`

	// Retention is how long synced queue entries are kept before pruning.
	Retention time.Duration `yaml:"retention"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir:    "./data",
		ListenAddr: ":8090",
		TimeZone:   "America/Chicago",
		Authority: AuthorityConfig{
			BootstrapTokenEnv: "PLANTSYNC_BOOTSTRAP_TOKEN",
		},
		Sync: SyncConfig{
			Cooldown:         30 * time.Second,
			PeriodicInterval: 5 * time.Minute,
			HTTPTimeout:      30 * time.Second,
			BatchLimit:       200,
			Retention:        7 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from path, layering it over the defaults.
// A missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnvOverrides lets deployment environments override file settings.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PLANTSYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("PLANTSYNC_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("PLANTSYNC_AUTHORITY_URL"); v != "" {
		c.Authority.BaseURL = v
	}
	if v := os.Getenv("PLANTSYNC_TIME_ZONE"); v != "" {
		c.TimeZone = v
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Sync.Cooldown <= 0 {
		return fmt.Errorf("sync.cooldown must be positive")
	}
	if c.Sync.PeriodicInterval <= 0 {
		return fmt.Errorf("sync.periodic_interval must be positive")
	}
	if c.Sync.HTTPTimeout <= 0 {
		return fmt.Errorf("sync.http_timeout must be positive")
	}
	if c.Sync.BatchLimit <= 0 {
		return fmt.Errorf("sync.batch_limit must be positive")
	}
	if c.Sync.Retention <= 0 {
		return fmt.Errorf("sync.retention must be positive")
	}
	if _, err := time.LoadLocation(c.TimeZone); err != nil {
		return fmt.Errorf("invalid time_zone %q: %w", c.TimeZone, err)
	}
	return nil
}

// BootstrapToken reads the bootstrap token from the configured environment
// variable. Empty when unset.
func (c *Config) BootstrapToken() string {
	if c.Authority.BootstrapTokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Authority.BootstrapTokenEnv)
}
