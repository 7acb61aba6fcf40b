// Package config loads the sync engine's configuration from a JSON file with
// environment overrides (prefix STORESYNC_, e.g. STORESYNC_API_KEY).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/santaclaude2025/storesync/pkg/store"
)

// Config is the full engine configuration.
type Config struct {
	// BackendURL is the base URL of the remote REST backend.
	BackendURL string `mapstructure:"backend_url" json:"backend_url"`

	// APIKey authenticates against the backend.
	APIKey string `mapstructure:"api_key" json:"api_key"`

	// DBPath is the sqlite database file. Empty means in-memory only.
	DBPath string `mapstructure:"db_path" json:"db_path"`

	// LogPath is the rotated log file. Empty logs to stderr.
	LogPath string `mapstructure:"log_path" json:"log_path"`

	// LogLevel: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level" json:"log_level"`

	// PollInterval between replication cycles.
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`

	// PageSize caps one pull batch.
	PageSize int `mapstructure:"page_size" json:"page_size"`

	// RatePerSecond caps outgoing requests per second. Zero disables the
	// limiter.
	RatePerSecond float64 `mapstructure:"rate_per_second" json:"rate_per_second"`

	// StatusAddr serves the daemon's status endpoint. Empty disables it.
	StatusAddr string `mapstructure:"status_addr" json:"status_addr"`

	// Collections to sync.
	Collections []store.CollectionConfig `mapstructure:"collections" json:"collections"`
}

// DefaultPath returns the per-user config file location.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".storesync", "config.json"), nil
}

// Load reads the file at path, merges environment overrides, and validates.
// A missing file is not an error when environment variables carry the
// required settings.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")

	v.SetDefault("poll_interval", "5m")
	v.SetDefault("page_size", 10)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("STORESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields a running engine cannot do without.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("backend_url is required")
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	seen := make(map[string]bool, len(c.Collections))
	for _, col := range c.Collections {
		if col.Name == "" {
			return fmt.Errorf("collection name is required")
		}
		if seen[col.Name] {
			return fmt.Errorf("duplicate collection %q", col.Name)
		}
		seen[col.Name] = true
		if col.Endpoint == "" {
			return fmt.Errorf("collection %q has no endpoint", col.Name)
		}
	}
	return nil
}
