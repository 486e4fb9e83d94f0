// Package config loads the optional TOML configuration file. A missing file
// is not an error: the zero configuration plus defaults is a fully working
// setup, and flags always win over file values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	// BaseURL overrides the artifact store folder.
	BaseURL string `toml:"base_url"`
	// TimeoutSeconds bounds each store request; 0 keeps the store default.
	TimeoutSeconds int `toml:"timeout_seconds"`
	// Subdirectories overrides the per-(os, abi) output layout, keyed by
	// "<os>/<abi>" or "<os>".
	Subdirectories map[string]string `toml:"subdirectories"`
}

// Load reads path. A missing file yields an empty Config; an unreadable or
// malformed one is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
