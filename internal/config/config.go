// Package config loads the service configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults used when the config file or a field is absent.
const (
	DefaultDatabase = "cyhy.db"
	DefaultListen   = ":8080"
	DefaultLogLevel = "info"
)

// Config holds service settings.
type Config struct {
	Database string `yaml:"database"`
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
}

// Load reads a YAML config file. A missing file yields the defaults; a
// present but unreadable or malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Database: DefaultDatabase,
		Listen:   DefaultListen,
		LogLevel: DefaultLogLevel,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Database == "" {
		cfg.Database = DefaultDatabase
	}
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	return cfg, nil
}
