// Package config reads the blockquant configuration file
// ($XDG_CONFIG_HOME/blockquant/config.yaml).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/blockquant/internal/blockmatmul"
	"github.com/samcharles93/blockquant/internal/logger"
)

// Config mirrors the file layout. Pointer fields distinguish "not set" from
// zero values so the CLI can fall back to its own defaults.
type Config struct {
	Mode    string `yaml:"mode"`
	Workers *int   `yaml:"workers"`

	Tuning Tuning `yaml:"tuning"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddress string `yaml:"server_address"`
}

type Tuning struct {
	Enabled         *bool `yaml:"enabled"`
	Warmup          *int  `yaml:"warmup"`
	Reps            *int  `yaml:"reps"`
	MaxStagingBytes *int  `yaml:"max_staging_bytes"`
}

// Path returns the default config file location, or "" when the user config
// directory cannot be determined.
func Path() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "blockquant", "config.yaml")
}

// Load reads and validates the file at path. A missing file yields a zero
// Config and no error.
func Load(path string) (Config, error) {
	if path == "" {
		return Config{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Config{}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c Config) Validate() error {
	if c.Mode != "" {
		if _, err := blockmatmul.ParseMode(c.Mode); err != nil {
			return err
		}
	}
	if c.Workers != nil && *c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", *c.Workers)
	}
	if c.Tuning.Reps != nil && *c.Tuning.Reps <= 0 {
		return fmt.Errorf("tuning.reps must be positive, got %d", *c.Tuning.Reps)
	}
	if c.Tuning.Warmup != nil && *c.Tuning.Warmup < 0 {
		return fmt.Errorf("tuning.warmup must be >= 0, got %d", *c.Tuning.Warmup)
	}
	if c.Tuning.MaxStagingBytes != nil && *c.Tuning.MaxStagingBytes <= 0 {
		return fmt.Errorf("tuning.max_staging_bytes must be positive, got %d", *c.Tuning.MaxStagingBytes)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", logger.FormatPretty, logger.FormatJSON, logger.FormatText:
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}
