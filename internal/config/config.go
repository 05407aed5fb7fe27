package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env"

	"github.com/livinlefevreloca/histsyncer/internal/api"
	"github.com/livinlefevreloca/histsyncer/internal/cache"
	"github.com/livinlefevreloca/histsyncer/internal/control"
	"github.com/livinlefevreloca/histsyncer/internal/db"
	"github.com/livinlefevreloca/histsyncer/internal/export"
	"github.com/livinlefevreloca/histsyncer/internal/queuelock"
	"github.com/livinlefevreloca/histsyncer/internal/status"
	"github.com/livinlefevreloca/histsyncer/internal/syncer"
)

// Config represents the application configuration
type Config struct {
	Database db.Config        `toml:"database"`
	Syncer   syncer.Config    `toml:"syncer"`
	Cache    cache.Config     `toml:"cache"`
	Export   export.Config    `toml:"export"`
	Lock     queuelock.Config `toml:"lock"`
	Control  control.Config   `toml:"control"`
	Status   status.Config    `toml:"status"`
	HTTP     api.Config       `toml:"http"`
	Logging  LoggingConfig    `toml:"logging"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level" env:"HISTSYNCER_LOG_LEVEL"`
	Format string `toml:"format" env:"HISTSYNCER_LOG_FORMAT"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "histsyncer.db?_busy_timeout=5000",
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
		Syncer:  syncer.DefaultConfig(),
		Cache:   cache.DefaultConfig(),
		Export:  export.DefaultConfig(),
		Lock:    queuelock.DefaultConfig(),
		Control: control.DefaultConfig(),
		Status:  status.DefaultConfig(),
		HTTP:    api.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a TOML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables (HISTSYNCER_*)
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overrides each section from the environment
func (c *Config) applyEnv() error {
	sections := []struct {
		name string
		dst  interface{}
	}{
		{"database", &c.Database},
		{"syncer", &c.Syncer},
		{"cache", &c.Cache},
		{"export", &c.Export},
		{"lock", &c.Lock},
		{"control", &c.Control},
		{"status", &c.Status},
		{"http", &c.HTTP},
		{"logging", &c.Logging},
	}

	for _, s := range sections {
		if err := env.Parse(s.dst); err != nil {
			return fmt.Errorf("failed to read %s environment overrides: %w", s.name, err)
		}
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" && c.Database.Driver != "mysql" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3, postgres, or mysql)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	// Syncer validation
	if err := c.Syncer.Validate(); err != nil {
		return fmt.Errorf("syncer: %w", err)
	}

	// Cache validation
	if c.Cache.BatchSize <= 0 {
		return fmt.Errorf("cache batch_size must be positive")
	}
	if c.Cache.Pipelines <= 0 {
		return fmt.Errorf("cache pipelines must be positive")
	}

	// Export validation
	if _, err := export.ParseFlags(c.Export); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if c.Export.Dir != "" && c.Export.FileSize <= 0 {
		return fmt.Errorf("export file_size must be positive")
	}

	// Lock validation
	switch c.Lock.Backend {
	case "", queuelock.BackendSQL:
	case queuelock.BackendRedis:
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock redis_addr must be specified for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported lock backend: %s (must be %s or %s)", c.Lock.Backend, queuelock.BackendSQL, queuelock.BackendRedis)
	}

	// Control validation
	if c.Control.BufferSize <= 0 {
		return fmt.Errorf("control buffer_size must be positive")
	}
	if c.Control.SendTimeout <= 0 {
		return fmt.Errorf("control send_timeout must be positive")
	}

	// Status validation
	if err := c.Status.Validate(); err != nil {
		return fmt.Errorf("status: %w", err)
	}

	// HTTP validation
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http: %w", err)
	}
	if c.HTTP.Enabled {
		_, port, err := net.SplitHostPort(c.HTTP.Address)
		if err != nil {
			return fmt.Errorf("invalid HTTP address %q: %w", c.HTTP.Address, err)
		}
		if p, err := strconv.Atoi(port); err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("HTTP port must be between 1 and 65535")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}
