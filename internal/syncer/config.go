package syncer

import (
	"fmt"
	"time"
)

// Config defines how history syncer workers pace themselves
type Config struct {
	// Number of sibling workers started by the process
	Workers int `toml:"workers" env:"HISTSYNCER_SYNCER_WORKERS"`

	// Idle interval after a cycle that left no backlog
	Frequency time.Duration `toml:"frequency" env:"HISTSYNCER_SYNCER_FREQUENCY"`

	// While busy, the status line is refreshed at most this often
	StatInterval time.Duration `toml:"stat_interval"`

	// Worker ordinal that cleans the trigger queue after connecting
	LeaderOrdinal int `toml:"leader_ordinal"`

	// Include the trigger count in status lines
	ReportTriggers bool `toml:"report_triggers"`

	// Control channel subscription and outbound flush timeout
	Timeout time.Duration `toml:"timeout"`
}

// DefaultConfig returns syncer defaults
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		Frequency:      1 * time.Second,
		StatInterval:   5 * time.Second,
		LeaderOrdinal:  1,
		ReportTriggers: true,
		Timeout:        3 * time.Second,
	}
}

// validateConfig validates syncer configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.Workers <= 0 {
		return fmt.Errorf("Workers must be positive, got %d", config.Workers)
	}

	if config.Frequency <= 0 {
		return fmt.Errorf("Frequency must be positive, got %v", config.Frequency)
	}

	if config.StatInterval <= 0 {
		return fmt.Errorf("StatInterval must be positive, got %v", config.StatInterval)
	}

	if config.LeaderOrdinal < 1 || config.LeaderOrdinal > config.Workers {
		return fmt.Errorf("LeaderOrdinal must be between 1 and %d, got %d", config.Workers, config.LeaderOrdinal)
	}

	if config.Timeout <= 0 {
		return fmt.Errorf("Timeout must be positive, got %v", config.Timeout)
	}

	return nil
}

// Validate checks the configuration
func (c Config) Validate() error {
	return validateConfig(c)
}
