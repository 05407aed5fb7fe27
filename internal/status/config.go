package status

import (
	"fmt"
	"time"
)

// Config defines configuration for the status board
type Config struct {
	// Inbox configuration
	InboxBufferSize  int           `toml:"inbox_buffer_size"`
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`

	// Metric namespace, e.g. histsyncer_worker_busy
	Namespace string `toml:"namespace" env:"HISTSYNCER_STATUS_NAMESPACE"`
}

// DefaultConfig returns default status board configuration
func DefaultConfig() Config {
	return Config{
		InboxBufferSize:  1000,
		InboxSendTimeout: 100 * time.Millisecond,
		Namespace:        "histsyncer",
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", c.InboxBufferSize)
	}
	if c.InboxSendTimeout <= 0 {
		return fmt.Errorf("InboxSendTimeout must be positive, got %v", c.InboxSendTimeout)
	}
	if c.Namespace == "" {
		return fmt.Errorf("Namespace must not be empty")
	}
	return nil
}
