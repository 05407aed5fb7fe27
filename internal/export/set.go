package export

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Type names one export stream
type Type string

const (
	History  Type = "history"
	Trends   Type = "trends"
	Problems Type = "problems"
)

// Types lists every export stream in initialization order
var Types = []Type{History, Trends, Problems}

// Config holds export settings
type Config struct {
	Dir      string   `toml:"dir" env:"HISTSYNCER_EXPORT_DIR"`
	Types    []string `toml:"types" env:"HISTSYNCER_EXPORT_TYPES" envSeparator:","`
	FileSize int64    `toml:"file_size" env:"HISTSYNCER_EXPORT_FILE_SIZE"`
}

// DefaultConfig returns export disabled with a 1GiB rotation size
func DefaultConfig() Config {
	return Config{
		FileSize: 1 << 30,
	}
}

// Flags records which export streams are enabled
type Flags map[Type]bool

// ParseFlags builds flags from configured type names. Exporting is disabled
// entirely when dir is empty.
func ParseFlags(cfg Config) (Flags, error) {
	flags := Flags{}
	if cfg.Dir == "" {
		return flags, nil
	}

	if len(cfg.Types) == 0 {
		for _, t := range Types {
			flags[t] = true
		}
		return flags, nil
	}

	for _, name := range cfg.Types {
		t := Type(strings.TrimSpace(strings.ToLower(name)))
		switch t {
		case History, Trends, Problems:
			flags[t] = true
		default:
			return nil, fmt.Errorf("unknown export type: %q", name)
		}
	}
	return flags, nil
}

// Enabled reports whether the stream is turned on
func (f Flags) Enabled(t Type) bool {
	return f[t]
}

// Accessor resolves a stream's file at call time. It returns nil when the
// stream is disabled or not yet initialized.
type Accessor func() *File

// Set holds one worker's export files
type Set struct {
	config Config
	flags  Flags
	logger *slog.Logger

	mu    sync.RWMutex
	files map[Type]*File
}

// NewSet creates an empty set. No files are opened until Init.
func NewSet(config Config, flags Flags, logger *slog.Logger) *Set {
	return &Set{
		config: config,
		flags:  flags,
		logger: logger,
		files:  make(map[Type]*File),
	}
}

// Enabled reports whether the stream is turned on. A nil set has nothing enabled.
func (s *Set) Enabled(t Type) bool {
	if s == nil {
		return false
	}
	return s.flags.Enabled(t)
}

// Accessor returns a lazily bound lookup for a stream's file
func (s *Set) Accessor(t Type) Accessor {
	return func() *File {
		if s == nil {
			return nil
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		return s.files[t]
	}
}

// Init opens every enabled stream as <dir>/<type>-<label>-<ordinal>.ndjson
func (s *Set) Init(label string, ordinal int) error {
	if s == nil {
		return nil
	}

	for _, t := range Types {
		if !s.flags.Enabled(t) {
			continue
		}
		if err := s.initType(t, label, ordinal); err != nil {
			return err
		}
	}
	return nil
}

func (s *Set) initType(t Type, label string, ordinal int) error {
	if err := os.MkdirAll(s.config.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s-%d.ndjson", t, label, ordinal)
	file, err := OpenFile(filepath.Join(s.config.Dir, name), s.config.FileSize)
	if err != nil {
		return fmt.Errorf("failed to initialize %s export: %w", t, err)
	}

	s.mu.Lock()
	s.files[t] = file
	s.mu.Unlock()

	s.logger.Debug("export initialized", "type", string(t), "path", file.Path())
	return nil
}

// Write appends records to a stream. Writing to a disabled stream is a no-op.
func (s *Set) Write(t Type, records ...any) error {
	if !s.Enabled(t) || len(records) == 0 {
		return nil
	}

	file := s.Accessor(t)()
	if file == nil {
		return fmt.Errorf("%s export is enabled but not initialized", t)
	}
	return file.Write(records...)
}

// Deinit closes every enabled stream
func (s *Set) Deinit() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, t := range Types {
		if !s.flags.Enabled(t) {
			continue
		}
		file, ok := s.files[t]
		if !ok {
			continue
		}
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s export: %w", t, err))
		}
		delete(s.files, t)
	}

	return errors.Join(errs...)
}
