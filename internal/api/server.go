// Package api provides the HTTP surface of the history syncer: health,
// worker status, metrics, data ingestion and control commands.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/livinlefevreloca/histsyncer/internal/cache"
	"github.com/livinlefevreloca/histsyncer/internal/control"
	"github.com/livinlefevreloca/histsyncer/internal/status"
)

// Config holds HTTP server settings
type Config struct {
	Enabled      bool          `toml:"enabled" env:"HISTSYNCER_HTTP_ENABLED"`
	Address      string        `toml:"address" env:"HISTSYNCER_HTTP_ADDRESS"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
	MaxBodyBytes int64         `toml:"max_body_bytes"`
}

// DefaultConfig returns HTTP defaults
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Address:      "127.0.0.1:10051",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		MaxBodyBytes: 8 << 20,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Address == "" {
		return errors.New("Address must not be empty")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("ReadTimeout must be positive, got %v", c.ReadTimeout)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout must be positive, got %v", c.WriteTimeout)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("MaxBodyBytes must be positive, got %d", c.MaxBodyBytes)
	}
	return nil
}

// Ingester accepts data for the history cache
type Ingester interface {
	AddValues(values ...cache.Value)
	AddEvents(events ...cache.Event)
	AddTimers(timers ...cache.Timer)
}

// Dispatcher delivers control commands to workers
type Dispatcher interface {
	Send(role string, ordinal int, kind control.Kind) error
	Broadcast(role string, kind control.Kind) int
}

// StatusSource exposes worker status and metrics
type StatusSource interface {
	Snapshot() []status.WorkerStatus
	Handler() http.Handler
}

// LockState reports whether the trigger queue lock is held
type LockState interface {
	Locked(ctx context.Context) (bool, error)
}

// Deps are the collaborators behind the routes
type Deps struct {
	Cache   Ingester
	Control Dispatcher
	Status  StatusSource
	Lock    LockState

	// Running reports whether the process is still accepting work
	Running func() bool
}

// ServerOption configures the router
type ServerOption func(*serverConfig)

type serverConfig struct {
	middlewares  []func(http.Handler) http.Handler
	maxBodyBytes int64
}

// WithMiddlewares adds middleware to the router
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.middlewares = append(cfg.middlewares, mw...)
	}
}

// WithMaxBodyBytes limits ingestion request bodies
func WithMaxBodyBytes(n int64) ServerOption {
	return func(cfg *serverConfig) {
		cfg.maxBodyBytes = n
	}
}

// NewRouter creates and configures the HTTP router
func NewRouter(deps Deps, logger *slog.Logger, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{
		maxBodyBytes: DefaultConfig().MaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	for _, mw := range cfg.middlewares {
		r.Use(mw)
	}

	routes := &Routes{deps: deps, logger: logger, maxBodyBytes: cfg.maxBodyBytes}

	r.Get("/health", routes.health)
	r.Get("/status", routes.status)
	if deps.Status != nil {
		r.Method(http.MethodGet, "/metrics", deps.Status.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/history", routes.ingestHistory)
		r.Post("/events", routes.ingestEvents)
		r.Post("/timers", routes.ingestTimers)
		r.Post("/control/{command}", routes.control)
	})

	return r
}

// LoggingMiddleware logs every request at debug level
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

// Server runs the router on a listener
type Server struct {
	http   *http.Server
	logger *slog.Logger
}

// NewServer wraps handler in an http.Server configured from config
func NewServer(config Config, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         config.Address,
			Handler:      handler,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		},
		logger: logger,
	}
}

// ListenAndServe blocks until the server is shut down. A clean shutdown
// returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "address", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
