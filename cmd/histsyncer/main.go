package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/histsyncer/internal/api"
	"github.com/livinlefevreloca/histsyncer/internal/cache"
	"github.com/livinlefevreloca/histsyncer/internal/config"
	"github.com/livinlefevreloca/histsyncer/internal/control"
	"github.com/livinlefevreloca/histsyncer/internal/db"
	"github.com/livinlefevreloca/histsyncer/internal/export"
	"github.com/livinlefevreloca/histsyncer/internal/queuelock"
	"github.com/livinlefevreloca/histsyncer/internal/sigguard"
	"github.com/livinlefevreloca/histsyncer/internal/status"
	"github.com/livinlefevreloca/histsyncer/internal/syncer"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Parse command-line flags
	configFile := flag.String("config", "", "Path to configuration file (TOML)")
	workers := flag.Int("workers", 0, "Number of history syncer workers (overrides config)")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// Load configuration
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		bootLogger.Error("failed to load configuration", "config_file", *configFile, "error", err)
		return 1
	}
	if *workers > 0 {
		cfg.Syncer.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		bootLogger.Error("invalid configuration", "error", err)
		return 1
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		bootLogger.Error("invalid logging configuration", "error", err)
		return 1
	}
	slog.SetDefault(logger)

	instance := uuid.NewString()
	logger.Info("starting history syncer",
		"instance", instance,
		"workers", cfg.Syncer.Workers,
		"frequency", cfg.Syncer.Frequency,
		"lock_backend", cfg.Lock.Backend)

	// Step 1: storage and schema
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err, "driver", cfg.Database.Driver)
		return 1
	}
	defer database.Close()

	if !cfg.Database.SkipMigrations {
		version, err := database.Migrate(cfg.Database.MigrationsDir)
		if err != nil {
			logger.Error("failed to run migrations", "error", err, "migrations_dir", cfg.Database.MigrationsDir)
			return 1
		}
		logger.Info("database schema ready", "version", version)
	} else {
		logger.Info("skipping migrations", "reason", "configured to skip")
	}

	exportFlags, err := export.ParseFlags(cfg.Export)
	if err != nil {
		logger.Error("invalid export configuration", "error", err)
		return 1
	}

	// Step 2: shared cache, restoring timers a previous run persisted
	histCache := cache.New(logger, nil)

	// this lock restores timers and backs the lock state shown on /status
	queueLock, closeQueueLock, err := queuelock.New(cfg.Lock, database, instance+"-main")
	if err != nil {
		logger.Error("failed to create trigger queue lock", "error", err)
		return 1
	}
	defer func() {
		if err := closeQueueLock(); err != nil {
			logger.Warn("failed to close trigger queue lock", "error", err)
		}
	}()

	restored, err := histCache.RestoreTimers(context.Background(), database, queueLock)
	if err != nil {
		logger.Error("failed to restore timers", "error", err)
		return 1
	}
	logger.Info("restored timers from trigger queue", "timers", restored)

	// Step 3: control channel, signals and status
	hub := control.NewHub(cfg.Control, logger)
	defer hub.Close()

	relay := sigguard.New(logger)
	relay.OnSignal(func(os.Signal) {
		// wake waiting workers so they observe the stop
		n := hub.Broadcast(syncer.Role, control.SyncNotify)
		logger.Info("stopping workers", "notified", n)
	})
	relay.Start()
	defer relay.Stop()

	board := status.NewBoard(cfg.Status, logger)
	board.Start()
	defer board.Stop()

	// Step 4: HTTP surface
	var server *api.Server
	if cfg.HTTP.Enabled {
		router := api.NewRouter(api.Deps{
			Cache:   histCache,
			Control: hub,
			Status:  board,
			Lock:    queueLock,
			Running: relay.Running,
		}, logger,
			api.WithMiddlewares(api.LoggingMiddleware(logger)),
			api.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes))

		server = api.NewServer(cfg.HTTP, router, logger)
		go func() {
			if err := server.ListenAndServe(); err != nil {
				logger.Error("http server stopped", "error", err)
			}
		}()
	}

	// Step 5: workers
	err = runWorkers(cfg, instance, database, histCache, hub, relay, board, exportFlags, logger)

	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			logger.Warn("http server shutdown failed", "error", err)
		}
		cancel()
	}

	if err != nil {
		logger.Error("history syncer failed", "error", err)
		return 1
	}

	logger.Info("history syncer stopped")
	return 0
}

// runWorkers starts every worker and waits for all of them. A worker that
// fails stops its siblings.
func runWorkers(
	cfg *config.Config,
	instance string,
	database *db.DB,
	histCache *cache.Cache,
	hub *control.Hub,
	relay *sigguard.Relay,
	board *status.Board,
	exportFlags export.Flags,
	logger *slog.Logger,
) error {
	g, ctx := errgroup.WithContext(context.Background())

	var closers []func() error
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("failed to close trigger queue lock", "error", err)
			}
		}
	}()

	connCfg := cfg.Database
	connCfg.MaxOpenConns = 1 + cfg.Cache.Pipelines

	pool := make([]*syncer.Worker, 0, cfg.Syncer.Workers)
	for ordinal := 1; ordinal <= cfg.Syncer.Workers; ordinal++ {
		lock, closeLock, err := queuelock.New(cfg.Lock, database, fmt.Sprintf("%s-%d", instance, ordinal))
		if err != nil {
			return fmt.Errorf("worker %d: %w", ordinal, err)
		}
		closers = append(closers, closeLock)

		w, err := syncer.New(cfg.Syncer, ordinal, syncer.Deps{
			Connect: func(context.Context) (syncer.Conn, error) {
				conn, err := db.OpenWithConfig(connCfg)
				if err != nil {
					return nil, err
				}
				return conn, nil
			},
			Cache: histCache,
			Lock:  lock,
			Subscribe: func(role string, ordinal int, kinds []control.Kind, timeout time.Duration) (syncer.Control, error) {
				handle, err := hub.Subscribe(role, ordinal, kinds, timeout)
				if err != nil {
					return nil, err
				}
				return handle, nil
			},
			Signals: relay,
			Sinks:   export.NewSet(cfg.Export, exportFlags, logger),
			Status:  board,
			Options: cache.OptionsFromConfig(cfg.Cache),
		}, logger)
		if err != nil {
			return fmt.Errorf("worker %d: %w", ordinal, err)
		}
		pool = append(pool, w)
	}

	for _, w := range pool {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, syncer.ErrConnect) {
		return fmt.Errorf("worker could not connect: %w", err)
	}
	return err
}

// newLogger builds the process logger from the logging section
func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format: %q", cfg.Format)
	}
}
