package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/histsyncer/internal/cache"
	"github.com/livinlefevreloca/histsyncer/internal/control"
	"github.com/livinlefevreloca/histsyncer/internal/db"
)

// Worker periodically drains the history cache into storage. Several workers
// with distinct ordinals run side by side and share only storage and the
// trigger queue lock.
type Worker struct {
	config  Config
	ordinal int
	deps    Deps
	clock   Clock
	logger  *slog.Logger

	conn Conn
	ctl  Control

	stats     *cycleStats
	lastStats string
}

// New creates a worker with the given ordinal
func New(config Config, ordinal int, deps Deps, logger *slog.Logger) (*Worker, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	if ordinal < 1 {
		return nil, fmt.Errorf("ordinal must be positive, got %d", ordinal)
	}

	switch {
	case deps.Connect == nil:
		return nil, errors.New("syncer: Connect is required")
	case deps.Cache == nil:
		return nil, errors.New("syncer: Cache is required")
	case deps.Lock == nil:
		return nil, errors.New("syncer: Lock is required")
	case deps.Subscribe == nil:
		return nil, errors.New("syncer: Subscribe is required")
	case deps.Signals == nil:
		return nil, errors.New("syncer: Signals is required")
	}

	if deps.Status == nil {
		deps.Status = nopPublisher{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = realClock{}
	}

	return &Worker{
		config:  config,
		ordinal: ordinal,
		deps:    deps,
		clock:   clock,
		logger:  logger.With("role", Role, "worker", ordinal),
	}, nil
}

// Ordinal returns the worker's ordinal
func (w *Worker) Ordinal() int {
	return w.ordinal
}

// Run executes the worker until it is told to shut down. It returns nil after
// an orderly shutdown. A failure to connect is returned wrapping ErrConnect.
//
// Cancelling ctx stops the worker the same way a termination signal does:
// in-flight storage work completes and the shutdown path still runs.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started")

	// Step 1: connect, cleaning the trigger queue when leading
	if err := w.connect(ctx); err != nil {
		return err
	}

	// Step 2: exports
	if err := w.deps.Sinks.Init(Label, w.ordinal); err != nil {
		w.closeConn()
		return fmt.Errorf("failed to initialize exports: %w", err)
	}

	// Step 3: control channel
	ctl, err := w.deps.Subscribe(Role, w.ordinal, []control.Kind{control.SyncNotify}, w.config.Timeout)
	if err != nil {
		w.deps.Sinks.Deinit()
		w.closeConn()
		return fmt.Errorf("failed to subscribe to control channel: %w", err)
	}
	w.ctl = ctl

	// Step 4: sync until stopped
	w.loop(ctx)

	// Step 5: shutdown drain
	w.shutdown(ctx)

	return nil
}

func (w *Worker) connect(ctx context.Context) error {
	w.enter(Connecting)
	w.deps.Status.SetTitle(w.ordinal, fmt.Sprintf("%s #%d [connecting to the database]", Role, w.ordinal), true)

	release := w.deps.Signals.Guard()
	defer release()

	conn, err := w.deps.Connect(ctx)
	if err != nil {
		w.logger.Error("cannot connect to the database", "error", err)
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	w.conn = conn

	if w.ordinal == w.config.LeaderOrdinal {
		w.cleanupTriggerQueue(ctx)
	}

	return nil
}

// cleanupTriggerQueue drops timers left by an unclean shutdown and frees
// the lock for this run's shutdown
func (w *Worker) cleanupTriggerQueue(ctx context.Context) {
	if err := w.conn.ClearTriggerQueue(ctx); err != nil {
		w.logger.Warn("failed to clear trigger queue", "error", err)
	}
	if err := w.deps.Lock.Reset(ctx); err != nil {
		w.logger.Warn("failed to reset trigger queue lock", "error", err)
	}
	w.logger.Debug("trigger queue cleaned up")
}

func (w *Worker) loop(ctx context.Context) {
	// storage work is never cut short by ctx
	storeCtx := context.WithoutCancel(ctx)

	w.stats = newCycleStats(w.clock.Now(), w.config.StatInterval, w.config.ReportTriggers)
	w.lastStats = "started"
	idle := time.Duration(-1)

	for {
		if idle != 0 {
			w.deps.Status.SetTitle(w.ordinal, statusLine(w.ordinal, w.lastStats, 0), true)
		}

		if !w.running(ctx) {
			w.logProgress()
		}

		w.enter(Draining)
		start := w.clock.Now()
		result := w.drain(storeCtx, ctx)
		elapsed := w.clock.Now().Sub(start)

		w.enter(Reporting)
		w.stats.add(result.Values, result.Triggers, elapsed)
		w.deps.Status.Record(w.ordinal, result.Values, result.Triggers, elapsed)

		if result.More {
			idle = 0
		} else {
			idle = w.config.Frequency
		}

		if now := w.clock.Now(); w.stats.due(now, idle) {
			w.lastStats = w.stats.render()
			w.deps.Status.SetTitle(w.ordinal, statusLine(w.ordinal, w.lastStats, idle), idle == 0)
			w.stats.reset(now)
		}

		if result.More {
			continue
		}

		if !w.running(ctx) {
			return
		}

		w.enter(Waiting)
		if w.wait(ctx, idle) {
			return
		}
	}
}

// drain runs one cache sync with signals deferred. When the process is
// stopping the timer queue is flushed in the same guarded region.
func (w *Worker) drain(storeCtx, ctx context.Context) cache.Result {
	release := w.deps.Signals.Guard()
	defer release()

	result := w.deps.Cache.Sync(storeCtx, w.conn, w.deps.Sinks, w.deps.Options)

	if !w.running(ctx) {
		w.flushTimerQueue(storeCtx)
	}

	return result
}

// wait blocks for up to idle on the control channel. It reports true when
// the worker must shut down.
func (w *Worker) wait(ctx context.Context, idle time.Duration) bool {
	budget := idle

	for {
		start := w.clock.Now()
		msg, ok, err := w.ctl.Wait(ctx, budget)
		budget -= w.clock.Now().Sub(start)
		if budget < 0 {
			budget = 0
		}

		if err != nil {
			if ctx.Err() != nil || errors.Is(err, control.ErrClosed) {
				w.logger.Info("control channel closed, shutting down", "error", err)
				return true
			}
			w.logger.Warn("control channel wait failed", "error", err)
		} else if ok {
			switch msg.Kind {
			case control.Shutdown:
				w.logger.Info("received shutdown request")
				return true
			case control.SyncNotify:
				w.logger.Debug("received sync notification")
				return false
			}
		}

		if budget == 0 {
			return false
		}
	}
}

func (w *Worker) shutdown(ctx context.Context) {
	w.enter(ShuttingDown)
	storeCtx := context.WithoutCancel(ctx)

	if !w.ctl.Flush(storeCtx, w.config.Timeout) {
		w.logger.Warn("cannot flush control channel")
	}

	release := w.deps.Signals.Guard()
	w.flushTimerQueue(storeCtx)
	w.closeConnection()
	release()

	w.logProgress()

	if err := w.deps.Sinks.Deinit(); err != nil {
		w.logger.Warn("failed to close exports", "error", err)
	}
	w.ctl.Close()

	w.enter(Terminated)
	w.logger.Info("worker terminated")
}

// closeConn closes the database connection inside a guarded region
func (w *Worker) closeConn() {
	release := w.deps.Signals.Guard()
	defer release()
	w.closeConnection()
}

// closeConnection closes the connection and logs a failure
func (w *Worker) closeConnection() {
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("failed to close database connection", "error", err)
	}
}

// flushTimerQueue moves every pending timer into the durable trigger queue
// unless another instance holds the queue lock
func (w *Worker) flushTimerQueue(ctx context.Context) int {
	ok, err := w.deps.Lock.TryLock(ctx)
	if err != nil {
		w.logger.Error("cannot lock trigger queue", "error", err)
		return 0
	}
	if !ok {
		w.logger.Debug("trigger queue locked, skipping flush")
		return 0
	}
	defer func() {
		if err := w.deps.Lock.Unlock(ctx); err != nil {
			w.logger.Warn("failed to unlock trigger queue", "error", err)
		}
	}()

	timers := w.deps.Cache.ClearTimerQueue()
	if len(timers) == 0 {
		return 0
	}

	entries := make([]db.TriggerQueueEntry, len(timers))
	for i, t := range timers {
		entries[i] = t.Entry()
	}

	if err := w.conn.InsertTriggerQueue(ctx, entries); err != nil {
		w.logger.Error("failed to flush timer queue", "timers", len(entries), "error", err)
		w.deps.Cache.AddTimers(timers...)
		return 0
	}

	w.logger.Info("flushed timer queue", "timers", len(entries))
	return len(entries)
}

func (w *Worker) logProgress() {
	p := w.deps.Cache.Progress()
	w.logger.Info("syncing history data",
		"values", p.Values,
		"events", p.Events,
		"timers", p.Timers)
}

func (w *Worker) running(ctx context.Context) bool {
	return ctx.Err() == nil && w.deps.Signals.Running()
}

func (w *Worker) enter(s State) {
	if w.deps.OnState != nil {
		w.deps.OnState(s)
	}
}

type nopPublisher struct{}

func (nopPublisher) SetTitle(int, string, bool)          {}
func (nopPublisher) Record(int, int, int, time.Duration) {}
