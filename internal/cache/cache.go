package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/histsyncer/internal/db"
)

// Cache accumulates values, events and timers until a worker drains them.
// It is shared by every worker of the process.
type Cache struct {
	mu     sync.Mutex
	values []Value
	events []Event
	timers []Timer

	now    func() time.Time
	logger *slog.Logger
}

// New creates an empty cache. now defaults to time.Now.
func New(logger *slog.Logger, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{
		now:    now,
		logger: logger,
	}
}

// AddValues appends values to the cache
func (c *Cache) AddValues(values ...Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = append(c.values, values...)
}

// AddEvents appends problem events to the cache
func (c *Cache) AddEvents(events ...Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, events...)
}

// AddTimers appends deferred trigger work to the cache
func (c *Cache) AddTimers(timers ...Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = append(c.timers, timers...)
}

// Progress reports how much work is still cached
func (c *Cache) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Progress{
		Values: len(c.values),
		Events: len(c.events),
		Timers: len(c.timers),
	}
}

// ClearTimerQueue removes every pending timer and hands them to the caller
func (c *Cache) ClearTimerQueue() []Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	timers := c.timers
	c.timers = nil
	return timers
}

// RestoreTimers moves timers persisted by a previous run back into the cache.
// It does nothing when another instance holds the lock.
func (c *Cache) RestoreTimers(ctx context.Context, store TimerStore, lock Lock) (int, error) {
	ok, err := lock.TryLock(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to lock trigger queue: %w", err)
	}
	if !ok {
		c.logger.Debug("trigger queue locked, skipping timer restore")
		return 0, nil
	}
	defer func() {
		if err := lock.Unlock(ctx); err != nil {
			c.logger.Warn("failed to unlock trigger queue", "error", err)
		}
	}()

	entries, err := store.TakeTriggerQueue(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read trigger queue: %w", err)
	}

	timers := make([]Timer, len(entries))
	for i, e := range entries {
		timers[i] = TimerFromEntry(e)
	}
	c.AddTimers(timers...)

	return len(timers), nil
}

// TimerFromEntry converts a persisted trigger queue row
func TimerFromEntry(e db.TriggerQueueEntry) Timer {
	return Timer{
		ObjectID: e.ObjectID,
		Kind:     e.Type,
		EvalTS:   Timestamp{Sec: e.Clock, Ns: e.Ns},
	}
}

// Entry converts a timer into a trigger queue row awaiting an identifier
func (t Timer) Entry() db.TriggerQueueEntry {
	return db.TriggerQueueEntry{
		ObjectID: t.ObjectID,
		Type:     t.Kind,
		Clock:    t.EvalTS.Sec,
		Ns:       t.EvalTS.Ns,
	}
}

// take removes up to batchSize values, every pending event and every due
// timer. more reports whether values remain after the batch.
func (c *Cache) take(batchSize int) (values []Value, events []Event, due []Timer, more bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.values)
	if batchSize > 0 && n > batchSize {
		n = batchSize
	}
	values = append([]Value(nil), c.values[:n]...)
	c.values = c.values[n:]

	events = c.events
	c.events = nil

	now := c.now()
	nowTS := Timestamp{Sec: now.Unix(), Ns: int32(now.Nanosecond())}
	kept := c.timers[:0]
	for _, t := range c.timers {
		if nowTS.Before(t.EvalTS) {
			kept = append(kept, t)
			continue
		}
		due = append(due, t)
	}
	c.timers = kept

	return values, events, due, len(c.values) > 0
}

// requeue puts values and events back at the head of the cache
func (c *Cache) requeue(values []Value, events []Event) {
	if len(values) == 0 && len(events) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.values = append(append([]Value(nil), values...), c.values...)
	c.events = append(append([]Event(nil), events...), c.events...)
}
