package cache

import (
	"context"

	"github.com/livinlefevreloca/histsyncer/internal/db"
)

// Value is one collected numeric value waiting to be stored
type Value struct {
	ItemID uint64  `json:"itemid"`
	Clock  int64   `json:"clock"`
	Ns     int32   `json:"ns"`
	Value  float64 `json:"value"`
}

// Event is a problem event waiting to be stored
type Event struct {
	ObjectID uint64 `json:"objectid"`
	Severity int    `json:"severity"`
	Name     string `json:"name"`
	Clock    int64  `json:"clock"`
	Ns       int32  `json:"ns"`
}

// Timestamp is an evaluation time with nanosecond precision
type Timestamp struct {
	Sec int64 `json:"sec"`
	Ns  int32 `json:"ns"`
}

// Before reports whether t is strictly earlier than o
func (t Timestamp) Before(o Timestamp) bool {
	return t.Sec < o.Sec || (t.Sec == o.Sec && t.Ns < o.Ns)
}

// Timer is deferred trigger work. Timers that are still pending when the
// process stops are persisted to the trigger queue and restored on the next
// start.
type Timer struct {
	ObjectID uint64    `json:"objectid"`
	Kind     int       `json:"kind"`
	EvalTS   Timestamp `json:"eval_ts"`
}

// Config holds cache drain settings
type Config struct {
	BatchSize int `toml:"batch_size" env:"HISTSYNCER_CACHE_BATCH_SIZE"`
	Pipelines int `toml:"pipelines" env:"HISTSYNCER_CACHE_PIPELINES"`
}

// DefaultConfig returns cache defaults
func DefaultConfig() Config {
	return Config{
		BatchSize: 1000,
		Pipelines: 1,
	}
}

// Result is what a single Sync call accomplished
type Result struct {
	Values   int
	Triggers int
	More     bool
}

// Progress is the amount of work still held by the cache
type Progress struct {
	Values int
	Events int
	Timers int
}

// Writer persists drained data
type Writer interface {
	InsertHistory(ctx context.Context, values []db.HistoryValue) error
	UpsertTrends(ctx context.Context, trends []db.Trend) error
	InsertProblems(ctx context.Context, problems []db.Problem) error
}

// TimerStore gives access to timers persisted by a previous run
type TimerStore interface {
	TakeTriggerQueue(ctx context.Context) ([]db.TriggerQueueEntry, error)
}

// Lock guards the persisted trigger queue against concurrent flushes
type Lock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}
