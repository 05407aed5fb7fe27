package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/livinlefevreloca/histsyncer/internal/cache"
	"github.com/livinlefevreloca/histsyncer/internal/control"
	"github.com/livinlefevreloca/histsyncer/internal/db"
	"github.com/livinlefevreloca/histsyncer/internal/export"
	"github.com/livinlefevreloca/histsyncer/internal/queuelock"
)

const (
	// Role is the control channel role of every worker
	Role = "history syncer"
	// Label identifies worker export files
	Label = "history-syncer"
)

// ErrConnect is returned by Run when the storage connection cannot be made
var ErrConnect = errors.New("syncer: cannot connect to the database")

// State is a step of the worker loop
type State int

const (
	Connecting State = iota
	Draining
	Reporting
	Waiting
	ShuttingDown
	Terminated
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Draining:
		return "draining"
	case Reporting:
		return "reporting"
	case Waiting:
		return "waiting"
	case ShuttingDown:
		return "shutting_down"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Conn is a worker's own storage connection
type Conn interface {
	cache.Writer
	InsertTriggerQueue(ctx context.Context, entries []db.TriggerQueueEntry) error
	ClearTriggerQueue(ctx context.Context) error
	Close() error
}

// Connector opens a storage connection
type Connector func(ctx context.Context) (Conn, error)

// Drainer is the history cache as seen by a worker
type Drainer interface {
	Sync(ctx context.Context, w cache.Writer, sinks *export.Set, opts cache.Options) cache.Result
	ClearTimerQueue() []cache.Timer
	AddTimers(timers ...cache.Timer)
	Progress() cache.Progress
}

// Control is a worker's control channel subscription
type Control interface {
	Wait(ctx context.Context, timeout time.Duration) (control.Message, bool, error)
	Flush(ctx context.Context, timeout time.Duration) bool
	Close()
}

// Subscriber registers a worker on the control channel
type Subscriber func(role string, ordinal int, kinds []control.Kind, timeout time.Duration) (Control, error)

// SignalGuard defers process signals around work that must not be interrupted
type SignalGuard interface {
	Guard() (release func())
	Running() bool
}

// Publisher receives the worker status surface
type Publisher interface {
	SetTitle(ordinal int, title string, busy bool)
	Record(ordinal int, values, triggers int, elapsed time.Duration)
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Deps are the collaborators of a worker
type Deps struct {
	Connect   Connector
	Cache     Drainer
	Lock      queuelock.Lock
	Subscribe Subscriber
	Signals   SignalGuard
	Sinks     *export.Set
	Status    Publisher
	Options   cache.Options

	// Clock defaults to the wall clock
	Clock Clock
	// OnState, when set, observes every state the worker enters
	OnState func(State)
}
