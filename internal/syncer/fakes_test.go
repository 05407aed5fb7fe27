package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/histsyncer/internal/cache"
	"github.com/livinlefevreloca/histsyncer/internal/control"
	"github.com/livinlefevreloca/histsyncer/internal/db"
	"github.com/livinlefevreloca/histsyncer/internal/export"
	"github.com/livinlefevreloca/histsyncer/internal/testutil"
)

// =============================================================================
// Storage
// =============================================================================

type fakeConn struct {
	mu          sync.Mutex
	entries     []db.TriggerQueueEntry
	insertCalls int
	clearCalls  int
	closed      bool
	insertErr   error

	// guard, when set, lets Close record whether it ran inside a guard
	guard         *fakeGuard
	closedGuarded bool
}

func (c *fakeConn) InsertHistory(context.Context, []db.HistoryValue) error { return nil }
func (c *fakeConn) UpsertTrends(context.Context, []db.Trend) error         { return nil }
func (c *fakeConn) InsertProblems(context.Context, []db.Problem) error     { return nil }

func (c *fakeConn) InsertTriggerQueue(_ context.Context, entries []db.TriggerQueueEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertCalls++
	if c.insertErr != nil {
		return c.insertErr
	}
	c.entries = append(c.entries, entries...)
	return nil
}

func (c *fakeConn) ClearTriggerQueue(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearCalls++
	c.entries = nil
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closedGuarded = c.guard != nil && c.guard.Depth() > 0
	return nil
}

func (c *fakeConn) ClosedGuarded() (closed, guarded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closedGuarded
}

// =============================================================================
// Cache
// =============================================================================

// fakeCache returns scripted results and advances the clock by cycle on
// every Sync
type fakeCache struct {
	mu      sync.Mutex
	results []cache.Result
	timers  []cache.Timer
	calls   int

	clock *testutil.MockClock
	cycle time.Duration
	guard *fakeGuard

	unguardedSyncs int
	onSync         func(call int)
}

func (c *fakeCache) Sync(_ context.Context, _ cache.Writer, _ *export.Set, _ cache.Options) cache.Result {
	c.mu.Lock()
	c.calls++
	call := c.calls
	var res cache.Result
	if len(c.results) > 0 {
		res = c.results[0]
		c.results = c.results[1:]
	}
	if c.guard != nil && c.guard.Depth() == 0 {
		c.unguardedSyncs++
	}
	hook := c.onSync
	c.mu.Unlock()

	if c.clock != nil {
		c.clock.Advance(c.cycle)
	}
	if hook != nil {
		hook(call)
	}
	return res
}

func (c *fakeCache) ClearTimerQueue() []cache.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.timers
	c.timers = nil
	return t
}

func (c *fakeCache) AddTimers(timers ...cache.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timers = append(c.timers, timers...)
}

func (c *fakeCache) Progress() cache.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cache.Progress{Timers: len(c.timers)}
}

func (c *fakeCache) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// =============================================================================
// Control channel
// =============================================================================

// waitStep scripts one Wait call. A zero elapsed with no message and no
// error is treated as a full timeout.
type waitStep struct {
	elapsed time.Duration
	msg     *control.Message
	err     error
}

var (
	shutdownStep = waitStep{msg: &control.Message{Kind: control.Shutdown}}
	notifyStep   = waitStep{msg: &control.Message{Kind: control.SyncNotify}}
)

type fakeControl struct {
	mu      sync.Mutex
	steps   []waitStep
	budgets []time.Duration
	clock   *testutil.MockClock

	flushOK    bool
	flushCalls int
	closed     bool
}

func (f *fakeControl) Wait(_ context.Context, timeout time.Duration) (control.Message, bool, error) {
	f.mu.Lock()
	f.budgets = append(f.budgets, timeout)
	var step waitStep
	if len(f.steps) > 0 {
		step = f.steps[0]
		f.steps = f.steps[1:]
	}
	f.mu.Unlock()

	if step.msg == nil && step.err == nil && step.elapsed == 0 {
		f.clock.Advance(timeout)
		return control.Message{}, false, nil
	}

	f.clock.Advance(step.elapsed)
	if step.err != nil {
		return control.Message{}, false, step.err
	}
	if step.msg != nil {
		return *step.msg, true, nil
	}
	return control.Message{}, false, nil
}

func (f *fakeControl) Flush(context.Context, time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushCalls++
	return f.flushOK
}

func (f *fakeControl) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeControl) Budgets() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.budgets...)
}

// =============================================================================
// Signals and status
// =============================================================================

type fakeGuard struct {
	mu      sync.Mutex
	depth   int
	guards  int
	running atomic.Bool
}

func newFakeGuard() *fakeGuard {
	g := &fakeGuard{}
	g.running.Store(true)
	return g
}

func (g *fakeGuard) Guard() func() {
	g.mu.Lock()
	g.depth++
	g.guards++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.depth--
			g.mu.Unlock()
		})
	}
}

func (g *fakeGuard) Depth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.depth
}

func (g *fakeGuard) Running() bool { return g.running.Load() }

func (g *fakeGuard) Stop() { g.running.Store(false) }

type title struct {
	line string
	busy bool
}

type fakeStatus struct {
	mu       sync.Mutex
	titles   []title
	values   int
	triggers int
}

func (s *fakeStatus) SetTitle(_ int, line string, busy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title{line: line, busy: busy})
}

func (s *fakeStatus) Record(_ int, values, triggers int, _ time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values += values
	s.triggers += triggers
}

func (s *fakeStatus) Titles() []title {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]title(nil), s.titles...)
}

// stateLog records the worker's state path
type stateLog struct {
	mu   sync.Mutex
	path []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.path = append(l.path, s)
}

func (l *stateLog) Path() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.path...)
}

func (l *stateLog) Count(s State) int {
	n := 0
	for _, p := range l.Path() {
		if p == s {
			n++
		}
	}
	return n
}

func (l *stateLog) Last() State {
	p := l.Path()
	if len(p) == 0 {
		return -1
	}
	return p[len(p)-1]
}
