package syncer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/livinlefevreloca/histsyncer/internal/cache"
	"github.com/livinlefevreloca/histsyncer/internal/control"
	"github.com/livinlefevreloca/histsyncer/internal/testutil"
)

// harness wires a worker to fakes driven by a mock clock
type harness struct {
	conn    *fakeConn
	cache   *fakeCache
	ctl     *fakeControl
	guard   *fakeGuard
	status  *fakeStatus
	lock    *testutil.MockQueueLock
	clock   *testutil.MockClock
	states  *stateLog
	logger  *testutil.TestLogger
	config  Config
	ordinal int

	connectErr   error
	subscribeErr error
}

func newHarness() *harness {
	clock := testutil.NewMockClock(time.Unix(1700000000, 0))
	guard := newFakeGuard()

	config := DefaultConfig()
	config.Frequency = 30 * time.Second

	return &harness{
		conn:    &fakeConn{guard: guard},
		cache:   &fakeCache{clock: clock, cycle: 2 * time.Second, guard: guard},
		ctl:     &fakeControl{clock: clock, flushOK: true},
		guard:   guard,
		status:  &fakeStatus{},
		lock:    testutil.NewMockQueueLock(),
		clock:   clock,
		states:  &stateLog{},
		logger:  testutil.NewTestLogger(),
		config:  config,
		ordinal: 2,
	}
}

func (h *harness) worker(t *testing.T) *Worker {
	t.Helper()

	w, err := New(h.config, h.ordinal, Deps{
		Connect: func(context.Context) (Conn, error) {
			if h.connectErr != nil {
				return nil, h.connectErr
			}
			return h.conn, nil
		},
		Cache: h.cache,
		Lock:  h.lock,
		Subscribe: func(role string, ordinal int, kinds []control.Kind, timeout time.Duration) (Control, error) {
			if h.subscribeErr != nil {
				return nil, h.subscribeErr
			}
			return h.ctl, nil
		},
		Signals: h.guard,
		Status:  h.status,
		Clock:   h.clock,
		OnState: h.states.record,
	}, h.logger.Logger())
	if err != nil {
		t.Fatalf("failed to create worker: %v", err)
	}
	return w
}

func (h *harness) run(t *testing.T) error {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- h.worker(t).Run(context.Background()) }()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not terminate")
		return nil
	}
}

// =============================================================================
// Configuration
// =============================================================================

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "zero workers", modify: func(c *Config) { c.Workers = 0 }, wantErr: "Workers must be positive"},
		{name: "zero frequency", modify: func(c *Config) { c.Frequency = 0 }, wantErr: "Frequency must be positive"},
		{name: "zero stat interval", modify: func(c *Config) { c.StatInterval = 0 }, wantErr: "StatInterval must be positive"},
		{name: "leader out of range", modify: func(c *Config) { c.LeaderOrdinal = 9 }, wantErr: "LeaderOrdinal must be between"},
		{name: "zero timeout", modify: func(c *Config) { c.Timeout = 0 }, wantErr: "Timeout must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(&config)

			err := validateConfig(config)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	logger := testutil.NewTestLogger()

	if _, err := New(DefaultConfig(), 1, Deps{}, logger.Logger()); err == nil {
		t.Error("expected error for missing dependencies")
	}

	h := newHarness()
	h.ordinal = 0
	_, err := New(h.config, h.ordinal, Deps{
		Connect:   func(context.Context) (Conn, error) { return h.conn, nil },
		Cache:     h.cache,
		Lock:      h.lock,
		Subscribe: func(string, int, []control.Kind, time.Duration) (Control, error) { return h.ctl, nil },
		Signals:   h.guard,
	}, logger.Logger())
	if err == nil || !strings.Contains(err.Error(), "ordinal must be positive") {
		t.Errorf("expected ordinal error, got %v", err)
	}
}

// =============================================================================
// Status reporting
// =============================================================================

// TestRun_IdleCycleReportsAndWaits covers a cycle that drains 120 values and
// 3 triggers with no backlog: stats are published and the wait uses the
// configured frequency.
func TestRun_IdleCycleReportsAndWaits(t *testing.T) {
	h := newHarness()
	h.cache.results = []cache.Result{{Values: 120, Triggers: 3}}
	h.ctl.steps = []waitStep{shutdownStep}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	budgets := h.ctl.Budgets()
	if len(budgets) != 1 || budgets[0] != 30*time.Second {
		t.Errorf("wait budgets = %v, want [30s]", budgets)
	}

	want := "history syncer #2 [processed 120 values, 3 triggers in 2.000000 sec, idle 30 sec]"
	found := false
	for _, ti := range h.status.Titles() {
		if ti.line == want {
			found = true
			if ti.busy {
				t.Error("idle status should not be marked busy")
			}
		}
	}
	if !found {
		t.Errorf("status %q not published, got %v", want, h.status.Titles())
	}
}

func TestRun_TitleSequence(t *testing.T) {
	h := newHarness()
	h.cache.results = []cache.Result{{Values: 1}}
	h.ctl.steps = []waitStep{shutdownStep}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	titles := h.status.Titles()
	if len(titles) < 3 {
		t.Fatalf("expected at least 3 titles, got %v", titles)
	}
	if titles[0].line != "history syncer #2 [connecting to the database]" {
		t.Errorf("first title = %q", titles[0].line)
	}
	if titles[1].line != "history syncer #2 [started, syncing history]" || !titles[1].busy {
		t.Errorf("second title = %+v", titles[1])
	}
}

func TestRun_TriggersOmittedWhenNotReported(t *testing.T) {
	h := newHarness()
	h.config.ReportTriggers = false
	h.cache.results = []cache.Result{{Values: 5, Triggers: 9}}
	h.ctl.steps = []waitStep{shutdownStep}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	for _, ti := range h.status.Titles() {
		if strings.Contains(ti.line, "triggers") {
			t.Errorf("title should not mention triggers: %q", ti.line)
		}
	}
}

// TestRun_BacklogSkipsWait covers three cycles with more work followed by a
// final cycle without: no wait until the backlog clears, one wait afterwards,
// and every cycle's counts land in the report.
func TestRun_BacklogSkipsWait(t *testing.T) {
	h := newHarness()
	h.cache.cycle = time.Second
	h.cache.results = []cache.Result{
		{Values: 50, More: true},
		{Values: 50, More: true},
		{Values: 50, More: true},
		{Values: 10},
	}
	h.ctl.steps = []waitStep{shutdownStep}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if n := h.states.Count(Waiting); n != 1 {
		t.Errorf("entered Waiting %d times, want 1", n)
	}

	drains := 0
	for _, s := range h.states.Path() {
		if s == Draining {
			drains++
		}
		if s == Waiting && drains < 4 {
			t.Fatalf("waited after %d drains, before the backlog cleared", drains)
		}
	}

	budgets := h.ctl.Budgets()
	if len(budgets) != 1 || budgets[0] != 30*time.Second {
		t.Errorf("wait budgets = %v, want [30s]", budgets)
	}

	want := "history syncer #2 [processed 160 values, 0 triggers in 4.000000 sec, idle 30 sec]"
	titles := h.status.Titles()
	if titles[len(titles)-1].line != want {
		t.Errorf("final title = %q, want %q", titles[len(titles)-1].line, want)
	}

	if h.status.values != 160 {
		t.Errorf("recorded values = %d, want 160", h.status.values)
	}
}

func TestRun_BacklogReportsAtStatInterval(t *testing.T) {
	h := newHarness()
	h.cache.cycle = 3 * time.Second
	h.cache.results = []cache.Result{
		{Values: 1, More: true}, // t=3, not due
		{Values: 2, More: true}, // t=6, due
		{Values: 4, More: true}, // t=9, not due
		{Values: 8, More: true}, // t=12, due
		{Values: 0},
	}
	h.ctl.steps = []waitStep{shutdownStep}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	var busyReports []string
	for _, ti := range h.status.Titles() {
		if strings.HasPrefix(ti.line, "history syncer #2 [processed") && strings.HasSuffix(ti.line, "syncing history]") {
			busyReports = append(busyReports, ti.line)
		}
	}

	want := []string{
		"history syncer #2 [processed 3 values, 0 triggers in 6.000000 sec, syncing history]",
		"history syncer #2 [processed 12 values, 0 triggers in 6.000000 sec, syncing history]",
	}
	if len(busyReports) != len(want) {
		t.Fatalf("busy reports = %v, want %v", busyReports, want)
	}
	for i := range want {
		if busyReports[i] != want[i] {
			t.Errorf("report %d = %q, want %q", i, busyReports[i], want[i])
		}
	}
}

// =============================================================================
// Wait protocol
// =============================================================================

func TestWait_TimeoutEndsAfterFullInterval(t *testing.T) {
	h := newHarness()
	h.ctl.steps = []waitStep{{}, shutdownStep}

	start := h.clock.Now()
	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	budgets := h.ctl.Budgets()
	if len(budgets) != 2 || budgets[0] != 30*time.Second || budgets[1] != 30*time.Second {
		t.Errorf("wait budgets = %v, want [30s 30s]", budgets)
	}
	if h.cache.Calls() != 2 {
		t.Errorf("sync calls = %d, want 2", h.cache.Calls())
	}

	// two syncs of 2s plus one full 30s wait
	if elapsed := h.clock.Now().Sub(start); elapsed != 34*time.Second {
		t.Errorf("elapsed = %v, want 34s", elapsed)
	}
}

func TestWait_NotifyEndsWaitAndDiscardsBudget(t *testing.T) {
	h := newHarness()
	h.ctl.steps = []waitStep{
		{elapsed: 5 * time.Second, msg: &control.Message{Kind: control.SyncNotify}},
		shutdownStep,
	}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if h.cache.Calls() != 2 {
		t.Errorf("sync calls = %d, want 2 (notify must trigger a drain)", h.cache.Calls())
	}

	budgets := h.ctl.Budgets()
	if len(budgets) != 2 || budgets[1] != 30*time.Second {
		t.Errorf("wait budgets = %v, want a fresh 30s after the notify", budgets)
	}
}

func TestWait_ImmediateNotify(t *testing.T) {
	h := newHarness()
	h.ctl.steps = []waitStep{notifyStep, notifyStep, shutdownStep}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if h.cache.Calls() != 3 {
		t.Errorf("sync calls = %d, want 3", h.cache.Calls())
	}
}

func TestWait_EarlyReturnRewaitsWithReducedBudget(t *testing.T) {
	h := newHarness()
	h.ctl.steps = []waitStep{
		{elapsed: 10 * time.Second},
		{elapsed: 5 * time.Second},
		shutdownStep,
	}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []time.Duration{30 * time.Second, 20 * time.Second, 15 * time.Second}
	budgets := h.ctl.Budgets()
	if len(budgets) != len(want) {
		t.Fatalf("wait budgets = %v, want %v", budgets, want)
	}
	for i := range want {
		if budgets[i] != want[i] {
			t.Errorf("budget %d = %v, want %v", i, budgets[i], want[i])
		}
	}
	if h.cache.Calls() != 1 {
		t.Errorf("sync calls = %d, want 1", h.cache.Calls())
	}
}

func TestWait_OverrunClampsToZero(t *testing.T) {
	h := newHarness()
	h.ctl.steps = []waitStep{
		{elapsed: 45 * time.Second},
		shutdownStep,
	}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	// the overrun ends the first wait phase; the next cycle waits afresh
	budgets := h.ctl.Budgets()
	if len(budgets) != 2 || budgets[1] != 30*time.Second {
		t.Errorf("wait budgets = %v", budgets)
	}
	if h.cache.Calls() != 2 {
		t.Errorf("sync calls = %d, want 2", h.cache.Calls())
	}
}

func TestWait_ClosedChannelShutsDown(t *testing.T) {
	h := newHarness()
	h.ctl.steps = []waitStep{{err: control.ErrClosed}}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if h.states.Last() != Terminated {
		t.Errorf("last state = %v, want terminated", h.states.Last())
	}
}

// =============================================================================
// Shutdown drain
// =============================================================================

func TestShutdown_FlushesTimerQueueOnce(t *testing.T) {
	h := newHarness()
	h.cache.timers = []cache.Timer{{ObjectID: 1}, {ObjectID: 2}, {ObjectID: 3}}
	h.ctl.steps = []waitStep{shutdownStep}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if h.conn.insertCalls != 1 || len(h.conn.entries) != 3 {
		t.Errorf("insert calls = %d entries = %d, want 1/3", h.conn.insertCalls, len(h.conn.entries))
	}
	if h.lock.TryCount() != 1 {
		t.Errorf("lock attempts = %d, want 1", h.lock.TryCount())
	}
	if locked, _ := h.lock.Locked(context.Background()); locked {
		t.Error("lock must be released after the flush")
	}
	if !h.conn.closed {
		t.Error("connection not closed")
	}
	if h.ctl.flushCalls != 1 || !h.ctl.closed {
		t.Errorf("control flush calls = %d closed = %v", h.ctl.flushCalls, h.ctl.closed)
	}

	path := h.states.Path()
	if len(path) < 2 || path[len(path)-2] != ShuttingDown || path[len(path)-1] != Terminated {
		t.Errorf("path should end shutting_down -> terminated, got %v", path)
	}
}

func TestShutdown_SkipsWhenLocked(t *testing.T) {
	h := newHarness()
	h.lock.Hold()
	h.cache.timers = []cache.Timer{{ObjectID: 1}}
	h.ctl.steps = []waitStep{shutdownStep}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if h.conn.insertCalls != 0 {
		t.Errorf("flushed while locked: %d inserts", h.conn.insertCalls)
	}
	if h.cache.Progress().Timers != 1 {
		t.Error("timers must stay in the cache when the flush is skipped")
	}
	if !h.conn.closed {
		t.Error("connection must still be closed")
	}
}

func TestShutdown_ControlFlushFailureIsNotFatal(t *testing.T) {
	h := newHarness()
	h.ctl.flushOK = false
	h.cache.timers = []cache.Timer{{ObjectID: 1}}
	h.ctl.steps = []waitStep{shutdownStep}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !h.logger.HasWarning() {
		t.Error("expected a warning about the control flush")
	}
	if len(h.conn.entries) != 1 || !h.conn.closed {
		t.Error("shutdown must proceed after a failed control flush")
	}
}

func TestShutdown_InsertFailureKeepsTimers(t *testing.T) {
	h := newHarness()
	h.conn.insertErr = errors.New("disk full")
	h.cache.timers = []cache.Timer{{ObjectID: 1}}
	h.ctl.steps = []waitStep{shutdownStep}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if h.cache.Progress().Timers != 1 {
		t.Error("timers must be put back when the insert fails")
	}
	if !h.logger.HasError() {
		t.Error("expected an error log")
	}
}

// TestShutdown_StoppingFlushesEachCycleIdempotently covers a termination
// signal observed during a drain: the cycle flushes the queue, and the
// teardown check finds nothing left.
func TestShutdown_StoppingFlushesEachCycleIdempotently(t *testing.T) {
	h := newHarness()
	h.cache.timers = []cache.Timer{{ObjectID: 7}, {ObjectID: 8}}
	h.cache.onSync = func(int) { h.guard.Stop() }

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if h.lock.TryCount() != 2 {
		t.Errorf("lock attempts = %d, want 2 (cycle and teardown)", h.lock.TryCount())
	}
	if h.conn.insertCalls != 1 || len(h.conn.entries) != 2 {
		t.Errorf("insert calls = %d entries = %d, want 1/2", h.conn.insertCalls, len(h.conn.entries))
	}
	if h.states.Count(Waiting) != 0 {
		t.Error("a stopping worker must not wait")
	}
}

func TestShutdown_StoppingDrainsBacklogFirst(t *testing.T) {
	h := newHarness()
	h.guard.Stop()
	h.cache.results = []cache.Result{
		{Values: 10, More: true},
		{Values: 10, More: true},
		{Values: 1},
	}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if h.cache.Calls() != 3 {
		t.Errorf("sync calls = %d, want 3", h.cache.Calls())
	}
	if h.lock.TryCount() != 4 {
		t.Errorf("lock attempts = %d, want 4 (three cycles and teardown)", h.lock.TryCount())
	}
}

func TestRun_ContextCancelStops(t *testing.T) {
	h := newHarness()
	h.cache.timers = []cache.Timer{{ObjectID: 1}}

	ctx, cancel := context.WithCancel(context.Background())
	h.cache.onSync = func(int) { cancel() }

	if err := h.worker(t).Run(ctx); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(h.conn.entries) != 1 {
		t.Errorf("timer queue not flushed on cancel: %d entries", len(h.conn.entries))
	}
}

// =============================================================================
// Connecting
// =============================================================================

func TestRun_ConnectFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.connectErr = errors.New("connection refused")

	err := h.worker(t).Run(context.Background())
	if !errors.Is(err, ErrConnect) {
		t.Fatalf("expected ErrConnect, got %v", err)
	}

	if path := h.states.Path(); len(path) != 1 || path[0] != Connecting {
		t.Errorf("path = %v, want [connecting]", path)
	}
	if h.guard.Depth() != 0 {
		t.Error("guard must be released on the failure path")
	}
	if !h.logger.HasError() {
		t.Error("expected the failure to be logged")
	}
}

func TestRun_SubscribeFailureClosesConnectionGuarded(t *testing.T) {
	h := newHarness()
	h.subscribeErr = control.ErrClosed

	err := h.worker(t).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "control channel") {
		t.Fatalf("expected subscribe error, got %v", err)
	}

	closed, guarded := h.conn.ClosedGuarded()
	if !closed {
		t.Fatal("connection must be closed when subscribing fails")
	}
	if !guarded {
		t.Error("connection must be closed inside a guarded region")
	}
	if h.guard.Depth() != 0 {
		t.Error("guard must be released on the failure path")
	}
}

func TestRun_ShutdownClosesConnectionGuarded(t *testing.T) {
	h := newHarness()
	h.cache.results = []cache.Result{{Values: 1}}
	h.ctl.steps = []waitStep{shutdownStep}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if closed, guarded := h.conn.ClosedGuarded(); !closed || !guarded {
		t.Errorf("closed=%v guarded=%v, want both", closed, guarded)
	}
}

func TestRun_LeaderCleansTriggerQueue(t *testing.T) {
	tests := []struct {
		name        string
		ordinal     int
		wantCleanup int
	}{
		{name: "leader", ordinal: 1, wantCleanup: 1},
		{name: "follower", ordinal: 3, wantCleanup: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.ordinal = tt.ordinal
			h.ctl.steps = []waitStep{shutdownStep}

			if err := h.run(t); err != nil {
				t.Fatalf("Run returned error: %v", err)
			}

			if h.conn.clearCalls != tt.wantCleanup {
				t.Errorf("clear calls = %d, want %d", h.conn.clearCalls, tt.wantCleanup)
			}
			if h.lock.Resets() != tt.wantCleanup {
				t.Errorf("lock resets = %d, want %d", h.lock.Resets(), tt.wantCleanup)
			}
		})
	}
}

// =============================================================================
// Signal guard
// =============================================================================

func TestRun_SyncAlwaysGuarded(t *testing.T) {
	h := newHarness()
	h.cache.results = []cache.Result{{More: true}, {More: true}, {}}
	h.ctl.steps = []waitStep{notifyStep, shutdownStep}

	if err := h.run(t); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if h.cache.unguardedSyncs != 0 {
		t.Errorf("%d syncs ran without the signal guard", h.cache.unguardedSyncs)
	}
	if h.guard.Depth() != 0 {
		t.Errorf("guard depth = %d after Run, want 0", h.guard.Depth())
	}
}

// =============================================================================
// State names
// =============================================================================

func TestStateString(t *testing.T) {
	names := map[State]string{
		Connecting:   "connecting",
		Draining:     "draining",
		Reporting:    "reporting",
		Waiting:      "waiting",
		ShuttingDown: "shutting_down",
		Terminated:   "terminated",
		State(42):    "unknown",
	}
	for s, want := range names {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
