// Package sigguard defers delivery of termination signals while work that
// must not be interrupted is in progress.
//
// Go cannot mask signals per goroutine, so the relay owns SIGINT/SIGTERM for
// the whole process. A signal that arrives while guards are held is queued
// until every guard open at its arrival has been released. Guards opened
// afterwards do not hold it back. Queued signals reach the registered
// handlers in arrival order.
package sigguard

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Handler is called once for every delivered signal
type Handler func(os.Signal)

// heldSignal waits for every guard with an id up to barrier
type heldSignal struct {
	sig     os.Signal
	barrier uint64
}

// Relay receives process signals and delivers them outside guarded regions
type Relay struct {
	logger *slog.Logger

	mu       sync.Mutex
	nextID   uint64
	open     map[uint64]struct{}
	held     []heldSignal
	handlers []Handler

	running atomic.Bool
	stopped chan struct{}
	once    sync.Once

	ch   chan os.Signal
	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a relay in the running state. Call Start to attach it to the
// process signals.
func New(logger *slog.Logger) *Relay {
	r := &Relay{
		logger:  logger,
		open:    make(map[uint64]struct{}),
		stopped: make(chan struct{}),
		quit:    make(chan struct{}),
	}
	r.running.Store(true)
	return r
}

// Start subscribes to sigs, or to SIGINT and SIGTERM when none are given
func (r *Relay) Start(sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	r.ch = make(chan os.Signal, 4)
	signal.Notify(r.ch, sigs...)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer signal.Stop(r.ch)

		for {
			select {
			case sig := <-r.ch:
				r.Deliver(sig)
			case <-r.quit:
				return
			}
		}
	}()
}

// Stop detaches the relay from process signals
func (r *Relay) Stop() {
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	r.wg.Wait()
}

// OnSignal registers a handler for delivered signals
func (r *Relay) OnSignal(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
}

// Guard opens a region during which signals are held. The returned release
// func may be called any number of times; only the first call counts.
func (r *Relay) Guard() (release func()) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.open[id] = struct{}{}
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.release(id) })
	}
}

// Deliver hands a signal to the relay as if the process had received it
func (r *Relay) Deliver(sig os.Signal) {
	r.mu.Lock()
	if len(r.open) > 0 {
		r.held = append(r.held, heldSignal{sig: sig, barrier: r.nextID})
		r.mu.Unlock()
		r.logger.Debug("signal deferred", "signal", sig.String())
		return
	}
	handlers := append([]Handler(nil), r.handlers...)
	r.mu.Unlock()

	r.dispatch([]os.Signal{sig}, handlers)
}

// Running reports whether no termination signal has been delivered yet
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Done is closed when the first signal is delivered
func (r *Relay) Done() <-chan struct{} {
	return r.stopped
}

// Held returns the number of signals waiting for the guards to be released
func (r *Relay) Held() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}

func (r *Relay) release(id uint64) {
	r.mu.Lock()
	delete(r.open, id)

	// the oldest open guard blocks every signal that arrived while it was open
	oldest := uint64(0)
	for open := range r.open {
		if oldest == 0 || open < oldest {
			oldest = open
		}
	}

	n := 0
	for n < len(r.held) && (oldest == 0 || r.held[n].barrier < oldest) {
		n++
	}
	if n == 0 {
		r.mu.Unlock()
		return
	}
	ready := make([]os.Signal, n)
	for i := range ready {
		ready[i] = r.held[i].sig
	}
	r.held = r.held[n:]
	handlers := append([]Handler(nil), r.handlers...)
	r.mu.Unlock()

	r.dispatch(ready, handlers)
}

func (r *Relay) dispatch(sigs []os.Signal, handlers []Handler) {
	for _, sig := range sigs {
		r.logger.Info("received signal", "signal", sig.String())

		r.running.Store(false)
		r.once.Do(func() { close(r.stopped) })

		for _, h := range handlers {
			h(sig)
		}
	}
}
