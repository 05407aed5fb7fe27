package status

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/livinlefevreloca/histsyncer/internal/inbox"
)

// receivePoll bounds how long the run loop blocks before checking for shutdown
const receivePoll = 50 * time.Millisecond

// Board centralizes worker status lines and metrics. Workers publish through
// a bounded inbox so a slow reader never stalls a sync cycle.
type Board struct {
	inbox  *inbox.Inbox[Message]
	config Config
	logger *slog.Logger

	registry    *prometheus.Registry
	busy        *prometheus.GaugeVec
	values      *prometheus.CounterVec
	triggers    *prometheus.CounterVec
	syncSeconds *prometheus.CounterVec
	dropped     prometheus.CounterFunc
	depth       prometheus.GaugeFunc
	maxDepth    prometheus.GaugeFunc

	// Mutex protects workers
	mu      sync.RWMutex
	workers map[int]*WorkerStatus

	// Shutdown coordination
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBoard creates a status board with its own metric registry
func NewBoard(config Config, logger *slog.Logger) *Board {
	b := &Board{
		inbox:    inbox.New[Message](config.InboxBufferSize, config.InboxSendTimeout, logger),
		config:   config,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		workers:  make(map[int]*WorkerStatus),
		done:     make(chan struct{}),
	}

	labels := []string{"worker"}
	b.busy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "worker_busy",
		Help:      "Whether the worker is syncing (1) or idle (0)",
	}, labels)
	b.values = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "values_processed_total",
		Help:      "History values written by the worker",
	}, labels)
	b.triggers = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "triggers_processed_total",
		Help:      "Triggers processed by the worker",
	}, labels)
	b.syncSeconds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "sync_seconds_total",
		Help:      "Time spent draining the history cache",
	}, labels)

	b.dropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "status_updates_dropped_total",
		Help:      "Status updates dropped because the board inbox stayed full",
	}, func() float64 { return float64(b.inbox.GetStats().TimeoutCount) })
	b.depth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "status_inbox_depth",
		Help:      "Status updates waiting to be applied",
	}, func() float64 { return float64(b.inbox.Len()) })
	b.maxDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "status_inbox_max_depth",
		Help:      "Deepest the board inbox has been",
	}, func() float64 { return float64(b.inbox.GetStats().MaxDepthSeen) })

	b.registry.MustRegister(b.busy, b.values, b.triggers, b.syncSeconds, b.dropped, b.depth, b.maxDepth)

	return b
}

// Start begins processing status messages
func (b *Board) Start() {
	b.logger.Info("starting status board")

	b.wg.Add(1)
	go b.run()
}

// Stop processes every queued message and stops the board
func (b *Board) Stop() {
	b.stopOnce.Do(func() {
		b.logger.Info("stopping status board")

		close(b.done)
		b.wg.Wait()

		// Apply whatever was queued before shutdown
		for {
			msg, ok := b.inbox.TryReceive()
			if !ok {
				break
			}
			b.process(msg)
		}
		b.inbox.Close()

		b.logger.Info("status board stopped")
	})
}

// SetTitle publishes the worker's status line
func (b *Board) SetTitle(ordinal int, line string, busy bool) {
	b.send(Message{Kind: KindTitle, Ordinal: ordinal, Line: line, Busy: busy})
}

// Record adds one cycle's counters to the worker's totals
func (b *Board) Record(ordinal int, values, triggers int, elapsed time.Duration) {
	b.send(Message{Kind: KindRecord, Ordinal: ordinal, Values: values, Triggers: triggers, Elapsed: elapsed})
}

func (b *Board) send(msg Message) {
	msg.Timestamp = time.Now()
	if !b.inbox.Send(msg) {
		b.logger.Warn("dropped status update", "worker", msg.Ordinal, "kind", msg.Kind)
	}
}

// Snapshot returns every known worker ordered by ordinal
func (b *Board) Snapshot() []WorkerStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]WorkerStatus, 0, len(b.workers))
	for _, ws := range b.workers {
		out = append(out, *ws)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// Worker returns the status of one worker
func (b *Board) Worker(ordinal int) (WorkerStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ws, ok := b.workers[ordinal]
	if !ok {
		return WorkerStatus{}, false
	}
	return *ws, true
}

// Registry exposes the board's metric registry
func (b *Board) Registry() *prometheus.Registry {
	return b.registry
}

// Handler serves the board's metrics in the Prometheus exposition format
func (b *Board) Handler() http.Handler {
	return promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// run is the main status processing loop
func (b *Board) run() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			b.logger.Debug("shutdown signal received")
			return
		default:
		}

		msg, ok, err := b.inbox.ReceiveTimeout(context.Background(), receivePoll)
		if err != nil {
			return
		}
		if ok {
			b.process(msg)
		}
	}
}

// process applies a message to the worker table and the metrics
func (b *Board) process(msg Message) {
	label := strconv.Itoa(msg.Ordinal)

	b.mu.Lock()
	defer b.mu.Unlock()

	ws, ok := b.workers[msg.Ordinal]
	if !ok {
		ws = &WorkerStatus{Ordinal: msg.Ordinal}
		b.workers[msg.Ordinal] = ws
	}
	ws.UpdatedAt = msg.Timestamp

	switch msg.Kind {
	case KindTitle:
		ws.Line = msg.Line
		ws.Busy = msg.Busy
		if msg.Busy {
			b.busy.WithLabelValues(label).Set(1)
		} else {
			b.busy.WithLabelValues(label).Set(0)
		}

	case KindRecord:
		ws.Values += int64(msg.Values)
		ws.Triggers += int64(msg.Triggers)
		ws.SyncSeconds += msg.Elapsed.Seconds()
		b.values.WithLabelValues(label).Add(float64(msg.Values))
		b.triggers.WithLabelValues(label).Add(float64(msg.Triggers))
		b.syncSeconds.WithLabelValues(label).Add(msg.Elapsed.Seconds())

	default:
		b.logger.Error("unknown status message kind", "kind", msg.Kind)
	}
}
