package inbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by receives on an inbox that has been closed and drained
var ErrClosed = errors.New("inbox: closed")

// Inbox provides a generic typed interface for message channels with timeout support
// T is the message type that will be sent through the inbox
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger
	stats   *Stats

	mu     sync.RWMutex
	closed bool

	depthMu sync.Mutex
}

// Stats tracks inbox usage and performance metrics
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	CurrentDepth  int
	MaxDepthSeen  int
}

// New creates an inbox holding up to bufferSize messages
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
		stats:   &Stats{},
	}
}

// Send sends a message to the inbox with timeout
// Returns true if message was sent successfully, false if timeout occurred
// or the inbox is closed
func (ib *Inbox[T]) Send(msg T) bool {
	ib.mu.RLock()
	defer ib.mu.RUnlock()

	if ib.closed {
		return false
	}

	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case ib.ch <- msg:
		atomic.AddInt64(&ib.stats.TotalSent, 1)
		ib.recordDepth(len(ib.ch))
		return true
	case <-timer.C:
		atomic.AddInt64(&ib.stats.TimeoutCount, 1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	}
}

// TryReceive attempts to receive a message without blocking
// Returns the message and true if available, zero value and false otherwise
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg, ok := <-ib.ch:
		if !ok {
			var zero T
			return zero, false
		}
		atomic.AddInt64(&ib.stats.TotalReceived, 1)
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// ReceiveTimeout blocks for at most timeout waiting for a message. It returns
// false without error when the timeout expires. A non-positive timeout polls
// once. Context cancellation and a closed inbox are reported as errors.
func (ib *Inbox[T]) ReceiveTimeout(ctx context.Context, timeout time.Duration) (T, bool, error) {
	var zero T

	if timeout <= 0 {
		select {
		case msg, ok := <-ib.ch:
			if !ok {
				return zero, false, ErrClosed
			}
			atomic.AddInt64(&ib.stats.TotalReceived, 1)
			return msg, true, nil
		case <-ctx.Done():
			return zero, false, ctx.Err()
		default:
			return zero, false, nil
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ib.ch:
		if !ok {
			return zero, false, ErrClosed
		}
		atomic.AddInt64(&ib.stats.TotalReceived, 1)
		return msg, true, nil
	case <-timer.C:
		return zero, false, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

func (ib *Inbox[T]) recordDepth(depth int) {
	ib.depthMu.Lock()
	defer ib.depthMu.Unlock()

	ib.stats.CurrentDepth = depth
	if depth > ib.stats.MaxDepthSeen {
		ib.stats.MaxDepthSeen = depth
	}
}

// GetStats returns a copy of the current inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	ib.depthMu.Lock()
	current, maxSeen := ib.stats.CurrentDepth, ib.stats.MaxDepthSeen
	ib.depthMu.Unlock()

	return Stats{
		TotalSent:     atomic.LoadInt64(&ib.stats.TotalSent),
		TotalReceived: atomic.LoadInt64(&ib.stats.TotalReceived),
		TimeoutCount:  atomic.LoadInt64(&ib.stats.TimeoutCount),
		CurrentDepth:  current,
		MaxDepthSeen:  maxSeen,
	}
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close closes the inbox channel. Further sends fail and receives drain the
// remaining messages before reporting ErrClosed.
func (ib *Inbox[T]) Close() {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if ib.closed {
		return
	}
	ib.closed = true
	close(ib.ch)
}
