package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/livinlefevreloca/histsyncer/internal/inbox"
)

// Handle is one worker's subscription to the hub
type Handle struct {
	hub     *Hub
	role    string
	ordinal int
	kinds   map[Kind]bool
	in      *inbox.Inbox[Message]
	logger  *slog.Logger

	mu       sync.Mutex
	queued   map[Kind]bool
	outbound []Reply
	closed   bool
}

// Role returns the subscriber's role
func (h *Handle) Role() string { return h.role }

// Ordinal returns the subscriber's ordinal within its role
func (h *Handle) Ordinal() int { return h.ordinal }

// Wait blocks for up to timeout for the next command. It reports false with a
// nil error when the timeout expires without a message. A received Shutdown
// queues an acknowledgement that Flush later delivers to the hub.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) (Message, bool, error) {
	msg, ok, err := h.in.ReceiveTimeout(ctx, timeout)
	if err != nil {
		if errors.Is(err, inbox.ErrClosed) {
			return Message{}, false, ErrClosed
		}
		return Message{}, false, err
	}
	if !ok {
		return Message{}, false, nil
	}

	h.mu.Lock()
	delete(h.queued, msg.Kind)
	h.mu.Unlock()

	if msg.Kind == Shutdown {
		h.queueReply(Reply{
			Role:    h.role,
			Ordinal: h.ordinal,
			Kind:    Shutdown,
			At:      time.Now(),
		})
	}

	return msg, true, nil
}

// Pending returns the number of replies not yet flushed
func (h *Handle) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.outbound)
}

// Flush delivers queued replies to the hub, retrying with exponential backoff
// until timeout elapses. It reports whether every reply was delivered.
func (h *Handle) Flush(ctx context.Context, timeout time.Duration) bool {
	if h.Pending() == 0 {
		return true
	}
	if timeout <= 0 {
		timeout = DefaultConfig().FlushTimeout
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = timeout / 4

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, h.deliverReplies()
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(timeout))
	if err != nil {
		h.logger.Debug("control flush incomplete", "pending", h.Pending(), "error", err)
		return false
	}

	return true
}

// Close removes the subscription. Messages already queued can still be
// received until the inbox is drained.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()

	h.hub.unsubscribe(h)
	h.in.Close()
}

// deliver queues msg unless a message of the same kind is already waiting to
// be received, in which case the new one is absorbed by it. The inbox holds
// one slot per accepted kind, so a queued Shutdown never waits behind
// notifications.
func (h *Handle) deliver(msg Message) error {
	if !h.kinds[msg.Kind] {
		return fmt.Errorf("%s to %s #%d: %w", msg.Kind, h.role, h.ordinal, ErrFiltered)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.queued[msg.Kind] {
		h.mu.Unlock()
		return nil
	}
	h.queued[msg.Kind] = true
	h.mu.Unlock()

	if !h.in.Send(msg) {
		h.mu.Lock()
		delete(h.queued, msg.Kind)
		h.mu.Unlock()
		return fmt.Errorf("%s to %s #%d: %w", msg.Kind, h.role, h.ordinal, ErrBusy)
	}
	return nil
}

func (h *Handle) queueReply(r Reply) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.outbound = append(h.outbound, r)
}

// deliverReplies pushes replies in order and keeps whatever could not be sent
func (h *Handle) deliverReplies() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.hub.mu.Lock()
	hubClosed := h.hub.closed
	h.hub.mu.Unlock()
	if hubClosed {
		return backoff.Permanent(ErrClosed)
	}

	for len(h.outbound) > 0 {
		if !h.hub.replies.Send(h.outbound[0]) {
			return ErrBusy
		}
		h.outbound = h.outbound[1:]
	}
	return nil
}
