package control

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/livinlefevreloca/histsyncer/internal/inbox"
)

var (
	// ErrClosed is returned when the hub or a handle has been shut down
	ErrClosed = errors.New("control: closed")
	// ErrNotSubscribed is returned when sending to a worker with no subscription
	ErrNotSubscribed = errors.New("control: worker not subscribed")
	// ErrAlreadySubscribed is returned when a role/ordinal pair subscribes twice
	ErrAlreadySubscribed = errors.New("control: worker already subscribed")
	// ErrFiltered is returned when the subscriber did not ask for the kind
	ErrFiltered = errors.New("control: command not accepted by subscriber")
	// ErrBusy is returned when a subscriber's inbox stays full past the send timeout
	ErrBusy = errors.New("control: subscriber inbox full")
)

// Config holds control channel settings
type Config struct {
	BufferSize   int           `toml:"buffer_size"`
	SendTimeout  time.Duration `toml:"send_timeout"`
	FlushTimeout time.Duration `toml:"flush_timeout" env:"HISTSYNCER_CONTROL_FLUSH_TIMEOUT"`
}

// DefaultConfig returns control channel defaults
func DefaultConfig() Config {
	return Config{
		BufferSize:   16,
		SendTimeout:  100 * time.Millisecond,
		FlushTimeout: 5 * time.Second,
	}
}

type subscriberKey struct {
	role    string
	ordinal int
}

// Hub routes control commands to subscribed workers and collects their replies
type Hub struct {
	config Config
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[subscriberKey]*Handle
	closed  bool
	replies *inbox.Inbox[Reply]
}

// NewHub creates a hub with no subscribers
func NewHub(config Config, logger *slog.Logger) *Hub {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultConfig().SendTimeout
	}

	return &Hub{
		config:  config,
		logger:  logger,
		subs:    make(map[subscriberKey]*Handle),
		replies: inbox.New[Reply](config.BufferSize, config.SendTimeout, logger),
	}
}

// Subscribe registers a worker for the given command kinds. Shutdown is always
// delivered whether or not it is listed. At most one command of each kind is
// queued for the worker at a time. timeout bounds how long a sender blocks on
// a full subscriber inbox.
func (h *Hub) Subscribe(role string, ordinal int, kinds []Kind, timeout time.Duration) (*Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	key := subscriberKey{role: role, ordinal: ordinal}
	if _, exists := h.subs[key]; exists {
		return nil, fmt.Errorf("%s #%d: %w", role, ordinal, ErrAlreadySubscribed)
	}

	if timeout <= 0 {
		timeout = h.config.SendTimeout
	}

	accepted := map[Kind]bool{Shutdown: true}
	for _, k := range kinds {
		accepted[k] = true
	}

	// repeats of a queued kind are absorbed, so one slot per kind is enough
	capacity := h.config.BufferSize
	if capacity < len(accepted) {
		capacity = len(accepted)
	}

	handle := &Handle{
		hub:     h,
		role:    role,
		ordinal: ordinal,
		kinds:   accepted,
		queued:  make(map[Kind]bool),
		in:      inbox.New[Message](capacity, timeout, h.logger),
		logger:  h.logger.With("role", role, "worker", ordinal),
	}
	h.subs[key] = handle

	h.logger.Debug("control subscriber registered", "role", role, "worker", ordinal)
	return handle, nil
}

// Send delivers a command to one worker. A command whose kind is already
// queued for the worker is absorbed and reports success.
func (h *Hub) Send(role string, ordinal int, kind Kind) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	handle, ok := h.subs[subscriberKey{role: role, ordinal: ordinal}]
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s #%d: %w", role, ordinal, ErrNotSubscribed)
	}

	return handle.deliver(Message{Kind: kind})
}

// Broadcast delivers a command to every worker of a role and returns how many
// accepted it
func (h *Hub) Broadcast(role string, kind Kind) int {
	delivered := 0
	for _, handle := range h.subscribers(role) {
		if err := handle.deliver(Message{Kind: kind}); err != nil {
			if !errors.Is(err, ErrFiltered) {
				h.logger.Warn("failed to deliver control command",
					"role", role,
					"worker", handle.ordinal,
					"command", kind.String(),
					"error", err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

// Ordinals returns the subscribed ordinals of a role in ascending order
func (h *Hub) Ordinals(role string) []int {
	subs := h.subscribers(role)
	ordinals := make([]int, 0, len(subs))
	for _, s := range subs {
		ordinals = append(ordinals, s.ordinal)
	}
	return ordinals
}

// Replies drains every reply workers have flushed so far
func (h *Hub) Replies() []Reply {
	var out []Reply
	for {
		r, ok := h.replies.TryReceive()
		if !ok {
			return out
		}
		out = append(out, r)
	}
}

// Close stops accepting subscriptions and sends
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *Hub) subscribers(role string) []*Handle {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*Handle
	for key, handle := range h.subs {
		if key.role == role {
			out = append(out, handle)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ordinal < out[j].ordinal })
	return out
}

func (h *Hub) unsubscribe(handle *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := subscriberKey{role: handle.role, ordinal: handle.ordinal}
	if h.subs[key] == handle {
		delete(h.subs, key)
	}
}
