package control

import (
	"fmt"
	"time"
)

// Kind identifies a control command
type Kind int

const (
	// Shutdown asks a worker to stop after its in-flight cycle
	Shutdown Kind = iota + 1
	// SyncNotify tells a waiting worker that fresh data is ready
	SyncNotify
)

func (k Kind) String() string {
	switch k {
	case Shutdown:
		return "shutdown"
	case SyncNotify:
		return "sync-notify"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a command name to its Kind
func ParseKind(name string) (Kind, error) {
	switch name {
	case "shutdown":
		return Shutdown, nil
	case "sync-notify", "sync_notify":
		return SyncNotify, nil
	default:
		return 0, fmt.Errorf("unknown control command: %q", name)
	}
}

// Message is a single command delivered to one subscriber. It is consumed by
// exactly one Wait call. Sends of a kind that is still queued collapse into
// the queued message.
type Message struct {
	Kind Kind
}

// Reply is an outbound acknowledgement a worker queues for the hub, such as
// confirming it received a shutdown request.
type Reply struct {
	Role    string
	Ordinal int
	Kind    Kind
	At      time.Time
}
