package status

import "time"

// Kind identifies what a status message carries
type Kind int

const (
	KindTitle Kind = iota
	KindRecord
)

// Message is the container for all status updates sent to the board
type Message struct {
	Kind      Kind
	Ordinal   int
	Timestamp time.Time

	// KindTitle
	Line string
	Busy bool

	// KindRecord
	Values   int
	Triggers int
	Elapsed  time.Duration
}

// WorkerStatus is the latest known state of one worker
type WorkerStatus struct {
	Ordinal     int       `json:"worker"`
	Line        string    `json:"status"`
	Busy        bool      `json:"busy"`
	Values      int64     `json:"values_processed"`
	Triggers    int64     `json:"triggers_processed"`
	SyncSeconds float64   `json:"sync_seconds"`
	UpdatedAt   time.Time `json:"updated_at"`
}
