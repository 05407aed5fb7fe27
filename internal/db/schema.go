package db

// HistoryValue is a single collected numeric value of an item
type HistoryValue struct {
	ItemID uint64
	Clock  int64
	Ns     int32
	Value  float64
}

// Trend is an hourly aggregate of an item's values
type Trend struct {
	ItemID uint64
	Clock  int64 // start of the hour, unix seconds
	Num    int
	Min    float64
	Avg    float64
	Max    float64
}

// Problem is a problem event produced by trigger evaluation
type Problem struct {
	EventID  string
	ObjectID uint64
	Severity int
	Name     string
	Clock    int64
	Ns       int32
}

// TriggerQueueEntry is a persisted trigger timer. ID is assigned by the
// database on insert and is zero for entries that were never stored.
type TriggerQueueEntry struct {
	ID       uint64
	ObjectID uint64
	Type     int
	Clock    int64
	Ns       int32
}
