package export

// HistoryRecord is one exported history value
type HistoryRecord struct {
	ItemID uint64  `json:"itemid"`
	Clock  int64   `json:"clock"`
	Ns     int32   `json:"ns"`
	Value  float64 `json:"value"`
}

// TrendRecord is one exported hourly aggregate
type TrendRecord struct {
	ItemID uint64  `json:"itemid"`
	Clock  int64   `json:"clock"`
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Avg    float64 `json:"avg"`
	Max    float64 `json:"max"`
}

// ProblemRecord is one exported problem event
type ProblemRecord struct {
	EventID  string `json:"eventid"`
	ObjectID uint64 `json:"objectid"`
	Severity int    `json:"severity"`
	Name     string `json:"name"`
	Clock    int64  `json:"clock"`
	Ns       int32  `json:"ns"`
}
