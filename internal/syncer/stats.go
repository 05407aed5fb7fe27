package syncer

import (
	"fmt"
	"strings"
	"time"
)

// cycleStats accumulates counters between two status reports
type cycleStats struct {
	values   int
	triggers int
	elapsed  time.Duration

	lastReport     time.Time
	interval       time.Duration
	reportTriggers bool
}

func newCycleStats(now time.Time, interval time.Duration, reportTriggers bool) *cycleStats {
	return &cycleStats{
		lastReport:     now,
		interval:       interval,
		reportTriggers: reportTriggers,
	}
}

func (s *cycleStats) add(values, triggers int, elapsed time.Duration) {
	s.values += values
	s.triggers += triggers
	s.elapsed += elapsed
}

// due reports whether a status line should be published: always before
// idling, otherwise once per interval
func (s *cycleStats) due(now time.Time, idle time.Duration) bool {
	return idle != 0 || now.Sub(s.lastReport) >= s.interval
}

// render formats the accumulated counters
func (s *cycleStats) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "processed %d values", s.values)
	if s.reportTriggers {
		fmt.Fprintf(&b, ", %d triggers", s.triggers)
	}
	fmt.Fprintf(&b, " in %f sec", s.elapsed.Seconds())
	return b.String()
}

func (s *cycleStats) reset(now time.Time) {
	s.values = 0
	s.triggers = 0
	s.elapsed = 0
	s.lastReport = now
}

// statusLine builds the worker title from the last rendered stats
func statusLine(ordinal int, stats string, idle time.Duration) string {
	if idle == 0 {
		return fmt.Sprintf("%s #%d [%s, syncing history]", Role, ordinal, stats)
	}
	return fmt.Sprintf("%s #%d [%s, idle %d sec]", Role, ordinal, stats, int(idle/time.Second))
}
