package cache

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/livinlefevreloca/histsyncer/internal/db"
	"github.com/livinlefevreloca/histsyncer/internal/export"
)

const trendPeriod = 3600

// Sync drains one batch from the cache into storage and the export sinks.
//
// Storage errors are logged and the affected values or events are put back
// so the next call retries them; the returned counts only cover what was
// stored. More is true when values remain beyond the batch.
func (c *Cache) Sync(ctx context.Context, w Writer, sinks *export.Set, opts Options) Result {
	values, events, due, more := c.take(opts.BatchSize)

	// Step 1: history through the storage pipelines
	written, failed := c.writeHistory(ctx, w, values, opts.Pipelines)

	// Step 2: hourly trends for what was stored
	trends := aggregateTrends(written)
	if err := w.UpsertTrends(ctx, trends); err != nil {
		c.logger.Error("failed to update trends", "trends", len(trends), "error", err)
		trends = nil
	}

	// Step 3: problem events
	problems := c.storeProblems(ctx, w, events)

	c.requeue(failed, nil)

	// Step 4: export
	c.export(sinks, written, trends, problems)

	return Result{
		Values:   len(written),
		Triggers: len(due),
		More:     more,
	}
}

// Options tunes a single Sync call
type Options struct {
	BatchSize int
	Pipelines int
}

// OptionsFromConfig builds sync options from cache configuration
func OptionsFromConfig(cfg Config) Options {
	return Options{
		BatchSize: cfg.BatchSize,
		Pipelines: cfg.Pipelines,
	}
}

// writeHistory splits values into one chunk per pipeline and stores the
// chunks concurrently. Chunks that fail are returned for requeueing.
func (c *Cache) writeHistory(ctx context.Context, w Writer, values []Value, pipelines int) (written, failed []Value) {
	if len(values) == 0 {
		return nil, nil
	}
	if pipelines < 1 {
		pipelines = 1
	}

	chunks := splitChunks(values, pipelines)
	errs := make([]error, len(chunks))

	var g errgroup.Group
	g.SetLimit(pipelines)
	for i, chunk := range chunks {
		g.Go(func() error {
			errs[i] = w.InsertHistory(ctx, toHistory(chunk))
			return nil
		})
	}
	g.Wait()

	for i, chunk := range chunks {
		if errs[i] != nil {
			c.logger.Error("failed to store history", "values", len(chunk), "error", errs[i])
			failed = append(failed, chunk...)
			continue
		}
		written = append(written, chunk...)
	}

	return written, failed
}

// storeProblems assigns event ids and stores events. Duplicates are dropped,
// any other failure puts the events back.
func (c *Cache) storeProblems(ctx context.Context, w Writer, events []Event) []db.Problem {
	if len(events) == 0 {
		return nil
	}

	problems := make([]db.Problem, len(events))
	for i, e := range events {
		problems[i] = db.Problem{
			EventID:  uuid.NewString(),
			ObjectID: e.ObjectID,
			Severity: e.Severity,
			Name:     e.Name,
			Clock:    e.Clock,
			Ns:       e.Ns,
		}
	}

	err := w.InsertProblems(ctx, problems)
	switch {
	case err == nil:
		return problems
	case errors.Is(err, db.ErrDuplicate):
		c.logger.Warn("dropping duplicate problem events", "events", len(events), "error", err)
		return nil
	default:
		c.logger.Error("failed to store problem events", "events", len(events), "error", err)
		c.requeue(nil, events)
		return nil
	}
}

func (c *Cache) export(sinks *export.Set, values []Value, trends []db.Trend, problems []db.Problem) {
	if sinks.Enabled(export.History) && len(values) > 0 {
		records := make([]any, len(values))
		for i, v := range values {
			records[i] = export.HistoryRecord{ItemID: v.ItemID, Clock: v.Clock, Ns: v.Ns, Value: v.Value}
		}
		if err := sinks.Write(export.History, records...); err != nil {
			c.logger.Error("failed to export history", "error", err)
		}
	}

	if sinks.Enabled(export.Trends) && len(trends) > 0 {
		records := make([]any, len(trends))
		for i, t := range trends {
			records[i] = export.TrendRecord{ItemID: t.ItemID, Clock: t.Clock, Count: t.Num, Min: t.Min, Avg: t.Avg, Max: t.Max}
		}
		if err := sinks.Write(export.Trends, records...); err != nil {
			c.logger.Error("failed to export trends", "error", err)
		}
	}

	if sinks.Enabled(export.Problems) && len(problems) > 0 {
		records := make([]any, len(problems))
		for i, p := range problems {
			records[i] = export.ProblemRecord{
				EventID:  p.EventID,
				ObjectID: p.ObjectID,
				Severity: p.Severity,
				Name:     p.Name,
				Clock:    p.Clock,
				Ns:       p.Ns,
			}
		}
		if err := sinks.Write(export.Problems, records...); err != nil {
			c.logger.Error("failed to export problems", "error", err)
		}
	}
}

func splitChunks(values []Value, n int) [][]Value {
	if n > len(values) {
		n = len(values)
	}
	size := (len(values) + n - 1) / n

	chunks := make([][]Value, 0, n)
	for start := 0; start < len(values); start += size {
		end := min(start+size, len(values))
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

func toHistory(values []Value) []db.HistoryValue {
	out := make([]db.HistoryValue, len(values))
	for i, v := range values {
		out[i] = db.HistoryValue{ItemID: v.ItemID, Clock: v.Clock, Ns: v.Ns, Value: v.Value}
	}
	return out
}

type trendKey struct {
	itemID uint64
	hour   int64
}

// aggregateTrends folds values into per item hourly aggregates, ordered by
// item then hour
func aggregateTrends(values []Value) []db.Trend {
	if len(values) == 0 {
		return nil
	}

	byKey := make(map[trendKey]*db.Trend)
	sums := make(map[trendKey]float64)

	for _, v := range values {
		key := trendKey{itemID: v.ItemID, hour: v.Clock - v.Clock%trendPeriod}
		t, ok := byKey[key]
		if !ok {
			t = &db.Trend{ItemID: v.ItemID, Clock: key.hour, Min: v.Value, Max: v.Value}
			byKey[key] = t
		}
		t.Num++
		t.Min = min(t.Min, v.Value)
		t.Max = max(t.Max, v.Value)
		sums[key] += v.Value
	}

	trends := make([]db.Trend, 0, len(byKey))
	for key, t := range byKey {
		t.Avg = sums[key] / float64(t.Num)
		trends = append(trends, *t)
	}
	sort.Slice(trends, func(i, j int) bool {
		if trends[i].ItemID != trends[j].ItemID {
			return trends[i].ItemID < trends[j].ItemID
		}
		return trends[i].Clock < trends[j].Clock
	})

	return trends
}
