package db

import (
	"context"
	"fmt"
)

// InsertHistory stores a batch of values in a single transaction
func (db *DB) InsertHistory(ctx context.Context, values []HistoryValue) error {
	if len(values) == 0 {
		return nil
	}

	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO history (itemid, clock, ns, value)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare history insert: %w", err)
		}
		defer stmt.Close()

		for _, v := range values {
			if _, err := stmt.ExecContext(ctx, v.ItemID, v.Clock, v.Ns, v.Value); err != nil {
				return fmt.Errorf("failed to insert history value for item %d: %w", v.ItemID, err)
			}
		}
		return nil
	})
}

// UpsertTrends merges hourly aggregates into the trends table. Existing rows
// for the same item and hour are combined, keeping the weighted average.
func (db *DB) UpsertTrends(ctx context.Context, trends []Trend) error {
	if len(trends) == 0 {
		return nil
	}

	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO trends (itemid, clock, num, value_min, value_avg, value_max)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (itemid, clock) DO UPDATE SET
				value_min = min(trends.value_min, excluded.value_min),
				value_max = max(trends.value_max, excluded.value_max),
				value_avg = (trends.value_avg * trends.num + excluded.value_avg * excluded.num) / (trends.num + excluded.num),
				num = trends.num + excluded.num
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare trend upsert: %w", err)
		}
		defer stmt.Close()

		for _, t := range trends {
			if _, err := stmt.ExecContext(ctx, t.ItemID, t.Clock, t.Num, t.Min, t.Avg, t.Max); err != nil {
				return fmt.Errorf("failed to upsert trend for item %d: %w", t.ItemID, err)
			}
		}
		return nil
	})
}

// GetTrend retrieves the hourly aggregate for an item
func (db *DB) GetTrend(ctx context.Context, itemID uint64, clock int64) (*Trend, error) {
	t := &Trend{}
	err := db.QueryRowContext(ctx, `
		SELECT itemid, clock, num, value_min, value_avg, value_max
		FROM trends
		WHERE itemid = ? AND clock = ?
	`, itemID, clock).Scan(&t.ItemID, &t.Clock, &t.Num, &t.Min, &t.Avg, &t.Max)
	if IsNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// CountHistory returns the number of stored values for an item
func (db *DB) CountHistory(ctx context.Context, itemID uint64) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history WHERE itemid = ?", itemID).Scan(&n)
	return n, err
}

// InsertProblems stores problem events. Events already stored are rejected
// as duplicates.
func (db *DB) InsertProblems(ctx context.Context, problems []Problem) error {
	if len(problems) == 0 {
		return nil
	}

	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO problems (eventid, objectid, severity, name, clock, ns)
			VALUES (?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare problem insert: %w", err)
		}
		defer stmt.Close()

		for _, p := range problems {
			if _, err := stmt.ExecContext(ctx, p.EventID, p.ObjectID, p.Severity, p.Name, p.Clock, p.Ns); err != nil {
				if IsDuplicate(err) {
					return fmt.Errorf("problem %s: %w", p.EventID, ErrDuplicate)
				}
				return fmt.Errorf("failed to insert problem %s: %w", p.EventID, err)
			}
		}
		return nil
	})
}

// CountProblems returns the number of stored problem events
func (db *DB) CountProblems(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM problems").Scan(&n)
	return n, err
}
