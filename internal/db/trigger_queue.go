package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// Trigger Queue
// =============================================================================

// InsertTriggerQueue persists timers as one batch. Identifiers are assigned
// by the database.
func (db *DB) InsertTriggerQueue(ctx context.Context, entries []TriggerQueueEntry) error {
	if len(entries) == 0 {
		return nil
	}

	return db.WithTransaction(ctx, func(tx *Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO trigger_queue (objectid, type, clock, ns)
			VALUES (?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare trigger queue insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range entries {
			if _, err := stmt.ExecContext(ctx, e.ObjectID, e.Type, e.Clock, e.Ns); err != nil {
				return fmt.Errorf("failed to insert trigger queue entry for object %d: %w", e.ObjectID, err)
			}
		}
		return nil
	})
}

// ClearTriggerQueue removes every persisted timer
func (db *DB) ClearTriggerQueue(ctx context.Context) error {
	_, err := db.ExecContext(ctx, "DELETE FROM trigger_queue")
	return err
}

// ListTriggerQueue returns persisted timers in insertion order
func (db *DB) ListTriggerQueue(ctx context.Context) ([]TriggerQueueEntry, error) {
	return listTriggerQueue(ctx, db.DB)
}

// TakeTriggerQueue reads and deletes all persisted timers in one transaction
func (db *DB) TakeTriggerQueue(ctx context.Context) ([]TriggerQueueEntry, error) {
	var entries []TriggerQueueEntry

	err := db.WithTransaction(ctx, func(tx *Tx) error {
		var err error
		entries, err = listTriggerQueue(ctx, tx.Tx)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM trigger_queue")
		return err
	})
	if err != nil {
		return nil, err
	}

	return entries, nil
}

// CountTriggerQueue returns the number of persisted timers
func (db *DB) CountTriggerQueue(ctx context.Context) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trigger_queue").Scan(&n)
	return n, err
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listTriggerQueue(ctx context.Context, q querier) ([]TriggerQueueEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT trigger_queueid, objectid, type, clock, ns
		FROM trigger_queue
		ORDER BY trigger_queueid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []TriggerQueueEntry{}
	for rows.Next() {
		var e TriggerQueueEntry
		if err := rows.Scan(&e.ID, &e.ObjectID, &e.Type, &e.Clock, &e.Ns); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// =============================================================================
// Trigger Queue Lock
// =============================================================================

// TryLockTriggerQueue marks the queue as locked by owner. It reports false
// without error when another owner already holds it.
func (db *DB) TryLockTriggerQueue(ctx context.Context, owner string) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE trigger_queue_lock
		SET locked = 1, owner = ?, locked_at = ?
		WHERE id = 1 AND locked = 0
	`, owner, time.Now().Unix())
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rows == 1, nil
}

// UnlockTriggerQueue releases the lock if owner holds it. Returns ErrNotFound
// when the lock is not held by owner.
func (db *DB) UnlockTriggerQueue(ctx context.Context, owner string) error {
	result, err := db.ExecContext(ctx, `
		UPDATE trigger_queue_lock
		SET locked = 0, owner = NULL, locked_at = NULL
		WHERE id = 1 AND locked = 1 AND owner = ?
	`, owner)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ResetTriggerQueueLock unconditionally releases the lock
func (db *DB) ResetTriggerQueueLock(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `
		UPDATE trigger_queue_lock
		SET locked = 0, owner = NULL, locked_at = NULL
		WHERE id = 1
	`)
	return err
}

// TriggerQueueLocked reports whether any owner holds the lock
func (db *DB) TriggerQueueLocked(ctx context.Context) (bool, error) {
	var locked int
	err := db.QueryRowContext(ctx, "SELECT locked FROM trigger_queue_lock WHERE id = 1").Scan(&locked)
	if err != nil {
		return false, err
	}
	return locked != 0, nil
}
