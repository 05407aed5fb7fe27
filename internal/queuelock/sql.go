package queuelock

import (
	"context"
	"fmt"

	"github.com/livinlefevreloca/histsyncer/internal/db"
)

// Store is the storage side of the SQL lock
type Store interface {
	TryLockTriggerQueue(ctx context.Context, owner string) (bool, error)
	UnlockTriggerQueue(ctx context.Context, owner string) error
	ResetTriggerQueueLock(ctx context.Context) error
	TriggerQueueLocked(ctx context.Context) (bool, error)
}

// SQL keeps the lock in the trigger_queue_lock table
type SQL struct {
	store Store
	owner string
}

// NewSQL creates a lock for owner on store
func NewSQL(store Store, owner string) *SQL {
	return &SQL{store: store, owner: owner}
}

func (l *SQL) TryLock(ctx context.Context) (bool, error) {
	return l.store.TryLockTriggerQueue(ctx, l.owner)
}

func (l *SQL) Unlock(ctx context.Context) error {
	err := l.store.UnlockTriggerQueue(ctx, l.owner)
	if db.IsNotFound(err) {
		return fmt.Errorf("owner %s: %w", l.owner, ErrNotOwner)
	}
	return err
}

func (l *SQL) Reset(ctx context.Context) error {
	return l.store.ResetTriggerQueueLock(ctx)
}

func (l *SQL) Locked(ctx context.Context) (bool, error) {
	return l.store.TriggerQueueLocked(ctx)
}
