// Package queuelock coordinates which worker instance may flush the durable
// trigger queue. The lock is advisory and held only around one flush.
package queuelock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis"
)

// ErrNotOwner is returned when releasing a lock held by someone else
var ErrNotOwner = errors.New("queuelock: not held by this owner")

// Lock is the trigger queue lock shared by every worker instance
type Lock interface {
	// TryLock takes the lock if it is free. It reports false without error
	// when another owner holds it.
	TryLock(ctx context.Context) (bool, error)
	// Unlock releases a lock taken by TryLock
	Unlock(ctx context.Context) error
	// Reset releases the lock whoever holds it
	Reset(ctx context.Context) error
	// Locked reports whether any owner currently holds the lock
	Locked(ctx context.Context) (bool, error)
}

const (
	BackendSQL   = "sql"
	BackendRedis = "redis"
)

// Config selects and configures the lock backend
type Config struct {
	Backend   string        `toml:"backend" env:"HISTSYNCER_LOCK_BACKEND"`
	RedisAddr string        `toml:"redis_addr" env:"HISTSYNCER_LOCK_REDIS_ADDR"`
	RedisDB   int           `toml:"redis_db"`
	RedisKey  string        `toml:"redis_key"`
	TTL       time.Duration `toml:"ttl"`
}

// DefaultConfig returns the SQL backend
func DefaultConfig() Config {
	return Config{
		Backend:  BackendSQL,
		RedisKey: "histsyncer:trigger_queue:lock",
		TTL:      time.Minute,
	}
}

// New builds the configured backend for owner. The returned close func
// releases backend resources.
func New(cfg Config, store Store, owner string) (Lock, func() error, error) {
	switch cfg.Backend {
	case "", BackendSQL:
		return NewSQL(store, owner), func() error { return nil }, nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping().Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedis(client, cfg.RedisKey, owner, cfg.TTL), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown lock backend: %q", cfg.Backend)
	}
}
