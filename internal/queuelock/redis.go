package queuelock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
)

// releaseScript deletes the key only when it still carries our token
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Redis keeps the lock in a single Redis key so instances on different hosts
// can share it. The key expires after ttl in case its holder dies mid-flush.
type Redis struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

// NewRedis creates a lock for owner stored under key
func NewRedis(client *redis.Client, key, owner string, ttl time.Duration) *Redis {
	return &Redis{
		client: client,
		key:    key,
		owner:  owner,
		ttl:    ttl,
	}
}

func (l *Redis) TryLock(_ context.Context) (bool, error) {
	ok, err := l.client.SetNX(l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to take redis lock: %w", err)
	}
	return ok, nil
}

func (l *Redis) Unlock(_ context.Context) error {
	n, err := l.client.Eval(releaseScript, []string{l.key}, l.owner).Int64()
	if err != nil {
		return fmt.Errorf("failed to release redis lock: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("owner %s: %w", l.owner, ErrNotOwner)
	}
	return nil
}

func (l *Redis) Reset(_ context.Context) error {
	return l.client.Del(l.key).Err()
}

func (l *Redis) Locked(_ context.Context) (bool, error) {
	n, err := l.client.Exists(l.key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
