// Package redislock implements the per-indicator batch lock on Redis.
//
// A lock is a single key holding "<owner>:<acquired_unix>" written with SET
// NX EX. Release is owner-checked through a Lua compare-and-delete so that
// an expired lease taken over by another worker is never deleted by the old
// owner.
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quantbed/backtestd/internal/observability"
)

const luaReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`

// Locker implements domain.Locker by polling SET NX until the lease is
// granted or the wait budget runs out.
type Locker struct {
	rdb          *redis.Client
	owner        string
	pollInterval time.Duration
	release      *redis.Script

	mu   sync.Mutex
	held map[string]string
}

// New constructs a Locker with a fresh owner identity.
func New(rdb *redis.Client, pollInterval time.Duration) *Locker {
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	return &Locker{
		rdb:          rdb,
		owner:        uuid.NewString(),
		pollInterval: pollInterval,
		release:      redis.NewScript(luaReleaseScript),
		held:         make(map[string]string),
	}
}

// Acquire polls for the lock until granted, the maxWait deadline passes, or
// ctx is cancelled. It returns (false, nil) on timeout and an error only for
// infrastructure failures.
func (l *Locker) Acquire(ctx context.Context, key string, maxWait, ttl time.Duration) (bool, error) {
	deadline := time.Now().Add(maxWait)
	start := time.Now()
	for {
		value := fmt.Sprintf("%s:%d", l.owner, time.Now().Unix())
		ok, err := l.rdb.SetNX(ctx, key, value, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("op=redislock.Acquire: %w", err)
		}
		if ok {
			l.mu.Lock()
			l.held[key] = value
			l.mu.Unlock()
			waited := time.Since(start)
			observability.LockWaitDuration.Observe(waited.Seconds())
			if waited > l.pollInterval {
				slog.Debug("batch lock acquired after contention",
					slog.String("key", key),
					slog.Duration("waited", waited))
			}
			return true, nil
		}
		if time.Now().After(deadline) {
			observability.LockTimeoutsTotal.Inc()
			slog.Warn("batch lock wait exhausted",
				slog.String("key", key),
				slog.Duration("max_wait", maxWait))
			return false, nil
		}
		select {
		case <-time.After(l.pollInterval):
		case <-ctx.Done():
			return false, fmt.Errorf("op=redislock.Acquire: %w", ctx.Err())
		}
	}
}

// Release deletes the lock only when this locker still owns it. Releasing a
// key that is not held is a no-op.
func (l *Locker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	value, ok := l.held[key]
	delete(l.held, key)
	l.mu.Unlock()
	if !ok {
		return nil
	}

	res, err := l.release.Run(ctx, l.rdb, []string{key}, value).Result()
	if err != nil {
		return fmt.Errorf("op=redislock.Release: %w", err)
	}
	if deleted, _ := res.(int64); deleted == 0 {
		// The lease expired and someone else holds the key now.
		slog.Warn("batch lock already taken over at release",
			slog.String("key", key),
			slog.String("owner", l.owner))
	}
	return nil
}

// Owner returns the locker identity, visible in lock values for operators.
func (l *Locker) Owner() string {
	return l.owner
}

// ParseValue splits a lock value into its owner and acquisition time.
func ParseValue(value string) (owner string, acquired time.Time, err error) {
	idx := strings.LastIndex(value, ":")
	if idx < 0 {
		return "", time.Time{}, fmt.Errorf("op=redislock.ParseValue: malformed value %q", value)
	}
	var unix int64
	if _, err := fmt.Sscanf(value[idx+1:], "%d", &unix); err != nil {
		return "", time.Time{}, fmt.Errorf("op=redislock.ParseValue: %w", err)
	}
	return value[:idx], time.Unix(unix, 0), nil
}
