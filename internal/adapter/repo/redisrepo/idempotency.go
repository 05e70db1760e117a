// Package redisrepo holds the Redis-backed stores: the submit idempotency
// ledger and the active-ticker mirror consumed by collectors.
package redisrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantbed/backtestd/internal/domain"
)

// idemEntry is the stored record for one idempotency key.
type idemEntry struct {
	Hash  string `json:"hash"`
	JobID string `json:"job_id"`
}

// IdempotencyStore implements domain.IdempotencyStore on Redis using SET NX
// with a TTL. The first submit under a key claims it; replays with the same
// request hash get the original job id back, replays with a different hash
// are conflicts.
type IdempotencyStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewIdempotencyStore constructs the store; ttl bounds how long a key stays
// claimable.
func NewIdempotencyStore(rdb *redis.Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{rdb: rdb, ttl: ttl}
}

func (s *IdempotencyStore) key(userID, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", userID, key)
}

// Remember returns the canonical job id for (userID, key): jobID itself when
// this call claimed the key, the previously stored id when the hash matches,
// and domain.ErrConflict when the key was reused with a different request.
func (s *IdempotencyStore) Remember(ctx domain.Context, userID, key, hash, jobID string) (string, error) {
	redisKey := s.key(userID, key)
	entry, err := json.Marshal(idemEntry{Hash: hash, JobID: jobID})
	if err != nil {
		return "", fmt.Errorf("op=idempotency.remember: %w", err)
	}

	// The GET can race with expiry right after a lost SETNX, so take a
	// bounded number of shots before giving up.
	for attempt := 0; attempt < 3; attempt++ {
		claimed, err := s.rdb.SetNX(ctx, redisKey, entry, s.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("op=idempotency.remember: %w", err)
		}
		if claimed {
			return jobID, nil
		}

		raw, err := s.rdb.Get(ctx, redisKey).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("op=idempotency.remember: %w", err)
		}
		var stored idemEntry
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return "", fmt.Errorf("op=idempotency.remember: decode stored entry: %w", err)
		}
		if stored.Hash != hash {
			return "", fmt.Errorf("op=idempotency.remember: key %q reused with a different request body: %w", key, domain.ErrConflict)
		}
		return stored.JobID, nil
	}
	return "", fmt.Errorf("op=idempotency.remember: could not claim or read key %q", key)
}

// Forget drops the key so the next submit under it is treated as new.
func (s *IdempotencyStore) Forget(ctx domain.Context, userID, key string) error {
	if err := s.rdb.Del(ctx, s.key(userID, key)).Err(); err != nil {
		return fmt.Errorf("op=idempotency.forget: %w", err)
	}
	return nil
}
