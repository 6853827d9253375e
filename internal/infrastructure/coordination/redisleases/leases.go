// Package redisleases implements LeaseStore on Redis. Acquisition is SET NX
// with a server-side TTL; renew and release compare the stored run id in a
// Lua script so an expired-and-reacquired key is never touched by the old
// holder.
package redisleases

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/urbanline/tspjob/internal/domain"
)

const keyPrefix = "tspjob:lease:"

// renewScript extends the TTL only while the stored value still matches the
// caller's run id.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// releaseScript deletes the key only while the stored value matches.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Store coordinates leases through a shared Redis instance.
type Store struct {
	client redis.UniversalClient
}

// New wraps an existing client. The caller owns the client's lifecycle.
func New(client redis.UniversalClient) *Store {
	return &Store{client: client}
}

// NewFromAddr dials a single-node Redis at addr.
func NewFromAddr(addr string) *Store {
	return New(redis.NewClient(&redis.Options{Addr: addr}))
}

func (s *Store) TryAcquireLease(ctx context.Context, key string, ttl time.Duration, runID, _ string) (bool, error) {
	ok, err := s.client.SetNX(ctx, keyPrefix+key, runID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	return ok, nil
}

func (s *Store) RenewLease(ctx context.Context, key, runID string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, s.client, []string{keyPrefix + key}, runID, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

func (s *Store) ReleaseLease(ctx context.Context, key, runID string) error {
	if _, err := releaseScript.Run(ctx, s.client, []string{keyPrefix + key}, runID).Int(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
