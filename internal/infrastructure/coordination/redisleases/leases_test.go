package redisleases

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanline/tspjob/internal/domain"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client), mr
}

func TestTryAcquireLease(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	ok, err := s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-1", "replica-a")
	require.NoError(t, err)
	assert.True(t, ok)

	// Contention: the key is taken until it expires or is released.
	ok, err = s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-2", "replica-b")
	require.NoError(t, err)
	assert.False(t, ok)

	// Server-side TTL is set.
	ttl := mr.TTL(keyPrefix + "gps-ingest")
	assert.Equal(t, time.Minute, ttl)
}

func TestRenewLeaseExtendsOnlyForHolder(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	ok, err := s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-1", "replica-a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.RenewLease(ctx, "gps-ingest", "run-1", 2*time.Minute))
	assert.Equal(t, 2*time.Minute, mr.TTL(keyPrefix+"gps-ingest"))

	// A different run id never touches the key.
	assert.ErrorIs(t, s.RenewLease(ctx, "gps-ingest", "run-2", time.Hour), domain.ErrLeaseLost)
	assert.Equal(t, 2*time.Minute, mr.TTL(keyPrefix+"gps-ingest"))
}

func TestRenewAfterExpiryReportsLoss(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	ok, err := s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-1", "replica-a")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(time.Minute)

	assert.ErrorIs(t, s.RenewLease(ctx, "gps-ingest", "run-1", time.Minute), domain.ErrLeaseLost)

	// The expired key is up for grabs again.
	ok, err = s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-2", "replica-b")
	require.NoError(t, err)
	assert.True(t, ok)

	// The old holder must not renew the reacquired lease.
	assert.ErrorIs(t, s.RenewLease(ctx, "gps-ingest", "run-1", time.Minute), domain.ErrLeaseLost)
}

func TestReleaseLeaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	ok, err := s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-1", "replica-a")
	require.NoError(t, err)
	require.True(t, ok)

	// Releasing under the wrong run id leaves the lease alone.
	require.NoError(t, s.ReleaseLease(ctx, "gps-ingest", "run-2"))
	assert.True(t, mr.Exists(keyPrefix+"gps-ingest"))

	require.NoError(t, s.ReleaseLease(ctx, "gps-ingest", "run-1"))
	assert.False(t, mr.Exists(keyPrefix+"gps-ingest"))

	// Releasing a missing key is a no-op.
	require.NoError(t, s.ReleaseLease(ctx, "gps-ingest", "run-1"))
}
