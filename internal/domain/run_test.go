package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled, StatusDead}

	// Forward edges.
	assert.True(t, StatusQueued.CanTransitionTo(StatusLeased))
	assert.True(t, StatusQueued.CanTransitionTo(StatusRunning))
	assert.True(t, StatusQueued.CanTransitionTo(StatusCancelled))
	assert.True(t, StatusLeased.CanTransitionTo(StatusRunning))
	assert.True(t, StatusLeased.CanTransitionTo(StatusCancelled))
	for _, next := range terminal {
		assert.True(t, StatusRunning.CanTransitionTo(next), "running -> %s", next)
	}

	// No backward or lateral edges.
	assert.False(t, StatusLeased.CanTransitionTo(StatusQueued))
	assert.False(t, StatusRunning.CanTransitionTo(StatusLeased))
	assert.False(t, StatusQueued.CanTransitionTo(StatusSucceeded))
	assert.False(t, StatusLeased.CanTransitionTo(StatusFailed))

	// Terminal states are frozen.
	for _, from := range terminal {
		assert.True(t, from.Terminal())
		for _, next := range []Status{StatusQueued, StatusLeased, StatusRunning, StatusSucceeded, StatusFailed} {
			assert.False(t, from.CanTransitionTo(next), "%s -> %s", from, next)
		}
	}
}

func TestRunRecordDuration(t *testing.T) {
	rec := RunRecord{}
	assert.Zero(t, rec.Duration())

	rec.StartedAt = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	assert.Zero(t, rec.Duration(), "unfinished run has no duration")

	rec.FinishedAt = rec.StartedAt.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, rec.Duration())
}

func TestLeaseKeyPerPolicy(t *testing.T) {
	inputs := InputValues{"region": "north"}

	_, need := LeaseKey("gps-ingest", SingletonNone, inputs)
	assert.False(t, need)

	key, need := LeaseKey("gps-ingest", SingletonPerJob, inputs)
	assert.True(t, need)
	assert.Equal(t, "gps-ingest", key)

	key, need = LeaseKey("gps-ingest", SingletonPerInput, inputs)
	assert.True(t, need)
	assert.Equal(t, "gps-ingest/"+inputs.Hash(), key)

	// Different inputs produce different per-input keys.
	other, _ := LeaseKey("gps-ingest", SingletonPerInput, InputValues{"region": "south"})
	assert.NotEqual(t, key, other)
}

func TestLeaseActive(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	l := Lease{ExpiresAt: now.Add(time.Minute)}
	assert.True(t, l.Active(now))
	assert.False(t, l.Active(now.Add(time.Minute)))
	assert.False(t, l.Active(now.Add(2*time.Minute)))
}
