package domain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanline/tspjob/internal/schedule"
)

func TestRetryPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())
	require.NoError(t, RetryPolicy{MaxAttempts: 1}.Validate())

	assert.Error(t, RetryPolicy{MaxAttempts: 0}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 3}.Validate(), "multi-attempt needs backoff")
	assert.Error(t, RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Minute,
		BackoffMultiplier: 0.5,
		MaxBackoff:        time.Hour,
	}.Validate())
	assert.Error(t, RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Minute,
		BackoffMultiplier: 2,
		MaxBackoff:        time.Second,
	}.Validate())
}

func TestRetryPolicyBackoffGrowsAndCaps(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:       10,
		InitialBackoff:    time.Minute,
		BackoffMultiplier: 2,
		MaxBackoff:        time.Hour,
	}

	assert.Equal(t, time.Minute, p.BackoffFor(1))
	assert.Equal(t, 2*time.Minute, p.BackoffFor(2))
	assert.Equal(t, 4*time.Minute, p.BackoffFor(3))
	assert.Equal(t, 32*time.Minute, p.BackoffFor(6))
	assert.Equal(t, time.Hour, p.BackoffFor(7), "64m caps at the max backoff")
	assert.Equal(t, time.Hour, p.BackoffFor(20))
}

func TestRetryPolicyRetryable(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.True(t, p.Retryable(KindTransientDependency))
	assert.True(t, p.Retryable(KindUnexpected))
	assert.False(t, p.Retryable(KindPermanentDependency))
	assert.False(t, p.Retryable(KindInvalidInput))
	assert.False(t, p.Retryable(KindTimeout))

	// Cancellation never consumes the retry budget, whatever the policy says.
	withCancelled := RetryPolicy{RetryableKinds: []ErrorKind{KindCancelled}}
	assert.False(t, withCancelled.Retryable(KindCancelled))
}

func validDefinition() *JobDefinition {
	return &JobDefinition{
		Name:     "gps-ingest",
		Schedule: schedule.MustParse("every 5m"),
		Timeout:  time.Minute,
		Handler:  func(context.Context, JobContext) error { return nil },
	}
}

func TestJobDefinitionValidate(t *testing.T) {
	require.NoError(t, validDefinition().Validate())

	broken := validDefinition()
	broken.Name = ""
	broken.Timeout = 0
	broken.Handler = nil
	err := broken.Validate()
	require.Error(t, err)

	// Every problem is reported, not just the first.
	assert.Contains(t, err.Error(), "name")
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "handler")
}

func TestJobDefinitionNormalize(t *testing.T) {
	def := validDefinition()
	def.Normalize()

	assert.Equal(t, SingletonNone, def.Singleton)
	assert.Equal(t, 1, def.MaxConcurrent)
	assert.Equal(t, 1, def.Retry.MaxAttempts, "no retry policy means a single attempt")

	withRetry := validDefinition()
	withRetry.Retry = DefaultRetryPolicy()
	withRetry.Normalize()
	assert.Equal(t, 3, withRetry.Retry.MaxAttempts)
}
