package runtime

import (
	"context"
	"time"

	"github.com/urbanline/tspjob/internal/domain"
)

// LeaseStore is the coordination primitive replicas race on. Acquisition must
// be linearizable per key: no two replicas may both believe they hold the
// same key at overlapping instants (up to clock skew <= ttl/4, which
// operators keep in check with time sync).
type LeaseStore interface {
	// TryAcquireLease inserts a lease for key if none is active. Returns
	// false when another holder has it; that is contention, not an error.
	TryAcquireLease(ctx context.Context, key string, ttl time.Duration, runID, replicaID string) (bool, error)

	// RenewLease extends the ttl only while runID still holds the lease.
	// Returns domain.ErrLeaseLost otherwise, including after expiry.
	RenewLease(ctx context.Context, key, runID string, ttl time.Duration) error

	// ReleaseLease drops the lease if runID holds it. Idempotent: releasing
	// a lease held by someone else, or no one, is a no-op.
	ReleaseLease(ctx context.Context, key, runID string) error
}

// RunPatch updates the mutable fields of a run record. Nil fields are left
// untouched. Metrics merge additively and are the only field accepted after
// a terminal transition.
type RunPatch struct {
	Status       *domain.Status
	LeasedAt     *time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	ErrorKind    *domain.ErrorKind
	ErrorMessage *string
	ErrorStack   *string
	Metrics      map[string]float64
}

// RunFilter selects runs for observability and dead-letter tooling. Zero
// fields match everything.
type RunFilter struct {
	JobName     string
	Statuses    []domain.Status
	ParentRunID string
	Since       time.Time
}

// RunStore is the durable record of run attempts plus the lease primitive.
// Reads may be bounded-stale; the lease operations alone provide
// cross-replica correctness.
type RunStore interface {
	LeaseStore

	// CreateRun persists a new queued or leased record.
	CreateRun(ctx context.Context, rec *domain.RunRecord) error

	// UpdateRun applies a patch, rejecting status changes that violate the
	// monotonic transition order with domain.ErrInvalidTransition.
	UpdateRun(ctx context.Context, runID string, patch RunPatch) error

	// GetRun returns the record or domain.ErrRunNotFound.
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)

	// FindRuns returns matching records, most recently enqueued first.
	FindRuns(ctx context.Context, filter RunFilter, limit int) ([]*domain.RunRecord, error)

	// LastScheduledFor returns the latest scheduled_for recorded for the job,
	// or the zero time when the job has never fired. Seeds catch-up on boot.
	// Cancelled attempts do not count: a fire interrupted by shutdown must
	// stay eligible for re-enqueue on the next start.
	LastScheduledFor(ctx context.Context, jobName string) (time.Time, error)

	// DeleteFinishedBefore removes terminal records per retention policy:
	// succeeded runs finished before okBefore, non-success finished before
	// failedBefore. Returns the number of rows removed.
	DeleteFinishedBefore(ctx context.Context, okBefore, failedBefore time.Time) (int64, error)
}

func ptr[T any](v T) *T { return &v }
