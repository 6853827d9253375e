package domain

import "time"

// Status is the lifecycle state of a run attempt. Transitions are monotonic:
// queued -> leased -> running -> one of the terminal states. Once terminal,
// every field except handler metrics is frozen.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusLeased    Status = "leased"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed-out"
	StatusCancelled Status = "cancelled"
	StatusDead      Status = "dead"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusCancelled, StatusDead:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next preserves the
// monotonic state machine.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusQueued:
		return next == StatusLeased || next == StatusRunning || next == StatusCancelled
	case StatusLeased:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

// RunRecord is the durable row describing a single attempt.
type RunRecord struct {
	RunID   string
	JobName string
	Attempt int // 1-based; increments per retry of the same fire

	// ScheduledFor is the fire time this attempt serves. Zero for manual and
	// event-driven runs. Preserved across retries so the retry budget applies
	// to the fire, not the run.
	ScheduledFor time.Time

	EnqueuedAt time.Time
	LeasedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	ReplicaID string
	Status    Status

	// InputSnapshot is the bound input used by this attempt. Retries reuse it
	// verbatim; re-binding never happens after enqueue.
	InputSnapshot InputValues

	ErrorKind    ErrorKind
	ErrorMessage string
	ErrorStack   string

	// Metrics holds free-form counters accumulated by the handler.
	Metrics map[string]float64

	// ParentRunID is set when the run was triggered by another job.
	ParentRunID string

	// TriggerDepth is the length of the parent chain above this run. Bounds
	// job-triggers-job recursion; zero for scheduled and host-triggered runs.
	TriggerDepth int

	// TriggerCause tags event-driven runs with the host-declared event source.
	TriggerCause string
}

// Fire identifies the logical scheduled occurrence this record serves.
func (r *RunRecord) Fire() (string, time.Time) {
	return r.JobName, r.ScheduledFor
}

// Duration is the wall-clock handler time, zero until the run finishes.
func (r *RunRecord) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
