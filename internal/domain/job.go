package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/urbanline/tspjob/internal/schedule"
)

// JobContext is the execution context handed to every handler invocation.
// All methods are safe to call from any number of goroutines the handler
// spawns. Cancellation and deadline travel on the context.Context the handler
// receives alongside this interface; observing it at I/O boundaries is the
// handler's obligation.
type JobContext interface {
	JobName() string
	RunID() string
	Attempt() int
	ScheduledFor() time.Time
	ReplicaID() string

	// Inputs is the bound input snapshot for this attempt.
	Inputs() InputValues

	// Now reads the runtime's shared clock.
	Now() time.Time

	// Logger is pre-bound with job_name, run_id and attempt. Records are
	// forwarded to the host sink and kept on the run for short-term retrieval.
	Logger() *slog.Logger

	// Fail builds a classified failure for the handler to return.
	Fail(kind ErrorKind, message string) error
	// FailWith classifies an underlying error.
	FailWith(kind ErrorKind, err error) error

	// Metric accumulates a numeric counter on the run record.
	Metric(name string, delta float64)

	// Trigger enqueues a child run with this run as parent and returns its
	// run id without waiting. The child obeys its own singleton and retry
	// policies. Exceeding the trigger depth bound fails with KindInvalidInput.
	Trigger(ctx context.Context, jobName string, inputs map[string]string) (string, error)

	// TriggerWait enqueues a child run and blocks until it reaches a terminal
	// state or the parent's deadline expires.
	TriggerWait(ctx context.Context, jobName string, inputs map[string]string) (*RunRecord, error)
}

// Handler is the opaque callable registered with a job definition. The
// context carries the run deadline and cancellation; returning nil means
// success, a classified error records that kind, and any other error maps to
// KindUnexpected.
type Handler func(ctx context.Context, run JobContext) error

// RetryPolicy governs how failed attempts of a fire are retried.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	RetryableKinds    []ErrorKind
}

// DefaultRetryPolicy retries transient failures twice with exponential
// backoff starting at one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    time.Minute,
		BackoffMultiplier: 2,
		MaxBackoff:        time.Hour,
		RetryableKinds:    []ErrorKind{KindTransientDependency, KindUnexpected},
	}
}

// Validate rejects inconsistent policies.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy: max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.MaxAttempts > 1 {
		if p.InitialBackoff <= 0 {
			return fmt.Errorf("retry policy: initial backoff must be positive")
		}
		if p.BackoffMultiplier < 1 {
			return fmt.Errorf("retry policy: backoff multiplier must be >= 1, got %v", p.BackoffMultiplier)
		}
		if p.MaxBackoff < p.InitialBackoff {
			return fmt.Errorf("retry policy: max backoff %v below initial backoff %v", p.MaxBackoff, p.InitialBackoff)
		}
	}
	return nil
}

// Retryable reports whether the kind is in the policy's retryable set.
// KindCancelled is never retryable through the budget; shutdown re-enqueues
// are handled separately.
func (p RetryPolicy) Retryable(kind ErrorKind) bool {
	if kind == KindCancelled {
		return false
	}
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// BackoffFor returns the delay before attempt+1, before jitter:
// min(initial * multiplier^(attempt-1), max).
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= p.BackoffMultiplier
		if backoff >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if backoff > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(backoff)
}

// JobDefinition is the immutable description of a job held by the registry.
type JobDefinition struct {
	Name        string
	Description string

	Schedule schedule.Schedule
	CatchUp  schedule.CatchUpPolicy // zero value defers to the runtime default

	Inputs InputSchema

	Singleton     SingletonPolicy
	MaxConcurrent int // ignored when Singleton != SingletonNone
	Timeout       time.Duration
	Retry         RetryPolicy
	Priority      int // higher dispatches first on ties

	// AlertChannels lists sink identifiers notified on terminal failure.
	AlertChannels []string

	Handler Handler

	// Deps is the host-provided dependency bundle the handler closure
	// captures. The runtime never inspects it.
	Deps any
}

// Normalize fills defaulted fields. Callers run it before Validate so a
// definition relying on documented defaults passes validation.
func (d *JobDefinition) Normalize() {
	if d.Singleton == "" {
		d.Singleton = SingletonNone
	}
	if d.MaxConcurrent < 1 {
		d.MaxConcurrent = 1
	}
	if d.Retry.MaxAttempts == 0 && d.Retry.InitialBackoff == 0 {
		d.Retry = RetryPolicy{MaxAttempts: 1}
	}
}

// Validate rejects ill-formed definitions. Errors are joined so startup can
// report every offending job at once.
func (d *JobDefinition) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, fmt.Errorf("job name must not be empty"))
	}
	if d.Handler == nil {
		errs = append(errs, fmt.Errorf("job %q: handler must not be nil", d.Name))
	}
	if d.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("job %q: timeout must be positive, got %v", d.Name, d.Timeout))
	}
	if !d.Schedule.Valid() {
		errs = append(errs, fmt.Errorf("job %q: schedule is not set", d.Name))
	}
	switch d.Singleton {
	case SingletonNone, SingletonPerJob, SingletonPerInput:
	default:
		errs = append(errs, fmt.Errorf("job %q: unknown singleton policy %q", d.Name, d.Singleton))
	}
	if err := d.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("job %q: %w", d.Name, err))
	}
	if err := d.Inputs.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("job %q: %w", d.Name, err))
	}
	return errors.Join(errs...)
}
