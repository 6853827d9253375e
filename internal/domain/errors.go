package domain

import (
	"errors"
	"fmt"
)

// Errors returned by the registry and the run store.

var (
	// ErrDuplicateName indicates a definition with the same name is already registered.
	ErrDuplicateName = errors.New("duplicate job name")

	// ErrUnknownJob indicates the requested job is not registered.
	ErrUnknownJob = errors.New("unknown job")

	// ErrRunNotFound indicates the requested run record does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrLeaseLost indicates the caller no longer holds the lease it is
	// renewing or operating under.
	ErrLeaseLost = errors.New("lease lost")

	// ErrInvalidTransition indicates a run record update that would move the
	// status backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidDefinition marks registration rejections; the wrapped error
	// joins every validation failure found.
	ErrInvalidDefinition = errors.New("invalid job definition")
)

// ErrorKind is the failure taxonomy the runtime understands. Handlers classify
// their failures with one of these kinds; everything else maps to
// KindUnexpected.
type ErrorKind string

const (
	KindInvalidInput        ErrorKind = "invalid_input"
	KindUnknownJob          ErrorKind = "unknown_job"
	KindTransientDependency ErrorKind = "transient_dependency"
	KindPermanentDependency ErrorKind = "permanent_dependency"
	KindTimeout             ErrorKind = "timeout"
	KindCancelled           ErrorKind = "cancelled"
	KindUnexpected          ErrorKind = "unexpected"
)

// DefaultRetryable reports whether the kind is retry eligible when the job's
// retry policy does not say otherwise.
func (k ErrorKind) DefaultRetryable() bool {
	switch k {
	case KindTransientDependency, KindUnexpected:
		return true
	default:
		return false
	}
}

// ClassifiedError carries an ErrorKind alongside the underlying cause.
// Handlers produce these through the execution context's Fail/FailWith;
// the worker pool reads the kind back with errors.As.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with an explicit kind.
func Classify(kind ErrorKind, err error) error {
	return ClassifiedError{Kind: kind, Err: err}
}

// Transient wraps an error as a temporary dependency failure.
// Use for: network timeouts, connection loss, temporary locks, rate limits.
func Transient(err error) error {
	return ClassifiedError{Kind: KindTransientDependency, Err: err}
}

// Permanent wraps an error as a definitive dependency rejection.
// Use for: auth failures, not-found, schema violations.
func Permanent(err error) error {
	return ClassifiedError{Kind: KindPermanentDependency, Err: err}
}

// KindOf extracts the error kind from err. Unclassified errors report
// KindUnexpected; nil reports an empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var classified ClassifiedError
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnexpected
}

// PanicError indicates a handler panicked. Panics map to KindUnexpected and
// carry the stack trace for the run record.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic returns true if the error originated from a recovered panic.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}
