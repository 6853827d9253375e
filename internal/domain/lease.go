package domain

import "time"

// SingletonPolicy controls the unit of mutual exclusion for a job.
type SingletonPolicy string

const (
	// SingletonNone runs without any lease; only MaxConcurrent bounds it.
	SingletonNone SingletonPolicy = "none"

	// SingletonPerJob allows at most one running attempt per job name across
	// all replicas.
	SingletonPerJob SingletonPolicy = "per-job"

	// SingletonPerInput allows at most one running attempt per job name and
	// stable input hash.
	SingletonPerInput SingletonPolicy = "per-job-and-input-hash"
)

// Lease is a short-lived exclusive claim over a singleton key. Expiry only
// transfers ownership; the former holder must observe the loss through its
// execution context and abandon writes.
type Lease struct {
	Key        string
	Holder     string // replica id
	RunID      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Active reports whether the lease still confers ownership at now.
func (l Lease) Active(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// LeaseKey derives the singleton key for a job under its policy. The second
// return is false when the policy requires no lease.
func LeaseKey(jobName string, policy SingletonPolicy, inputs InputValues) (string, bool) {
	switch policy {
	case SingletonPerJob:
		return jobName, true
	case SingletonPerInput:
		return jobName + "/" + inputs.Hash(), true
	default:
		return "", false
	}
}
