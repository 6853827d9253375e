package runtime

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/urbanline/tspjob/internal/schedule"
)

// Config shapes one replica of the runtime. Zero fields take the defaults
// below.
type Config struct {
	// ReplicaID identifies this process instance; stable across a single
	// boot. Derived from hostname + PID when empty.
	ReplicaID string

	// Workers is the number of parallel execution slots (W).
	Workers int
	// QueueSize bounds the pool ingress queue (Q); overflow surfaces to the
	// dispatcher as backpressure.
	QueueSize int

	// LeaseTTL is the singleton lease duration. Workers heartbeat renewals
	// every LeaseTTL/3.
	LeaseTTL time.Duration

	// ShutdownGrace is how long in-flight runs get to finish after a
	// graceful shutdown signal.
	ShutdownGrace time.Duration

	// AdmissionWait bounds how long a run waits for its per-job concurrency
	// slot before being skipped.
	AdmissionWait time.Duration

	// GracePeriod is how long past its deadline a handler may keep running
	// before the runtime marks the run timed-out and detaches.
	GracePeriod time.Duration

	// CatchUpDefault applies to jobs that do not declare a catch-up policy.
	CatchUpDefault schedule.CatchUpPolicy

	// MaxTriggerDepth bounds job-triggers-job chains.
	MaxTriggerDepth int

	// StartupJitter delays the dispatcher's first pass by a random amount to
	// avoid a thundering herd when replicas restart together.
	StartupJitter time.Duration

	// Retention windows for terminal run records.
	RetentionSucceeded  time.Duration
	RetentionFailed     time.Duration
	RetentionSweepEvery time.Duration
}

const (
	defaultWorkers       = 8
	defaultQueueSize     = 64
	defaultLeaseTTL      = time.Minute
	defaultShutdownGrace = 30 * time.Second
	defaultAdmissionWait = 5 * time.Second
	defaultGracePeriod   = 5 * time.Second
	defaultTriggerDepth  = 8

	defaultRetentionSucceeded  = 30 * 24 * time.Hour
	defaultRetentionFailed     = 90 * 24 * time.Hour
	defaultRetentionSweepEvery = time.Hour
)

func (c *Config) withDefaults() {
	if c.ReplicaID == "" {
		c.ReplicaID = DeriveReplicaID()
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.AdmissionWait <= 0 {
		c.AdmissionWait = defaultAdmissionWait
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = defaultGracePeriod
	}
	if c.CatchUpDefault == "" {
		c.CatchUpDefault = schedule.CatchUpFireOnce
	}
	if c.MaxTriggerDepth <= 0 {
		c.MaxTriggerDepth = defaultTriggerDepth
	}
	if c.RetentionSucceeded <= 0 {
		c.RetentionSucceeded = defaultRetentionSucceeded
	}
	if c.RetentionFailed <= 0 {
		c.RetentionFailed = defaultRetentionFailed
	}
	if c.RetentionSweepEvery <= 0 {
		c.RetentionSweepEvery = defaultRetentionSweepEvery
	}
}

// DeriveReplicaID builds a replica identity from hostname, PID and a short
// random suffix so two boots of the same host never collide.
func DeriveReplicaID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
