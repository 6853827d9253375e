package main

import (
	"context"
	"time"

	"github.com/urbanline/tspjob/internal/domain"
	"github.com/urbanline/tspjob/internal/schedule"
)

// jobCatalog returns the jobs this binary hosts. Deployments replace this
// with their own catalog; the built-in jobs exist so a fresh checkout can
// exercise the full dispatch path.
func jobCatalog() []*domain.JobDefinition {
	return []*domain.JobDefinition{
		{
			Name:        "runtime-heartbeat",
			Description: "Logs a liveness line every minute; useful for verifying dispatch.",
			Schedule:    schedule.MustParse("every 1m"),
			Singleton:   domain.SingletonPerJob,
			Timeout:     30 * time.Second,
			Handler: func(ctx context.Context, run domain.JobContext) error {
				run.Logger().InfoContext(ctx, "heartbeat", "replica_id", run.ReplicaID())
				run.Metric("heartbeats", 1)
				return nil
			},
		},
		{
			Name:        "echo",
			Description: "Prints its message input; a manual smoke-test job.",
			Schedule:    schedule.MustParse("manual"),
			Timeout:     10 * time.Second,
			Inputs: domain.InputSchema{
				{Name: "message", Type: domain.ParamString, Default: "hello"},
			},
			Handler: func(ctx context.Context, run domain.JobContext) error {
				run.Logger().InfoContext(ctx, "echo", "message", run.Inputs().String("message"))
				return nil
			},
		},
	}
}
