package runtime

import (
	"context"
	"math/rand/v2"
	"time"
)

// retentionLoop prunes terminal run records on an interval: succeeded runs
// after RetentionSucceeded, everything else after RetentionFailed. A jittered
// first pass keeps co-restarting replicas from sweeping in lockstep.
func (rt *Runtime) retentionLoop(ctx context.Context) {
	jitter := rand.N(rt.cfg.RetentionSweepEvery / 10)
	select {
	case <-ctx.Done():
		return
	case <-rt.clock.After(jitter):
	}

	rt.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-rt.clock.After(rt.cfg.RetentionSweepEvery):
			rt.sweepOnce(ctx)
		}
	}
}

func (rt *Runtime) sweepOnce(ctx context.Context) {
	now := rt.clock.Now()
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	removed, err := rt.store.DeleteFinishedBefore(opCtx,
		now.Add(-rt.cfg.RetentionSucceeded),
		now.Add(-rt.cfg.RetentionFailed))
	if err != nil {
		rt.logger.ErrorContext(opCtx, "retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		rt.logger.InfoContext(opCtx, "retention sweep removed runs", "count", removed)
	}
}
