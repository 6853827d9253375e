package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanline/tspjob/internal/clock"
	"github.com/urbanline/tspjob/internal/domain"
	"github.com/urbanline/tspjob/internal/runtime"
)

var testStart = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newClockedStore() (*Store, *clock.Fake) {
	fc := clock.NewFake(testStart)
	return NewWithClock(fc), fc
}

func TestLeaseLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore()

	ok, err := s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-1", "replica-a")
	require.NoError(t, err)
	assert.True(t, ok)

	// Contention: an active lease blocks other acquirers.
	ok, err = s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-2", "replica-b")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.RenewLease(ctx, "gps-ingest", "run-1", time.Minute))
	assert.ErrorIs(t, s.RenewLease(ctx, "gps-ingest", "run-2", time.Minute), domain.ErrLeaseLost)

	require.NoError(t, s.ReleaseLease(ctx, "gps-ingest", "run-1"))
	ok, err = s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-2", "replica-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseExpiryFreesTheKey(t *testing.T) {
	ctx := context.Background()
	s, fc := newClockedStore()

	ok, err := s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-1", "replica-a")
	require.NoError(t, err)
	require.True(t, ok)

	fc.Advance(time.Minute)

	// Expired: renewal fails and a new holder may acquire.
	assert.ErrorIs(t, s.RenewLease(ctx, "gps-ingest", "run-1", time.Minute), domain.ErrLeaseLost)
	ok, err = s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-2", "replica-b")
	require.NoError(t, err)
	assert.True(t, ok)

	leases := s.Leases()
	require.Len(t, leases, 1)
	assert.Equal(t, "run-2", leases[0].RunID)
}

func TestReleaseByNonHolderIsNoOp(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore()

	ok, err := s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-1", "replica-a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "gps-ingest", "run-2"))
	require.NoError(t, s.ReleaseLease(ctx, "absent-key", "run-1"))

	// run-1 still holds it.
	ok, err = s.TryAcquireLease(ctx, "gps-ingest", time.Minute, "run-3", "replica-c")
	require.NoError(t, err)
	assert.False(t, ok)
}

func seedRun(t *testing.T, s *Store, id, job string, status domain.Status, enqueued time.Time) {
	t.Helper()
	require.NoError(t, s.CreateRun(context.Background(), &domain.RunRecord{
		RunID:        id,
		JobName:      job,
		Attempt:      1,
		Status:       domain.StatusQueued,
		EnqueuedAt:   enqueued,
		ScheduledFor: enqueued,
	}))
	if status == domain.StatusQueued {
		return
	}
	patch := runtime.RunPatch{Status: &status}
	if status != domain.StatusRunning {
		running := domain.StatusRunning
		require.NoError(t, s.UpdateRun(context.Background(), id, runtime.RunPatch{Status: &running}))
		finished := enqueued.Add(time.Minute)
		patch.FinishedAt = &finished
	}
	require.NoError(t, s.UpdateRun(context.Background(), id, patch))
}

func TestCreateRunRejectsDuplicateID(t *testing.T) {
	s, _ := newClockedStore()
	seedRun(t, s, "run-1", "gps-ingest", domain.StatusQueued, testStart)
	err := s.CreateRun(context.Background(), &domain.RunRecord{RunID: "run-1", JobName: "gps-ingest"})
	assert.Error(t, err)
}

func TestUpdateRunGuardsTransitions(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore()
	seedRun(t, s, "run-1", "gps-ingest", domain.StatusSucceeded, testStart)

	// Terminal records accept no further status changes.
	failed := domain.StatusFailed
	err := s.UpdateRun(ctx, "run-1", runtime.RunPatch{Status: &failed})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// Metrics still merge additively after the terminal write.
	require.NoError(t, s.UpdateRun(ctx, "run-1", runtime.RunPatch{Metrics: map[string]float64{"rows": 5}}))
	require.NoError(t, s.UpdateRun(ctx, "run-1", runtime.RunPatch{Metrics: map[string]float64{"rows": 2}}))
	rec, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, float64(7), rec.Metrics["rows"])

	assert.ErrorIs(t, s.UpdateRun(ctx, "ghost", runtime.RunPatch{}), domain.ErrRunNotFound)
}

func TestGetRunReturnsIsolatedCopy(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore()
	require.NoError(t, s.CreateRun(ctx, &domain.RunRecord{
		RunID:         "run-1",
		JobName:       "gps-ingest",
		Status:        domain.StatusQueued,
		InputSnapshot: domain.InputValues{"region": "north"},
	}))

	rec, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	rec.InputSnapshot["region"] = "mutated"

	again, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "north", again.InputSnapshot["region"])

	_, err = s.GetRun(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestFindRunsFiltersAndOrders(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore()

	seedRun(t, s, "run-1", "gps-ingest", domain.StatusSucceeded, testStart)
	seedRun(t, s, "run-2", "fare-recalc", domain.StatusFailed, testStart.Add(time.Minute))
	seedRun(t, s, "run-3", "gps-ingest", domain.StatusDead, testStart.Add(2*time.Minute))
	seedRun(t, s, "run-4", "gps-ingest", domain.StatusQueued, testStart.Add(3*time.Minute))

	// Newest first, no filter.
	all, err := s.FindRuns(ctx, runtime.RunFilter{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "run-4", all[0].RunID)
	assert.Equal(t, "run-1", all[3].RunID)

	// By job.
	byJob, err := s.FindRuns(ctx, runtime.RunFilter{JobName: "gps-ingest"}, 0)
	require.NoError(t, err)
	assert.Len(t, byJob, 3)

	// By status set.
	dead, err := s.FindRuns(ctx, runtime.RunFilter{
		Statuses: []domain.Status{domain.StatusDead, domain.StatusFailed},
	}, 0)
	require.NoError(t, err)
	require.Len(t, dead, 2)
	assert.Equal(t, "run-3", dead[0].RunID)

	// Since + limit.
	recent, err := s.FindRuns(ctx, runtime.RunFilter{Since: testStart.Add(time.Minute)}, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "run-4", recent[0].RunID)
	assert.Equal(t, "run-3", recent[1].RunID)
}

func TestLastScheduledFor(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore()

	last, err := s.LastScheduledFor(ctx, "gps-ingest")
	require.NoError(t, err)
	assert.True(t, last.IsZero(), "never-fired jobs report the zero time")

	seedRun(t, s, "run-1", "gps-ingest", domain.StatusSucceeded, testStart)
	seedRun(t, s, "run-2", "gps-ingest", domain.StatusQueued, testStart.Add(time.Hour))

	last, err = s.LastScheduledFor(ctx, "gps-ingest")
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(time.Hour), last)

	// Cancelled fires do not advance the cursor; a fire interrupted by
	// shutdown stays eligible for catch-up on the next start.
	seedRun(t, s, "run-3", "gps-ingest", domain.StatusCancelled, testStart.Add(2*time.Hour))
	last, err = s.LastScheduledFor(ctx, "gps-ingest")
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(time.Hour), last)
}

func TestDeleteFinishedBeforeHonorsRetentionWindows(t *testing.T) {
	ctx := context.Background()
	s, _ := newClockedStore()

	seedRun(t, s, "ok-old", "gps-ingest", domain.StatusSucceeded, testStart)
	seedRun(t, s, "fail-old", "gps-ingest", domain.StatusFailed, testStart)
	seedRun(t, s, "ok-new", "gps-ingest", domain.StatusSucceeded, testStart.Add(time.Hour))
	seedRun(t, s, "running", "gps-ingest", domain.StatusRunning, testStart)

	// Succeeded runs age out sooner than failures.
	okBefore := testStart.Add(30 * time.Minute)
	failedBefore := testStart.Add(-time.Hour)
	removed, err := s.DeleteFinishedBefore(ctx, okBefore, failedBefore)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.GetRun(ctx, "ok-old")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
	_, err = s.GetRun(ctx, "fail-old")
	assert.NoError(t, err, "failure kept by its longer window")
	_, err = s.GetRun(ctx, "running")
	assert.NoError(t, err, "non-terminal runs are never swept")

	// Widening the failure window sweeps the failure too.
	removed, err = s.DeleteFinishedBefore(ctx, okBefore, okBefore)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
