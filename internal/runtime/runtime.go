// Package runtime is the job runtime core: dispatcher, worker pool,
// execution contexts, retry and lease semantics. It coordinates replicas
// exclusively through the RunStore's lease primitive; there is no
// peer-to-peer traffic.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/urbanline/tspjob/internal/clock"
	"github.com/urbanline/tspjob/internal/domain"
	"github.com/urbanline/tspjob/internal/registry"
)

// ShutdownMode selects how Shutdown treats in-flight runs.
type ShutdownMode int

const (
	// ShutdownGraceful stops dispatching, cancels in-flight runs and waits
	// the configured grace window for them to finish.
	ShutdownGraceful ShutdownMode = iota
	// ShutdownImmediate bypasses the grace window; remaining runs are marked
	// cancelled.
	ShutdownImmediate
)

// Runtime is one replica of the job runtime core.
type Runtime struct {
	cfg     Config
	reg     *registry.Registry
	store   RunStore
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics
	alerts  *alertRouter

	pool *pool
	disp *dispatcher

	runsCancel context.CancelCauseFunc
	dispCancel context.CancelFunc
	poolCancel context.CancelFunc

	started  atomic.Bool
	stopOnce sync.Once
	hardOnce sync.Once
	hardReq  chan struct{}
	hardReqO sync.Once
	stopped  chan struct{}

	logsMu   sync.Mutex
	runLogs  map[string][]string
	logsFifo []string
}

// Option customises a Runtime.
type Option func(*Runtime) error

// WithClock replaces the wall clock; tests drive a fake through this.
func WithClock(c clock.Clock) Option {
	return func(rt *Runtime) error {
		rt.clock = c
		return nil
	}
}

// WithLogger sets the host logging sink. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) error {
		rt.logger = l
		return nil
	}
}

// WithLeaseStore overrides lease operations while runs stay in the run
// store. Lets a Redis compare-and-set backend arbitrate singletons in front
// of a SQL record store.
func WithLeaseStore(leases LeaseStore) Option {
	return func(rt *Runtime) error {
		rt.store = &splitStore{RunStore: rt.store, leases: leases}
		return nil
	}
}

// splitStore routes lease operations to a dedicated coordination backend.
type splitStore struct {
	RunStore
	leases LeaseStore
}

func (s *splitStore) TryAcquireLease(ctx context.Context, key string, ttl time.Duration, runID, replicaID string) (bool, error) {
	return s.leases.TryAcquireLease(ctx, key, ttl, runID, replicaID)
}

func (s *splitStore) RenewLease(ctx context.Context, key, runID string, ttl time.Duration) error {
	return s.leases.RenewLease(ctx, key, runID, ttl)
}

func (s *splitStore) ReleaseLease(ctx context.Context, key, runID string) error {
	return s.leases.ReleaseLease(ctx, key, runID)
}

// AlertSinks registers host alert sinks keyed by channel identifier.
type AlertSinks map[string]AlertSink

// WithAlertSinks installs the host's alert sinks.
func WithAlertSinks(sinks AlertSinks) Option {
	return func(rt *Runtime) error {
		rt.alerts = newAlertRouter(sinks, rt.metrics, rt.logger)
		return nil
	}
}

// New builds a runtime over the given registry and run store.
func New(cfg Config, reg *registry.Registry, store RunStore, opts ...Option) (*Runtime, error) {
	cfg.withDefaults()

	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to build metrics: %w", err)
	}

	rt := &Runtime{
		cfg:     cfg,
		reg:     reg,
		store:   store,
		clock:   clock.System(),
		logger:  slog.Default(),
		metrics: m,
		hardReq: make(chan struct{}),
		stopped: make(chan struct{}),
		runLogs: make(map[string][]string),
	}
	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return nil, err
		}
	}
	if rt.alerts == nil {
		rt.alerts = newAlertRouter(nil, rt.metrics, rt.logger)
	}

	runsCtx, runsCancel := context.WithCancelCause(context.Background())
	rt.runsCancel = runsCancel

	retries := make(chan retryRequest, cfg.QueueSize)
	rt.pool = newPool(rt, retries, runsCtx)
	rt.disp = newDispatcher(rt, rt.pool, retries)
	return rt, nil
}

// Start runs the dispatcher, worker pool and retention sweeper until ctx is
// cancelled or Shutdown is called. Cancelling ctx is a graceful shutdown.
func (rt *Runtime) Start(ctx context.Context) error {
	if !rt.started.CompareAndSwap(false, true) {
		return errors.New("runtime already started")
	}

	rt.logger.InfoContext(ctx, "runtime starting",
		"replica_id", rt.cfg.ReplicaID,
		"workers", rt.cfg.Workers,
		"queue", rt.cfg.QueueSize,
		"lease_ttl", rt.cfg.LeaseTTL,
		"jobs", rt.reg.Len())

	dispCtx, dispCancel := context.WithCancel(context.Background())
	poolCtx, poolCancel := context.WithCancel(context.Background())
	rt.dispCancel = dispCancel
	rt.poolCancel = poolCancel

	go func() {
		select {
		case <-ctx.Done():
			rt.Shutdown(ShutdownGraceful)
		case <-rt.stopped:
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		rt.pool.run(poolCtx)
		return nil
	})
	g.Go(func() error {
		rt.disp.run(dispCtx)
		return nil
	})
	g.Go(func() error {
		rt.retentionLoop(poolCtx)
		return nil
	})

	err := g.Wait()
	rt.logger.InfoContext(ctx, "runtime stopped", "replica_id", rt.cfg.ReplicaID)
	return err
}

// Shutdown stops the runtime. Graceful: no new fires, cancel in-flight runs,
// wait the grace window for the drain. Immediate: bypass every grace window;
// a second graceful signal escalates to immediate.
func (rt *Runtime) Shutdown(mode ShutdownMode) {
	// Signal escalation before entering the Once so an immediate request
	// interrupts a graceful drain already in progress instead of queueing
	// behind it for the full grace window.
	if mode == ShutdownImmediate {
		rt.hardReqO.Do(func() { close(rt.hardReq) })
	}
	rt.stopOnce.Do(func() {
		rt.logger.Info("shutdown requested", "mode", mode)

		if rt.dispCancel != nil {
			rt.dispCancel()
		}
		rt.runsCancel(errShutdown)

		if mode == ShutdownImmediate {
			rt.hardAbort()
			return
		}

		drained := make(chan struct{})
		go func() {
			rt.pool.inflight.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-rt.clock.After(rt.cfg.ShutdownGrace + rt.cfg.GracePeriod):
		case <-rt.hardReq:
			rt.hardAbort()
			return
		}
		rt.finishShutdown()
	})
	if mode == ShutdownImmediate {
		rt.hardAbort()
	}
}

func (rt *Runtime) hardAbort() {
	rt.hardOnce.Do(func() {
		close(rt.pool.hardStop)
		rt.finishShutdown()
	})
}

func (rt *Runtime) finishShutdown() {
	if rt.poolCancel != nil {
		rt.poolCancel()
	}
	select {
	case <-rt.stopped:
	default:
		close(rt.stopped)
	}
}

// Reload atomically swaps the job catalog and reseeds the dispatcher.
// Runs already leased continue under the definitions they were dispatched
// with.
func (rt *Runtime) Reload(defs []*domain.JobDefinition) error {
	if err := rt.reg.Reload(defs); err != nil {
		return err
	}
	rt.disp.notifyReload()
	return nil
}

// ErrRunSkipped reports that a synchronous run never started because the
// singleton lease was held elsewhere. No run record exists for it.
var ErrRunSkipped = errors.New("run skipped: singleton lease held")

// triggerOrigin carries parentage for child runs.
type triggerOrigin struct {
	parentRunID string
	depth       int
	cause       string
}

// Trigger imperatively enqueues a run. The run honors the job's singleton,
// timeout and retry policies exactly as a scheduled fire would.
func (rt *Runtime) Trigger(ctx context.Context, jobName string, inputs map[string]string) (string, error) {
	return rt.trigger(ctx, jobName, inputs, triggerOrigin{})
}

// TriggerEvent enqueues an event-driven run tagged with its cause.
func (rt *Runtime) TriggerEvent(ctx context.Context, jobName string, inputs map[string]string, cause string) (string, error) {
	return rt.trigger(ctx, jobName, inputs, triggerOrigin{cause: cause})
}

func (rt *Runtime) trigger(ctx context.Context, jobName string, inputs map[string]string, origin triggerOrigin) (string, error) {
	entry, err := rt.buildTrigger(ctx, jobName, inputs, origin, nil)
	if err != nil {
		return "", err
	}
	if err := rt.disp.enqueue(ctx, entry); err != nil {
		return "", err
	}
	return entry.runID, nil
}

func (rt *Runtime) triggerWait(ctx context.Context, jobName string, inputs map[string]string, origin triggerOrigin) (*domain.RunRecord, error) {
	done := make(chan *domain.RunRecord, 1)
	entry, err := rt.buildTrigger(ctx, jobName, inputs, origin, done)
	if err != nil {
		return nil, err
	}
	if err := rt.disp.enqueue(ctx, entry); err != nil {
		return nil, err
	}
	select {
	case rec := <-done:
		if rec == nil {
			return nil, ErrRunSkipped
		}
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rt *Runtime) buildTrigger(ctx context.Context, jobName string, inputs map[string]string, origin triggerOrigin, done chan *domain.RunRecord) (*fireEntry, error) {
	if !rt.started.Load() {
		return nil, errDispatcherStopped
	}
	if origin.depth > rt.cfg.MaxTriggerDepth {
		return nil, domain.Classify(domain.KindInvalidInput,
			fmt.Errorf("trigger depth %d exceeds bound %d", origin.depth, rt.cfg.MaxTriggerDepth))
	}

	def, err := rt.reg.Lookup(jobName)
	if err != nil {
		return nil, err
	}
	bound, err := def.Inputs.Bind(inputs)
	if err != nil {
		return nil, err
	}

	return &fireEntry{
		at:          rt.clock.Now(),
		name:        def.Name,
		priority:    def.Priority,
		attempt:     1,
		runID:       uuid.NewString(),
		def:         def,
		inputs:      bound,
		parentRunID: origin.parentRunID,
		depth:       origin.depth,
		cause:       origin.cause,
		done:        done,
	}, nil
}

// RunSync executes one run to a terminal state and returns its record; the
// CLI's one-shot path. Singleton and timeout policies apply; the retry
// policy applies only when withRetry is set.
func (rt *Runtime) RunSync(ctx context.Context, jobName string, inputs map[string]string, withRetry bool) (*domain.RunRecord, error) {
	def, err := rt.reg.Lookup(jobName)
	if err != nil {
		return nil, err
	}
	snapshot := *def
	if !withRetry {
		snapshot.Retry = domain.RetryPolicy{MaxAttempts: 1}
	}

	bound, err := snapshot.Inputs.Bind(inputs)
	if err != nil {
		return nil, err
	}
	done := make(chan *domain.RunRecord, 1)
	entry := &fireEntry{
		at:       rt.clock.Now(),
		name:     snapshot.Name,
		priority: snapshot.Priority,
		attempt:  1,
		runID:    uuid.NewString(),
		def:      &snapshot,
		inputs:   bound,
		done:     done,
	}
	if err := rt.disp.enqueue(ctx, entry); err != nil {
		return nil, err
	}
	select {
	case rec := <-done:
		if rec == nil {
			return nil, ErrRunSkipped
		}
		return rec, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns the run record for observability tooling.
func (rt *Runtime) Status(ctx context.Context, runID string) (*domain.RunRecord, error) {
	return rt.store.GetRun(ctx, runID)
}

// TailRuns returns recent runs matching the filter, newest first.
func (rt *Runtime) TailRuns(ctx context.Context, filter RunFilter, limit int) ([]*domain.RunRecord, error) {
	return rt.store.FindRuns(ctx, filter, limit)
}

// RunLogs returns the short-term captured log lines of a recent run on this
// replica, in program order.
func (rt *Runtime) RunLogs(runID string) []string {
	rt.logsMu.Lock()
	defer rt.logsMu.Unlock()
	return rt.runLogs[runID]
}

// runLogRetentionRuns bounds how many runs keep captured logs in memory.
const runLogRetentionRuns = 1024

func (rt *Runtime) storeRunLogs(runID string, lines []string) {
	rt.logsMu.Lock()
	defer rt.logsMu.Unlock()
	if _, exists := rt.runLogs[runID]; !exists {
		rt.logsFifo = append(rt.logsFifo, runID)
	}
	rt.runLogs[runID] = lines
	for len(rt.logsFifo) > runLogRetentionRuns {
		evict := rt.logsFifo[0]
		rt.logsFifo = rt.logsFifo[1:]
		delete(rt.runLogs, evict)
	}
}
