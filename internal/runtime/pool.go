package runtime

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"github.com/urbanline/tspjob/internal/clock"
	"github.com/urbanline/tspjob/internal/domain"
)

// errShutdown is the cancellation cause installed on handler contexts during
// graceful shutdown.
var errShutdown = errors.New("runtime shutting down")

// task is one run attempt handed from the dispatcher to the pool. The
// definition is the snapshot cached at lease acquisition; registry reloads do
// not affect in-flight tasks.
type task struct {
	def      *domain.JobDefinition
	rec      *domain.RunRecord
	leaseKey string
	hasLease bool

	// done, when non-nil, receives the final record once the attempt reaches
	// a terminal state on this replica. Buffered by the creator.
	done chan *domain.RunRecord
}

// retryRequest asks the dispatcher to re-enqueue a fire after backoff.
// The definition snapshot and input snapshot carry over; the dispatcher
// allocates a fresh run id and lease.
type retryRequest struct {
	def          *domain.JobDefinition
	attempt      int
	scheduledFor time.Time
	inputs       domain.InputValues
	parentRunID  string
	depth        int
	cause        string
	notBefore    time.Time
	done         chan *domain.RunRecord
}

// pool executes tasks on a bounded set of slots with per-job admission
// control, lease heartbeats, timeout detachment and outcome classification.
type pool struct {
	cfg     Config
	store   RunStore
	clock   clock.Clock
	metrics *metrics
	alerts  *alertRouter
	logger  *slog.Logger
	rt      *Runtime

	queue   chan *task
	retries chan<- retryRequest

	// runsCtx is cancelled (with cause errShutdown) when in-flight handlers
	// must stop.
	runsCtx context.Context

	// hardStop bypasses every grace window on immediate shutdown.
	hardStop chan struct{}

	gatesMu sync.Mutex
	gates   map[string]*jobGate

	wg sync.WaitGroup

	// inflight tracks tasks between admission and terminal write so graceful
	// shutdown can wait for the drain.
	inflight sync.WaitGroup
}

func newPool(rt *Runtime, retries chan<- retryRequest, runsCtx context.Context) *pool {
	return &pool{
		cfg:      rt.cfg,
		store:    rt.store,
		clock:    rt.clock,
		metrics:  rt.metrics,
		alerts:   rt.alerts,
		logger:   rt.logger,
		rt:       rt,
		queue:    make(chan *task, rt.cfg.QueueSize),
		retries:  retries,
		runsCtx:  runsCtx,
		hardStop: make(chan struct{}),
		gates:    make(map[string]*jobGate),
	}
}

// submit offers a task to the ingress queue without blocking. False means
// backpressure; the dispatcher releases the lease and records the skip.
func (p *pool) submit(t *task) bool {
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// run starts the execution slots and blocks until ctx is cancelled and every
// slot has returned.
func (p *pool) run(ctx context.Context) {
	for range p.cfg.Workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-p.queue:
					p.process(ctx, t)
				}
			}
		}()
	}
	<-ctx.Done()
	p.wg.Wait()
	p.drainQueued(context.WithoutCancel(ctx))
}

// drainQueued cancels tasks still sitting in the ingress queue at shutdown so
// their leases release and their records do not stay leased forever.
func (p *pool) drainQueued(ctx context.Context) {
	for {
		select {
		case t := <-p.queue:
			p.abandon(ctx, t, "shutdown before execution")
		default:
			return
		}
	}
}

// jobGate is the per-job admission semaphore. holders counts admitted runs
// plus waiters still queued on the channel, so the gate can only be resized
// or dropped while truly idle.
type jobGate struct {
	ch      chan struct{}
	holders int
}

// gate reserves a spot on the per-job admission semaphore. Singleton jobs
// admit one local run; the lease covers the cross-replica half. A changed
// concurrency limit takes effect only once the job is idle, so in-flight
// holders of the old limit can never stack with admissions under the new one.
func (p *pool) gate(def *domain.JobDefinition) *jobGate {
	capacity := def.MaxConcurrent
	if def.Singleton != domain.SingletonNone {
		capacity = 1
	}
	p.gatesMu.Lock()
	defer p.gatesMu.Unlock()
	g, ok := p.gates[def.Name]
	if !ok || (cap(g.ch) != capacity && g.holders == 0) {
		g = &jobGate{ch: make(chan struct{}, capacity)}
		p.gates[def.Name] = g
	}
	g.holders++
	return g
}

// ungate returns an admission slot (admitted) or just the reservation, and
// prunes the gate once idle so unregistered jobs do not leak map entries.
func (p *pool) ungate(name string, g *jobGate, admitted bool) {
	if admitted {
		<-g.ch
	}
	p.gatesMu.Lock()
	g.holders--
	if g.holders == 0 && p.gates[name] == g {
		delete(p.gates, name)
	}
	p.gatesMu.Unlock()
}

func (p *pool) process(ctx context.Context, t *task) {
	p.inflight.Add(1)
	defer p.inflight.Done()

	gate := p.gate(t.def)
	select {
	case gate.ch <- struct{}{}:
	default:
		// At capacity: wait up to AdmissionWait for a slot.
		select {
		case gate.ch <- struct{}{}:
		case <-p.clock.After(p.cfg.AdmissionWait):
			p.ungate(t.def.Name, gate, false)
			p.metrics.recordSkip(ctx, t.def.Name, "skipped_admission")
			p.abandon(ctx, t, "per-job concurrency admission timed out")
			return
		case <-ctx.Done():
			p.ungate(t.def.Name, gate, false)
			p.abandon(context.WithoutCancel(ctx), t, "shutdown before execution")
			return
		}
	}
	defer p.ungate(t.def.Name, gate, true)

	p.execute(ctx, t)
}

// abandon cancels a task that never started: the lease is released and the
// record moves to cancelled so it cannot linger in queued/leased.
func (p *pool) abandon(ctx context.Context, t *task, reason string) {
	now := p.clock.Now()
	patch := RunPatch{
		Status:       ptr(domain.StatusCancelled),
		FinishedAt:   &now,
		ErrorKind:    ptr(domain.KindCancelled),
		ErrorMessage: &reason,
	}
	if err := p.store.UpdateRun(ctx, t.rec.RunID, patch); err != nil {
		p.logger.ErrorContext(ctx, "failed to cancel unstarted run",
			"run_id", t.rec.RunID, "job_name", t.rec.JobName, "error", err)
	}
	t.rec.Status = domain.StatusCancelled
	t.rec.FinishedAt = now
	p.releaseLease(ctx, t)
	p.notify(t)
}

func (p *pool) releaseLease(ctx context.Context, t *task) {
	if !t.hasLease {
		return
	}
	if err := p.store.ReleaseLease(ctx, t.leaseKey, t.rec.RunID); err != nil {
		p.logger.WarnContext(ctx, "lease release failed",
			"lease_key", t.leaseKey, "run_id", t.rec.RunID, "error", err)
	}
}

func (p *pool) notify(t *task) {
	if t.done == nil {
		return
	}
	select {
	case t.done <- t.rec:
	default:
	}
}

// heartbeat renews the task's lease every ttl/3 and cancels the run with
// domain.ErrLeaseLost when renewal reports loss. A lost lease means another
// replica may already be running; all further writes must stop.
func (p *pool) heartbeat(ctx context.Context, t *task, cancel context.CancelCauseFunc) {
	interval := p.cfg.LeaseTTL / 3
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(interval):
			err := p.store.RenewLease(ctx, t.leaseKey, t.rec.RunID, p.cfg.LeaseTTL)
			if errors.Is(err, domain.ErrLeaseLost) {
				p.logger.WarnContext(ctx, "lease lost mid-run, cancelling",
					"lease_key", t.leaseKey, "run_id", t.rec.RunID)
				cancel(domain.ErrLeaseLost)
				return
			}
			if err != nil {
				p.logger.WarnContext(ctx, "lease renewal failed",
					"lease_key", t.leaseKey, "run_id", t.rec.RunID, "error", err)
			}
		}
	}
}

func (p *pool) execute(ctx context.Context, t *task) {
	rec, def := t.rec, t.def

	// Rebinding the snapshot revalidates it against the definition the run
	// was dispatched with; failures are invalid_input and never retried.
	if _, err := def.Inputs.Bind(rec.InputSnapshot); err != nil {
		p.finish(ctx, t, outcome{
			status:  domain.StatusFailed,
			kind:    domain.KindInvalidInput,
			message: err.Error(),
		}, nil)
		return
	}

	started := p.clock.Now()
	deadline := started.Add(def.Timeout)

	// Cancellation layering: runsCtx carries shutdown, the cause cancel
	// carries lease loss, the deadline carries the timeout.
	baseCtx, cancelCause := context.WithCancelCause(p.runsCtx)
	defer cancelCause(nil)
	runCtx, cancelDeadline := context.WithDeadline(baseCtx, deadline)
	defer cancelDeadline()

	if t.hasLease {
		hbCtx, stopHeartbeat := context.WithCancel(ctx)
		defer stopHeartbeat()
		go p.heartbeat(hbCtx, t, cancelCause)
	}

	patch := RunPatch{Status: ptr(domain.StatusRunning), StartedAt: &started}
	if err := p.store.UpdateRun(ctx, rec.RunID, patch); err != nil {
		p.logger.ErrorContext(ctx, "failed to mark run running",
			"run_id", rec.RunID, "job_name", rec.JobName, "error", err)
		p.releaseLease(ctx, t)
		p.notify(t)
		return
	}
	rec.Status = domain.StatusRunning
	rec.StartedAt = started
	p.metrics.recordStart(ctx, rec.JobName, rec.Attempt)

	jc := p.rt.newJobContext(def, rec)
	jc.logger.InfoContext(runCtx, "run started", "scheduled_for", rec.ScheduledFor)

	resultCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- domain.PanicError{Value: r, StackTrace: string(debug.Stack())}
			}
		}()
		resultCh <- def.Handler(runCtx, jc)
	}()

	var handlerErr error
	detached := false
	select {
	case handlerErr = <-resultCh:
	case <-runCtx.Done():
		// Deadline, lease loss or shutdown. The handler gets a grace window
		// to observe cancellation and return; past that the runtime detaches
		// and the remaining work is orphaned. Shutdown uses the configured
		// shutdown grace, everything else the per-run grace period.
		wait := p.cfg.GracePeriod
		if errors.Is(context.Cause(runCtx), errShutdown) {
			wait = p.cfg.ShutdownGrace
		}
		select {
		case handlerErr = <-resultCh:
		case <-p.clock.After(wait):
			detached = true
			jc.logger.WarnContext(ctx, "handler exceeded grace window, detaching")
		case <-p.hardStop:
			detached = true
			jc.logger.WarnContext(ctx, "immediate shutdown, abandoning handler")
		}
	}

	out := p.classify(runCtx, handlerErr, detached)
	p.finish(ctx, t, out, jc)
}

// outcome is the interpreted result of one attempt.
type outcome struct {
	status  domain.Status
	kind    domain.ErrorKind
	message string
	stack   string
}

func (p *pool) classify(runCtx context.Context, handlerErr error, detached bool) outcome {
	cause := context.Cause(runCtx)

	if detached {
		switch {
		case errors.Is(cause, context.DeadlineExceeded):
			return outcome{status: domain.StatusTimedOut, kind: domain.KindTimeout, message: "deadline exceeded, handler detached"}
		case errors.Is(cause, domain.ErrLeaseLost):
			return outcome{status: domain.StatusCancelled, kind: domain.KindCancelled, message: "lease lost"}
		default:
			return outcome{status: domain.StatusCancelled, kind: domain.KindCancelled, message: "shutdown"}
		}
	}

	if handlerErr == nil {
		return outcome{status: domain.StatusSucceeded}
	}

	var panicErr domain.PanicError
	if errors.As(handlerErr, &panicErr) {
		return outcome{
			status:  domain.StatusFailed,
			kind:    domain.KindUnexpected,
			message: panicErr.Error(),
			stack:   panicErr.StackTrace,
		}
	}

	// Handlers that bubble the context error get classified by cause.
	if errors.Is(handlerErr, context.DeadlineExceeded) ||
		(errors.Is(handlerErr, context.Canceled) && cause != nil) {
		switch {
		case errors.Is(cause, context.DeadlineExceeded):
			return outcome{status: domain.StatusTimedOut, kind: domain.KindTimeout, message: "deadline exceeded"}
		case errors.Is(cause, domain.ErrLeaseLost):
			return outcome{status: domain.StatusCancelled, kind: domain.KindCancelled, message: "lease lost"}
		case errors.Is(cause, errShutdown):
			return outcome{status: domain.StatusCancelled, kind: domain.KindCancelled, message: "shutdown"}
		}
	}

	kind := domain.KindOf(handlerErr)
	status := domain.StatusFailed
	switch kind {
	case domain.KindTimeout:
		status = domain.StatusTimedOut
	case domain.KindCancelled:
		status = domain.StatusCancelled
	}
	return outcome{status: status, kind: kind, message: handlerErr.Error()}
}

// finish interprets the outcome against the retry policy, persists the
// update, releases the lease and routes alerts. jc may be nil when the run
// never started.
func (p *pool) finish(ctx context.Context, t *task, out outcome, jc *jobContext) {
	rec, def := t.rec, t.def
	now := p.clock.Now()

	retryEligible := false
	status := out.status
	if status != domain.StatusSucceeded && status != domain.StatusCancelled {
		if def.Retry.Retryable(out.kind) {
			if rec.Attempt < def.Retry.MaxAttempts {
				retryEligible = true
			} else {
				// Retry budget exhausted on a retryable kind: the canonical
				// operator-attention state.
				status = domain.StatusDead
			}
		}
	}

	patch := RunPatch{
		Status:     &status,
		FinishedAt: &now,
	}
	if out.kind != "" {
		patch.ErrorKind = &out.kind
		patch.ErrorMessage = &out.message
	}
	if out.stack != "" {
		patch.ErrorStack = &out.stack
	}
	if jc != nil {
		patch.Metrics = jc.metricsSnapshot()
	}
	if err := p.store.UpdateRun(ctx, rec.RunID, patch); err != nil {
		p.logger.ErrorContext(ctx, "failed to persist run outcome",
			"run_id", rec.RunID, "job_name", rec.JobName, "status", status, "error", err)
	}
	rec.Status = status
	rec.FinishedAt = now
	rec.ErrorKind = out.kind
	rec.ErrorMessage = out.message

	p.releaseLease(ctx, t)
	p.metrics.recordFinish(ctx, rec)
	if jc != nil {
		p.rt.storeRunLogs(rec.RunID, jc.ring.Snapshot())
	}

	// The lease must be free before the retry is enqueued: a retry
	// dispatched while this attempt still held the singleton would count
	// skipped_held and be dropped.
	retryScheduled := false
	if retryEligible {
		retryScheduled = p.scheduleRetry(ctx, t, out)
	}

	switch status {
	case domain.StatusSucceeded:
		p.logger.InfoContext(ctx, "run succeeded",
			"job_name", rec.JobName, "run_id", rec.RunID, "attempt", rec.Attempt,
			"duration", rec.Duration())
	case domain.StatusCancelled:
		p.logger.WarnContext(ctx, "run cancelled",
			"job_name", rec.JobName, "run_id", rec.RunID, "attempt", rec.Attempt,
			"reason", out.message)
	default:
		p.logger.ErrorContext(ctx, "run failed",
			"job_name", rec.JobName, "run_id", rec.RunID, "attempt", rec.Attempt,
			"status", status, "error_kind", out.kind, "error", out.message,
			"will_retry", retryScheduled)
	}

	if !retryScheduled && status != domain.StatusSucceeded && status != domain.StatusCancelled {
		p.alerts.emit(ctx, def.AlertChannels, AlertEvent{
			JobName:      rec.JobName,
			RunID:        rec.RunID,
			Attempt:      rec.Attempt,
			Status:       status,
			ErrorKind:    out.kind,
			ErrorMessage: out.message,
			DurationMS:   rec.Duration().Milliseconds(),
			ScheduledFor: rec.ScheduledFor,
		})
	}

	// Notify waiters only on terminal-for-the-fire outcomes so TriggerWait
	// observes the final state, not an intermediate retryable failure.
	if !retryScheduled {
		p.notify(t)
	}
}

// scheduleRetry asks the dispatcher to re-enqueue the fire after backoff plus
// up to 20% uniform jitter. Returns false if the dispatcher is gone.
func (p *pool) scheduleRetry(ctx context.Context, t *task, out outcome) bool {
	backoff := t.def.Retry.BackoffFor(t.rec.Attempt)
	if jitterCap := backoff / 5; jitterCap > 0 {
		backoff += rand.N(jitterCap)
	}
	req := retryRequest{
		def:          t.def,
		attempt:      t.rec.Attempt + 1,
		scheduledFor: t.rec.ScheduledFor,
		inputs:       t.rec.InputSnapshot,
		parentRunID:  t.rec.ParentRunID,
		depth:        t.rec.TriggerDepth,
		cause:        t.rec.TriggerCause,
		notBefore:    p.clock.Now().Add(backoff),
		done:         t.done,
	}
	select {
	case p.retries <- req:
		return true
	default:
		p.logger.WarnContext(ctx, "retry dropped, dispatcher unavailable",
			"job_name", t.rec.JobName, "run_id", t.rec.RunID)
		return false
	}
}
