package runtime

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/urbanline/tspjob/internal/clock"
	"github.com/urbanline/tspjob/internal/domain"
	"github.com/urbanline/tspjob/internal/registry"
)

// fireEntry is one pending fire in the dispatcher's heap. Schedule-sourced
// entries carry only the job name and look the definition up at dispatch so
// reloads take effect; retry and trigger entries carry the definition
// snapshot cached at their original lease acquisition.
type fireEntry struct {
	at   time.Time
	name string

	priority     int
	attempt      int
	scheduledFor time.Time
	runID        string // preallocated for triggers; empty otherwise

	def    *domain.JobDefinition // nil for schedule-sourced entries
	inputs domain.InputValues    // nil means bind defaults at dispatch

	parentRunID string
	depth       int
	cause       string

	fromSchedule bool
	done         chan *domain.RunRecord
}

// fireHeap orders entries by fire time, then priority (higher first), then
// job name.
type fireHeap []*fireEntry

func (h fireHeap) Len() int { return len(h) }
func (h fireHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].name < h[j].name
}
func (h fireHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *fireHeap) Push(x any)        { *h = append(*h, x.(*fireEntry)) }
func (h *fireHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// starvationLimit is how many consecutive dispatches of one priority tier the
// dispatcher serves before letting a lower tier through.
const starvationLimit = 8

// dispatcher is the single logical loop per replica: it discovers due fires,
// binds inputs, races for leases and hands runs to the pool. Replicas run the
// same loop independently; the lease primitive arbitrates.
type dispatcher struct {
	cfg     Config
	reg     *registry.Registry
	store   RunStore
	pool    *pool
	clock   clock.Clock
	metrics *metrics
	logger  *slog.Logger

	heap    fireHeap
	ingress chan *fireEntry
	retries chan retryRequest
	reload  chan struct{}
}

func newDispatcher(rt *Runtime, p *pool, retries chan retryRequest) *dispatcher {
	return &dispatcher{
		cfg:     rt.cfg,
		reg:     rt.reg,
		store:   rt.store,
		pool:    p,
		clock:   rt.clock,
		metrics: rt.metrics,
		logger:  rt.logger,
		ingress: make(chan *fireEntry, rt.cfg.QueueSize),
		retries: retries,
		reload:  make(chan struct{}, 1),
	}
}

// notifyReload reseeds scheduled fires on the next loop pass.
func (d *dispatcher) notifyReload() {
	select {
	case d.reload <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run(ctx context.Context) {
	if d.cfg.StartupJitter > 0 {
		// Replicas restarting together would otherwise race every lease at
		// the same instant.
		jitter := rand.N(d.cfg.StartupJitter)
		select {
		case <-ctx.Done():
			return
		case <-d.clock.After(jitter):
		}
	}

	d.seed(ctx)

	for {
		var wake <-chan time.Time
		if len(d.heap) > 0 {
			wait := d.heap[0].at.Sub(d.clock.Now())
			if wait < 0 {
				wait = 0
			}
			wake = d.clock.After(wait)
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
			d.dispatchDue(ctx)
		case e := <-d.ingress:
			heap.Push(&d.heap, e)
			d.dispatchDue(ctx)
		case req := <-d.retries:
			heap.Push(&d.heap, &fireEntry{
				at:           req.notBefore,
				name:         req.def.Name,
				priority:     req.def.Priority,
				attempt:      req.attempt,
				scheduledFor: req.scheduledFor,
				def:          req.def,
				inputs:       req.inputs,
				parentRunID:  req.parentRunID,
				depth:        req.depth,
				cause:        req.cause,
				done:         req.done,
			})
		case <-d.reload:
			d.reseed(ctx)
		}
	}
}

// seed pushes the first fire of every schedule-driven job, applying each
// job's catch-up policy against the last recorded fire.
func (d *dispatcher) seed(ctx context.Context) {
	now := d.clock.Now()
	for _, def := range d.reg.List() {
		if !def.Schedule.Fires() {
			continue
		}

		last, err := d.store.LastScheduledFor(ctx, def.Name)
		if err != nil {
			d.logger.ErrorContext(ctx, "failed to read last fire, skipping catch-up",
				"job_name", def.Name, "error", err)
			last = time.Time{}
		}
		if !last.IsZero() {
			policy := def.CatchUp
			if policy == "" {
				policy = d.cfg.CatchUpDefault
			}
			// Catch-up entries do not reschedule on dispatch; the regular
			// next-fire entry below owns the forward schedule.
			for _, missed := range def.Schedule.CatchUp(policy, last, now) {
				heap.Push(&d.heap, &fireEntry{
					at:           now,
					name:         def.Name,
					priority:     def.Priority,
					attempt:      1,
					scheduledFor: missed,
				})
			}
		}

		from := now
		if last.After(from) {
			from = last
		}
		if next, ok := def.Schedule.Next(from); ok {
			heap.Push(&d.heap, &fireEntry{
				at:           next,
				name:         def.Name,
				priority:     def.Priority,
				attempt:      1,
				scheduledFor: next,
				fromSchedule: true,
			})
		}
	}
}

// reseed drops schedule-sourced entries and reseeds them from the reloaded
// registry. Retries and triggers in the heap are preserved.
func (d *dispatcher) reseed(ctx context.Context) {
	kept := d.heap[:0]
	for _, e := range d.heap {
		if !e.fromSchedule {
			kept = append(kept, e)
		}
	}
	d.heap = kept
	heap.Init(&d.heap)
	d.seed(ctx)
	d.logger.InfoContext(ctx, "dispatcher reseeded after registry reload",
		"jobs", d.reg.Len())
}

// dispatchDue pops and dispatches every entry whose fire time has arrived.
// Ties serve higher priority first, but after starvationLimit consecutive
// dispatches of one tier a lower tier gets a turn so it cannot starve.
func (d *dispatcher) dispatchDue(ctx context.Context) {
	now := d.clock.Now()

	var due []*fireEntry
	for len(d.heap) > 0 && !d.heap[0].at.After(now) {
		due = append(due, heap.Pop(&d.heap).(*fireEntry))
	}
	if len(due) == 0 {
		return
	}

	consecutive := 0
	lastPriority := 0
	for len(due) > 0 {
		idx := 0
		if consecutive >= starvationLimit {
			for i, e := range due {
				if e.priority < lastPriority {
					idx = i
					break
				}
			}
		}
		e := due[idx]
		due = append(due[:idx], due[idx+1:]...)

		if e.priority == lastPriority {
			consecutive++
		} else {
			consecutive = 1
			lastPriority = e.priority
		}

		d.dispatch(ctx, e)
	}
}

// dispatch runs steps 3a-3f of the dispatch algorithm for one due entry.
func (d *dispatcher) dispatch(ctx context.Context, e *fireEntry) {
	def := e.def
	if def == nil {
		var err error
		def, err = d.reg.Lookup(e.name)
		if err != nil {
			// Removed by a reload between seeding and firing.
			d.logger.WarnContext(ctx, "due fire references unregistered job, dropping",
				"job_name", e.name)
			return
		}
	}

	inputs := e.inputs
	if inputs == nil {
		bound, err := def.Inputs.Bind(nil)
		if err != nil {
			d.logger.ErrorContext(ctx, "scheduled job has unbindable defaults",
				"job_name", def.Name, "error", err)
			d.scheduleNext(e, def)
			return
		}
		inputs = bound
	}

	runID := e.runID
	if runID == "" {
		runID = uuid.NewString()
	}
	now := d.clock.Now()

	leaseKey, needLease := domain.LeaseKey(def.Name, def.Singleton, inputs)
	if needLease {
		acquired, err := d.store.TryAcquireLease(ctx, leaseKey, d.cfg.LeaseTTL, runID, d.cfg.ReplicaID)
		if err != nil {
			d.logger.ErrorContext(ctx, "lease acquisition failed",
				"job_name", def.Name, "lease_key", leaseKey, "error", err)
			d.scheduleNext(e, def)
			return
		}
		if !acquired {
			// A missed tick for singletons: do not reschedule this fire.
			d.metrics.recordSkip(ctx, def.Name, "skipped_held")
			d.logger.InfoContext(ctx, "fire skipped, lease held elsewhere",
				"job_name", def.Name, "lease_key", leaseKey, "scheduled_for", e.scheduledFor)
			if e.done != nil {
				// Waiters learn the fire was skipped; a nil record means no
				// run was created.
				select {
				case e.done <- nil:
				default:
				}
			}
			d.scheduleNext(e, def)
			return
		}
	}

	rec := &domain.RunRecord{
		RunID:         runID,
		JobName:       def.Name,
		Attempt:       e.attempt,
		ScheduledFor:  e.scheduledFor,
		EnqueuedAt:    now,
		ReplicaID:     d.cfg.ReplicaID,
		Status:        domain.StatusQueued,
		InputSnapshot: inputs,
		ParentRunID:   e.parentRunID,
		TriggerDepth:  e.depth,
		TriggerCause:  e.cause,
	}
	if needLease {
		rec.Status = domain.StatusLeased
		rec.LeasedAt = now
	}

	if err := d.store.CreateRun(ctx, rec); err != nil {
		d.logger.ErrorContext(ctx, "failed to create run record",
			"job_name", def.Name, "run_id", runID, "error", err)
		if needLease {
			if relErr := d.store.ReleaseLease(ctx, leaseKey, runID); relErr != nil {
				d.logger.WarnContext(ctx, "lease release failed", "lease_key", leaseKey, "error", relErr)
			}
		}
		d.scheduleNext(e, def)
		return
	}

	t := &task{def: def, rec: rec, leaseKey: leaseKey, hasLease: needLease, done: e.done}
	if !d.pool.submit(t) {
		d.metrics.recordSkip(ctx, def.Name, "skipped_backpressure")
		d.logger.WarnContext(ctx, "pool queue full, dropping fire",
			"job_name", def.Name, "run_id", runID)
		d.pool.abandon(ctx, t, "worker pool backpressure")
	}

	d.scheduleNext(e, def)
}

// scheduleNext pushes the next fire of a schedule-sourced entry back onto the
// heap. One-shot schedules yield nothing further and fall away here.
func (d *dispatcher) scheduleNext(e *fireEntry, def *domain.JobDefinition) {
	if !e.fromSchedule {
		return
	}
	next, ok := def.Schedule.Next(e.scheduledFor)
	if !ok {
		return
	}
	heap.Push(&d.heap, &fireEntry{
		at:           next,
		name:         def.Name,
		priority:     def.Priority,
		attempt:      1,
		scheduledFor: next,
		fromSchedule: true,
	})
}

// enqueue pushes a trigger entry into the dispatcher, honoring ctx.
func (d *dispatcher) enqueue(ctx context.Context, e *fireEntry) error {
	select {
	case d.ingress <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errDispatcherStopped = errors.New("dispatcher stopped")
