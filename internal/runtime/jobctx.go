package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/urbanline/tspjob/internal/domain"
)

// logRing keeps the most recent log lines of a run for short-term retrieval
// through Status. Safe for concurrent use by anything the handler spawns.
type logRing struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newLogRing(max int) *logRing {
	return &logRing{max: max}
}

func (r *logRing) append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
}

// Snapshot returns the captured lines in program order.
func (r *logRing) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// ringHandler tees slog records into the run's ring buffer while forwarding
// them to the host sink.
type ringHandler struct {
	base slog.Handler
	ring *logRing
}

func (h ringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h ringHandler) Handle(ctx context.Context, rec slog.Record) error {
	var b strings.Builder
	b.WriteString(rec.Time.UTC().Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(rec.Level.String())
	b.WriteByte(' ')
	b.WriteString(rec.Message)
	rec.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	h.ring.append(b.String())
	return h.base.Handle(ctx, rec)
}

func (h ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ringHandler{base: h.base.WithAttrs(attrs), ring: h.ring}
}

func (h ringHandler) WithGroup(name string) slog.Handler {
	return ringHandler{base: h.base.WithGroup(name), ring: h.ring}
}

// jobContext implements domain.JobContext for one attempt.
type jobContext struct {
	rt  *Runtime
	def *domain.JobDefinition
	rec *domain.RunRecord

	logger *slog.Logger
	ring   *logRing

	mu       sync.Mutex
	counters map[string]float64
}

const runLogRetention = 256

func (rt *Runtime) newJobContext(def *domain.JobDefinition, rec *domain.RunRecord) *jobContext {
	ring := newLogRing(runLogRetention)
	logger := slog.New(ringHandler{base: rt.logger.Handler(), ring: ring}).With(
		"job_name", rec.JobName,
		"run_id", rec.RunID,
		"attempt", rec.Attempt,
	)
	return &jobContext{
		rt:       rt,
		def:      def,
		rec:      rec,
		logger:   logger,
		ring:     ring,
		counters: make(map[string]float64),
	}
}

func (c *jobContext) JobName() string            { return c.rec.JobName }
func (c *jobContext) RunID() string              { return c.rec.RunID }
func (c *jobContext) Attempt() int               { return c.rec.Attempt }
func (c *jobContext) ScheduledFor() time.Time    { return c.rec.ScheduledFor }
func (c *jobContext) ReplicaID() string          { return c.rt.cfg.ReplicaID }
func (c *jobContext) Inputs() domain.InputValues { return c.rec.InputSnapshot }
func (c *jobContext) Now() time.Time             { return c.rt.clock.Now() }
func (c *jobContext) Logger() *slog.Logger       { return c.logger }

func (c *jobContext) Fail(kind domain.ErrorKind, message string) error {
	return domain.Classify(kind, fmt.Errorf("%s", message))
}

func (c *jobContext) FailWith(kind domain.ErrorKind, err error) error {
	return domain.Classify(kind, err)
}

func (c *jobContext) Metric(name string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += delta
}

// metricsSnapshot returns the accumulated counters for persistence.
func (c *jobContext) metricsSnapshot() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.counters) == 0 {
		return nil
	}
	out := make(map[string]float64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

func (c *jobContext) Trigger(ctx context.Context, jobName string, inputs map[string]string) (string, error) {
	return c.rt.trigger(ctx, jobName, inputs, triggerOrigin{
		parentRunID: c.rec.RunID,
		depth:       c.rec.TriggerDepth + 1,
	})
}

func (c *jobContext) TriggerWait(ctx context.Context, jobName string, inputs map[string]string) (*domain.RunRecord, error) {
	return c.rt.triggerWait(ctx, jobName, inputs, triggerOrigin{
		parentRunID: c.rec.RunID,
		depth:       c.rec.TriggerDepth + 1,
	})
}
