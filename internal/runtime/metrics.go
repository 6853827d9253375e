package runtime

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/urbanline/tspjob/internal/domain"
)

// meterName identifies the runtime's instruments to the meter provider.
const meterName = "github.com/urbanline/tspjob/internal/runtime"

// metrics holds the runtime's OpenTelemetry instruments. A nil *metrics is
// valid and records nothing, which keeps tests free of SDK setup.
type metrics struct {
	runsStarted     metric.Int64Counter
	runsFinished    metric.Int64Counter
	runDuration     metric.Float64Histogram
	dispatcherSkips metric.Int64Counter
	alertFailures   metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.GetMeterProvider().Meter(meterName)

	m := &metrics{}
	var err error
	if m.runsStarted, err = meter.Int64Counter("tspjob.runs.started",
		metric.WithDescription("Run attempts started")); err != nil {
		return nil, fmt.Errorf("runs.started: %w", err)
	}
	if m.runsFinished, err = meter.Int64Counter("tspjob.runs.finished",
		metric.WithDescription("Run attempts reaching a terminal status")); err != nil {
		return nil, fmt.Errorf("runs.finished: %w", err)
	}
	if m.runDuration, err = meter.Float64Histogram("tspjob.run.duration",
		metric.WithDescription("Handler wall-clock time"),
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("run.duration: %w", err)
	}
	if m.dispatcherSkips, err = meter.Int64Counter("tspjob.dispatcher.skips",
		metric.WithDescription("Fires skipped by reason (held, backpressure, admission)")); err != nil {
		return nil, fmt.Errorf("dispatcher.skips: %w", err)
	}
	if m.alertFailures, err = meter.Int64Counter("tspjob.alerts.failures",
		metric.WithDescription("Alert emissions that failed or were circuit-broken")); err != nil {
		return nil, fmt.Errorf("alerts.failures: %w", err)
	}
	return m, nil
}

// attemptBucket coarsens attempt numbers into a low-cardinality label.
func attemptBucket(attempt int) string {
	switch {
	case attempt <= 1:
		return "1"
	case attempt <= 3:
		return "2-3"
	default:
		return "4+"
	}
}

func (m *metrics) recordStart(ctx context.Context, job string, attempt int) {
	if m == nil {
		return
	}
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_name", job),
		attribute.String("attempt_bucket", attemptBucket(attempt)),
	))
}

func (m *metrics) recordFinish(ctx context.Context, rec *domain.RunRecord) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("job_name", rec.JobName),
		attribute.String("status", string(rec.Status)),
		attribute.String("attempt_bucket", attemptBucket(rec.Attempt)),
	)
	m.runsFinished.Add(ctx, 1, attrs)
	if d := rec.Duration(); d > 0 {
		m.runDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func (m *metrics) recordSkip(ctx context.Context, job, reason string) {
	if m == nil {
		return
	}
	m.dispatcherSkips.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job_name", job),
		attribute.String("reason", reason),
	))
}

func (m *metrics) recordAlertFailure(ctx context.Context, channel string) {
	if m == nil {
		return
	}
	m.alertFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("channel", channel),
	))
}
