package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/urbanline/tspjob/internal/domain"
)

// AlertEvent summarises a terminal failure for alert sinks.
type AlertEvent struct {
	JobName      string
	RunID        string
	Attempt      int
	Status       domain.Status
	ErrorKind    domain.ErrorKind
	ErrorMessage string
	DurationMS   int64
	ScheduledFor time.Time
}

// AlertSink delivers events to one destination (Slack channel, pager,
// webhook). Implementations are host-provided and must be safe for
// concurrent use.
type AlertSink interface {
	Emit(ctx context.Context, channel string, event AlertEvent) error
}

// alertRouter fans terminal failures out to the sinks named by a job's alert
// channels. Emission is best-effort: failures are logged and counted, never
// surfaced into the run outcome. Each channel sits behind a circuit breaker
// so a persistently failing sink stops consuming emission time.
type alertRouter struct {
	sinks    map[string]AlertSink
	breakers map[string]*gobreaker.CircuitBreaker
	metrics  *metrics
	logger   *slog.Logger
}

func newAlertRouter(sinks map[string]AlertSink, m *metrics, logger *slog.Logger) *alertRouter {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(sinks))
	for channel := range sinks {
		breakers[channel] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "alert-sink-" + channel,
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return &alertRouter{sinks: sinks, breakers: breakers, metrics: m, logger: logger}
}

func (r *alertRouter) emit(ctx context.Context, channels []string, event AlertEvent) {
	for _, channel := range channels {
		sink, ok := r.sinks[channel]
		if !ok {
			r.logger.WarnContext(ctx, "alert channel has no registered sink",
				"channel", channel, "job_name", event.JobName)
			continue
		}

		_, err := r.breakers[channel].Execute(func() (any, error) {
			return nil, sink.Emit(ctx, channel, event)
		})
		if err != nil {
			r.metrics.recordAlertFailure(ctx, channel)
			r.logger.ErrorContext(ctx, "alert emission failed",
				"channel", channel,
				"job_name", event.JobName,
				"run_id", event.RunID,
				"error", err)
		}
	}
}
