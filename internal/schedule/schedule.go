// Package schedule parses schedule expressions and resolves fire times.
//
// Five expression forms are accepted:
//
//	cron:       "0 2 * * * @America/Chicago" (5 or 6 fields, optional @ZONE, default UTC)
//	interval:   "every 30s", "every 1h@phase=10m" (epoch-anchored)
//	one-shot:   "2026-09-01T00:00:00Z" (RFC3339)
//	manual:     "manual"
//	event:      "on_event: trip-finished"
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind discriminates the schedule forms.
type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindOneShot  Kind = "one-shot"
	KindManual   Kind = "manual"
	KindEvent    Kind = "event"
)

// CatchUpPolicy decides what happens to fires missed while no replica was
// dispatching.
type CatchUpPolicy string

const (
	// CatchUpSkipMissed discards every missed fire.
	CatchUpSkipMissed CatchUpPolicy = "skip_missed"
	// CatchUpFireOnce enqueues only the most recent missed fire.
	CatchUpFireOnce CatchUpPolicy = "fire_once"
	// CatchUpFireAll enqueues every missed fire in order.
	CatchUpFireAll CatchUpPolicy = "fire_all"
)

// cronParser accepts standard 5-field expressions with an optional seconds
// prefix: *, */n, ranges a-b, lists a,b,c, and SUN..SAT day names.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Schedule is a parsed schedule expression. The zero value is invalid.
type Schedule struct {
	kind Kind
	expr string

	spec cron.Schedule  // cron
	loc  *time.Location // cron zone

	every time.Duration // interval period
	phase time.Duration // interval phase offset within the period

	at time.Time // one-shot instant

	event string // event source identifier
}

// Parse parses a schedule expression.
func Parse(expr string) (Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return Schedule{}, fmt.Errorf("empty schedule expression")
	}

	if trimmed == "manual" {
		return Schedule{kind: KindManual, expr: trimmed}, nil
	}

	if rest, ok := strings.CutPrefix(trimmed, "on_event:"); ok {
		id := strings.TrimSpace(rest)
		if id == "" {
			return Schedule{}, fmt.Errorf("on_event schedule needs an event source identifier")
		}
		return Schedule{kind: KindEvent, expr: trimmed, event: id}, nil
	}

	if rest, ok := strings.CutPrefix(trimmed, "every "); ok {
		return parseInterval(trimmed, rest)
	}

	if at, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return Schedule{kind: KindOneShot, expr: trimmed, at: at}, nil
	}

	return parseCron(trimmed)
}

// MustParse parses expr and panics on error. For static registration tables.
func MustParse(expr string) Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

func parseCron(expr string) (Schedule, error) {
	spec := expr
	loc := time.UTC

	// A trailing "@ZONE" field names an IANA zone; its absence means UTC.
	if i := strings.LastIndex(expr, "@"); i >= 0 {
		zone := strings.TrimSpace(expr[i+1:])
		spec = strings.TrimSpace(expr[:i])
		l, err := time.LoadLocation(zone)
		if err != nil {
			return Schedule{}, fmt.Errorf("cron schedule %q: unknown zone %q", expr, zone)
		}
		loc = l
	}

	parsed, err := cronParser.Parse(spec)
	if err != nil {
		return Schedule{}, fmt.Errorf("cron schedule %q: %w", expr, err)
	}
	return Schedule{kind: KindCron, expr: expr, spec: parsed, loc: loc}, nil
}

// parseInterval handles "every Nx" with an optional "@phase=Y" suffix, where
// x is one of s, m, h, d and the phase anchors to the Unix epoch.
func parseInterval(expr, rest string) (Schedule, error) {
	spanPart := rest
	phasePart := ""
	if i := strings.Index(rest, "@"); i >= 0 {
		spanPart = strings.TrimSpace(rest[:i])
		phasePart = strings.TrimSpace(rest[i+1:])
	}

	every, err := parseSpan(spanPart)
	if err != nil {
		return Schedule{}, fmt.Errorf("interval schedule %q: %w", expr, err)
	}
	if every < time.Second {
		return Schedule{}, fmt.Errorf("interval schedule %q: period must be >= 1s", expr)
	}

	var phase time.Duration
	if phasePart != "" {
		raw, ok := strings.CutPrefix(phasePart, "phase=")
		if !ok {
			return Schedule{}, fmt.Errorf("interval schedule %q: expected @phase=Y, got %q", expr, phasePart)
		}
		phase, err = parseSpan(raw)
		if err != nil {
			return Schedule{}, fmt.Errorf("interval schedule %q: %w", expr, err)
		}
		if phase < 0 || phase >= every {
			return Schedule{}, fmt.Errorf("interval schedule %q: phase %v outside period %v", expr, phase, every)
		}
	}

	return Schedule{kind: KindInterval, expr: expr, every: every, phase: phase}, nil
}

// parseSpan parses "Nx" where x is s, m, h or d.
func parseSpan(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("malformed span %q", s)
	}
	n, err := strconv.Atoi(s[:len(s)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("malformed span %q", s)
	}
	switch s[len(s)-1] {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown span unit in %q (want s, m, h or d)", s)
	}
}

// Kind returns the schedule form.
func (s Schedule) Kind() Kind { return s.kind }

// Valid reports whether the schedule was produced by Parse.
func (s Schedule) Valid() bool { return s.kind != "" }

// String returns the original expression.
func (s Schedule) String() string { return s.expr }

// Event returns the event source identifier of an event-driven schedule.
func (s Schedule) Event() string { return s.event }

// Fires reports whether the schedule produces fire times on its own.
// Manual and event-driven schedules only run through explicit triggers.
func (s Schedule) Fires() bool {
	return s.kind == KindCron || s.kind == KindInterval || s.kind == KindOneShot
}
