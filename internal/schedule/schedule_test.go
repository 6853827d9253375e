package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseForms(t *testing.T) {
	tests := []struct {
		name string
		expr string
		kind Kind
	}{
		{"manual", "manual", KindManual},
		{"event", "on_event: trip-finished", KindEvent},
		{"interval seconds", "every 30s", KindInterval},
		{"interval with phase", "every 1h@phase=10m", KindInterval},
		{"one-shot", "2026-09-01T00:00:00Z", KindOneShot},
		{"cron five fields", "0 2 * * *", KindCron},
		{"cron with seconds", "30 0 2 * * *", KindCron},
		{"cron with zone", "0 2 * * * @America/Chicago", KindCron},
		{"cron day names", "0 8 * * MON-FRI", KindCron},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, s.Kind())
			assert.True(t, s.Valid())
			assert.Equal(t, tt.expr, s.String())
		})
	}
}

func TestParseErrors(t *testing.T) {
	exprs := []string{
		"",
		"on_event:",
		"every 0s",
		"every 500ms",
		"every 5x",
		"every 1h@phase=2h",
		"every 1h@offset=10m",
		"0 2 * * * @Mars/Olympus",
		"not a schedule",
		"* * * * * * *",
	}
	for _, expr := range exprs {
		t.Run(expr, func(t *testing.T) {
			_, err := Parse(expr)
			assert.Error(t, err)
		})
	}
}

func TestEventIdentifier(t *testing.T) {
	s, err := Parse("on_event: gps-batch-landed")
	require.NoError(t, err)
	assert.Equal(t, "gps-batch-landed", s.Event())
	assert.False(t, s.Fires())
}

func TestIntervalNextIsEpochAnchored(t *testing.T) {
	s := MustParse("every 30s")

	after := time.Date(2026, 5, 1, 12, 0, 7, 0, time.UTC)
	next, ok := s.Next(after)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC), next.UTC())

	// Exactly on a boundary: next is strictly after.
	next, ok = s.Next(next)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 1, 0, 0, time.UTC), next.UTC())
}

func TestIntervalPhaseShiftsAnchor(t *testing.T) {
	s := MustParse("every 1h@phase=10m")

	after := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	next, ok := s.Next(after)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 5, 1, 13, 10, 0, 0, time.UTC), next.UTC())
}

func TestOneShot(t *testing.T) {
	s := MustParse("2026-09-01T00:00:00Z")
	at := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	next, ok := s.Next(at.Add(-time.Hour))
	require.True(t, ok)
	assert.True(t, next.Equal(at))

	// Already fired: no further fires.
	_, ok = s.Next(at)
	assert.False(t, ok)
}

func TestManualNeverFires(t *testing.T) {
	s := MustParse("manual")
	_, ok := s.Next(time.Now())
	assert.False(t, ok)
	assert.False(t, s.Fires())
}

func TestCronZoneFollowsDST(t *testing.T) {
	// Daily midnight in Chicago. Across the 2024 spring-forward the UTC
	// offset moves from -06:00 to -05:00 while the local fire stays 00:00.
	s := MustParse("0 0 * * * @America/Chicago")

	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	after := time.Date(2024, 3, 9, 23, 0, 0, 0, chicago)
	first, ok := s.Next(after)
	require.True(t, ok)
	assert.True(t, first.Equal(time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC)),
		"want UTC 06:00 before transition, got %v", first.UTC())

	second, ok := s.Next(first)
	require.True(t, ok)
	assert.True(t, second.Equal(time.Date(2024, 3, 11, 5, 0, 0, 0, time.UTC)),
		"want UTC 05:00 after transition, got %v", second.UTC())
}

func TestCronSpringForwardSkipsNonexistentTime(t *testing.T) {
	// 02:30 does not exist on 2024-03-10 in Chicago; that day produces no
	// fire and the schedule resumes the day after.
	s := MustParse("30 2 * * * @America/Chicago")

	chicago, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	after := time.Date(2024, 3, 10, 1, 0, 0, 0, chicago)
	next, ok := s.Next(after)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 11, 2, 30, 0, 0, chicago).UTC(), next.UTC())
}

func TestCronFallBackFiresOnce(t *testing.T) {
	// 01:30 occurs twice on 2024-11-03 in Chicago; only the first
	// occurrence fires.
	s := MustParse("30 1 * * * @America/Chicago")

	after := time.Date(2024, 11, 3, 0, 0, 0, 0, time.UTC) // 19:00 Nov 2 local
	first, ok := s.Next(after)
	require.True(t, ok)
	assert.True(t, first.Equal(time.Date(2024, 11, 3, 6, 30, 0, 0, time.UTC)),
		"want first occurrence at UTC 06:30, got %v", first.UTC())

	second, ok := s.Next(first)
	require.True(t, ok)
	assert.True(t, second.Equal(time.Date(2024, 11, 4, 7, 30, 0, 0, time.UTC)),
		"want next day at UTC 07:30, got %v", second.UTC())
}

func TestIterate(t *testing.T) {
	s := MustParse("every 1h")
	from := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	until := from.Add(3 * time.Hour)

	fires := s.Iterate(from, until)
	require.Len(t, fires, 3)
	assert.Equal(t, from.Add(time.Hour), fires[0].UTC())
	assert.Equal(t, until, fires[2].UTC())
}

func TestCatchUpPolicies(t *testing.T) {
	s := MustParse("every 1h")
	last := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	now := last.Add(5 * time.Hour)

	assert.Empty(t, s.CatchUp(CatchUpSkipMissed, last, now))

	once := s.CatchUp(CatchUpFireOnce, last, now)
	require.Len(t, once, 1)
	assert.Equal(t, now, once[0].UTC())

	all := s.CatchUp(CatchUpFireAll, last, now)
	require.Len(t, all, 5)
	for i, fire := range all {
		assert.Equal(t, last.Add(time.Duration(i+1)*time.Hour), fire.UTC())
	}
}

func TestCatchUpNothingMissed(t *testing.T) {
	s := MustParse("every 1h")
	now := time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC)

	// Last fire after now (clock skew) yields nothing.
	assert.Empty(t, s.CatchUp(CatchUpFireAll, now.Add(time.Hour), now))

	// No whole period elapsed.
	assert.Empty(t, s.CatchUp(CatchUpFireAll, now.Add(-time.Minute), now))
}
