package schedule

import "time"

// unixEpoch anchors interval schedules so replicas agree on fire times across
// process restarts without accumulating drift.
var unixEpoch = time.Unix(0, 0).UTC()

// Next returns the first fire time strictly after the given instant, or false
// when the schedule yields no further fires. Deterministic for identical
// inputs and zone database.
//
// Cron schedules resolve in their declared zone: a wall-clock time skipped by
// a spring-forward transition produces no fire, and a wall-clock time
// repeated by fall-back fires only on its first occurrence.
func (s Schedule) Next(after time.Time) (time.Time, bool) {
	switch s.kind {
	case KindCron:
		local := after.In(s.loc)
		next := s.spec.Next(local)
		if next.IsZero() {
			return time.Time{}, false
		}
		// A fall-back transition repeats a wall-clock hour. The repeat shows
		// up as a candidate with the same local clock reading as the fire it
		// follows but a later instant; only the first occurrence fires.
		if !next.Equal(local) && sameWallClock(next, local) {
			next = s.spec.Next(next)
			if next.IsZero() {
				return time.Time{}, false
			}
		}
		return next, true
	case KindInterval:
		return s.nextInterval(after), true
	case KindOneShot:
		if s.at.After(after) {
			return s.at, true
		}
		return time.Time{}, false
	default:
		// Manual and event-driven schedules never fire on their own.
		return time.Time{}, false
	}
}

// sameWallClock reports whether two instants read identically on a wall
// clock in the same location. Distinct instants can only collide this way
// across a fall-back DST transition.
func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by || am != bm || ad != bd {
		return false
	}
	ah, amin, as := a.Clock()
	bh, bmin, bs := b.Clock()
	return ah == bh && amin == bmin && as == bs
}

func (s Schedule) nextInterval(after time.Time) time.Time {
	anchor := unixEpoch.Add(s.phase)
	if after.Before(anchor) {
		return anchor
	}
	elapsed := after.Sub(anchor)
	periods := elapsed / s.every
	return anchor.Add((periods + 1) * s.every)
}

// Iterate returns every fire time in (from, until], in order. Intended for
// simulation tooling; the dispatcher never calls it on the hot path.
func (s Schedule) Iterate(from, until time.Time) []time.Time {
	var fires []time.Time
	cursor := from
	for {
		next, ok := s.Next(cursor)
		if !ok || next.After(until) {
			return fires
		}
		fires = append(fires, next)
		cursor = next
	}
}

// CatchUp resolves fires missed between lastFire and now under the given
// policy. The returned slice holds the fires to enqueue on startup;
// dispatching then continues from now regardless of policy.
func (s Schedule) CatchUp(policy CatchUpPolicy, lastFire, now time.Time) []time.Time {
	if !s.Fires() || !lastFire.Before(now) {
		return nil
	}
	missed := s.Iterate(lastFire, now)
	if len(missed) == 0 {
		return nil
	}
	switch policy {
	case CatchUpSkipMissed:
		return nil
	case CatchUpFireAll:
		return missed
	default: // fire_once
		return missed[len(missed)-1:]
	}
}
