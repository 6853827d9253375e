package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	fc := NewFake(start)

	short := fc.After(time.Second)
	long := fc.After(time.Minute)

	fc.Advance(time.Second)
	select {
	case at := <-short:
		assert.Equal(t, start.Add(time.Second), at)
	default:
		t.Fatal("due timer did not fire")
	}
	select {
	case <-long:
		t.Fatal("timer fired early")
	default:
	}

	fc.Advance(time.Minute)
	select {
	case <-long:
	default:
		t.Fatal("timer did not fire after advancing past it")
	}

	assert.Equal(t, start.Add(time.Second+time.Minute), fc.Now())
}

func TestFakeNonPositiveAfterFiresImmediately(t *testing.T) {
	fc := NewFake(time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC))
	select {
	case <-fc.After(0):
	default:
		t.Fatal("zero-duration timer must be ready")
	}
}

func TestSystemClockIsUTC(t *testing.T) {
	now := System().Now()
	require.Equal(t, time.UTC, now.Location())
}
