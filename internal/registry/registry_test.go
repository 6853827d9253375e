package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/urbanline/tspjob/internal/domain"
	"github.com/urbanline/tspjob/internal/schedule"
)

func testDef(name string) *domain.JobDefinition {
	return &domain.JobDefinition{
		Name:     name,
		Schedule: schedule.MustParse("every 5m"),
		Timeout:  time.Minute,
		Handler:  func(context.Context, domain.JobContext) error { return nil },
	}
}

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testDef("gps-ingest")))

	def, err := r.Lookup("gps-ingest")
	require.NoError(t, err)
	assert.Equal(t, "gps-ingest", def.Name)
	assert.Equal(t, 1, r.Len())

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, domain.ErrUnknownJob)
}

func TestRegisterFillsDefaults(t *testing.T) {
	r := New()
	// No singleton policy, retry policy or concurrency limit set; the
	// documented defaults must apply instead of failing validation.
	require.NoError(t, r.Register(testDef("gps-ingest")))

	def, err := r.Lookup("gps-ingest")
	require.NoError(t, err)
	assert.Equal(t, domain.SingletonNone, def.Singleton)
	assert.Equal(t, 1, def.MaxConcurrent)
	assert.Equal(t, 1, def.Retry.MaxAttempts)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testDef("gps-ingest")))
	assert.ErrorIs(t, r.Register(testDef("gps-ingest")), domain.ErrDuplicateName)
}

func TestRegisterRejectsInvalidDefinition(t *testing.T) {
	r := New()
	def := testDef("broken")
	def.Timeout = 0
	err := r.Register(def)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidDefinition)
	assert.Equal(t, 0, r.Len())
}

func TestRegisterAllConsolidatesErrors(t *testing.T) {
	r := New()

	bad1 := testDef("bad-timeout")
	bad1.Timeout = 0
	bad2 := testDef("bad-handler")
	bad2.Handler = nil

	err := r.RegisterAll([]*domain.JobDefinition{testDef("ok"), bad1, bad2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad-timeout")
	assert.Contains(t, err.Error(), "bad-handler")

	// Valid definitions registered despite the failures.
	_, lookupErr := r.Lookup("ok")
	assert.NoError(t, lookupErr)
}

func TestListIsSortedSnapshot(t *testing.T) {
	r := New()
	for _, name := range []string{"zulu", "alpha", "mike"} {
		require.NoError(t, r.Register(testDef(name)))
	}

	defs := r.List()
	require.Len(t, defs, 3)
	assert.Equal(t, "alpha", defs[0].Name)
	assert.Equal(t, "mike", defs[1].Name)
	assert.Equal(t, "zulu", defs[2].Name)
}

func TestReloadSwapsAtomically(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testDef("old-job")))

	require.NoError(t, r.Reload([]*domain.JobDefinition{testDef("new-job")}))

	_, err := r.Lookup("old-job")
	assert.ErrorIs(t, err, domain.ErrUnknownJob)
	_, err = r.Lookup("new-job")
	assert.NoError(t, err)
}

func TestReloadKeepsCatalogOnFailure(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(testDef("survivor")))

	bad := testDef("broken")
	bad.Handler = nil
	err := r.Reload([]*domain.JobDefinition{testDef("fresh"), bad})
	require.Error(t, err)

	// The previous catalog is untouched.
	_, lookupErr := r.Lookup("survivor")
	assert.NoError(t, lookupErr)
	_, lookupErr = r.Lookup("fresh")
	assert.ErrorIs(t, lookupErr, domain.ErrUnknownJob)
}

func TestReloadRejectsDuplicateNames(t *testing.T) {
	r := New()
	err := r.Reload([]*domain.JobDefinition{testDef("twin"), testDef("twin")})
	assert.ErrorIs(t, err, domain.ErrDuplicateName)

	// A duplicate is still reported when the second copy is also invalid.
	bad := testDef("twin")
	bad.Handler = nil
	err = r.Reload([]*domain.JobDefinition{testDef("twin"), bad})
	assert.ErrorIs(t, err, domain.ErrDuplicateName)
	assert.ErrorIs(t, err, domain.ErrInvalidDefinition)
}
