package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema() InputSchema {
	return InputSchema{
		{Name: "region", Type: ParamEnum, Required: true, Enum: []string{"north", "south"}},
		{Name: "batch_size", Type: ParamInt, Default: "100"},
		{Name: "dry_run", Type: ParamBool, Default: "false"},
		{Name: "as_of", Type: ParamDate},
		{Name: "note", Type: ParamString},
	}
}

func TestSchemaValidate(t *testing.T) {
	require.NoError(t, testSchema().Validate())

	dup := InputSchema{{Name: "a", Type: ParamString}, {Name: "a", Type: ParamInt}}
	assert.Error(t, dup.Validate())

	empty := InputSchema{{Name: "", Type: ParamString}}
	assert.Error(t, empty.Validate())

	enum := InputSchema{{Name: "mode", Type: ParamEnum}}
	assert.Error(t, enum.Validate())
}

func TestBindAppliesDefaults(t *testing.T) {
	bound, err := testSchema().Bind(map[string]string{"region": "north"})
	require.NoError(t, err)

	assert.Equal(t, "north", bound.String("region"))
	assert.Equal(t, int64(100), bound.Int("batch_size"))
	assert.False(t, bound.Bool("dry_run"))

	// Optional parameters without defaults stay absent.
	_, present := bound["as_of"]
	assert.False(t, present)
}

func TestBindRejections(t *testing.T) {
	schema := testSchema()

	tests := []struct {
		name   string
		values map[string]string
	}{
		{"missing required", map[string]string{}},
		{"unknown key", map[string]string{"region": "north", "regiom": "south"}},
		{"bad enum value", map[string]string{"region": "east"}},
		{"bad int", map[string]string{"region": "north", "batch_size": "many"}},
		{"bad bool", map[string]string{"region": "north", "dry_run": "yep"}},
		{"bad date", map[string]string{"region": "north", "as_of": "01/02/2026"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := schema.Bind(tt.values)
			require.Error(t, err)
			assert.Equal(t, KindInvalidInput, KindOf(err))
		})
	}
}

func TestBindRoundTrip(t *testing.T) {
	// Re-binding a bound snapshot against the same schema reproduces it.
	values := map[string]string{
		"region":     "south",
		"batch_size": "250",
		"dry_run":    "true",
		"as_of":      "2026-02-14",
	}
	first, err := testSchema().Bind(values)
	require.NoError(t, err)

	second, err := testSchema().Bind(first)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, time.Date(2026, 2, 14, 0, 0, 0, 0, time.UTC), second.Date("as_of"))
}

func TestHashIsOrderIndependent(t *testing.T) {
	a := InputValues{"region": "north", "batch_size": "100", "dry_run": "true"}
	b := InputValues{"dry_run": "true", "region": "north", "batch_size": "100"}
	assert.Equal(t, a.Hash(), b.Hash())

	c := InputValues{"region": "south", "batch_size": "100", "dry_run": "true"}
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestHashDistinguishesEmbeddedSeparators(t *testing.T) {
	// Values carrying separator characters must not merge with a map that
	// spells the same bytes across two pairs.
	a := InputValues{"route": "blue;line=express"}
	b := InputValues{"route": "blue", "line": "express"}
	assert.NotEqual(t, a.Hash(), b.Hash())

	assert.Equal(t, a.Hash(), InputValues{"route": "blue;line=express"}.Hash())
}

func TestClassification(t *testing.T) {
	base := errors.New("connection refused")

	assert.Equal(t, KindTransientDependency, KindOf(Transient(base)))
	assert.Equal(t, KindPermanentDependency, KindOf(Permanent(base)))
	assert.Equal(t, KindTimeout, KindOf(Classify(KindTimeout, base)))
	assert.Equal(t, KindUnexpected, KindOf(base))
	assert.Equal(t, ErrorKind(""), KindOf(nil))

	// The underlying cause stays reachable through the wrapper.
	assert.ErrorIs(t, Transient(base), base)

	panicErr := PanicError{Value: "boom", StackTrace: "stack"}
	assert.True(t, IsPanic(panicErr))
	assert.False(t, IsPanic(base))
}
