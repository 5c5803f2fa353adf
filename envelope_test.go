package gpkgindex

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverlaps(t *testing.T) {
	tests := []struct {
		name      string
		a, b      Envelope
		tolerance float64
		expected  bool
	}{
		{"identical", env(0, 0, 1, 1), env(0, 0, 1, 1), 0, true},
		{"contained", env(0, 0, 10, 10), env(2, 2, 3, 3), 0, true},
		{"partial", env(0, 0, 2, 2), env(1, 1, 3, 3), 0, true},
		{"shared edge", env(0, 0, 1, 1), env(1, 0, 2, 1), 0, true},
		{"shared corner", env(0, 0, 1, 1), env(1, 1, 2, 2), 0, true},
		{"point on edge", env(0, 0, 1, 1), env(1, 0.5, 1, 0.5), 0, true},
		{"disjoint x", env(0, 0, 1, 1), env(5, 0, 6, 1), 0, false},
		{"disjoint y", env(0, 0, 1, 1), env(0, 5, 1, 6), 0, false},
		{"gap within tolerance", env(0, 0, 1, 1), env(1+1e-15, 0, 2, 1), DefaultTolerance, true},
		{"gap without tolerance", env(0, 0, 1, 1), env(1+1e-15, 0, 2, 1), 0, false},
		{"gap beyond tolerance", env(0, 0, 1, 1), env(1+1e-10, 0, 2, 1), DefaultTolerance, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Overlaps(tt.a, tt.b, tt.tolerance))
			assert.Equal(t, tt.expected, Overlaps(tt.b, tt.a, tt.tolerance), "overlap must be symmetric")
		})
	}
}

func TestOverlaps_Reflexive(t *testing.T) {
	for _, e := range []Envelope{env(0, 0, 0, 0), env(-180, -90, 180, 90), env(1.5, 2.5, 1.5, 2.5)} {
		assert.True(t, Overlaps(e, e, 0))
	}
}

func TestEnvelope_Union(t *testing.T) {
	u := env(0, 0, 1, 1).Union(env(5, -1, 6, 0.5))
	assert.Equal(t, env(0, -1, 6, 1), u)
}

func TestEnvelope_Expand(t *testing.T) {
	assert.Equal(t, env(-1, -1, 2, 2), env(0, 0, 1, 1).Expand(1))
}

func TestEnvelope_Valid(t *testing.T) {
	assert.True(t, env(0, 0, 0, 0).Valid())
	assert.True(t, env(-1, -1, 1, 1).Valid())
	assert.False(t, env(1, 0, 0, 1).Valid())
	assert.False(t, env(math.NaN(), 0, 1, 1).Valid())
}

func TestEnvelope_Bound(t *testing.T) {
	e := env(1, 2, 3, 4)
	assert.Equal(t, e, EnvelopeFromBound(e.Bound()))
}

func TestOverlapArgs(t *testing.T) {
	args := overlapArgs(env(0, 0, 1, 1), 0.5)
	assert.Equal(t, []any{1.5, 1.5, -0.5, -0.5}, args)
	assert.Equal(t, "a <= ? AND b <= ? AND c >= ? AND d >= ?", overlapWhere("a", "b", "c", "d"))
}
