package optimization

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/memory"
)

func TestBoundsValidate(t *testing.T) {
	tests := []struct {
		name    string
		b       Bounds
		wantErr bool
	}{
		{"ok", Bounds{{0, 1}, {-2, 2}}, false},
		{"empty", Bounds{}, true},
		{"inverted", Bounds{{1, 0}}, true},
		{"degenerate", Bounds{{1, 1}}, true},
		{"nan", Bounds{{math.NaN(), 1}}, true},
		{"inf", Bounds{{0, math.Inf(1)}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.b.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, laberrors.ErrConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBoundsClampContains(t *testing.T) {
	b := Bounds{{0, 2 * math.Pi}, {0, 1}}

	x := []float64{-0.5, 1.5}
	got := b.Clamp(x)
	assert.Equal(t, []float64{0, 1}, got)
	assert.Equal(t, []float64{-0.5, 1.5}, x, "clamp does not modify its input")

	assert.True(t, b.Contains(got))
	assert.False(t, b.Contains(x))
	assert.False(t, b.Contains([]float64{1}))
	assert.False(t, b.Contains([]float64{math.NaN(), 0.5}))

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 100; i++ {
		assert.True(t, b.Contains(b.Uniform(rng)))
	}
}

func history(energies ...float64) []memory.Record {
	rs := make([]memory.Record, len(energies))
	for i, e := range energies {
		rs[i] = memory.Record{Step: i, Energy: e}
	}
	return rs
}

func TestNoImprovement(t *testing.T) {
	c := NoImprovement{Window: 3, Epsilon: 0.01, MinSteps: 4}
	require.NoError(t, c.Validate())

	tests := []struct {
		name     string
		energies []float64
		want     bool
	}{
		{"too short", []float64{1, 1, 1}, false},
		{"below min steps", []float64{1, 1, 1}, false},
		{"still improving", []float64{1, 0.5, 0.2, 0.1, -0.5}, false},
		{"stalled", []float64{1, -0.5, -0.4, -0.3, -0.495}, true},
		{"tiny gain", []float64{1, -0.5, -0.505, -0.3, -0.2}, true},
		{"worse only", []float64{0, 1, 2, 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := c.Check(history(tt.energies...))
			assert.Equal(t, tt.want, got)
			if got {
				assert.NotEmpty(t, reason)
			}
		})
	}
}

func TestPlateau(t *testing.T) {
	c := Plateau{Window: 3, Tolerance: 0.05}
	require.NoError(t, c.Validate())

	ok, _ := c.Check(history(1, -0.9, -0.92, -0.88))
	assert.True(t, ok)

	ok, _ = c.Check(history(-0.9, -0.92, -0.7))
	assert.False(t, ok)

	ok, _ = c.Check(history(-0.9, -0.9))
	assert.False(t, ok)
}

func TestConvergenceValidate(t *testing.T) {
	for _, c := range []Convergence{
		NoImprovement{Window: 0},
		NoImprovement{Window: 2, Epsilon: -1},
		Plateau{Window: 1},
		Plateau{Window: 3, Tolerance: math.NaN()},
	} {
		assert.ErrorIs(t, c.Validate(), laberrors.ErrConfig, c.Name())
	}
}

func TestReference(t *testing.T) {
	cosine := func(x []float64) (float64, error) { return math.Cos(x[0]), nil }
	x, f, err := Reference(cosine, Bounds{{0, 2 * math.Pi}}, 3)
	require.NoError(t, err)
	assert.InDelta(t, -1, f, 1e-6)
	assert.InDelta(t, math.Pi, x[0], 1e-2)

	bowl := func(x []float64) (float64, error) {
		return (x[0]-1)*(x[0]-1) + (x[1]+0.5)*(x[1]+0.5), nil
	}
	x, f, err = Reference(bowl, Bounds{{-2, 2}, {-2, 2}}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0, f, 1e-6)
	assert.InDeltaSlice(t, []float64{1, -0.5}, x, 1e-2)
}

func TestReferenceRespectsBounds(t *testing.T) {
	slope := func(x []float64) (float64, error) { return x[0], nil }
	x, f, err := Reference(slope, Bounds{{1, 3}}, 2)
	require.NoError(t, err)
	assert.Equal(t, 1.0, x[0])
	assert.Equal(t, 1.0, f)
}

func TestReferencePropagatesObjectiveError(t *testing.T) {
	boom := errors.New("boom")
	_, _, err := Reference(func([]float64) (float64, error) { return 0, boom }, Bounds{{0, 1}}, 1)
	assert.ErrorIs(t, err, boom)
}
