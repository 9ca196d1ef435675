package backend

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
)

func engines(t *testing.T, qubits int) []Backend {
	t.Helper()
	native, err := NewNative(qubits)
	require.NoError(t, err)
	circuit, err := NewCircuit(qubits)
	require.NoError(t, err)
	return []Backend{native, circuit}
}

func TestNew(t *testing.T) {
	tests := []struct {
		kind    string
		qubits  int
		want    string
		wantErr bool
	}{
		{"native", 1, "native", false},
		{"", 2, "native", false},
		{"circuit", 3, "circuit", false},
		{"Statevector", 1, "circuit", false},
		{"aer", 1, "", true},
		{"native", 0, "", true},
		{"circuit", MaxQubits + 1, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			b, err := New(tt.kind, tt.qubits)
			if tt.wantErr {
				assert.ErrorIs(t, err, laberrors.ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Name())
			assert.Equal(t, tt.qubits, b.Qubits())
			assert.Len(t, b.Bounds(), tt.qubits)
		})
	}
}

func TestSingleQubitIdealIsCosine(t *testing.T) {
	for _, b := range engines(t, 1) {
		t.Run(b.Name(), func(t *testing.T) {
			for _, theta := range []float64{0, 0.3, 1.5, math.Pi, 4.2, 2 * math.Pi} {
				e, err := b.(Idealizer).Ideal([]float64{theta})
				require.NoError(t, err)
				assert.InDelta(t, math.Cos(theta), e, 1e-12, "theta=%v", theta)
			}
		})
	}
}

func TestClosedFormMatchesStatevector(t *testing.T) {
	r := rand.New(rand.NewPCG(5, 8))
	for n := 1; n <= 5; n++ {
		native, _ := NewNative(n)
		circuit, _ := NewCircuit(n)
		for trial := 0; trial < 20; trial++ {
			params := make([]float64, n)
			for i := range params {
				params[i] = r.Float64() * AngleMax
			}
			want, err := circuit.Ideal(params)
			require.NoError(t, err)
			got, err := native.Ideal(params)
			require.NoError(t, err)
			assert.InDelta(t, want, got, 1e-9, "n=%d params=%v", n, params)
		}
	}
}

func TestTwoQubitGroundState(t *testing.T) {
	h := NewIsing(2)
	assert.Equal(t, -1.5, h.GroundEnergy())
	e := h.Expectation([]float64{math.Pi, 0}, nil)
	assert.InDelta(t, -1.5, e, 1e-12)
}

func TestSpectrum(t *testing.T) {
	one := NewIsing(1).Spectrum()
	assert.Equal(t, -1.0, one.Min)
	assert.Equal(t, 1.0, one.Max)

	three := NewIsing(3).Spectrum()
	assert.Equal(t, 4.5, three.Max) // all z=+1: 3 + 0.5*3
	assert.Less(t, three.Min, 0.0)
}

func TestMeasureDeterministic(t *testing.T) {
	for _, b := range engines(t, 2) {
		t.Run(b.Name(), func(t *testing.T) {
			cfg := Config{FlipProbability: 0.05, Shots: 300, Seed: 1234}
			params := []float64{1.1, 2.2}

			first, err := b.Measure(context.Background(), params, cfg)
			require.NoError(t, err)
			second, err := b.Measure(context.Background(), params, cfg)
			require.NoError(t, err)
			assert.Equal(t, first, second, "same inputs, same seed")

			distinct := false
			for seed := uint64(1); seed <= 8; seed++ {
				cfg.Seed = 1234 + seed
				other, err := b.Measure(context.Background(), params, cfg)
				require.NoError(t, err)
				distinct = distinct || other != first
			}
			assert.True(t, distinct, "other seeds draw differently")
		})
	}
}

func TestMeasureConcentratesOnAttenuatedEnergy(t *testing.T) {
	const p = 0.1
	for _, n := range []int{1, 2, 3} {
		for _, b := range engines(t, n) {
			params := make([]float64, n)
			for i := range params {
				params[i] = 0.4 + 0.5*float64(i)
			}
			h := NewIsing(n)
			model := Config{FlipProbability: p, Shots: 1}.Noise()
			want := h.Expectation(params, model.Attenuation)

			draws := make([]float64, 40)
			for i := range draws {
				e, err := b.Measure(context.Background(), params, Config{FlipProbability: p, Shots: 20_000, Seed: uint64(i + 1)})
				require.NoError(t, err)
				draws[i] = e
			}
			assert.InDelta(t, want, stat.Mean(draws, nil), 0.02, "%s n=%d", b.Name(), n)
		}
	}
}

func TestFullFlipNegatesSingleQubit(t *testing.T) {
	for _, b := range engines(t, 1) {
		clean, err := b.Measure(context.Background(), []float64{0.3}, Config{Shots: 20_000, Seed: 3})
		require.NoError(t, err)
		flipped, err := b.Measure(context.Background(), []float64{0.3}, Config{FlipProbability: 1, Shots: 20_000, Seed: 4})
		require.NoError(t, err)
		assert.InDelta(t, -clean, flipped, 0.05, b.Name())
	}
}

func TestMeasureErrors(t *testing.T) {
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name   string
		ctx    context.Context
		params []float64
		cfg    Config
		target error
	}{
		{"wrong dimension", context.Background(), []float64{1, 2}, Config{Shots: 10}, laberrors.ErrBackend},
		{"negative angle", context.Background(), []float64{-0.1}, Config{Shots: 10}, laberrors.ErrBackend},
		{"angle above 2π", context.Background(), []float64{7}, Config{Shots: 10}, laberrors.ErrBackend},
		{"NaN angle", context.Background(), []float64{math.NaN()}, Config{Shots: 10}, laberrors.ErrBackend},
		{"cancelled", cancelled, []float64{1}, Config{Shots: 10}, laberrors.ErrBackend},
		{"zero shots", context.Background(), []float64{1}, Config{Shots: 0}, laberrors.ErrConfig},
		{"bad flip probability", context.Background(), []float64{1}, Config{FlipProbability: -1, Shots: 10}, laberrors.ErrConfig},
	}

	for _, b := range engines(t, 1) {
		for _, tt := range tests {
			t.Run(b.Name()+"/"+tt.name, func(t *testing.T) {
				_, err := b.Measure(tt.ctx, tt.params, tt.cfg)
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.target)
			})
		}
	}
}

func TestStateVectorGates(t *testing.T) {
	s := NewStateVector(2)
	s.ApplyRY(0, math.Pi) // |00> -> |01> (qubit 0 set)
	assert.InDelta(t, 1, s.Probabilities()[1], 1e-12)

	s.ApplyCX(0, 1) // control set: target flips -> |11>
	assert.InDelta(t, 1, s.Probabilities()[3], 1e-12)

	var total float64
	for _, p := range Prepare([]float64{0.7, 1.9, 2.4}).Probabilities() {
		total += p
	}
	assert.InDelta(t, 1, total, 1e-12)
}

func BenchmarkCircuitMeasure(b *testing.B) {
	c, _ := NewCircuit(3)
	cfg := Config{FlipProbability: 0.05, Shots: 500}
	params := []float64{0.5, 1.5, 2.5}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cfg.Seed = uint64(i)
		_, _ = c.Measure(context.Background(), params, cfg)
	}
}
