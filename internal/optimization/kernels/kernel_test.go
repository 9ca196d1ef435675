package kernels

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
)

func TestKernelEval(t *testing.T) {
	tests := []struct {
		name     string
		kernel   Kernel
		x1, x2   []float64
		expected float64
	}{
		{"rbf same point", NewRBFKernel(1, 1), []float64{1, 2}, []float64{1, 2}, 1},
		{"rbf different points", NewRBFKernel(1, 1), []float64{0, 0}, []float64{1, 1}, math.Exp(-1)},
		{"rbf length scale", NewRBFKernel(2, 1), []float64{0, 0}, []float64{2, 2}, math.Exp(-1)},
		{"rbf variance", NewRBFKernel(1, 3), []float64{0}, []float64{0}, 3},
		{"matern same point", NewMatern52Kernel(1, 1), []float64{1, 2}, []float64{1, 2}, 1},
		{
			"matern different points", NewMatern52Kernel(1, 1), []float64{0, 0}, []float64{1, 1},
			(1 + math.Sqrt(5)*math.Sqrt(2) + (5.0/3.0)*2) * math.Exp(-math.Sqrt(5)*math.Sqrt(2)),
		},
		{"periodic same point", NewPeriodicKernel(1, 2, 2*math.Pi), []float64{1}, []float64{1}, 2},
		{"periodic one period apart", NewPeriodicKernel(1, 1, 2*math.Pi), []float64{0.3}, []float64{0.3 + 2*math.Pi}, 1},
		{"periodic half period", NewPeriodicKernel(1, 1, 2*math.Pi), []float64{0}, []float64{math.Pi}, math.Exp(-2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.kernel.Eval(tt.x1, tt.x2)
			assert.InDelta(t, tt.expected, got, 1e-10)
			assert.InDelta(t, got, tt.kernel.Eval(tt.x2, tt.x1), 1e-12, "kernel is not symmetric")
		})
	}
}

func TestPeriodicWrapsAngles(t *testing.T) {
	k := NewPeriodicKernel(1, 1, 2*math.Pi)
	near := k.Eval([]float64{0.1}, []float64{2*math.Pi - 0.1})
	far := k.Eval([]float64{0.1}, []float64{math.Pi})
	assert.Greater(t, near, far, "0.1 and 2π−0.1 are neighbours on the circle")

	rbf := NewRBFKernel(1, 1)
	assert.Less(t, rbf.Eval([]float64{0.1}, []float64{2*math.Pi - 0.1}), near)
}

func TestKernelHyperparameters(t *testing.T) {
	tests := []struct {
		name    string
		kernel  Kernel
		params  []float64
		wantErr string
	}{
		{"RBF valid params", NewRBFKernel(1, 1), []float64{2, 3}, ""},
		{"RBF invalid params count", NewRBFKernel(1, 1), []float64{1}, "expected 2 hyperparameters, got 1"},
		{"RBF invalid param value", NewRBFKernel(1, 1), []float64{-1, 1}, "hyperparameters must be positive, got [-1 1]"},
		{"Matern52 valid params", NewMatern52Kernel(1, 1), []float64{2, 3}, ""},
		{"Periodic valid params", NewPeriodicKernel(1, 1, 1), []float64{0.5, 2}, ""},
		{"Periodic NaN", NewPeriodicKernel(1, 1, 1), []float64{math.NaN(), 2}, "hyperparameters must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.kernel.SetHyperparameters(tt.params)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, laberrors.ErrConfig)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.params, tt.kernel.Hyperparameters())
		})
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"rbf", "Matern52", "", "periodic"} {
		k, err := New(name, 1, 1)
		require.NoError(t, err, name)
		assert.InDelta(t, 1, k.Eval([]float64{0}, []float64{0}), 1e-12)
	}

	k, _ := New("periodic", 1, 1)
	assert.Equal(t, 2*math.Pi, k.(*PeriodicKernel).Period())

	_, err := New("linear", 1, 1)
	assert.ErrorIs(t, err, laberrors.ErrConfig)
	_, err = New("rbf", 0, 1)
	assert.ErrorIs(t, err, laberrors.ErrConfig)
}

func TestConstructorsPanicOnBadParameters(t *testing.T) {
	assert.Panics(t, func() { NewRBFKernel(0, 1) })
	assert.Panics(t, func() { NewMatern52Kernel(1, -1) })
	assert.Panics(t, func() { NewPeriodicKernel(1, 1, 0) })
}
