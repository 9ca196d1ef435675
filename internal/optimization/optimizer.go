// Package optimization defines the strategy contract shared by every
// optimizer the experiment loop can drive, plus convergence predicates and
// a noiseless reference minimizer.
package optimization

import (
	"context"
	"math"
	"math/rand/v2"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
)

// Bounds holds the [min, max] range of each dimension.
type Bounds [][2]float64

// Dim is the number of dimensions.
func (b Bounds) Dim() int { return len(b) }

// Validate rejects empty, inverted or non-finite bounds.
func (b Bounds) Validate() error {
	if len(b) == 0 {
		return laberrors.Config("Validate", "bounds must have at least one dimension").WithComponent("optimization")
	}
	for i, r := range b {
		if math.IsNaN(r[0]) || math.IsNaN(r[1]) || math.IsInf(r[0], 0) || math.IsInf(r[1], 0) || r[0] >= r[1] {
			return laberrors.Config("Validate", "dimension %d has invalid range [%v, %v]", i, r[0], r[1]).WithComponent("optimization")
		}
	}
	return nil
}

// Clamp returns a copy of x with every component moved into range.
func (b Bounds) Clamp(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		if i < len(b) {
			v = math.Max(b[i][0], math.Min(v, b[i][1]))
		}
		out[i] = v
	}
	return out
}

// Contains reports whether x has the right dimension and lies in range.
func (b Bounds) Contains(x []float64) bool {
	if len(x) != len(b) {
		return false
	}
	for i, v := range x {
		if math.IsNaN(v) || v < b[i][0] || v > b[i][1] {
			return false
		}
	}
	return true
}

// Uniform draws a point uniformly inside the bounds.
func (b Bounds) Uniform(rng *rand.Rand) []float64 {
	x := make([]float64, len(b))
	for i, r := range b {
		x[i] = r[0] + rng.Float64()*(r[1]-r[0])
	}
	return x
}

// Probe performs one blocking measurement at params. The probe handed to a
// strategy by the loop clamps params into range before measuring.
type Probe func(ctx context.Context, params []float64) (float64, error)

// Sample is the outcome of one strategy step: the point and energy the
// step wants recorded.
type Sample struct {
	Parameters []float64
	Energy     float64
	// Note is a short human readable account of the step.
	Note string
}

// Strategy proposes and measures parameter vectors one step at a time.
// A strategy is reset by Start and does not share state across runs.
type Strategy interface {
	// Name identifies the strategy in records, logs and metrics.
	Name() string
	// Start validates the configuration against bounds and resets state.
	// rng is the run's shared random stream.
	Start(bounds Bounds, rng *rand.Rand) error
	// Next performs step number step (0-indexed), measuring through probe
	// as many times as the strategy needs.
	Next(ctx context.Context, step int, probe Probe) (*Sample, error)
	// Done reports that the strategy has nothing left to propose.
	Done() bool
}

// Exhaustive is implemented by strategies that enumerate a fixed design.
// The loop never stops them early on convergence.
type Exhaustive interface {
	Exhaustive() bool
}

// IsExhaustive reports whether s opts out of convergence checks.
func IsExhaustive(s Strategy) bool {
	e, ok := s.(Exhaustive)
	return ok && e.Exhaustive()
}
