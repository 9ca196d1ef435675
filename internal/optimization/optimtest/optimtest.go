// Package optimtest provides objectives and a minimal driver for testing
// strategies without a backend.
package optimtest

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/copyleftdev/qlab/internal/optimization"
)

// ErrProbe is returned by Failing once its budget is spent.
var ErrProbe = errors.New("probe unavailable")

// Cosine is Σ cos(x_i); one dimension reproduces the single-qubit energy.
func Cosine(_ context.Context, x []float64) (float64, error) {
	var s float64
	for _, v := range x {
		s += math.Cos(v)
	}
	return s, nil
}

// Quadratic returns Σ (x_i − c_i)².
func Quadratic(center ...float64) optimization.Probe {
	return func(_ context.Context, x []float64) (float64, error) {
		var s float64
		for i, v := range x {
			d := v - center[i]
			s += d * d
		}
		return s, nil
	}
}

// Noisy adds uniform noise in [−scale/2, scale/2) drawn from a seeded stream.
func Noisy(p optimization.Probe, scale float64, seed uint64) optimization.Probe {
	rng := rand.New(rand.NewPCG(seed, seed))
	return func(ctx context.Context, x []float64) (float64, error) {
		v, err := p(ctx, x)
		if err != nil {
			return 0, err
		}
		return v + scale*(rng.Float64()-0.5), nil
	}
}

// Failing passes through the first n calls and fails afterwards.
func Failing(p optimization.Probe, n int) optimization.Probe {
	calls := 0
	return func(ctx context.Context, x []float64) (float64, error) {
		calls++
		if calls > n {
			return 0, ErrProbe
		}
		return p(ctx, x)
	}
}

// Counter records every point a probe is asked to measure.
type Counter struct {
	mu     sync.Mutex
	Points [][]float64
}

// Wrap returns p instrumented to record its inputs.
func (c *Counter) Wrap(p optimization.Probe) optimization.Probe {
	return func(ctx context.Context, x []float64) (float64, error) {
		c.mu.Lock()
		c.Points = append(c.Points, append([]float64(nil), x...))
		c.mu.Unlock()
		return p(ctx, x)
	}
}

// Calls is the number of measurements taken.
func (c *Counter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Points)
}

// Drive runs s for at most steps steps the way the loop does: parameters
// are clamped before each measurement. It returns every sample produced.
func Drive(ctx context.Context, s optimization.Strategy, bounds optimization.Bounds, probe optimization.Probe, steps int, seed uint64) ([]optimization.Sample, error) {
	if err := s.Start(bounds, rand.New(rand.NewPCG(seed, seed))); err != nil {
		return nil, err
	}
	clamped := func(ctx context.Context, x []float64) (float64, error) {
		return probe(ctx, bounds.Clamp(x))
	}

	var out []optimization.Sample
	for step := 0; step < steps && !s.Done(); step++ {
		sample, err := s.Next(ctx, step, clamped)
		if err != nil {
			return out, err
		}
		out = append(out, *sample)
	}
	return out, nil
}

// Best returns the index of the lowest-energy sample, earliest on ties.
func Best(samples []optimization.Sample) int {
	best := -1
	for i, s := range samples {
		if best < 0 || s.Energy < samples[best].Energy {
			best = i
		}
	}
	return best
}
