// Package spsa implements Simultaneous Perturbation Stochastic
// Approximation: two measurements per step regardless of dimension.
package spsa

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/optimization"
)

// Config holds the gain schedule and budget.
//
//	a_k = A / (k + 1 + Stability)^Alpha
//	c_k = C / (k + 1)^Gamma
type Config struct {
	A         float64 `json:"a" yaml:"a"`
	C         float64 `json:"c" yaml:"c"`
	Alpha     float64 `json:"alpha" yaml:"alpha"`
	Gamma     float64 `json:"gamma" yaml:"gamma"`
	Stability float64 `json:"stability" yaml:"stability"`
	// Steps is the step budget T.
	Steps int `json:"steps" yaml:"steps"`
	// Start is the initial parameter vector. Empty means a uniform draw
	// inside the bounds from the run's stream.
	Start []float64 `json:"start,omitempty" yaml:"start,omitempty"`
	// RecordUpdate spends a third measurement at the updated point and
	// records it instead of the plus-side sample.
	RecordUpdate bool `json:"record_update" yaml:"record_update"`
}

// DefaultConfig returns the canonical gains for the given budget.
func DefaultConfig(steps int) Config {
	return Config{A: 0.6, C: 0.2, Alpha: 0.602, Gamma: 0.101, Steps: steps}
}

// Validate rejects unusable gains, exponents and budgets.
func (c Config) Validate() error {
	switch {
	case !(c.A > 0) || math.IsInf(c.A, 0):
		return laberrors.Config("Validate", "a must be > 0, got %v", c.A).WithComponent("spsa")
	case !(c.C > 0) || math.IsInf(c.C, 0):
		return laberrors.Config("Validate", "c must be > 0, got %v", c.C).WithComponent("spsa")
	case !(c.Alpha > 0 && c.Alpha <= 1):
		return laberrors.Config("Validate", "alpha must be in (0, 1], got %v", c.Alpha).WithComponent("spsa")
	case !(c.Gamma > 0 && c.Gamma <= 1):
		return laberrors.Config("Validate", "gamma must be in (0, 1], got %v", c.Gamma).WithComponent("spsa")
	case !(c.Stability >= 0):
		return laberrors.Config("Validate", "stability must be >= 0, got %v", c.Stability).WithComponent("spsa")
	case c.Steps < 1:
		return laberrors.Config("Validate", "steps must be >= 1, got %d", c.Steps).WithComponent("spsa")
	}
	return nil
}

// Gains returns a_k and c_k for 0-indexed step k.
func (c Config) Gains(k int) (ak, ck float64) {
	n := float64(k + 1)
	return c.A / math.Pow(n+c.Stability, c.Alpha), c.C / math.Pow(n, c.Gamma)
}

// SPSA is the optimizer state: current point and step counter.
type SPSA struct {
	cfg    Config
	bounds optimization.Bounds
	rng    *rand.Rand
	theta  []float64
	k      int
}

// New returns an SPSA strategy.
func New(cfg Config) *SPSA {
	return &SPSA{cfg: cfg}
}

// Name implements optimization.Strategy.
func (s *SPSA) Name() string { return "spsa" }

// Start implements optimization.Strategy.
func (s *SPSA) Start(bounds optimization.Bounds, rng *rand.Rand) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := bounds.Validate(); err != nil {
		return err
	}
	if rng == nil {
		return laberrors.Config("Start", "a random stream is required").WithComponent("spsa")
	}

	switch {
	case len(s.cfg.Start) == 0:
		s.theta = bounds.Uniform(rng)
	case !bounds.Contains(s.cfg.Start):
		return laberrors.Config("Start", "start %v is not a point of the %d-dimensional bounds",
			s.cfg.Start, bounds.Dim()).WithComponent("spsa")
	default:
		s.theta = append([]float64(nil), s.cfg.Start...)
	}
	s.bounds = bounds
	s.rng = rng
	s.k = 0
	return nil
}

// Current returns a copy of the current parameter vector.
func (s *SPSA) Current() []float64 {
	return append([]float64(nil), s.theta...)
}

// Next implements optimization.Strategy. The state advances only when
// every measurement of the step succeeded.
func (s *SPSA) Next(ctx context.Context, _ int, probe optimization.Probe) (*optimization.Sample, error) {
	if s.Done() {
		return nil, laberrors.Ordering("Next", "step budget of %d spent", s.cfg.Steps).WithComponent("spsa")
	}
	ak, ck := s.cfg.Gains(s.k)

	delta := make([]float64, len(s.theta))
	for i := range delta {
		delta[i] = 1
		if s.rng.Uint64()&1 == 0 {
			delta[i] = -1
		}
	}

	plus := make([]float64, len(s.theta))
	floats.AddScaledTo(plus, s.theta, ck, delta)
	minus := make([]float64, len(s.theta))
	floats.AddScaledTo(minus, s.theta, -ck, delta)

	ePlus, err := probe(ctx, plus)
	if err != nil {
		return nil, err
	}
	eMinus, err := probe(ctx, minus)
	if err != nil {
		return nil, err
	}

	grad := make([]float64, len(s.theta))
	for i, d := range delta {
		grad[i] = (ePlus - eMinus) / (2 * ck * d)
	}
	next := make([]float64, len(s.theta))
	floats.AddScaledTo(next, s.theta, -ak, grad)
	next = s.bounds.Clamp(next)

	sample := &optimization.Sample{Parameters: s.bounds.Clamp(plus), Energy: ePlus}
	if s.cfg.RecordUpdate {
		e, err := probe(ctx, next)
		if err != nil {
			return nil, err
		}
		sample = &optimization.Sample{Parameters: append([]float64(nil), next...), Energy: e}
	}
	sample.Note = fmt.Sprintf("spsa: a_k=%.4f c_k=%.4f |g|=%.4g E+=%.4f E-=%.4f",
		ak, ck, floats.Norm(grad, 2), ePlus, eMinus)

	s.theta = next
	s.k++
	return sample, nil
}

// Done implements optimization.Strategy.
func (s *SPSA) Done() bool { return s.k >= s.cfg.Steps }
