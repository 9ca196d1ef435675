// Package bayesian is a noise-aware strategy: a Gaussian process surrogate
// over the measured energies and Expected Improvement to pick each next
// point, one measurement per step.
package bayesian

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/optimization"
	"github.com/copyleftdev/qlab/internal/optimization/acquisition"
	"github.com/copyleftdev/qlab/internal/optimization/kernels"
)

// minNoiseVar keeps the kernel matrix well conditioned.
const minNoiseVar = 1e-6

// Config controls the surrogate and the acquisition search.
type Config struct {
	// Steps is the step budget.
	Steps int `json:"steps" yaml:"steps"`
	// InitialPoints is the size of the Latin hypercube design measured
	// before the surrogate is used.
	InitialPoints int `json:"initial_points" yaml:"initial_points"`
	// Kernel is "matern52" (default), "rbf" or "periodic".
	Kernel         string  `json:"kernel" yaml:"kernel"`
	LengthScale    float64 `json:"length_scale" yaml:"length_scale"`
	SignalVariance float64 `json:"signal_variance" yaml:"signal_variance"`
	// NoiseVariance is the observation noise of one measurement, usually
	// the shot-noise variance 1/shots.
	NoiseVariance float64 `json:"noise_variance" yaml:"noise_variance"`
	// Xi is the Expected Improvement exploration margin.
	Xi float64 `json:"xi" yaml:"xi"`
	// Restarts is the number of Nelder-Mead starts per acquisition search.
	Restarts int `json:"restarts" yaml:"restarts"`
}

// DefaultConfig returns the defaults for the given budget.
func DefaultConfig(steps int) Config {
	return Config{
		Steps:          steps,
		InitialPoints:  5,
		Kernel:         "matern52",
		LengthScale:    1,
		SignalVariance: 1,
		Xi:             0.01,
		Restarts:       5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Steps)
	if c.InitialPoints == 0 {
		c.InitialPoints = d.InitialPoints
	}
	if c.Kernel == "" {
		c.Kernel = d.Kernel
	}
	if c.LengthScale == 0 {
		c.LengthScale = d.LengthScale
	}
	if c.SignalVariance == 0 {
		c.SignalVariance = d.SignalVariance
	}
	if c.Restarts == 0 {
		c.Restarts = d.Restarts
	}
	return c
}

// Validate rejects unusable settings.
func (c Config) Validate() error {
	switch {
	case c.Steps < 1:
		return laberrors.Config("Validate", "steps must be >= 1, got %d", c.Steps).WithComponent("bayesian")
	case c.InitialPoints < 1:
		return laberrors.Config("Validate", "initial points must be >= 1, got %d", c.InitialPoints).WithComponent("bayesian")
	case math.IsNaN(c.NoiseVariance) || c.NoiseVariance < 0:
		return laberrors.Config("Validate", "noise variance must be >= 0, got %v", c.NoiseVariance).WithComponent("bayesian")
	case math.IsNaN(c.Xi) || c.Xi < 0:
		return laberrors.Config("Validate", "xi must be >= 0, got %v", c.Xi).WithComponent("bayesian")
	case c.Restarts < 1:
		return laberrors.Config("Validate", "restarts must be >= 1, got %d", c.Restarts).WithComponent("bayesian")
	}
	return nil
}

// Option configures the optimizer.
type Option func(*BayesianOptimizer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(bo *BayesianOptimizer) { bo.logger = l }
}

// BayesianOptimizer implements optimization.Strategy.
type BayesianOptimizer struct {
	cfg    Config
	logger *zap.Logger

	bounds      optimization.Bounds
	rng         *rand.Rand
	gp          *GP
	acquisition *acquisition.ExpectedImprovement

	design [][]float64
	xs     [][]float64
	ys     []float64
	k      int
}

// NewBayesianOptimizer creates a new Bayesian Optimizer
func NewBayesianOptimizer(cfg Config, opts ...Option) *BayesianOptimizer {
	bo := &BayesianOptimizer{cfg: cfg.withDefaults()}
	for _, opt := range opts {
		opt(bo)
	}
	if bo.logger == nil {
		bo.logger = zap.NewNop()
	}
	bo.logger = bo.logger.Named("bayesian")
	return bo
}

// Name implements optimization.Strategy.
func (bo *BayesianOptimizer) Name() string { return "bayesian" }

// Start implements optimization.Strategy.
func (bo *BayesianOptimizer) Start(bounds optimization.Bounds, rng *rand.Rand) error {
	if err := bo.cfg.Validate(); err != nil {
		return err
	}
	if err := bounds.Validate(); err != nil {
		return err
	}
	if rng == nil {
		return laberrors.Config("Start", "a random stream is required").WithComponent("bayesian")
	}
	kernel, err := kernels.New(bo.cfg.Kernel, bo.cfg.LengthScale, bo.cfg.SignalVariance)
	if err != nil {
		return err
	}

	bo.bounds = bounds
	bo.rng = rng
	bo.gp = NewGP(kernel, math.Max(bo.cfg.NoiseVariance, minNoiseVar), bo.logger)
	bo.acquisition = acquisition.NewExpectedImprovement(math.Inf(1), bo.cfg.Xi)
	bo.design = latinHypercube(bounds, min(bo.cfg.InitialPoints, bo.cfg.Steps), rng)
	bo.xs, bo.ys = nil, nil
	bo.k = 0
	return nil
}

// Next implements optimization.Strategy.
func (bo *BayesianOptimizer) Next(ctx context.Context, _ int, probe optimization.Probe) (*optimization.Sample, error) {
	if bo.Done() {
		return nil, laberrors.Ordering("Next", "step budget of %d spent", bo.cfg.Steps).WithComponent("bayesian")
	}

	var x []float64
	var note string
	if bo.k < len(bo.design) {
		x = bo.design[bo.k]
		note = fmt.Sprintf("bayesian: design point %d/%d", bo.k+1, len(bo.design))
	} else {
		var ei float64
		var err error
		x, ei, err = bo.propose()
		if err != nil {
			bo.logger.Warn("Surrogate unavailable, sampling uniformly", zap.Error(err))
			x = bo.bounds.Uniform(bo.rng)
			note = "bayesian: uniform fallback"
		} else {
			note = fmt.Sprintf("bayesian: EI=%.4g", ei)
		}
	}

	e, err := probe(ctx, x)
	if err != nil {
		return nil, err
	}
	bo.xs = append(bo.xs, x)
	bo.ys = append(bo.ys, e)
	bo.k++
	return &optimization.Sample{Parameters: append([]float64(nil), x...), Energy: e, Note: note}, nil
}

// Done implements optimization.Strategy.
func (bo *BayesianOptimizer) Done() bool { return bo.k >= bo.cfg.Steps }

// propose fits the surrogate and maximizes Expected Improvement.
func (bo *BayesianOptimizer) propose() ([]float64, float64, error) {
	n, d := len(bo.xs), bo.bounds.Dim()
	X := mat.NewDense(n, d, nil)
	for i, x := range bo.xs {
		X.SetRow(i, x)
	}
	if err := bo.gp.Fit(X, mat.NewVecDense(n, append([]float64(nil), bo.ys...))); err != nil {
		return nil, 0, err
	}

	// The incumbent is the best posterior mean at a measured point, which
	// is less optimistic than the best noisy observation.
	mu, _, err := bo.gp.Predict(X)
	if err != nil {
		return nil, 0, err
	}
	best, bestIdx := math.Inf(1), 0
	for i := 0; i < n; i++ {
		if mu.AtVec(i) < best {
			best, bestIdx = mu.AtVec(i), i
		}
	}
	bo.acquisition.UpdateBest(best)

	objective := func(x []float64) float64 {
		m, s, err := bo.gp.PredictPoint(bo.bounds.Clamp(x))
		if err != nil {
			return math.Inf(1)
		}
		return -bo.acquisition.Compute(m, s)
	}

	starts := make([][]float64, bo.cfg.Restarts)
	starts[0] = append([]float64(nil), bo.xs[bestIdx]...)
	for i := 1; i < len(starts); i++ {
		starts[i] = bo.bounds.Uniform(bo.rng)
	}

	problem := optimize.Problem{Func: objective}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Relative:   1e-6,
			Iterations: 100,
		},
	}

	bestX, bestVal := starts[0], objective(starts[0])
	for _, start := range starts {
		method := &optimize.NelderMead{
			Reflection:  1.0,
			Expansion:   2.0,
			Contraction: 0.5,
			Shrink:      0.5,
			SimplexSize: 0.2,
		}
		result, err := optimize.Minimize(problem, start, settings, method)
		if err != nil || result == nil {
			continue
		}
		if result.F < bestVal {
			bestVal = result.F
			bestX = result.X
		}
	}
	return bo.bounds.Clamp(bestX), -bestVal, nil
}

// latinHypercube draws n points with one point in each of n equal strata
// per dimension.
func latinHypercube(bounds optimization.Bounds, n int, rng *rand.Rand) [][]float64 {
	samples := make([][]float64, n)
	for j := range samples {
		samples[j] = make([]float64, bounds.Dim())
	}
	strata := make([]float64, n)
	for i, r := range bounds {
		for j := range strata {
			strata[j] = (float64(j) + rng.Float64()) / float64(n)
		}
		rng.Shuffle(n, func(k, l int) {
			strata[k], strata[l] = strata[l], strata[k]
		})
		for j := range samples {
			samples[j][i] = r[0] + strata[j]*(r[1]-r[0])
		}
	}
	return samples
}
