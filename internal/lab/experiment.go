package lab

import (
	"bytes"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/qlab/internal/backend"
	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/optimization"
	"github.com/copyleftdev/qlab/internal/optimization/bayesian"
	"github.com/copyleftdev/qlab/internal/optimization/grid"
	"github.com/copyleftdev/qlab/internal/optimization/spsa"
)

// Experiment is a declarative run: what to measure, how to search and
// when to stop. It is the shape of presets files and of run requests.
type Experiment struct {
	Name            string  `json:"name,omitempty" yaml:"name,omitempty"`
	Backend         string  `json:"backend,omitempty" yaml:"backend,omitempty"`
	Qubits          int     `json:"qubits,omitempty" yaml:"qubits,omitempty"`
	Strategy        string  `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Steps           int     `json:"steps" yaml:"steps"`
	Shots           int     `json:"shots" yaml:"shots"`
	FlipProbability float64 `json:"p_flip" yaml:"p_flip"`
	Seed            uint64  `json:"seed" yaml:"seed"`

	Grid     *grid.Config     `json:"grid,omitempty" yaml:"grid,omitempty"`
	SPSA     *spsa.Config     `json:"spsa,omitempty" yaml:"spsa,omitempty"`
	Bayesian *bayesian.Config `json:"bayesian,omitempty" yaml:"bayesian,omitempty"`

	Convergence *ConvergenceSpec `json:"convergence,omitempty" yaml:"convergence,omitempty"`
}

// ConvergenceSpec selects and parameterizes a convergence predicate.
type ConvergenceSpec struct {
	// Kind is "no_improvement" or "plateau".
	Kind      string  `json:"kind" yaml:"kind"`
	Window    int     `json:"window" yaml:"window"`
	Epsilon   float64 `json:"epsilon,omitempty" yaml:"epsilon,omitempty"`
	Tolerance float64 `json:"tolerance,omitempty" yaml:"tolerance,omitempty"`
	MinSteps  int     `json:"min_steps,omitempty" yaml:"min_steps,omitempty"`
}

// Predicate builds the predicate the spec describes.
func (c *ConvergenceSpec) Predicate() (optimization.Convergence, error) {
	if c == nil {
		return nil, nil
	}
	var p optimization.Convergence
	switch strings.ToLower(c.Kind) {
	case "", "no_improvement":
		p = optimization.NoImprovement{Window: c.Window, Epsilon: c.Epsilon, MinSteps: c.MinSteps}
	case "plateau":
		p = optimization.Plateau{Window: c.Window, Tolerance: c.Tolerance, MinSteps: c.MinSteps}
	default:
		return nil, laberrors.Config("Predicate", "unknown convergence kind %q", c.Kind).WithComponent("lab")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Build resolves the experiment into a strategy, a backend and a run
// configuration, and rejects anything the run would reject at start.
// Strategy blocks left out take their defaults; budgets left at zero take
// the experiment's step count. logger may be nil.
func (e Experiment) Build(logger *zap.Logger) (optimization.Strategy, backend.Backend, RunConfig, error) {
	qubits := e.Qubits
	if qubits == 0 {
		qubits = 1
	}
	b, err := backend.New(e.Backend, qubits)
	if err != nil {
		return nil, nil, RunConfig{}, err
	}

	conv, err := e.Convergence.Predicate()
	if err != nil {
		return nil, nil, RunConfig{}, err
	}
	cfg := RunConfig{
		Steps:           e.Steps,
		FlipProbability: e.FlipProbability,
		Shots:           e.Shots,
		Seed:            e.Seed,
		Convergence:     conv,
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, RunConfig{}, err
	}

	var s optimization.Strategy
	switch strings.ToLower(e.Strategy) {
	case "", "spsa":
		c := spsa.DefaultConfig(e.Steps)
		if e.SPSA != nil {
			c = *e.SPSA
			if c.Steps == 0 {
				c.Steps = e.Steps
			}
		}
		s = spsa.New(c)
	case "grid":
		c := grid.Config{Points: gridPoints(e.Steps, qubits)}
		if e.Grid != nil {
			c = *e.Grid
		}
		s = grid.New(c)
	case "bayesian", "bo":
		c := bayesian.DefaultConfig(e.Steps)
		if e.Bayesian != nil {
			c = *e.Bayesian
			if c.Steps == 0 {
				c.Steps = e.Steps
			}
		}
		if c.NoiseVariance == 0 {
			c.NoiseVariance = 1 / float64(e.Shots)
		}
		s = bayesian.NewBayesianOptimizer(c, bayesian.WithLogger(logger))
	default:
		return nil, nil, RunConfig{}, laberrors.Config("Build", "unknown strategy %q", e.Strategy).WithComponent("lab")
	}

	// Dry start on a throwaway stream; Run starts the strategy again.
	if err := s.Start(optimization.Bounds(b.Bounds()), rand.New(rand.NewPCG(0, 0))); err != nil {
		return nil, nil, RunConfig{}, err
	}
	return s, b, cfg, nil
}

// gridPoints is the largest per-axis resolution whose full grid fits the
// step budget, at least 2.
func gridPoints(steps, dims int) int {
	m := int(math.Floor(math.Pow(float64(steps), 1/float64(dims)) + 1e-9))
	return max(m, 2)
}

type presetsFile struct {
	Experiments []Experiment `yaml:"experiments"`
}

// DecodeExperiments reads a YAML presets document.
func DecodeExperiments(r io.Reader) ([]Experiment, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f presetsFile
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, laberrors.Wrap(err, "invalid presets").WithKind(laberrors.KindConfig).WithOperation("DecodeExperiments")
	}
	seen := make(map[string]bool, len(f.Experiments))
	for i, e := range f.Experiments {
		if e.Name == "" {
			return nil, laberrors.Config("DecodeExperiments", "experiment %d has no name", i).WithComponent("lab")
		}
		if seen[e.Name] {
			return nil, laberrors.Config("DecodeExperiments", "duplicate experiment %q", e.Name).WithComponent("lab")
		}
		seen[e.Name] = true
	}
	return f.Experiments, nil
}

// LoadExperiments reads a YAML presets file.
func LoadExperiments(path string) ([]Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, laberrors.Wrapf(err, "reading presets %s", path).WithKind(laberrors.KindConfig).WithOperation("LoadExperiments")
	}
	return DecodeExperiments(bytes.NewReader(data))
}
