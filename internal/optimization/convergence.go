package optimization

import (
	"fmt"
	"math"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/memory"
)

// Convergence decides from the ledger whether a run should stop early.
type Convergence interface {
	// Name returns the name of the predicate.
	Name() string
	// Check reports convergence and a human readable reason.
	Check(history []memory.Record) (bool, string)
	// Validate rejects unusable settings.
	Validate() error
}

// NoImprovement converges when the best energy has not improved by more
// than Epsilon over the trailing Window steps.
type NoImprovement struct {
	Window   int     `json:"window" yaml:"window"`
	Epsilon  float64 `json:"epsilon" yaml:"epsilon"`
	MinSteps int     `json:"min_steps" yaml:"min_steps"`
}

// Name implements Convergence.
func (c NoImprovement) Name() string { return "no_improvement" }

// Validate implements Convergence.
func (c NoImprovement) Validate() error {
	if c.Window < 1 {
		return laberrors.Config("Validate", "window must be >= 1, got %d", c.Window).WithComponent("convergence")
	}
	if math.IsNaN(c.Epsilon) || c.Epsilon < 0 {
		return laberrors.Config("Validate", "epsilon must be >= 0, got %v", c.Epsilon).WithComponent("convergence")
	}
	return nil
}

// Check implements Convergence.
func (c NoImprovement) Check(history []memory.Record) (bool, string) {
	n := len(history)
	if n < c.MinSteps || n <= c.Window {
		return false, ""
	}
	before := bestEnergy(history[:n-c.Window])
	now := math.Min(before, bestEnergy(history[n-c.Window:]))
	if gain := before - now; gain <= c.Epsilon {
		return true, fmt.Sprintf("best energy improved by %.6g over the last %d steps (epsilon %.6g)", gain, c.Window, c.Epsilon)
	}
	return false, ""
}

// Plateau converges when the last Window energies all lie within Tolerance
// of each other.
type Plateau struct {
	Window    int     `json:"window" yaml:"window"`
	Tolerance float64 `json:"tolerance" yaml:"tolerance"`
	MinSteps  int     `json:"min_steps" yaml:"min_steps"`
}

// Name implements Convergence.
func (c Plateau) Name() string { return "plateau" }

// Validate implements Convergence.
func (c Plateau) Validate() error {
	if c.Window < 2 {
		return laberrors.Config("Validate", "window must be >= 2, got %d", c.Window).WithComponent("convergence")
	}
	if math.IsNaN(c.Tolerance) || c.Tolerance < 0 {
		return laberrors.Config("Validate", "tolerance must be >= 0, got %v", c.Tolerance).WithComponent("convergence")
	}
	return nil
}

// Check implements Convergence.
func (c Plateau) Check(history []memory.Record) (bool, string) {
	n := len(history)
	if n < c.MinSteps || n < c.Window {
		return false, ""
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, r := range history[n-c.Window:] {
		lo = math.Min(lo, r.Energy)
		hi = math.Max(hi, r.Energy)
	}
	if spread := hi - lo; spread <= c.Tolerance {
		return true, fmt.Sprintf("energy plateaued for %d steps (range %.6g)", c.Window, spread)
	}
	return false, ""
}

func bestEnergy(rs []memory.Record) float64 {
	best := math.Inf(1)
	for _, r := range rs {
		best = math.Min(best, r.Energy)
	}
	return best
}
