// Package grid implements exhaustive grid search, the deterministic
// baseline strategy.
package grid

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/optimization"
)

// MaxPoints caps the size of the Cartesian product.
const MaxPoints = 1 << 16

// Config describes the grid. Start and End apply to every dimension; when
// both are zero the grid spans the full bounds.
type Config struct {
	Start  float64 `json:"start" yaml:"start"`
	End    float64 `json:"end" yaml:"end"`
	Points int     `json:"points" yaml:"points"`
}

// Grid evaluates Points evenly spaced values per dimension, endpoints
// included, one point per step. Dimensions are enumerated
// lexicographically with the last one varying fastest.
type Grid struct {
	cfg   Config
	axes  [][]float64
	total int
	next  int
}

// New returns a grid strategy.
func New(cfg Config) *Grid {
	return &Grid{cfg: cfg}
}

// Name implements optimization.Strategy.
func (g *Grid) Name() string { return "grid" }

// Exhaustive implements optimization.Exhaustive.
func (g *Grid) Exhaustive() bool { return true }

// Start implements optimization.Strategy. The grid draws nothing from rng.
func (g *Grid) Start(bounds optimization.Bounds, _ *rand.Rand) error {
	if err := bounds.Validate(); err != nil {
		return err
	}
	if g.cfg.Points < 2 {
		return laberrors.Config("Start", "points must be >= 2, got %d", g.cfg.Points).WithComponent("grid")
	}

	total := 1
	for range bounds {
		total *= g.cfg.Points
		if total > MaxPoints {
			return laberrors.Config("Start", "%d^%d points exceeds the limit of %d",
				g.cfg.Points, bounds.Dim(), MaxPoints).WithComponent("grid")
		}
	}

	g.axes = make([][]float64, bounds.Dim())
	for i, r := range bounds {
		lo, hi := r[0], r[1]
		if g.cfg.Start != 0 || g.cfg.End != 0 {
			lo, hi = g.cfg.Start, g.cfg.End
		}
		if math.IsNaN(lo) || math.IsNaN(hi) || lo >= hi {
			return laberrors.Config("Start", "range start %v must be below end %v", lo, hi).WithComponent("grid")
		}
		if lo < r[0] || hi > r[1] {
			return laberrors.Config("Start", "range [%v, %v] leaves bounds [%v, %v] of dimension %d",
				lo, hi, r[0], r[1], i).WithComponent("grid")
		}
		g.axes[i] = floats.Span(make([]float64, g.cfg.Points), lo, hi)
	}
	g.total = total
	g.next = 0
	return nil
}

// Len is the number of grid points.
func (g *Grid) Len() int { return g.total }

// Point returns the i-th grid point.
func (g *Grid) Point(i int) []float64 {
	x := make([]float64, len(g.axes))
	for d := len(g.axes) - 1; d >= 0; d-- {
		m := len(g.axes[d])
		x[d] = g.axes[d][i%m]
		i /= m
	}
	return x
}

// Points enumerates the whole grid in evaluation order.
func (g *Grid) Points() [][]float64 {
	out := make([][]float64, g.total)
	for i := range out {
		out[i] = g.Point(i)
	}
	return out
}

// Next implements optimization.Strategy.
func (g *Grid) Next(ctx context.Context, _ int, probe optimization.Probe) (*optimization.Sample, error) {
	if g.Done() {
		return nil, laberrors.Ordering("Next", "grid exhausted after %d points", g.total).WithComponent("grid")
	}
	x := g.Point(g.next)
	e, err := probe(ctx, x)
	if err != nil {
		return nil, err
	}
	g.next++
	return &optimization.Sample{
		Parameters: x,
		Energy:     e,
		Note:       fmt.Sprintf("grid: point %d/%d", g.next, g.total),
	}, nil
}

// Done implements optimization.Strategy.
func (g *Grid) Done() bool { return g.next >= g.total }
