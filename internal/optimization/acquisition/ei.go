// Package acquisition scores candidate points from a surrogate's
// predictive mean and standard deviation.
package acquisition

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// sigmaFloor is where a prediction is treated as certain.
const sigmaFloor = 1e-10

// ExpectedImprovement implements the Expected Improvement acquisition function
type ExpectedImprovement struct {
	// Best observed value so far
	bestObserved float64
	// Exploration-exploitation trade-off parameter (xi)
	xi float64
	// Whether we're minimizing (true) or maximizing (false)
	minimize bool
}

// NewExpectedImprovement creates an acquisition function for minimization.
func NewExpectedImprovement(bestObserved, xi float64) *ExpectedImprovement {
	return &ExpectedImprovement{
		bestObserved: bestObserved,
		xi:           xi,
		minimize:     true,
	}
}

// NewExpectedImprovementMax creates an acquisition function for
// maximization.
func NewExpectedImprovementMax(bestObserved, xi float64) *ExpectedImprovement {
	ei := NewExpectedImprovement(bestObserved, xi)
	ei.minimize = false
	return ei
}

func (ei *ExpectedImprovement) improvement(mu float64) float64 {
	if ei.minimize {
		return ei.bestObserved - mu - ei.xi
	}
	return mu - ei.bestObserved - ei.xi
}

// Compute returns EI = I·Φ(I/σ) + σ·φ(I/σ) for a prediction with mean mu and
// standard deviation sigma. It is never negative; with an infinite best (no
// observations yet) every point scores +Inf.
func (ei *ExpectedImprovement) Compute(mu, sigma float64) float64 {
	imp := ei.improvement(mu)
	if math.IsNaN(imp) {
		return 0
	}
	if sigma <= sigmaFloor {
		return math.Max(imp, 0)
	}
	if math.IsInf(imp, 1) {
		return imp
	}

	z := imp / sigma
	v := imp*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
	return math.Max(v, 0)
}

// Gradient computes the directional derivative of EI given the derivatives
// dmu and dsigma of the prediction along that direction.
func (ei *ExpectedImprovement) Gradient(mu, dmu float64, sigma, dsigma float64) float64 {
	sign := 1.0
	if ei.minimize {
		sign = -1
	}
	imp := ei.improvement(mu)
	if sigma <= sigmaFloor {
		if imp <= 0 {
			return 0
		}
		return sign * dmu
	}

	z := imp / sigma
	return sign*distuv.UnitNormal.CDF(z)*dmu + distuv.UnitNormal.Prob(z)*dsigma
}

// UpdateBest updates the best observed value
func (ei *ExpectedImprovement) UpdateBest(best float64) {
	ei.bestObserved = best
}

// SetXi sets the exploration-exploitation trade-off parameter
func (ei *ExpectedImprovement) SetXi(xi float64) {
	ei.xi = xi
}

// BestObserved returns the best observed value
func (ei *ExpectedImprovement) BestObserved() float64 {
	return ei.bestObserved
}
