// Package noise converts ideal expectation values into the noisy estimates
// a finite number of bit-flip-prone shots would produce.
package noise

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
)

// Spectrum bounds the outcomes of a measured observable.
type Spectrum struct {
	Min float64
	Max float64
}

// Unit is the spectrum of a single Pauli Z measurement.
var Unit = Spectrum{Min: -1, Max: 1}

// Model is a bit-flip readout channel observed through a finite shot count.
type Model struct {
	// FlipProbability is the chance each shot's outcome bit is inverted.
	FlipProbability float64
	// Shots is the number of binary measurements averaged per estimate.
	Shots int
}

// Validate rejects configurations that cannot describe a measurement.
// Nothing is clamped.
func (m Model) Validate() error {
	p := m.FlipProbability
	if math.IsNaN(p) || p < 0 || p > 1 {
		return laberrors.Config("Validate", "flip probability must be in [0, 1], got %v", p).WithComponent("noise")
	}
	if m.Shots < 1 {
		return laberrors.Config("Validate", "shots must be >= 1, got %d", m.Shots).WithComponent("noise")
	}
	return nil
}

// Attenuation is the factor by which independent flips shrink the
// expectation of a Pauli term with weight Z factors: (1-2p)^weight.
func (m Model) Attenuation(weight int) float64 {
	return math.Pow(1-2*m.FlipProbability, float64(weight))
}

// StdDev is the finite-shot standard deviation of an estimate whose mean is
// mean, for an observable bounded by s. It uses the Bhatia-Davis bound
// (max-mean)(mean-min), which is the exact variance of a ±1 outcome.
func (m Model) StdDev(mean float64, s Spectrum) float64 {
	v := (s.Max - mean) * (mean - s.Min)
	if v <= 0 || m.Shots < 1 {
		return 0
	}
	return math.Sqrt(v / float64(m.Shots))
}

// Estimate draws a finite-shot estimate of an observable whose noisy
// expectation is mean. The result concentrates on mean as Shots grows and
// is not bounded by the spectrum.
func (m Model) Estimate(mean float64, s Spectrum, src rand.Source) (float64, error) {
	if err := m.Validate(); err != nil {
		return 0, err
	}
	sigma := m.StdDev(mean, s)
	if sigma == 0 {
		return mean, nil
	}
	n := distuv.Normal{Mu: mean, Sigma: sigma, Src: src}
	return n.Rand(), nil
}

// Apply turns an ideal single-qubit expectation in [-1, 1] into a noisy
// observed value: scaled toward zero by (1-2p), then perturbed by shot noise.
func (m Model) Apply(ideal float64, src rand.Source) (float64, error) {
	return m.Estimate(m.Attenuation(1)*ideal, Unit, src)
}

// FlipsOutcome reports whether a single shot's bit is inverted.
func (m Model) FlipsOutcome(r *rand.Rand) bool {
	return r.Float64() < m.FlipProbability
}
