package backend

import (
	"context"
)

// Native evaluates the circuit energy in closed form and applies the noise
// model analytically: bit flips attenuate each Pauli term, and finite shots
// add a Gaussian perturbation.
type Native struct {
	h Hamiltonian
}

// NewNative returns a closed-form simulator over n qubits.
func NewNative(n int) (*Native, error) {
	if err := validateQubits(n); err != nil {
		return nil, err
	}
	return &Native{h: NewIsing(n)}, nil
}

// Name implements Backend.
func (b *Native) Name() string { return "native" }

// Qubits implements Backend.
func (b *Native) Qubits() int { return b.h.Qubits }

// Bounds implements Backend.
func (b *Native) Bounds() [][2]float64 { return AngleBounds(b.h.Qubits) }

// Hamiltonian returns the measured observable.
func (b *Native) Hamiltonian() Hamiltonian { return b.h }

func (b *Native) String() string { return describe(b.Name(), b.h.Qubits) }

// Measure implements Backend.
func (b *Native) Measure(ctx context.Context, params []float64, cfg Config) (float64, error) {
	if err := checkCall(ctx, b.Name(), b.h.Qubits, params, cfg); err != nil {
		return 0, err
	}
	model := cfg.Noise()
	// For one qubit this is exactly model.Apply(cos θ).
	mean := b.h.Expectation(params, model.Attenuation)
	return model.Estimate(mean, b.h.Spectrum(), newSource(cfg.Seed))
}

// Ideal implements Idealizer.
func (b *Native) Ideal(params []float64) (float64, error) {
	if err := checkParams(b.Name(), b.h.Qubits, params); err != nil {
		return 0, err
	}
	return b.h.Expectation(params, nil), nil
}

var (
	_ Backend   = (*Native)(nil)
	_ Idealizer = (*Native)(nil)
)
