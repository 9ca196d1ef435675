package backend

import (
	"context"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Circuit simulates the circuit gate by gate on a statevector and estimates
// the energy the way hardware would: it samples one bitstring per shot,
// flips each measured bit independently, and averages bitstring energies.
type Circuit struct {
	h Hamiltonian
}

// NewCircuit returns a statevector simulator over n qubits.
func NewCircuit(n int) (*Circuit, error) {
	if err := validateQubits(n); err != nil {
		return nil, err
	}
	return &Circuit{h: NewIsing(n)}, nil
}

// Name implements Backend.
func (b *Circuit) Name() string { return "circuit" }

// Qubits implements Backend.
func (b *Circuit) Qubits() int { return b.h.Qubits }

// Bounds implements Backend.
func (b *Circuit) Bounds() [][2]float64 { return AngleBounds(b.h.Qubits) }

// Hamiltonian returns the measured observable.
func (b *Circuit) Hamiltonian() Hamiltonian { return b.h }

func (b *Circuit) String() string { return describe(b.Name(), b.h.Qubits) }

// Measure implements Backend.
func (b *Circuit) Measure(ctx context.Context, params []float64, cfg Config) (float64, error) {
	if err := checkCall(ctx, b.Name(), b.h.Qubits, params, cfg); err != nil {
		return 0, err
	}

	src := newSource(cfg.Seed)
	rng := rand.New(src)
	model := cfg.Noise()
	outcomes := distuv.NewCategorical(Prepare(params).Probabilities(), src)

	var total float64
	for s := 0; s < cfg.Shots; s++ {
		bitstring := uint(outcomes.Rand())
		for q := 0; q < b.h.Qubits; q++ {
			if model.FlipsOutcome(rng) {
				bitstring ^= 1 << uint(q)
			}
		}
		total += b.h.BitstringEnergy(bitstring)
	}
	return total / float64(cfg.Shots), nil
}

// Ideal implements Idealizer by exact expectation over the statevector.
func (b *Circuit) Ideal(params []float64) (float64, error) {
	if err := checkParams(b.Name(), b.h.Qubits, params); err != nil {
		return 0, err
	}
	var e float64
	for i, p := range Prepare(params).Probabilities() {
		e += p * b.h.BitstringEnergy(uint(i))
	}
	return e, nil
}

// StateVector holds real amplitudes; RY and CX never introduce phases.
type StateVector struct {
	Amplitudes []float64
	NumQubits  int
}

// NewStateVector returns |0…0⟩ over n qubits.
func NewStateVector(n int) *StateVector {
	amps := make([]float64, 1<<uint(n))
	amps[0] = 1
	return &StateVector{Amplitudes: amps, NumQubits: n}
}

// Prepare runs the ansatz: RY(θ_i) on every qubit, then CX(i, i+1) for
// i = 0..n-2 in order.
func Prepare(params []float64) *StateVector {
	n := len(params)
	s := NewStateVector(n)
	for q, theta := range params {
		s.ApplyRY(q, theta)
	}
	for q := 0; q < n-1; q++ {
		s.ApplyCX(q, q+1)
	}
	return s
}

// ApplyRY rotates qubit q about Y by theta.
func (s *StateVector) ApplyRY(q int, theta float64) {
	c := math.Cos(theta / 2)
	sn := math.Sin(theta / 2)
	bit := 1 << uint(q)
	for i := range s.Amplitudes {
		if i&bit != 0 {
			continue
		}
		j := i | bit
		a0, a1 := s.Amplitudes[i], s.Amplitudes[j]
		s.Amplitudes[i] = c*a0 - sn*a1
		s.Amplitudes[j] = sn*a0 + c*a1
	}
}

// ApplyCX flips target where control is set.
func (s *StateVector) ApplyCX(control, target int) {
	cbit, tbit := 1<<uint(control), 1<<uint(target)
	for i := range s.Amplitudes {
		if i&cbit == 0 || i&tbit != 0 {
			continue
		}
		j := i | tbit
		s.Amplitudes[i], s.Amplitudes[j] = s.Amplitudes[j], s.Amplitudes[i]
	}
}

// Probabilities returns the Born-rule distribution over basis states.
func (s *StateVector) Probabilities() []float64 {
	p := make([]float64, len(s.Amplitudes))
	for i, a := range s.Amplitudes {
		p[i] = a * a
	}
	return p
}

var (
	_ Backend   = (*Circuit)(nil)
	_ Idealizer = (*Circuit)(nil)
)
