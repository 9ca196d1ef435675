package backend

import (
	"math"

	"github.com/copyleftdev/qlab/internal/noise"
)

// Hamiltonian is the toy Ising observable measured after a layer of RY
// rotations and a CNOT chain:
//
//	H = h·Σ Z_i + J·Σ_{i<j} Z_i Z_j
//
// With one qubit it reduces to ⟨Z⟩ = cos θ.
type Hamiltonian struct {
	Qubits   int
	Field    float64
	Coupling float64
}

// NewIsing returns the default toy Hamiltonian (h = 1, J = 0.5).
func NewIsing(qubits int) Hamiltonian {
	return Hamiltonian{Qubits: qubits, Field: 1, Coupling: 0.5}
}

// z maps a measured bit to its Z eigenvalue: 0 → +1, 1 → -1.
func z(b uint, q int) float64 {
	if (b>>uint(q))&1 == 1 {
		return -1
	}
	return 1
}

// BitstringEnergy is the energy of one measured bitstring (bit q is qubit q).
func (h Hamiltonian) BitstringEnergy(b uint) float64 {
	var e float64
	for i := 0; i < h.Qubits; i++ {
		zi := z(b, i)
		e += h.Field * zi
		for j := i + 1; j < h.Qubits; j++ {
			e += h.Coupling * zi * z(b, j)
		}
	}
	return e
}

// Spectrum is the range of BitstringEnergy over all basis states.
func (h Hamiltonian) Spectrum() noise.Spectrum {
	s := noise.Spectrum{Min: math.Inf(1), Max: math.Inf(-1)}
	for b := uint(0); b < 1<<uint(h.Qubits); b++ {
		e := h.BitstringEnergy(b)
		s.Min = math.Min(s.Min, e)
		s.Max = math.Max(s.Max, e)
	}
	return s
}

// GroundEnergy is the smallest eigenvalue.
func (h Hamiltonian) GroundEnergy() float64 {
	return h.Spectrum().Min
}

// Expectation is the closed-form energy of the circuit at params. The CNOT
// chain turns the measured Z'_i into the parity Z_0···Z_i of the rotated
// product state, so
//
//	⟨Z'_i⟩      = Π_{k≤i} cos θ_k
//	⟨Z'_i Z'_j⟩ = Π_{i<k≤j} cos θ_k
//
// attenuate(w) scales a term with w measured Z factors; pass nil for the
// noiseless value.
func (h Hamiltonian) Expectation(params []float64, attenuate func(weight int) float64) float64 {
	if attenuate == nil {
		attenuate = func(int) float64 { return 1 }
	}
	cos := make([]float64, len(params))
	for i, t := range params {
		cos[i] = math.Cos(t)
	}

	field, coupling := attenuate(1), attenuate(2)
	var e float64
	prefix := 1.0
	for i := 0; i < h.Qubits; i++ {
		prefix *= cos[i]
		e += h.Field * field * prefix

		span := 1.0
		for j := i + 1; j < h.Qubits; j++ {
			span *= cos[j]
			e += h.Coupling * coupling * span
		}
	}
	return e
}
