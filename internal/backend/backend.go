// Package backend defines the measurement capability the experiment loop
// drives, and two interchangeable engines behind it: a closed-form native
// simulator and a statevector circuit simulator with per-shot sampling.
package backend

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/noise"
)

// MaxQubits bounds the statevector size both engines accept.
const MaxQubits = 8

// AngleMin and AngleMax bound every rotation angle.
const (
	AngleMin = 0.0
	AngleMax = 2 * math.Pi
)

// Config is the per-call measurement configuration.
type Config struct {
	// FlipProbability is the readout bit-flip probability.
	FlipProbability float64
	// Shots is the number of measurements averaged into one estimate.
	Shots int
	// Seed fixes every random draw made by the call.
	Seed uint64
}

// Noise returns the noise model described by the configuration.
func (c Config) Noise() noise.Model {
	return noise.Model{FlipProbability: c.FlipProbability, Shots: c.Shots}
}

// Backend measures the energy of a parameterized circuit.
//
// Measure must be a pure function of its arguments: two calls with the same
// parameters and Config (seed included) return the same value. Backends keep
// no mutable state between calls.
type Backend interface {
	// Name identifies the engine in logs, metrics, and records.
	Name() string
	// Qubits is the number of rotation angles Measure expects.
	Qubits() int
	// Bounds is the valid range of each parameter component.
	Bounds() [][2]float64
	// Measure returns a noisy energy estimate for params.
	Measure(ctx context.Context, params []float64, cfg Config) (float64, error)
}

// Idealizer is implemented by backends that can report the noiseless energy.
type Idealizer interface {
	Ideal(params []float64) (float64, error)
}

// New builds a backend by kind name.
func New(kind string, qubits int) (Backend, error) {
	switch strings.ToLower(kind) {
	case "", "native":
		return NewNative(qubits)
	case "circuit", "statevector":
		return NewCircuit(qubits)
	default:
		return nil, laberrors.Config("New", "unknown backend %q", kind).WithComponent("backend")
	}
}

// AngleBounds returns [0, 2π] for each of n angles.
func AngleBounds(n int) [][2]float64 {
	b := make([][2]float64, n)
	for i := range b {
		b[i] = [2]float64{AngleMin, AngleMax}
	}
	return b
}

func validateQubits(n int) error {
	if n < 1 || n > MaxQubits {
		return laberrors.Config("New", "qubits must be in [1, %d], got %d", MaxQubits, n).WithComponent("backend")
	}
	return nil
}

// checkCall validates everything a measurement needs before any draw.
func checkCall(ctx context.Context, name string, qubits int, params []float64, cfg Config) error {
	if err := ctx.Err(); err != nil {
		return laberrors.Backend(err, "Measure", "measurement not started").WithComponent(name)
	}
	if err := cfg.Noise().Validate(); err != nil {
		return err
	}
	return checkParams(name, qubits, params)
}

func checkParams(name string, qubits int, params []float64) error {
	if len(params) != qubits {
		return laberrors.Backend(nil, "Measure", "expected %d parameters, got %d", qubits, len(params)).WithComponent(name)
	}
	for i, v := range params {
		if math.IsNaN(v) || v < AngleMin || v > AngleMax {
			return laberrors.Backend(nil, "Measure",
				"parameter %d = %v outside [%v, %v]", i, v, AngleMin, AngleMax).WithComponent(name)
		}
	}
	return nil
}

// newSource derives the private random source of one call.
func newSource(seed uint64) *rand.PCG {
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}

func describe(name string, qubits int) string {
	return fmt.Sprintf("%s(%d qubits)", name, qubits)
}
