// Package kernels provides covariance functions for the Gaussian process
// surrogate.
package kernels

import (
	"math"
	"strings"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
)

// Kernel represents a kernel function for Gaussian Processes
type Kernel interface {
	// Name identifies the kernel in configuration.
	Name() string

	// Eval computes the kernel value between two points x1 and x2
	Eval(x1, x2 []float64) float64

	// Hyperparameters returns the current hyperparameters
	Hyperparameters() []float64

	// SetHyperparameters sets the kernel's hyperparameters
	SetHyperparameters(params []float64) error
}

// New builds a kernel by name: "rbf", "matern52" or "periodic". The
// periodic kernel uses a period of 2π, the period of a rotation angle.
func New(name string, lengthScale, signalVar float64) (Kernel, error) {
	if !(lengthScale > 0) || !(signalVar > 0) {
		return nil, laberrors.Config("New", "length scale and variance must be positive, got %v and %v",
			lengthScale, signalVar).WithComponent("kernels")
	}
	switch strings.ToLower(name) {
	case "rbf":
		return NewRBFKernel(lengthScale, signalVar), nil
	case "", "matern52", "matern":
		return NewMatern52Kernel(lengthScale, signalVar), nil
	case "periodic":
		return NewPeriodicKernel(lengthScale, signalVar, 2*math.Pi), nil
	default:
		return nil, laberrors.Config("New", "unknown kernel %q", name).WithComponent("kernels")
	}
}

// scale is the length scale and signal variance every kernel here shares.
type scale struct {
	lengthScale float64
	signalVar   float64
}

func newScale(lengthScale, signalVar float64) scale {
	if !(lengthScale > 0) {
		panic(laberrors.Errorf("lengthScale must be positive, got %v", lengthScale).WithComponent("kernels"))
	}
	if !(signalVar > 0) {
		panic(laberrors.Errorf("signalVar must be positive, got %v", signalVar).WithComponent("kernels"))
	}
	return scale{lengthScale: lengthScale, signalVar: signalVar}
}

// Hyperparameters returns [lengthScale, signalVar].
func (s *scale) Hyperparameters() []float64 {
	return []float64{s.lengthScale, s.signalVar}
}

// SetHyperparameters sets [lengthScale, signalVar].
func (s *scale) SetHyperparameters(params []float64) error {
	if len(params) != 2 {
		return laberrors.Config("SetHyperparameters", "expected 2 hyperparameters, got %d", len(params)).WithComponent("kernels")
	}
	if !(params[0] > 0) || !(params[1] > 0) {
		return laberrors.Config("SetHyperparameters", "hyperparameters must be positive, got %v", params).WithComponent("kernels")
	}
	s.lengthScale, s.signalVar = params[0], params[1]
	return nil
}

func sqDist(x1, x2 []float64) float64 {
	var sum float64
	for i := range x1 {
		d := x1[i] - x2[i]
		sum += d * d
	}
	return sum
}

// RBFKernel implements the Radial Basis Function (squared exponential) kernel
type RBFKernel struct{ scale }

// NewRBFKernel creates a new RBF kernel. It panics on non-positive
// parameters; use New for checked construction.
func NewRBFKernel(lengthScale, signalVar float64) *RBFKernel {
	return &RBFKernel{newScale(lengthScale, signalVar)}
}

// Name implements Kernel.
func (k *RBFKernel) Name() string { return "rbf" }

// Eval computes the RBF kernel value between x1 and x2
func (k *RBFKernel) Eval(x1, x2 []float64) float64 {
	return k.signalVar * math.Exp(-sqDist(x1, x2)/(2*k.lengthScale*k.lengthScale))
}

// Matern52Kernel implements the Matérn 5/2 kernel
type Matern52Kernel struct{ scale }

// NewMatern52Kernel creates a new Matérn 5/2 kernel. It panics on
// non-positive parameters.
func NewMatern52Kernel(lengthScale, signalVar float64) *Matern52Kernel {
	return &Matern52Kernel{newScale(lengthScale, signalVar)}
}

// Name implements Kernel.
func (k *Matern52Kernel) Name() string { return "matern52" }

// Eval computes the Matérn 5/2 kernel value between x1 and x2
func (k *Matern52Kernel) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(5*sqDist(x1, x2)) / k.lengthScale
	return k.signalVar * (1 + r + r*r/3) * math.Exp(-r)
}

// PeriodicKernel is the exp-sine-squared kernel, summed over dimensions:
//
//	k(x, y) = σ² exp(−2 Σ sin²(π|x_i−y_i|/p) / ℓ²)
//
// Points one period apart are perfectly correlated, which suits angles.
type PeriodicKernel struct {
	scale
	period float64
}

// NewPeriodicKernel creates a periodic kernel. It panics on non-positive
// parameters.
func NewPeriodicKernel(lengthScale, signalVar, period float64) *PeriodicKernel {
	if !(period > 0) {
		panic(laberrors.Errorf("period must be positive, got %v", period).WithComponent("kernels"))
	}
	return &PeriodicKernel{scale: newScale(lengthScale, signalVar), period: period}
}

// Name implements Kernel.
func (k *PeriodicKernel) Name() string { return "periodic" }

// Period returns the kernel's period.
func (k *PeriodicKernel) Period() float64 { return k.period }

// Eval computes the periodic kernel value between x1 and x2
func (k *PeriodicKernel) Eval(x1, x2 []float64) float64 {
	var sum float64
	for i := range x1 {
		s := math.Sin(math.Pi * math.Abs(x1[i]-x2[i]) / k.period)
		sum += s * s
	}
	return k.signalVar * math.Exp(-2*sum/(k.lengthScale*k.lengthScale))
}
