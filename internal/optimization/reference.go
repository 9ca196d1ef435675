package optimization

import (
	"math"

	"gonum.org/v1/gonum/optimize"

	laberrors "github.com/copyleftdev/qlab/internal/errors"
)

// Objective is a noiseless function to minimize.
type Objective func(x []float64) (float64, error)

// Reference minimizes a noiseless objective inside bounds with Nelder-Mead
// restarted from starts evenly spaced points along the diagonal of the box.
// It is the yardstick a noisy run is compared against.
func Reference(f Objective, bounds Bounds, starts int) ([]float64, float64, error) {
	if err := bounds.Validate(); err != nil {
		return nil, 0, err
	}
	if starts < 1 {
		starts = 1
	}

	var evalErr error
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			v, err := f(bounds.Clamp(x))
			if err != nil {
				evalErr = err
				return math.Inf(1)
			}
			return v
		},
	}
	settings := &optimize.Settings{
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-10,
			Relative:   1e-10,
			Iterations: 100,
		},
	}

	bestX, bestF := []float64(nil), math.Inf(1)
	for s := 0; s < starts; s++ {
		t := (float64(s) + 0.5) / float64(starts)
		x0 := make([]float64, bounds.Dim())
		for i, r := range bounds {
			x0[i] = r[0] + t*(r[1]-r[0])
		}

		result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{SimplexSize: 0.2})
		if evalErr != nil {
			return nil, 0, laberrors.Wrap(evalErr, "reference objective failed").WithOperation("Reference")
		}
		if err != nil || result == nil {
			continue
		}
		if result.F < bestF {
			bestF = result.F
			bestX = bounds.Clamp(result.X)
		}
	}
	if bestX == nil {
		return nil, 0, laberrors.New("no start converged").WithOperation("Reference").WithComponent("optimization")
	}
	return bestX, bestF, nil
}
