package lab

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/qlab/internal/backend"
	"github.com/copyleftdev/qlab/internal/memory"
	"github.com/copyleftdev/qlab/internal/optimization"
)

// DefaultReportWindow is the trailing window Summarize uses when asked for
// a non-positive one.
const DefaultReportWindow = 10

// Report summarizes a finished run.
type Report struct {
	ID          string         `json:"id"`
	State       string         `json:"state"`
	Reason      string         `json:"reason,omitempty"`
	Strategy    string         `json:"strategy"`
	Backend     string         `json:"backend"`
	Steps       int            `json:"steps"`
	Evaluations int            `json:"evaluations"`
	Best        *memory.Record `json:"best,omitempty"`
	Latest      *memory.Record `json:"latest,omitempty"`
	// LastChange is the diff of the last two records.
	LastChange *memory.Delta `json:"last_change,omitempty"`

	// Window statistics over the trailing records.
	Window     int     `json:"window"`
	WindowMean float64 `json:"window_mean"`
	WindowStd  float64 `json:"window_std"`
	// Trend is the least-squares slope of energy against step over the
	// whole run. Negative means the run was still descending.
	Trend float64 `json:"trend"`

	// Noiseless comparison, present when the backend can compute it.
	BestIdeal       *float64  `json:"best_ideal,omitempty"`
	ReferenceEnergy *float64  `json:"reference_energy,omitempty"`
	ReferencePoint  []float64 `json:"reference_point,omitempty"`
	IdealGap        *float64  `json:"ideal_gap,omitempty"`
}

// Summarize builds a report. b may be nil; when it implements
// backend.Idealizer the best point is re-evaluated without noise and
// compared against a Nelder-Mead reference minimum.
func Summarize(res *Result, b backend.Backend, window int) Report {
	if window <= 0 {
		window = DefaultReportWindow
	}
	r := Report{
		ID:          res.ID,
		State:       res.State.String(),
		Reason:      res.Reason,
		Strategy:    res.Strategy,
		Backend:     res.Backend,
		Steps:       len(res.Records),
		Evaluations: res.Evaluations,
		Best:        res.Best,
	}
	n := len(res.Records)
	if n == 0 {
		return r
	}
	r.Latest = res.Records[n-1].Clone()
	if n > 1 {
		if d, ok := memory.Diff(&res.Records[n-2], &res.Records[n-1]); ok {
			r.LastChange = &d
		}
	}

	steps := make([]float64, n)
	energies := make([]float64, n)
	for i, rec := range res.Records {
		steps[i] = float64(rec.Step)
		energies[i] = rec.Energy
	}
	r.Window = min(window, n)
	tail := energies[n-r.Window:]
	if r.Window > 1 {
		r.WindowMean, r.WindowStd = stat.MeanStdDev(tail, nil)
	} else {
		r.WindowMean = tail[0]
	}
	if n > 1 {
		_, r.Trend = stat.LinearRegression(steps, energies, nil, false)
	}

	ideal, ok := b.(backend.Idealizer)
	if b == nil || !ok || res.Best == nil {
		return r
	}
	if e, err := ideal.Ideal(res.Best.Parameters); err == nil {
		r.BestIdeal = &e
	}
	x, f, err := optimization.Reference(ideal.Ideal, optimization.Bounds(b.Bounds()), 3)
	if err == nil {
		r.ReferenceEnergy = &f
		r.ReferencePoint = x
		if r.BestIdeal != nil {
			gap := math.Abs(*r.BestIdeal - f)
			r.IdealGap = &gap
		}
	}
	return r
}
