// Package metrics exports experiment loop activity to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/copyleftdev/qlab/internal/lab"
	"github.com/copyleftdev/qlab/internal/memory"
)

const (
	namespace = "qlab"
	subsystem = "lab"
)

// Metrics holds the loop collectors. It implements lab.Observer and is safe
// to share between concurrent runs.
type Metrics struct {
	// Measurements counts backend calls.
	// Labels: backend, status (ok, error)
	Measurements *prometheus.CounterVec
	// MeasurementDuration is the backend call latency.
	// Labels: backend
	MeasurementDuration *prometheus.HistogramVec
	// Records counts appended memory records.
	// Labels: strategy
	Records *prometheus.CounterVec
	// StepDuration is the wall time of a whole step.
	// Labels: strategy
	StepDuration *prometheus.HistogramVec
	// Runs counts finished runs.
	// Labels: strategy, state
	Runs *prometheus.CounterVec
	// BestEnergy is the best energy of the most recent finished run.
	// Labels: strategy, backend
	BestEnergy *prometheus.GaugeVec
	// Active is the number of runs in flight.
	Active prometheus.Gauge
}

var _ lab.Observer = (*Metrics)(nil)

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Measurements: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "measurements_total",
			Help:      "Backend measurements by backend and status",
		}, []string{"backend", "status"}),
		MeasurementDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "measurement_duration_seconds",
			Help:      "Backend measurement latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}, []string{"backend"}),
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "records_total",
			Help:      "Memory records appended by strategy",
		}, []string{"strategy"}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "step_duration_seconds",
			Help:      "Wall time of one experiment step in seconds",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 12),
		}, []string{"strategy"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "runs_total",
			Help:      "Finished runs by strategy and terminal state",
		}, []string{"strategy", "state"}),
		BestEnergy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "best_energy",
			Help:      "Best energy of the most recently finished run",
		}, []string{"strategy", "backend"}),
		Active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_runs",
			Help:      "Runs currently executing",
		}),
	}
}

// MeasurementTaken implements lab.Observer.
func (m *Metrics) MeasurementTaken(run lab.RunInfo, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.Measurements.WithLabelValues(run.Backend, status).Inc()
	m.MeasurementDuration.WithLabelValues(run.Backend).Observe(elapsed.Seconds())
}

// StepRecorded implements lab.Observer.
func (m *Metrics) StepRecorded(run lab.RunInfo, _ memory.Record, elapsed time.Duration) {
	m.Records.WithLabelValues(run.Strategy).Inc()
	m.StepDuration.WithLabelValues(run.Strategy).Observe(elapsed.Seconds())
}

// RunFinished implements lab.Observer.
func (m *Metrics) RunFinished(run lab.RunInfo, res *lab.Result) {
	m.Runs.WithLabelValues(run.Strategy, res.State.String()).Inc()
	if res.Best != nil {
		m.BestEnergy.WithLabelValues(run.Strategy, run.Backend).Set(res.Best.Energy)
	}
}

// RunStarted and RunStopped track Active around a run.
func (m *Metrics) RunStarted() { m.Active.Inc() }

func (m *Metrics) RunStopped() { m.Active.Dec() }
