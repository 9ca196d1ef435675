package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/qlab/internal/backend"
	"github.com/copyleftdev/qlab/internal/lab"
	"github.com/copyleftdev/qlab/internal/memory"
	"github.com/copyleftdev/qlab/internal/optimization/grid"
)

func TestObserverCounts(t *testing.T) {
	m := New(prometheus.NewRegistry())
	run := lab.RunInfo{ID: "r", Strategy: "spsa", Backend: "native"}

	m.MeasurementTaken(run, time.Millisecond, nil)
	m.MeasurementTaken(run, time.Millisecond, errors.New("offline"))
	m.StepRecorded(run, memory.Record{}, time.Millisecond)
	m.RunFinished(run, &lab.Result{State: lab.Failed, Best: &memory.Record{Energy: -0.4}})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Measurements.WithLabelValues("native", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Measurements.WithLabelValues("native", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Records.WithLabelValues("spsa")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("spsa", "failed")))
	assert.Equal(t, -0.4, testutil.ToFloat64(m.BestEnergy.WithLabelValues("spsa", "native")))
}

func TestActiveRuns(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RunStarted()
	m.RunStarted()
	m.RunStopped()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Active))
}

func TestWiredIntoLoop(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	b, err := backend.NewNative(1)
	require.NoError(t, err)

	res, err := lab.NewLoop(lab.WithObserver(m)).Run(context.Background(), grid.New(grid.Config{Points: 5}), b,
		lab.RunConfig{Steps: 5, Shots: 100, Seed: 1})
	require.NoError(t, err)

	assert.Equal(t, 5.0, testutil.ToFloat64(m.Measurements.WithLabelValues("native", "ok")))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Records.WithLabelValues("grid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("grid", "exhausted")))
	assert.Equal(t, res.Best.Energy, testutil.ToFloat64(m.BestEnergy.WithLabelValues("grid", "native")))

	expected := `
# HELP qlab_lab_runs_total Finished runs by strategy and terminal state
# TYPE qlab_lab_runs_total counter
qlab_lab_runs_total{state="exhausted",strategy="grid"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "qlab_lab_runs_total"))
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
