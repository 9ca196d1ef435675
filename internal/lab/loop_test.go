package lab

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/copyleftdev/qlab/internal/backend"
	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/memory"
	"github.com/copyleftdev/qlab/internal/optimization"
	"github.com/copyleftdev/qlab/internal/optimization/grid"
	"github.com/copyleftdev/qlab/internal/optimization/spsa"
)

// stepClock advances one second per call.
func stepClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

// flaky fails every measurement after the first ok ones.
type flaky struct {
	backend.Backend
	ok    int
	calls int
}

func (f *flaky) Measure(ctx context.Context, params []float64, cfg backend.Config) (float64, error) {
	f.calls++
	if f.calls > f.ok {
		return 0, laberrors.Backend(errors.New("device offline"), "Measure", "call %d", f.calls)
	}
	return f.Backend.Measure(ctx, params, cfg)
}

// recorder is an Observer that keeps counts and can cancel the run.
type recorder struct {
	measurements int
	steps        []int
	finished     []State
	cancelAfter  int
	cancel       context.CancelFunc
}

func (r *recorder) MeasurementTaken(RunInfo, time.Duration, error) { r.measurements++ }

func (r *recorder) StepRecorded(_ RunInfo, rec memory.Record, _ time.Duration) {
	r.steps = append(r.steps, rec.Step)
	if r.cancel != nil && len(r.steps) == r.cancelAfter {
		r.cancel()
	}
}

func (r *recorder) RunFinished(_ RunInfo, res *Result) { r.finished = append(r.finished, res.State) }

func native(t *testing.T, qubits int) backend.Backend {
	t.Helper()
	b, err := backend.NewNative(qubits)
	require.NoError(t, err)
	return b
}

func spsaFrom(steps int, start ...float64) *spsa.SPSA {
	cfg := spsa.DefaultConfig(steps)
	cfg.Start = start
	return spsa.New(cfg)
}

func TestSingleQubitEndToEnd(t *testing.T) {
	for _, seed := range []uint64{1, 2024, 31337} {
		loop := NewLoop(WithLogger(zaptest.NewLogger(t)))
		res, err := loop.Run(context.Background(), spsaFrom(40, 1.5), native(t, 1),
			RunConfig{Steps: 40, Shots: 500, FlipProbability: 0.05, Seed: seed})
		require.NoError(t, err)

		assert.Equal(t, Exhausted, res.State, "seed %d", seed)
		assert.Equal(t, Exhausted, loop.State())
		require.Len(t, res.Records, 40)
		assert.Equal(t, 80, res.Evaluations, "two measurements per step")
		for i, rec := range res.Records {
			assert.Equal(t, i, rec.Step)
			assert.Equal(t, 500, rec.Shots)
			assert.Equal(t, 0.05, rec.FlipProbability)
			assert.Equal(t, 2, rec.Evaluations)
		}

		require.NotNil(t, res.Best)
		assert.LessOrEqual(t, res.Best.Energy, -0.85, "seed %d", seed)
		assert.InDelta(t, math.Pi, res.Best.Parameters[0], 0.3, "seed %d", seed)
	}
}

func TestNoiselessSPSAReachesGroundState(t *testing.T) {
	s := spsaFrom(60, 1.5)
	b := native(t, 1)
	res, err := NewLoop().Run(context.Background(), s, b, RunConfig{Steps: 60, Shots: 100_000, Seed: 5})
	require.NoError(t, err)
	assert.Equal(t, Exhausted, res.State)

	final, err := b.(backend.Idealizer).Ideal(s.Current())
	require.NoError(t, err)
	assert.InDelta(t, -1, final, 0.02)
	assert.InDelta(t, math.Pi, s.Current()[0], 0.2)
	assert.InDelta(t, -1, res.Best.Energy, 0.02)
}

func TestTwoQubitCircuitRun(t *testing.T) {
	b, err := backend.NewCircuit(2)
	require.NoError(t, err)
	s := spsaFrom(100, 2.5, 0.5)

	res, err := NewLoop().Run(context.Background(), s, b, RunConfig{Steps: 100, Shots: 20_000, Seed: 8})
	require.NoError(t, err)
	require.Len(t, res.Records, 100)
	for _, rec := range res.Records {
		assert.True(t, optimization.Bounds(b.Bounds()).Contains(rec.Parameters))
	}

	final, err := b.Ideal(s.Current())
	require.NoError(t, err)
	assert.Less(t, final, -1.45, "ground state is -1.5 at (π, 0)")

	report := Summarize(res, b, 10)
	require.NotNil(t, report.BestIdeal)
	assert.Less(t, *report.BestIdeal, -1.4)
}

func TestDeterministicRecords(t *testing.T) {
	run := func(seed uint64) []byte {
		loop := NewLoop(WithClock(stepClock()), WithID("fixed"))
		res, err := loop.Run(context.Background(), spsa.New(spsa.DefaultConfig(25)), native(t, 2),
			RunConfig{Steps: 25, Shots: 300, FlipProbability: 0.03, Seed: seed})
		require.NoError(t, err)
		out, err := json.Marshal(res.Records)
		require.NoError(t, err)
		return out
	}

	first := run(99)
	assert.Equal(t, first, run(99), "same seed, same configuration, same bytes")
	assert.NotEqual(t, first, run(100))
}

func TestBackendFailureKeepsPartialMemory(t *testing.T) {
	b := &flaky{Backend: native(t, 1), ok: 7}
	loop := NewLoop()
	res, err := loop.Run(context.Background(), spsaFrom(40, 1.5), b, RunConfig{Steps: 40, Shots: 100, Seed: 1})

	require.Error(t, err)
	assert.ErrorIs(t, err, laberrors.ErrBackend)
	assert.Contains(t, err.Error(), "device offline")
	require.NotNil(t, res)
	assert.Equal(t, Failed, res.State)
	assert.Equal(t, Failed, loop.State())
	assert.Equal(t, err, res.Err)

	assert.Len(t, res.Records, 3, "steps 0..2 completed, step 3 lost its minus measurement")
	assert.Equal(t, 3, loop.Memory().Len())
	assert.NotNil(t, res.Best)
	assert.Equal(t, 8, b.calls, "no retry after the failure")
}

func TestGridRun(t *testing.T) {
	res, err := NewLoop().Run(context.Background(), grid.New(grid.Config{Points: 9}), native(t, 1),
		RunConfig{Steps: 20, Shots: 10_000, Seed: 3})
	require.NoError(t, err)

	assert.Equal(t, Exhausted, res.State)
	assert.Len(t, res.Records, 9)
	assert.Equal(t, 4, res.Best.Step)
	assert.InDelta(t, math.Pi, res.Best.Parameters[0], 1e-12)
	assert.Equal(t, 9, res.Evaluations)
}

func TestGridIgnoresConvergence(t *testing.T) {
	res, err := NewLoop().Run(context.Background(), grid.New(grid.Config{Points: 6}), native(t, 1),
		RunConfig{Steps: 6, Shots: 100, Seed: 3, Convergence: optimization.Plateau{Window: 2, Tolerance: 10}})
	require.NoError(t, err)
	assert.Equal(t, Exhausted, res.State)
	assert.Len(t, res.Records, 6)
}

func TestConverges(t *testing.T) {
	conv := optimization.NoImprovement{Window: 5, Epsilon: 1e-3, MinSteps: 10}
	res, err := NewLoop().Run(context.Background(), spsaFrom(200, 1.5), native(t, 1),
		RunConfig{Steps: 200, Shots: 100_000, Seed: 4, Convergence: conv})
	require.NoError(t, err)

	assert.Equal(t, Converged, res.State)
	assert.Less(t, len(res.Records), 200)
	assert.GreaterOrEqual(t, len(res.Records), 10)
	assert.Contains(t, res.Reason, "last 5 steps")
}

func TestInvalidConfigRejectedBeforeMeasuring(t *testing.T) {
	tests := []struct {
		name     string
		strategy optimization.Strategy
		cfg      RunConfig
	}{
		{"no steps", spsaFrom(10, 1), RunConfig{Steps: 0, Shots: 10}},
		{"no shots", spsaFrom(10, 1), RunConfig{Steps: 10, Shots: 0}},
		{"flip probability above one", spsaFrom(10, 1), RunConfig{Steps: 10, Shots: 10, FlipProbability: 1.5}},
		{"negative flip probability", spsaFrom(10, 1), RunConfig{Steps: 10, Shots: 10, FlipProbability: -0.1}},
		{"bad gains", spsa.New(spsa.Config{A: 0, C: 0.2, Alpha: 0.602, Gamma: 0.101, Steps: 10}), RunConfig{Steps: 10, Shots: 10}},
		{"start outside bounds", spsaFrom(10, 9), RunConfig{Steps: 10, Shots: 10}},
		{"bad convergence", spsaFrom(10, 1), RunConfig{Steps: 10, Shots: 10, Convergence: optimization.NoImprovement{}}},
		{"grid of one point", grid.New(grid.Config{Points: 1}), RunConfig{Steps: 10, Shots: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &flaky{Backend: native(t, 1), ok: math.MaxInt}
			loop := NewLoop()
			res, err := loop.Run(context.Background(), tt.strategy, b, tt.cfg)

			assert.ErrorIs(t, err, laberrors.ErrConfig)
			assert.Nil(t, res)
			assert.Zero(t, b.calls, "no backend call")
			assert.Equal(t, Idle, loop.State())
			assert.Zero(t, loop.Memory().Len())
		})
	}
}

func TestRunOnce(t *testing.T) {
	loop := NewLoop()
	cfg := RunConfig{Steps: 2, Shots: 10, Seed: 1}
	_, err := loop.Run(context.Background(), spsaFrom(2, 1), native(t, 1), cfg)
	require.NoError(t, err)

	_, err = loop.Run(context.Background(), spsaFrom(2, 1), native(t, 1), cfg)
	assert.ErrorIs(t, err, laberrors.ErrOrdering)
	assert.Equal(t, 2, loop.Memory().Len())
}

func TestCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewLoop().Run(ctx, spsaFrom(5, 1), native(t, 1), RunConfig{Steps: 5, Shots: 10})
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, laberrors.ErrBackend)
	assert.Equal(t, Failed, res.State)
	assert.Empty(t, res.Records)
}

func TestCancelBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	obs := &recorder{cancelAfter: 4, cancel: cancel}

	res, err := NewLoop(WithObserver(obs)).Run(ctx, spsaFrom(50, 1), native(t, 1), RunConfig{Steps: 50, Shots: 10})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, res.State)
	assert.Len(t, res.Records, 4, "the step in flight completes")
	assert.Equal(t, "cancelled", res.Reason)
}

func TestObserverSeesEveryEvent(t *testing.T) {
	obs := &recorder{}
	res, err := NewLoop(WithObserver(obs)).Run(context.Background(), spsaFrom(6, 1), native(t, 1),
		RunConfig{Steps: 6, Shots: 10, Seed: 2})
	require.NoError(t, err)

	assert.Equal(t, res.Evaluations, obs.measurements)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, obs.steps)
	assert.Equal(t, []State{Exhausted}, obs.finished)
}

func TestTimestampsFromClock(t *testing.T) {
	res, err := NewLoop(WithClock(stepClock())).Run(context.Background(), spsaFrom(3, 1), native(t, 1),
		RunConfig{Steps: 3, Shots: 10})
	require.NoError(t, err)

	start := time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)
	assert.Equal(t, start, res.StartedAt)
	for i, rec := range res.Records {
		assert.Equal(t, start.Add(time.Duration(i+1)*time.Second), rec.Timestamp)
	}
	assert.Equal(t, start.Add(4*time.Second), res.FinishedAt)
}

func TestStates(t *testing.T) {
	assert.False(t, Idle.Terminal())
	assert.False(t, Running.Terminal())
	for _, s := range []State{Converged, Exhausted, Failed} {
		assert.True(t, s.Terminal())
		var back State
		text, _ := s.MarshalText()
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	assert.Equal(t, "state(9)", State(9).String())
	assert.Error(t, new(State).UnmarshalText([]byte("paused")))
}
