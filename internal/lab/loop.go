// Package lab is the experiment loop: it drives a strategy against a
// measurement backend, records every step in the diachronic memory and
// decides when the run is over.
package lab

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/qlab/internal/backend"
	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/memory"
	"github.com/copyleftdev/qlab/internal/noise"
	"github.com/copyleftdev/qlab/internal/optimization"
)

// streamSalt separates the two PCG words derived from one seed.
const streamSalt = 0xda3e39cb94b95bdb

// RunConfig holds the run parameters. It is validated in full before the
// backend is called.
type RunConfig struct {
	// Steps is the step budget.
	Steps int `json:"steps"`
	// FlipProbability and Shots are passed to every measurement.
	FlipProbability float64 `json:"p_flip"`
	Shots           int     `json:"shots"`
	// Seed seeds the run's single random stream.
	Seed uint64 `json:"seed"`
	// Convergence stops the run early when it holds. Nil disables it.
	Convergence optimization.Convergence `json:"-"`
}

// Validate rejects a configuration the run cannot start with.
func (c RunConfig) Validate() error {
	if c.Steps < 1 {
		return laberrors.Config("Validate", "steps must be >= 1, got %d", c.Steps).WithComponent("lab")
	}
	if err := (noise.Model{FlipProbability: c.FlipProbability, Shots: c.Shots}).Validate(); err != nil {
		return err
	}
	if c.Convergence != nil {
		return c.Convergence.Validate()
	}
	return nil
}

// RunInfo identifies a run to observers.
type RunInfo struct {
	ID       string
	Strategy string
	Backend  string
}

// Observer receives loop events. Calls are made synchronously from the
// loop goroutine.
type Observer interface {
	MeasurementTaken(run RunInfo, elapsed time.Duration, err error)
	StepRecorded(run RunInfo, rec memory.Record, elapsed time.Duration)
	RunFinished(run RunInfo, res *Result)
}

// Result is what a run leaves behind in any terminal state.
type Result struct {
	ID          string          `json:"id"`
	State       State           `json:"state"`
	Strategy    string          `json:"strategy"`
	Backend     string          `json:"backend"`
	Qubits      int             `json:"qubits"`
	Config      RunConfig       `json:"config"`
	Best        *memory.Record  `json:"best,omitempty"`
	Records     []memory.Record `json:"records"`
	Evaluations int             `json:"evaluations"`
	// Reason explains the terminal state.
	Reason     string    `json:"reason,omitempty"`
	Err        error     `json:"-"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithObserver adds an observer.
func WithObserver(o Observer) Option {
	return func(l *Loop) { l.observers = append(l.observers, o) }
}

// WithID sets the run ID. The default is a random UUID.
func WithID(id string) Option {
	return func(l *Loop) { l.id = id }
}

// Loop runs one experiment and owns its memory.
type Loop struct {
	id        string
	now       func() time.Time
	logger    *zap.Logger
	observers []Observer
	mem       *memory.Memory

	mu    sync.RWMutex
	state State
}

// NewLoop returns an idle loop.
func NewLoop(opts ...Option) *Loop {
	l := &Loop{now: time.Now, mem: memory.New()}
	for _, opt := range opts {
		opt(l)
	}
	if l.id == "" {
		l.id = uuid.New().String()
	}
	if l.logger == nil {
		l.logger = zap.NewNop()
	}
	l.logger = l.logger.Named("lab").With(zap.String("run_id", l.id))
	return l
}

// ID returns the run ID.
func (l *Loop) ID() string { return l.id }

// State returns the current state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Memory returns the run's ledger for reading.
func (l *Loop) Memory() *memory.Memory { return l.mem }

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// claim moves Idle to Running once.
func (l *Loop) claim() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Idle {
		return laberrors.Ordering("Run", "loop is %s, a loop runs once", l.state).WithComponent("lab")
	}
	l.state = Running
	return nil
}

// Run executes the experiment. Invalid configuration is rejected with the
// loop still Idle and no result. Otherwise Run returns a result in a
// terminal state; the error is non-nil exactly when the run Failed, and the
// result then holds every record appended before the failure.
//
// A step is atomic: cancellation of ctx is observed between steps, never
// inside one.
func (l *Loop) Run(ctx context.Context, strategy optimization.Strategy, b backend.Backend, cfg RunConfig) (*Result, error) {
	if strategy == nil || b == nil {
		return nil, laberrors.Config("Run", "strategy and backend are required").WithComponent("lab")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	bounds := optimization.Bounds(b.Bounds())
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^streamSalt))
	if err := strategy.Start(bounds, rng); err != nil {
		return nil, err
	}
	if err := l.claim(); err != nil {
		return nil, err
	}

	info := RunInfo{ID: l.id, Strategy: strategy.Name(), Backend: b.Name()}
	res := &Result{
		ID:        l.id,
		Strategy:  info.Strategy,
		Backend:   info.Backend,
		Qubits:    b.Qubits(),
		Config:    cfg,
		StartedAt: l.now(),
	}
	l.logger.Info("Run started",
		zap.String("strategy", info.Strategy),
		zap.String("backend", info.Backend),
		zap.Int("steps", cfg.Steps),
		zap.Int("shots", cfg.Shots),
		zap.Float64("p_flip", cfg.FlipProbability),
		zap.Uint64("seed", cfg.Seed),
	)

	evaluations := 0
	probe := func(ctx context.Context, params []float64) (float64, error) {
		call := backend.Config{FlipProbability: cfg.FlipProbability, Shots: cfg.Shots, Seed: rng.Uint64()}
		start := time.Now()
		e, err := b.Measure(ctx, bounds.Clamp(params), call)
		evaluations++
		for _, o := range l.observers {
			o.MeasurementTaken(info, time.Since(start), err)
		}
		return e, err
	}

	checkConvergence := cfg.Convergence != nil && !optimization.IsExhaustive(strategy)
	state, reason := Exhausted, "step budget spent"
	var runErr error

	for step := 0; step < cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			state, reason = Failed, "cancelled"
			runErr = laberrors.Backend(err, "Run", "cancelled before step %d", step).WithComponent("lab")
			break
		}
		if strategy.Done() {
			reason = "strategy has no further proposals"
			break
		}

		began, before := time.Now(), evaluations
		sample, err := strategy.Next(context.WithoutCancel(ctx), step, probe)
		if err != nil {
			state, reason = Failed, err.Error()
			runErr = err
			if laberrors.KindOf(err) == laberrors.KindUnknown {
				runErr = laberrors.Backend(err, "Run", "step %d failed", step).WithComponent("lab")
			}
			break
		}

		rec := memory.Record{
			Step:            step,
			Parameters:      bounds.Clamp(sample.Parameters),
			Energy:          sample.Energy,
			FlipProbability: cfg.FlipProbability,
			Shots:           cfg.Shots,
			Evaluations:     evaluations - before,
			Note:            sample.Note,
			Timestamp:       l.now(),
		}
		if err := l.mem.Append(rec); err != nil {
			state, reason, runErr = Failed, err.Error(), err
			break
		}
		elapsed := time.Since(began)
		for _, o := range l.observers {
			o.StepRecorded(info, rec, elapsed)
		}
		l.logger.Debug("Step recorded",
			zap.Int("step", step),
			zap.Float64s("parameters", rec.Parameters),
			zap.Float64("energy", rec.Energy),
			zap.String("note", rec.Note),
		)

		if checkConvergence {
			if ok, why := cfg.Convergence.Check(l.mem.Records()); ok {
				state, reason = Converged, why
				break
			}
		}
	}

	res.State = state
	res.Reason = reason
	res.Err = runErr
	res.Best = l.mem.Best()
	res.Records = l.mem.Records()
	res.Evaluations = evaluations
	res.FinishedAt = l.now()
	l.setState(state)

	fields := []zap.Field{
		zap.String("state", state.String()),
		zap.String("reason", reason),
		zap.Int("records", len(res.Records)),
		zap.Int("evaluations", evaluations),
	}
	if res.Best != nil {
		fields = append(fields, zap.Float64("best_energy", res.Best.Energy), zap.Float64s("best_parameters", res.Best.Parameters))
	}
	if runErr != nil {
		l.logger.Warn("Run failed", append(fields, zap.Error(runErr))...)
	} else {
		l.logger.Info("Run finished", fields...)
	}
	for _, o := range l.observers {
		o.RunFinished(info, res)
	}
	return res, runErr
}
