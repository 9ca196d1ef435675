package server

import (
	"context"
	"time"

	"github.com/copyleftdev/qlab/internal/backend"
	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/lab"
	"github.com/copyleftdev/qlab/internal/memory"
	"github.com/copyleftdev/qlab/internal/optimization"
	"github.com/copyleftdev/qlab/internal/optimization/bayesian"
	"github.com/copyleftdev/qlab/internal/optimization/grid"
	"github.com/copyleftdev/qlab/internal/optimization/spsa"
)

// RunRequest starts a run. With Preset set, the named experiment is used
// and the remaining non-empty fields override it; otherwise fields left
// out take the server's lab defaults.
type RunRequest struct {
	Preset          string               `json:"preset,omitempty"`
	Backend         string               `json:"backend,omitempty"`
	Qubits          int                  `json:"qubits,omitempty"`
	Strategy        string               `json:"strategy,omitempty"`
	Steps           int                  `json:"steps,omitempty"`
	Shots           int                  `json:"shots,omitempty"`
	FlipProbability *float64             `json:"p_flip,omitempty"`
	Seed            *uint64              `json:"seed,omitempty"`
	Grid            *grid.Config         `json:"grid,omitempty"`
	SPSA            *spsa.Config         `json:"spsa,omitempty"`
	Bayesian        *bayesian.Config     `json:"bayesian,omitempty"`
	Convergence     *lab.ConvergenceSpec `json:"convergence,omitempty"`
}

// experiment resolves a request against the presets and lab defaults.
func (s *Server) experiment(req RunRequest) (lab.Experiment, error) {
	d := s.cfg.Lab
	exp := lab.Experiment{
		Backend:         d.Backend,
		Qubits:          d.Qubits,
		Steps:           d.Steps,
		Shots:           d.Shots,
		FlipProbability: d.FlipProbability,
		Seed:            d.Seed,
	}
	if req.Preset != "" {
		p, ok := s.preset(req.Preset)
		if !ok {
			return lab.Experiment{}, laberrors.Config("experiment", "unknown preset %q", req.Preset).WithComponent("server")
		}
		exp = p
	}

	if req.Backend != "" {
		exp.Backend = req.Backend
	}
	if req.Qubits != 0 {
		exp.Qubits = req.Qubits
	}
	if req.Strategy != "" {
		exp.Strategy = req.Strategy
	}
	if req.Steps != 0 {
		exp.Steps = req.Steps
	}
	if req.Shots != 0 {
		exp.Shots = req.Shots
	}
	if req.FlipProbability != nil {
		exp.FlipProbability = *req.FlipProbability
	}
	if req.Seed != nil {
		exp.Seed = *req.Seed
	}
	if req.Grid != nil {
		exp.Grid = req.Grid
	}
	if req.SPSA != nil {
		exp.SPSA = req.SPSA
	}
	if req.Bayesian != nil {
		exp.Bayesian = req.Bayesian
	}
	if req.Convergence != nil {
		exp.Convergence = req.Convergence
	}
	return exp, nil
}

// runState is one run owned by the server.
type runState struct {
	id         string
	experiment lab.Experiment
	created    time.Time
	loop       *lab.Loop
	backend    backend.Backend
	cancel     context.CancelFunc
	done       chan struct{}

	// Set once before done is closed.
	result *lab.Result
	report *lab.Report
}

func (r *runState) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// RunView is the status of a run.
type RunView struct {
	ID          string         `json:"id"`
	State       string         `json:"state"`
	Queued      bool           `json:"queued,omitempty"`
	Experiment  lab.Experiment `json:"experiment"`
	Steps       int            `json:"steps"`
	Best        *memory.Record `json:"best,omitempty"`
	Latest      *memory.Record `json:"latest,omitempty"`
	Evaluations int            `json:"evaluations,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Report      *lab.Report    `json:"report,omitempty"`
}

func (r *runState) view() RunView {
	mem := r.loop.Memory()
	v := RunView{
		ID:         r.id,
		State:      r.loop.State().String(),
		Experiment: r.experiment,
		Steps:      mem.Len(),
		Best:       mem.Best(),
		Latest:     mem.Latest(),
		CreatedAt:  r.created,
	}
	if !r.finished() {
		v.Queued = r.loop.State() == lab.Idle
		return v
	}
	v.State = r.result.State.String()
	v.Reason = r.result.Reason
	v.Evaluations = r.result.Evaluations
	if r.result.Err != nil {
		v.Error = r.result.Err.Error()
	}
	v.Report = r.report
	return v
}

// startRun builds the experiment and launches it. Invalid experiments are
// rejected before anything is queued.
func (s *Server) startRun(req RunRequest) (*runState, error) {
	exp, err := s.experiment(req)
	if err != nil {
		return nil, err
	}
	strategy, b, cfg, err := exp.Build(s.logger.Zap())
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(s.ctx)
	opts := []lab.Option{lab.WithID(newRunID()), lab.WithLogger(s.logger.Zap())}
	if s.metrics != nil {
		opts = append(opts, lab.WithObserver(s.metrics))
	}
	run := &runState{
		experiment: exp,
		created:    time.Now(),
		loop:       lab.NewLoop(opts...),
		backend:    b,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	run.id = run.loop.ID()

	s.runsMu.Lock()
	s.runs[run.id] = run
	s.order = append(s.order, run.id)
	s.runsMu.Unlock()

	s.wg.Add(1)
	go s.execute(ctx, run, strategy, cfg)
	return run, nil
}

// execute waits for a slot and runs the loop. A run cancelled while queued
// still goes through the loop, which fails it before the first step. The
// run is archived before it reports finished.
func (s *Server) execute(ctx context.Context, run *runState, strategy optimization.Strategy, cfg lab.RunConfig) {
	defer s.wg.Done()
	defer run.cancel()

	if err := s.sem.Acquire(ctx, 1); err == nil {
		defer s.sem.Release(1)
	}
	if s.metrics != nil {
		s.metrics.RunStarted()
		defer s.metrics.RunStopped()
	}

	res, err := run.loop.Run(ctx, strategy, run.backend, cfg)
	if res == nil {
		// Build validated the configuration, so this is a programming error.
		res = &lab.Result{ID: run.id, State: lab.Failed, Reason: err.Error(), Err: err}
	}
	report := lab.Summarize(res, run.backend, lab.DefaultReportWindow)
	s.save(ctx, res)

	run.result = res
	run.report = &report
	close(run.done)
}

// save archives a finished run when the archive is enabled. Failures are
// logged; the run stays readable in memory.
func (s *Server) save(ctx context.Context, res *lab.Result) {
	if s.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.archive.Save(ctx, res); err != nil {
		s.logger.Error("Failed to archive run", map[string]interface{}{
			"run_id": res.ID,
			"error":  err.Error(),
		})
		return
	}
	s.logger.Debug("Run archived", map[string]interface{}{"run_id": res.ID, "records": len(res.Records)})
}

// cancelRun requests cancellation; the loop stops between steps.
func (s *Server) cancelRun(id string) error {
	run, ok := s.run(id)
	if !ok {
		return errNotFound(id)
	}
	if run.finished() {
		return laberrors.Ordering("cancelRun", "run %s is already %s", id, run.result.State).WithComponent("server")
	}
	run.cancel()
	s.logger.Info("Run cancellation requested", map[string]interface{}{"run_id": id})
	return nil
}

func (s *Server) run(id string) (*runState, bool) {
	s.runsMu.RLock()
	defer s.runsMu.RUnlock()
	r, ok := s.runs[id]
	return r, ok
}

func (s *Server) listRuns() []RunView {
	s.runsMu.RLock()
	runs := make([]*runState, 0, len(s.order))
	for _, id := range s.order {
		runs = append(runs, s.runs[id])
	}
	s.runsMu.RUnlock()

	out := make([]RunView, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.view())
	}
	return out
}

// records returns the last n records of a live or archived run, all of
// them when n < 0.
func (s *Server) records(ctx context.Context, id string, n int) ([]memory.Record, error) {
	if run, ok := s.run(id); ok {
		return run.loop.Memory().Window(n), nil
	}
	if s.archive == nil {
		return nil, errNotFound(id)
	}
	recs, err := s.archive.Records(ctx, id)
	if err != nil {
		return nil, err
	}
	if n >= 0 && n < len(recs) {
		recs = recs[len(recs)-n:]
	}
	return recs, nil
}
