// Package server exposes the experiment loop over HTTP: a REST API under
// /api/v1 and a JSON-RPC 2.0 endpoint at /rpc.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/copyleftdev/qlab/internal/archive"
	"github.com/copyleftdev/qlab/internal/config"
	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/lab"
	"github.com/copyleftdev/qlab/internal/logging"
	"github.com/copyleftdev/qlab/internal/memory"
	"github.com/copyleftdev/qlab/internal/metrics"
)

// Logger defines the logging interface used by the server
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
	// Zap is handed to the experiment loops.
	Zap() *zap.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithArchive stores every finished run.
func WithArchive(store *archive.Store) Option {
	return func(s *Server) { s.archive = store }
}

// WithMetrics observes every run.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithPresets makes experiments startable by name.
func WithPresets(presets []lab.Experiment) Option {
	return func(s *Server) { s.presets = presets }
}

// Server owns the runs started through it. Each run has its own loop and
// memory; at most cfg.Lab.MaxRuns execute at once and the rest queue.
type Server struct {
	cfg     *config.Config
	logger  Logger
	archive *archive.Store
	metrics *metrics.Metrics
	presets []lab.Experiment

	ctx    context.Context
	cancel context.CancelFunc
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	runsMu sync.RWMutex
	runs   map[string]*runState
	order  []string
}

// NewServer creates a new server instance with the given config and logger
func NewServer(cfg *config.Config, logger Logger, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		sem:    semaphore.NewWeighted(max(cfg.Lab.MaxRuns, 1)),
		runs:   make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) RegisterRoutes(r chi.Router) {
	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/presets", s.handlePresets)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleStart)
			r.Get("/", s.handleList)
			r.Get("/{id}", s.handleStatus)
			r.Get("/{id}/records", s.handleRecords)
			r.Get("/{id}/diff", s.handleDiff)
			r.Delete("/{id}", s.handleCancel)
		})
	})

	// JSON-RPC 2.0 endpoint
	r.Post("/rpc", s.handleJSONRPC)
}

// Close cancels every run and waits for the loops to stop.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Server) preset(name string) (lab.Experiment, bool) {
	for _, p := range s.presets {
		if p.Name == name {
			return p, true
		}
	}
	return lab.Experiment{}, false
}

func newRunID() string { return uuid.New().String() }

func errNotFound(id string) error {
	return laberrors.Wrapf(archive.ErrNotFound, "run %s", id).WithComponent("server")
}

// status maps an error onto an HTTP status.
func status(err error) int {
	if errors.Is(err, archive.ErrNotFound) {
		return http.StatusNotFound
	}
	return laberrors.HTTPStatus(err)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, status(err), map[string]interface{}{"error": err.Error()})
}

// handleStart handles POST /api/v1/runs.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, laberrors.Wrap(err, "invalid request body").WithKind(laberrors.KindConfig))
		return
	}

	run, err := s.startRun(req)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("Run started", map[string]interface{}{
		"run_id":   run.id,
		"strategy": run.experiment.Strategy,
		"backend":  run.experiment.Backend,
	})
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"run_id": run.id,
		"state":  run.loop.State().String(),
	})
}

// handleList handles GET /api/v1/runs.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"runs": s.listRuns()}
	if s.archive != nil {
		archived, err := s.archive.Runs(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		resp["archived"] = archived
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /api/v1/runs/{id}. Runs no longer held in
// memory are served from the archive.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) status(ctx context.Context, id string) (interface{}, error) {
	if run, ok := s.run(id); ok {
		return run.view(), nil
	}
	if s.archive == nil {
		return nil, errNotFound(id)
	}
	return s.archive.Run(ctx, id)
}

// handleRecords handles GET /api/v1/runs/{id}/records?last=n.
func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "last", -1)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := s.records(r.Context(), chi.URLParam(r, "id"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}

// handleDiff handles GET /api/v1/runs/{id}/diff?from=i&to=j, the change
// from step i to step j. Both default to the last two steps.
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	recs, err := s.records(r.Context(), chi.URLParam(r, "id"), -1)
	if err != nil {
		writeError(w, err)
		return
	}
	from, err := intParam(r, "from", len(recs)-2)
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := intParam(r, "to", len(recs)-1)
	if err != nil {
		writeError(w, err)
		return
	}
	if from < 0 || to < 0 || from >= len(recs) || to >= len(recs) {
		writeError(w, laberrors.Config("handleDiff", "steps %d and %d must be in [0, %d)", from, to, len(recs)))
		return
	}
	d, _ := memory.Diff(&recs[from], &recs[to])
	writeJSON(w, http.StatusOK, map[string]interface{}{"from": from, "to": to, "delta": d})
}

// handleCancel handles DELETE /api/v1/runs/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.cancelRun(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "cancellation requested",
	})
}

// handlePresets handles GET /api/v1/presets.
func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	presets := s.presets
	if presets == nil {
		presets = []lab.Experiment{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"presets": presets})
}

func intParam(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, laberrors.Config("intParam", "query parameter %s: %q is not an integer", key, raw)
	}
	return v, nil
}
