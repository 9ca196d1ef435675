// Package archive persists finished runs in SQLite, one row per run and
// one row per memory record.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	laberrors "github.com/copyleftdev/qlab/internal/errors"
	"github.com/copyleftdev/qlab/internal/lab"
	"github.com/copyleftdev/qlab/internal/memory"
)

// ErrNotFound is returned for an unknown run ID.
var ErrNotFound = errors.New("run not found")

// timeLayout is fixed width so that text order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RunSummary is the archived header of a run.
type RunSummary struct {
	ID              string    `json:"id"`
	Strategy        string    `json:"strategy"`
	Backend         string    `json:"backend"`
	Qubits          int       `json:"qubits"`
	State           string    `json:"state"`
	Reason          string    `json:"reason,omitempty"`
	Steps           int       `json:"steps"`
	Shots           int       `json:"shots"`
	FlipProbability float64   `json:"p_flip"`
	Seed            uint64    `json:"seed"`
	Evaluations     int       `json:"evaluations"`
	BestStep        *int      `json:"best_step,omitempty"`
	BestEnergy      *float64  `json:"best_energy,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
}

// SummaryOf extracts the archived header from a loop result.
func SummaryOf(res *lab.Result) RunSummary {
	s := RunSummary{
		ID:              res.ID,
		Strategy:        res.Strategy,
		Backend:         res.Backend,
		Qubits:          res.Qubits,
		State:           res.State.String(),
		Reason:          res.Reason,
		Steps:           res.Config.Steps,
		Shots:           res.Config.Shots,
		FlipProbability: res.Config.FlipProbability,
		Seed:            res.Config.Seed,
		Evaluations:     res.Evaluations,
		StartedAt:       res.StartedAt,
		FinishedAt:      res.FinishedAt,
	}
	if res.Best != nil {
		step, energy := res.Best.Step, res.Best.Energy
		s.BestStep, s.BestEnergy = &step, &energy
	}
	return s
}

// Option configures a Store.
type Option func(*sql.DB)

// WithMaxIdleConns bounds idle connections. Writes always go through one
// open connection.
func WithMaxIdleConns(n int) Option {
	return func(db *sql.DB) {
		if n > 0 {
			db.SetMaxIdleConns(n)
		}
	}
}

// Store is a SQLite run archive.
type Store struct {
	db *sql.DB
}

// Open opens or creates the archive at dsn, a file path or ":memory:".
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap(err, "Open", "failed to open database")
	}
	db.SetMaxOpenConns(1) // SQLite works best with a single writer
	for _, opt := range opts {
		opt(db)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, wrap(err, "Open", "failed to enable foreign keys")
	}
	if err := InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, wrap(err, "Open", "failed to initialize schema")
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save archives a finished loop result.
func (s *Store) Save(ctx context.Context, res *lab.Result) error {
	return s.SaveRun(ctx, SummaryOf(res), res.Records)
}

// SaveRun writes the run header and its records in one transaction,
// replacing anything archived under the same ID.
func (s *Store) SaveRun(ctx context.Context, run RunSummary, records []memory.Record) error {
	if run.ID == "" {
		return laberrors.Config("SaveRun", "run ID is required").WithComponent("archive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err, "SaveRun", "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := deleteRun(ctx, tx, run.ID); err != nil {
		return wrap(err, "SaveRun", "failed to replace run")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, strategy, backend, qubits, state, reason, steps, shots, p_flip,
			seed, evaluations, best_step, best_energy, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Strategy, run.Backend, run.Qubits, run.State, run.Reason, run.Steps, run.Shots,
		run.FlipProbability, int64(run.Seed), run.Evaluations, nullInt(run.BestStep), nullFloat(run.BestEnergy),
		run.StartedAt.UTC().Format(timeLayout), run.FinishedAt.UTC().Format(timeLayout))
	if err != nil {
		return wrap(err, "SaveRun", "failed to insert run")
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (run_id, step, parameters, energy, p_flip, shots, evaluations, note, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return wrap(err, "SaveRun", "failed to prepare record insert")
	}
	defer stmt.Close()
	for _, r := range records {
		params, err := json.Marshal(r.Parameters)
		if err != nil {
			return wrap(err, "SaveRun", "failed to encode parameters")
		}
		_, err = stmt.ExecContext(ctx, run.ID, r.Step, string(params), r.Energy, r.FlipProbability,
			r.Shots, r.Evaluations, r.Note, r.Timestamp.UTC().Format(timeLayout))
		if err != nil {
			return wrap(err, "SaveRun", "failed to insert record")
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap(err, "SaveRun", "failed to commit")
	}
	return nil
}

const runColumns = `id, strategy, backend, qubits, state, reason, steps, shots, p_flip,
	seed, evaluations, best_step, best_energy, started_at, finished_at`

// Run returns one archived run header.
func (s *Store) Run(ctx context.Context, id string) (RunSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, laberrors.Wrapf(ErrNotFound, "run %s", id).WithComponent("archive").WithOperation("Run")
	}
	if err != nil {
		return RunSummary{}, wrap(err, "Run", "failed to read run")
	}
	return run, nil
}

// Runs lists archived runs, most recently started first.
func (s *Store) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, wrap(err, "Runs", "failed to query runs")
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, wrap(err, "Runs", "failed to scan run")
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "Runs", "failed to iterate runs")
	}
	return out, nil
}

// Records rebuilds a run's memory records in step order.
func (s *Store) Records(ctx context.Context, runID string) ([]memory.Record, error) {
	if _, err := s.Run(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT step, parameters, energy, p_flip, shots, evaluations, note, recorded_at
		FROM records WHERE run_id = ? ORDER BY step`, runID)
	if err != nil {
		return nil, wrap(err, "Records", "failed to query records")
	}
	defer rows.Close()

	out := []memory.Record{}
	for rows.Next() {
		var (
			r          memory.Record
			params, at string
			note       sql.NullString
		)
		if err := rows.Scan(&r.Step, &params, &r.Energy, &r.FlipProbability, &r.Shots, &r.Evaluations, &note, &at); err != nil {
			return nil, wrap(err, "Records", "failed to scan record")
		}
		if err := json.Unmarshal([]byte(params), &r.Parameters); err != nil {
			return nil, wrap(err, "Records", "failed to decode parameters")
		}
		if r.Timestamp, err = time.Parse(timeLayout, at); err != nil {
			return nil, wrap(err, "Records", "failed to parse timestamp")
		}
		r.Note = note.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "Records", "failed to iterate records")
	}
	return out, nil
}

// Delete removes a run and its records. Deleting an unknown run is not an
// error.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err, "Delete", "failed to begin transaction")
	}
	defer tx.Rollback()
	if err := deleteRun(ctx, tx, id); err != nil {
		return wrap(err, "Delete", "failed to delete run")
	}
	if err := tx.Commit(); err != nil {
		return wrap(err, "Delete", "failed to commit")
	}
	return nil
}

func deleteRun(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE run_id = ?`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (RunSummary, error) {
	var (
		r                 RunSummary
		reason            sql.NullString
		seed              int64
		bestStep          sql.NullInt64
		bestEnergy        sql.NullFloat64
		started, finished string
	)
	err := sc.Scan(&r.ID, &r.Strategy, &r.Backend, &r.Qubits, &r.State, &reason, &r.Steps, &r.Shots,
		&r.FlipProbability, &seed, &r.Evaluations, &bestStep, &bestEnergy, &started, &finished)
	if err != nil {
		return RunSummary{}, err
	}
	r.Reason = reason.String
	r.Seed = uint64(seed)
	if bestStep.Valid {
		v := int(bestStep.Int64)
		r.BestStep = &v
	}
	if bestEnergy.Valid {
		v := bestEnergy.Float64
		r.BestEnergy = &v
	}
	if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
		return RunSummary{}, err
	}
	if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
		return RunSummary{}, err
	}
	return r, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func wrap(err error, op, msg string) *laberrors.Error {
	return laberrors.Wrap(err, msg).WithComponent("archive").WithOperation(op)
}
