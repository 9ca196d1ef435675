package archive

import (
	"context"
	"database/sql"
)

// SchemaVersion is the current schema version.
const SchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    strategy TEXT NOT NULL,
    backend TEXT NOT NULL,
    qubits INTEGER NOT NULL,
    state TEXT NOT NULL,
    reason TEXT,
    steps INTEGER NOT NULL,      -- step budget
    shots INTEGER NOT NULL,
    p_flip REAL NOT NULL,
    seed INTEGER NOT NULL,       -- uint64 stored bit for bit
    evaluations INTEGER NOT NULL,
    best_step INTEGER,
    best_energy REAL,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);

-- One row per memory record
CREATE TABLE IF NOT EXISTS records (
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    step INTEGER NOT NULL,
    parameters TEXT NOT NULL,    -- JSON array
    energy REAL NOT NULL,
    p_flip REAL NOT NULL,
    shots INTEGER NOT NULL,
    evaluations INTEGER NOT NULL,
    note TEXT,
    recorded_at TEXT NOT NULL,
    PRIMARY KEY (run_id, step)
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);
`

// InitSchema creates the tables if they do not exist.
func InitSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaV1); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `INSERT OR IGNORE INTO schema_version (version) VALUES (?)`, SchemaVersion)
	return err
}
