package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plastic-labs/steerability-eval/internal/matrix"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS experiments (
	name          TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	metadata_json TEXT NOT NULL,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS accuracy_cells (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	experiment       TEXT NOT NULL,
	steer_persona_id TEXT NOT NULL,
	test_persona_id  TEXT NOT NULL,
	n_correct        INTEGER NOT NULL,
	n_total          INTEGER NOT NULL,
	status           TEXT NOT NULL CHECK (status IN ('DONE', 'FAILED')),
	error            TEXT,
	attempts         INTEGER NOT NULL DEFAULT 0,
	created_at       TEXT NOT NULL,
	FOREIGN KEY (experiment) REFERENCES experiments(name)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_accuracy_cells_done
ON accuracy_cells(experiment, steer_persona_id, test_persona_id) WHERE status = 'DONE';

CREATE INDEX IF NOT EXISTS idx_accuracy_cells_scan
ON accuracy_cells(experiment, id);
`
// #endregion schema

// #region store-struct
// SQLiteStore keeps cells in a single SQLite file.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // single writer
}
// #endregion store-struct

// #region constructor
// NewSQLiteStore opens a SQLite database and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma busy: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
// #endregion constructor

// #region experiments
// CreateExperiment inserts the metadata row for a new experiment.
func (s *SQLiteStore) CreateExperiment(ctx context.Context, md Metadata) error {
	if md.Experiment == "" {
		return fmt.Errorf("create experiment: empty name")
	}
	if md.CreatedAt.IsZero() {
		md.CreatedAt = time.Now().UTC()
	}
	mdJSON, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM experiments WHERE name = ?`, md.Experiment,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check experiment: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%s: %w", md.Experiment, ErrExperimentExists)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO experiments (name, run_id, metadata_json, created_at) VALUES (?, ?, ?, ?)`,
		md.Experiment, md.RunID, string(mdJSON), md.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert experiment: %w", err)
	}
	return tx.Commit()
}

// Experiment loads the metadata for name.
func (s *SQLiteStore) Experiment(ctx context.Context, name string) (Metadata, error) {
	var mdJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata_json FROM experiments WHERE name = ?`, name,
	).Scan(&mdJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("get experiment %s: %w", name, err)
	}

	var md Metadata
	if err := json.Unmarshal([]byte(mdJSON), &md); err != nil {
		return Metadata{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return md, nil
}
// #endregion experiments

// #region append-cell
// AppendCell inserts one terminal cell. A second DONE for the same pair
// returns ErrDuplicateCell and leaves the first one in place.
func (s *SQLiteStore) AppendCell(ctx context.Context, experiment string, c matrix.Cell) error {
	c, err := prepareCell(c)
	if err != nil {
		return fmt.Errorf("append cell: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if c.Status == matrix.StatusDone {
		var done int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM accuracy_cells
			 WHERE experiment = ? AND steer_persona_id = ? AND test_persona_id = ? AND status = 'DONE'`,
			experiment, c.SteerPersonaID, c.TestPersonaID,
		).Scan(&done)
		if err != nil {
			return fmt.Errorf("check duplicate: %w", err)
		}
		if done > 0 {
			return fmt.Errorf("%s: %w", c.Key(), ErrDuplicateCell)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO accuracy_cells
		 (experiment, steer_persona_id, test_persona_id, n_correct, n_total, status, error, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		experiment, c.SteerPersonaID, c.TestPersonaID, c.NCorrect, c.NTotal,
		string(c.Status), nullIfEmpty(c.Error), c.Attempts, c.CompletedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert cell: %w", err)
	}
	return tx.Commit()
}
// #endregion append-cell

// #region cells
// Cells scans all persisted cells for the experiment in append order.
func (s *SQLiteStore) Cells(ctx context.Context, experiment string) ([]matrix.Cell, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT steer_persona_id, test_persona_id, n_correct, n_total, status, error, attempts, created_at
		 FROM accuracy_cells WHERE experiment = ? ORDER BY id ASC`, experiment,
	)
	if err != nil {
		return nil, fmt.Errorf("list cells: %w", err)
	}
	defer rows.Close()

	var cells []matrix.Cell
	for rows.Next() {
		var c matrix.Cell
		var status, createdStr string
		var errText sql.NullString
		if err := rows.Scan(&c.SteerPersonaID, &c.TestPersonaID, &c.NCorrect, &c.NTotal,
			&status, &errText, &c.Attempts, &createdStr); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		if c.Status, err = matrix.ParseStatus(status); err != nil {
			return nil, err
		}
		if errText.Valid {
			c.Error = errText.String
		}
		c.CompletedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		cells = append(cells, c)
	}
	return cells, rows.Err()
}
// #endregion cells

// #region helpers
func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
// #endregion helpers
