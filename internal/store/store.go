// Package store is the append-only Result Store for accuracy cells and
// experiment metadata. It is the only source of truth for resume.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/plastic-labs/steerability-eval/internal/matrix"
)

// #region errors
var (
	// ErrDuplicateCell rejects a second DONE record for a pair; the first result wins.
	ErrDuplicateCell = errors.New("cell already done")
	// ErrExperimentExists rejects re-creating an experiment namespace.
	ErrExperimentExists = errors.New("experiment already exists")
	// ErrNotFound is returned for an unknown experiment.
	ErrNotFound = errors.New("experiment not found")
)
// #endregion errors

// #region metadata
// Metadata records what is needed to reproduce an experiment.
type Metadata struct {
	Experiment                 string         `json:"experiment_name"`
	RunID                      string         `json:"run_id"`
	RandomState                int64          `json:"random_state"`
	NSteerObservations         int            `json:"n_steer_observations_per_persona"`
	MaxPersonas                int            `json:"max_personas"`
	MaxObservations            int            `json:"max_observations"`
	PersonasSource             string         `json:"personas_source"`
	ObservationsSource         string         `json:"observations_source"`
	PersonaIDs                 []string       `json:"persona_ids"`
	RunAsync                   bool           `json:"run_async"`
	MaxConcurrentTests         int            `json:"max_concurrent_tests"`
	MaxConcurrentSteeringTasks int            `json:"max_concurrent_steering_tasks"`
	SteerableSystemType        string         `json:"steerable_system_type"`
	SteerableSystemConfig      map[string]any `json:"steerable_system_config,omitempty"`
	CreatedAt                  time.Time      `json:"created_at"`
}
// #endregion metadata

// #region interface
// Store persists terminal cells. Implementations serialize all writes so two
// concurrently completing cells never interleave.
type Store interface {
	// CreateExperiment records metadata for a new experiment.
	CreateExperiment(ctx context.Context, md Metadata) error
	// Experiment loads the metadata for name, or ErrNotFound.
	Experiment(ctx context.Context, name string) (Metadata, error)
	// AppendCell atomically appends one DONE or FAILED cell.
	AppendCell(ctx context.Context, experiment string, c matrix.Cell) error
	// Cells returns every persisted cell for the experiment in append order.
	Cells(ctx context.Context, experiment string) ([]matrix.Cell, error)
	Close() error
}
// #endregion interface

// #region open
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Open opens the store for an experiment directory.
func Open(backend, dir string, logger *zap.Logger) (Store, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLiteStore(filepath.Join(dir, "results.db"))
	case BackendBadger:
		return NewBadgerStore(BadgerConfig{Path: filepath.Join(dir, "results.badger"), SyncWrites: true, Logger: logger})
	}
	return nil, fmt.Errorf("unknown store backend %q", backend)
}

// LoadMatrix reconstructs the matrix for personaIDs from the persisted cells.
func LoadMatrix(ctx context.Context, s Store, experiment string, personaIDs []string) (*matrix.Matrix, error) {
	cells, err := s.Cells(ctx, experiment)
	if err != nil {
		return nil, err
	}
	m := matrix.New(personaIDs)
	m.Merge(cells)
	return m, nil
}
// #endregion open

// #region helpers
func prepareCell(c matrix.Cell) (matrix.Cell, error) {
	if err := c.Validate(); err != nil {
		return c, err
	}
	if c.CompletedAt.IsZero() {
		c.CompletedAt = time.Now().UTC()
	}
	return c, nil
}
// #endregion helpers
