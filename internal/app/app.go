// Package app wires configuration, dataset, steerable system, store,
// orchestrator and scoring into a single evaluation run.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/plastic-labs/steerability-eval/internal/config"
	"github.com/plastic-labs/steerability-eval/internal/dataset"
	"github.com/plastic-labs/steerability-eval/internal/logging"
	"github.com/plastic-labs/steerability-eval/internal/matrix"
	"github.com/plastic-labs/steerability-eval/internal/orchestrator"
	"github.com/plastic-labs/steerability-eval/internal/report"
	"github.com/plastic-labs/steerability-eval/internal/score"
	"github.com/plastic-labs/steerability-eval/internal/steerable"
	"github.com/plastic-labs/steerability-eval/internal/store"
)

// #region types
// Deps are the injectable collaborators of a run. Zero values are usable.
type Deps struct {
	Logger   *zap.Logger
	Registry *steerable.Registry
	// System is passed to the steerable factory; Logger and Seed are filled in.
	System steerable.Deps
	// Registerer receives orchestrator metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	Now        func() time.Time
}

// Outcome is what a finished (or interrupted) run produced.
type Outcome struct {
	Experiment     string
	Dir            string
	Metadata       store.Metadata
	Result         orchestrator.Result
	Report         score.Report
	Paths          report.Paths
	Skipped        []*dataset.DataIntegrityError
	BelowThreshold bool
}

// ErrInterrupted is returned when the run was cancelled before every cell finished.
var ErrInterrupted = errors.New("run interrupted")

// ExperimentTimeFormat names experiments that were not given a name.
const ExperimentTimeFormat = "2006-01-02_15-04-05"

// #endregion types

// #region run
// Run executes one experiment end to end. Configuration and data problems
// found at startup are returned before any provider call is made.
func Run(ctx context.Context, cfg config.Config, deps Deps) (Outcome, error) {
	var out Outcome
	deps = withDefaults(deps)
	logger := deps.Logger.Named("app")

	if err := cfg.Validate(); err != nil {
		return out, err
	}
	if cfg.ExperimentName == "" {
		cfg.ExperimentName = deps.Now().Format(ExperimentTimeFormat)
	}
	out.Experiment = cfg.ExperimentName
	logger = logger.With(logging.Experiment(cfg.ExperimentName))

	split, skipped, err := loadSplit(cfg, logger)
	if err != nil {
		return out, err
	}
	out.Skipped = skipped

	if !deps.Registry.Has(cfg.SteerableSystemType) {
		return out, &config.ConfigError{
			Field:  "steerable_system_type",
			Reason: fmt.Sprintf("unknown variant %q (registered: %s)", cfg.SteerableSystemType, strings.Join(deps.Registry.Names(), ", ")),
		}
	}
	sysDeps := deps.System
	sysDeps.Logger = deps.Logger
	sysDeps.Seed = cfg.RandomState
	system, err := deps.Registry.New(ctx, cfg.SteerableSystemType, cfg.SteerableSystemConfig, sysDeps)
	if err != nil {
		return out, &config.ConfigError{Field: "steerable_system_config", Reason: err.Error(), Err: err}
	}
	if c, ok := system.(io.Closer); ok {
		defer c.Close()
	}

	out.Dir = filepath.Join(cfg.OutputBaseDir, cfg.ExperimentName)
	if err := os.MkdirAll(out.Dir, 0o755); err != nil {
		return out, fmt.Errorf("create experiment dir: %w", err)
	}
	st, err := store.Open(cfg.StoreBackend, out.Dir, deps.Logger)
	if err != nil {
		return out, fmt.Errorf("open result store: %w", err)
	}
	defer st.Close()

	md, err := prepareExperiment(ctx, cfg, st, split, deps.Now())
	if err != nil {
		return out, err
	}
	out.Metadata = md
	logger.Info("experiment ready",
		zap.String("run_id", md.RunID),
		zap.String("dir", out.Dir),
		zap.String("system", system.Name()),
		zap.Int("personas", len(md.PersonaIDs)),
		zap.Int("skipped_personas", len(skipped)),
	)

	orch := orchestrator.New(orchestrator.Config{
		Experiment:      cfg.ExperimentName,
		SteerPoolSize:   cfg.SteerPoolSize(),
		TestPoolSize:    cfg.TestPoolSize(),
		MaxObservations: cfg.MaxObservations,
		Retry:           orchestrator.PolicyFromConfig(cfg.Retry),
	}, system, split, st, deps.Logger, orchestrator.NewMetrics(deps.Registerer))

	res, err := orch.Run(ctx)
	out.Result = res
	if err != nil {
		return out, fmt.Errorf("orchestrate: %w", err)
	}

	if err := finish(&out, cfg, res.Matrix, logger); err != nil {
		return out, err
	}
	if res.Interrupted {
		return out, fmt.Errorf("%w: %d cells left for resume", ErrInterrupted, res.Abandoned)
	}
	return out, nil
}

// Rescore rebuilds the score table of an existing experiment from its store.
// No provider is contacted.
func Rescore(ctx context.Context, cfg config.Config, logger *zap.Logger) (Outcome, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := Outcome{Experiment: cfg.ExperimentName}
	if cfg.ExperimentName == "" {
		return out, &config.ConfigError{Field: "experiment_name", Reason: "is required to rescore"}
	}
	logger = logger.Named("app").With(logging.Experiment(cfg.ExperimentName))

	out.Dir = filepath.Join(cfg.OutputBaseDir, cfg.ExperimentName)
	if _, err := os.Stat(out.Dir); err != nil {
		return out, fmt.Errorf("experiment %q: %w", cfg.ExperimentName, store.ErrNotFound)
	}
	st, err := store.Open(cfg.StoreBackend, out.Dir, logger)
	if err != nil {
		return out, fmt.Errorf("open result store: %w", err)
	}
	defer st.Close()

	md, err := st.Experiment(ctx, cfg.ExperimentName)
	if err != nil {
		return out, fmt.Errorf("load experiment: %w", err)
	}
	out.Metadata = md
	m, err := store.LoadMatrix(ctx, st, cfg.ExperimentName, md.PersonaIDs)
	if err != nil {
		return out, fmt.Errorf("load cells: %w", err)
	}
	return out, finish(&out, cfg, m, logger)
}

// #endregion run

// #region steps
func withDefaults(d Deps) Deps {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Registry == nil {
		d.Registry = steerable.Builtin()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

func loadSplit(cfg config.Config, logger *zap.Logger) (*dataset.Split, []*dataset.DataIntegrityError, error) {
	ds, err := dataset.LoadCSV(cfg.PersonasPath, cfg.ObservationsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load dataset: %w", err)
	}
	sampled := ds.Sample(cfg.RandomState, cfg.MaxPersonas)
	split, skipped, err := sampled.Split(cfg.NSteerObservationsPerPersona, cfg.RandomState)
	if err != nil {
		return nil, nil, &config.ConfigError{Field: "n_steer_observations_per_persona", Reason: err.Error(), Err: err}
	}
	for _, e := range skipped {
		logger.Warn("persona skipped", zap.String("persona", e.PersonaID), zap.String("reason", e.Reason))
	}
	if n := len(split.Personas()); n < 2 {
		return nil, nil, fmt.Errorf("load dataset: %d usable personas, need at least 2", n)
	}
	return split, skipped, nil
}

// prepareExperiment creates the experiment record, or checks that a resumed
// run matches what was persisted.
func prepareExperiment(ctx context.Context, cfg config.Config, st store.Store, split *dataset.Split, now time.Time) (store.Metadata, error) {
	want := metadataFor(cfg, split, now)

	have, err := st.Experiment(ctx, cfg.ExperimentName)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := st.CreateExperiment(ctx, want); err != nil {
			return want, fmt.Errorf("create experiment: %w", err)
		}
		return want, nil
	case err != nil:
		return want, fmt.Errorf("load experiment: %w", err)
	}

	if !cfg.Resume {
		cells, err := st.Cells(ctx, cfg.ExperimentName)
		if err != nil {
			return have, fmt.Errorf("load cells: %w", err)
		}
		if len(cells) > 0 {
			return have, &config.ConfigError{
				Field:  "resume",
				Reason: fmt.Sprintf("experiment %q already has %d persisted cells; enable resume or pick another name", cfg.ExperimentName, len(cells)),
			}
		}
	}
	if field, ok := mismatch(have, want); !ok {
		return have, &config.ConfigError{
			Field:  field,
			Reason: fmt.Sprintf("differs from persisted experiment %q", cfg.ExperimentName),
		}
	}
	return have, nil
}

func metadataFor(cfg config.Config, split *dataset.Split, now time.Time) store.Metadata {
	personas := split.Personas()
	ids := make([]string, len(personas))
	for i, p := range personas {
		ids[i] = p.ID
	}
	return store.Metadata{
		Experiment:                 cfg.ExperimentName,
		RunID:                      uuid.NewString(),
		RandomState:                cfg.RandomState,
		NSteerObservations:         cfg.NSteerObservationsPerPersona,
		MaxPersonas:                cfg.MaxPersonas,
		MaxObservations:            cfg.MaxObservations,
		PersonasSource:             cfg.PersonasPath,
		ObservationsSource:         cfg.ObservationsPath,
		PersonaIDs:                 ids,
		RunAsync:                   cfg.RunAsync,
		MaxConcurrentTests:         cfg.MaxConcurrentTests,
		MaxConcurrentSteeringTasks: cfg.MaxConcurrentSteeringTasks,
		SteerableSystemType:        cfg.SteerableSystemType,
		SteerableSystemConfig:      redact(cfg.SteerableSystemConfig),
		CreatedAt:                  now.UTC(),
	}
}

// mismatch returns the first reproducibility field that differs.
// Concurrency settings may change between resumes.
func mismatch(have, want store.Metadata) (string, bool) {
	switch {
	case have.RandomState != want.RandomState:
		return "random_state", false
	case have.NSteerObservations != want.NSteerObservations:
		return "n_steer_observations_per_persona", false
	case have.MaxPersonas != want.MaxPersonas:
		return "max_personas", false
	case have.MaxObservations != want.MaxObservations:
		return "max_observations", false
	case have.SteerableSystemType != want.SteerableSystemType:
		return "steerable_system_type", false
	case have.PersonasSource != want.PersonasSource:
		return "personas_path", false
	case have.ObservationsSource != want.ObservationsSource:
		return "observations_path", false
	case !slices.Equal(have.PersonaIDs, want.PersonaIDs):
		return "personas", false
	}
	return "", true
}

var secretMarkers = []string{"key", "secret", "token", "password"}

// redact copies opts with credential-looking values replaced.
func redact(opts map[string]any) map[string]any {
	if opts == nil {
		return nil
	}
	out := make(map[string]any, len(opts))
	for k, v := range opts {
		lower := strings.ToLower(k)
		secret := false
		for _, m := range secretMarkers {
			if strings.Contains(lower, m) && !strings.HasSuffix(lower, "_env") {
				secret = true
				break
			}
		}
		if secret {
			out[k] = "[redacted]"
			continue
		}
		out[k] = v
	}
	return out
}

// finish scores the matrix, writes the outputs and applies the coverage threshold.
func finish(out *Outcome, cfg config.Config, m *matrix.Matrix, logger *zap.Logger) error {
	out.Report = score.Compute(m)
	paths, err := report.Write(out.Dir, out.Experiment, out.Report, out.Metadata)
	out.Paths = paths
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	if inc := out.Report.Incomplete(); inc != nil {
		logger.Warn("scores computed over partial matrix", zap.Error(inc))
	}
	for _, c := range out.Report.FailedCells {
		logger.Warn("cell failed", logging.Cell(matrix.Key{Steer: c.SteerPersonaID, Test: c.TestPersonaID}),
			zap.Int("attempts", c.Attempts), zap.String("error", c.Error))
	}

	out.BelowThreshold = out.Report.Coverage < cfg.MinCoverage
	logger.Info("scores written",
		zap.Float64("steerability", out.Report.Steerability),
		zap.Float64("coverage", out.Report.Coverage),
		zap.Float64("min_coverage", cfg.MinCoverage),
		zap.Bool("below_threshold", out.BelowThreshold),
		zap.String("summary", out.Paths.Summary),
	)
	return nil
}

// #endregion steps
