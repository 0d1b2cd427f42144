package orchestrator

// #region imports
import (
	"time"

	"github.com/plastic-labs/steerability-eval/internal/matrix"
)

// #endregion

// #region config

// Config bounds one orchestrator run.
type Config struct {
	Experiment string
	// SteerPoolSize bounds concurrent steer calls.
	SteerPoolSize int
	// TestPoolSize bounds concurrently running cells.
	TestPoolSize int
	// MaxObservations caps held-out statements per cell. Zero means no cap.
	MaxObservations int
	Retry           RetryPolicy
	// CloseTimeout bounds releasing a steered instance.
	CloseTimeout time.Duration
}

// #endregion

// #region result

// Result summarizes a run. Matrix is rebuilt from the store after the run.
type Result struct {
	Matrix *matrix.Matrix

	Resumed     int // cells already DONE at start
	Scheduled   int // cells attempted in this run
	Done        int
	Failed      int
	Abandoned   int // in flight or never started when the run was cancelled
	Duplicates  int // DONE appends rejected by the store
	Interrupted bool
	Elapsed     time.Duration
}

// #endregion
