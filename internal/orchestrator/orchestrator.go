// Package orchestrator drives the steer-then-test computation over every
// persona pair with bounded concurrency, retries, and store-backed resume.
package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/plastic-labs/steerability-eval/internal/dataset"
	"github.com/plastic-labs/steerability-eval/internal/logging"
	"github.com/plastic-labs/steerability-eval/internal/matrix"
	"github.com/plastic-labs/steerability-eval/internal/steerable"
	"github.com/plastic-labs/steerability-eval/internal/store"
)

// #endregion

// #region orchestrator-struct

// Orchestrator evaluates one steerable system against a dataset split.
type Orchestrator struct {
	cfg     Config
	system  steerable.System
	split   *dataset.Split
	store   store.Store
	logger  *zap.Logger
	metrics *Metrics
}

// #endregion

// #region constructor

// New wires an orchestrator. A nil logger or metrics is replaced by a no-op.
func New(cfg Config, system steerable.System, split *dataset.Split, st store.Store, logger *zap.Logger, metrics *Metrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.SteerPoolSize < 1 {
		cfg.SteerPoolSize = 1
	}
	if cfg.TestPoolSize < 1 {
		cfg.TestPoolSize = 1
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	return &Orchestrator{
		cfg:     cfg,
		system:  system,
		split:   split,
		store:   st,
		logger:  logger.Named("orchestrator").With(logging.Experiment(cfg.Experiment)),
		metrics: metrics,
	}
}

// #endregion

// #region run-state

// runState is the per-run context handed to every task. It owns the store
// handle and the progress tracker; nothing else holds run progress.
type runState struct {
	experiment string
	store      store.Store
	progress   *progress
	steerSem   *semaphore.Weighted
	testSem    *semaphore.Weighted

	mu     sync.Mutex
	result Result
}

func (rs *runState) bump(f func(r *Result)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	f(&rs.result)
}

// #endregion

// #region run

// Run evaluates every pair not already DONE in the store. Cell failures are
// recorded, never returned; only store failures abort the run. Cancelling ctx
// stops scheduling and abandons in-flight cells without persisting them.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	personas := o.split.Personas()
	ids := make([]string, len(personas))
	for i, p := range personas {
		ids[i] = p.ID
	}

	// Resume state is read once, before anything is scheduled.
	m, err := store.LoadMatrix(ctx, o.store, o.cfg.Experiment, ids)
	if err != nil {
		return Result{}, fmt.Errorf("load persisted cells: %w", err)
	}

	rows := make(map[string][]matrix.Key, len(ids))
	var pending []matrix.Key
	for _, steer := range ids {
		for _, test := range ids {
			k := matrix.Key{Steer: steer, Test: test}
			if m.Done(k) {
				continue
			}
			rows[steer] = append(rows[steer], k)
			pending = append(pending, k)
		}
	}

	rs := &runState{
		experiment: o.cfg.Experiment,
		store:      o.store,
		progress:   newProgress(pending),
		steerSem:   semaphore.NewWeighted(int64(o.cfg.SteerPoolSize)),
		testSem:    semaphore.NewWeighted(int64(o.cfg.TestPoolSize)),
	}
	rs.result.Resumed = m.DoneCount()
	rs.result.Scheduled = len(pending)

	o.logger.Info("run starting",
		zap.Int("personas", len(ids)),
		zap.Int("cells", len(ids)*len(ids)),
		zap.Int("resumed_done", rs.result.Resumed),
		zap.Int("pending", len(pending)),
		zap.Int("steer_pool", o.cfg.SteerPoolSize),
		zap.Int("test_pool", o.cfg.TestPoolSize),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range personas {
		keys := rows[p.ID]
		if len(keys) == 0 {
			continue
		}
		g.Go(func() error {
			return o.runRow(gctx, rs, p, keys)
		})
	}
	runErr := g.Wait()

	counts := rs.progress.counts()
	rs.bump(func(r *Result) {
		r.Abandoned = counts[matrix.StatusPending] + counts[matrix.StatusRunning]
		r.Interrupted = ctx.Err() != nil
	})
	rs.result.Elapsed = time.Since(start)
	if runErr != nil {
		return rs.result, runErr
	}

	// The store is the source of truth for the final matrix.
	final, err := store.LoadMatrix(context.WithoutCancel(ctx), o.store, o.cfg.Experiment, ids)
	if err != nil {
		return rs.result, fmt.Errorf("reload persisted cells: %w", err)
	}
	rs.result.Matrix = final

	o.logger.Info("run finished",
		zap.Int("done", rs.result.Done),
		zap.Int("failed", rs.result.Failed),
		zap.Int("abandoned", rs.result.Abandoned),
		zap.Float64("coverage", final.Coverage()),
		zap.Bool("interrupted", rs.result.Interrupted),
		zap.Duration("elapsed", rs.result.Elapsed),
	)
	return rs.result, nil
}

// #endregion

// #region row

// runRow steers one persona, then runs its pending cells on the test pool.
func (o *Orchestrator) runRow(ctx context.Context, rs *runState, persona dataset.Persona, keys []matrix.Key) error {
	inst, attempts, err := o.steer(ctx, rs, persona)
	if ctx.Err() != nil {
		if inst != nil {
			o.release(ctx, persona.ID, inst)
		}
		return nil
	}
	if err != nil {
		o.logger.Warn("steer failed, failing row", zap.String("steer_persona", persona.ID),
			zap.Int("attempts", attempts), zap.Int("cells", len(keys)), zap.Error(err))
		for _, k := range keys {
			c := matrix.Cell{SteerPersonaID: k.Steer, TestPersonaID: k.Test, Status: matrix.StatusFailed,
				Error: err.Error(), Attempts: attempts}
			if err := o.record(ctx, rs, c); err != nil {
				return err
			}
		}
		return nil
	}
	defer o.release(ctx, persona.ID, inst)

	g, gctx := errgroup.WithContext(ctx)
	for _, k := range keys {
		if err := rs.testSem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			o.metrics.TestInFlight.Inc()
			defer func() {
				o.metrics.TestInFlight.Dec()
				rs.testSem.Release(1)
			}()
			return o.runCell(gctx, rs, inst, k)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if ctx.Err() == nil {
		o.logger.Info("row complete", zap.String("steer_persona", persona.ID), zap.Int("cells", len(keys)))
	}
	return nil
}

func (o *Orchestrator) steer(ctx context.Context, rs *runState, persona dataset.Persona) (steerable.Instance, int, error) {
	if err := rs.steerSem.Acquire(ctx, 1); err != nil {
		return nil, 0, err
	}
	o.metrics.SteerInFlight.Inc()
	defer func() {
		o.metrics.SteerInFlight.Dec()
		rs.steerSem.Release(1)
	}()

	var inst steerable.Instance
	observations := o.split.Steer(persona.ID)
	attempts, err := o.cfg.Retry.Do(ctx, func(callCtx context.Context) error {
		return o.timed("steer", func() error {
			i, err := o.system.Steer(callCtx, persona, observations)
			if err == nil {
				inst = i
			}
			return err
		})
	})
	return inst, attempts, err
}

func (o *Orchestrator) release(ctx context.Context, personaID string, inst steerable.Instance) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.CloseTimeout)
	defer cancel()
	if err := inst.Close(cctx); err != nil {
		o.logger.Warn("release steered instance", zap.String("steer_persona", personaID), zap.Error(err))
	}
}

// #endregion

// #region cell

// runCell issues every held-out statement of the test persona and reduces
// them to an accuracy. Nothing is persisted if ctx is cancelled first.
func (o *Orchestrator) runCell(ctx context.Context, rs *runState, inst steerable.Instance, k matrix.Key) error {
	if err := rs.progress.move(k, matrix.StatusRunning); err != nil {
		return err
	}

	tests := o.split.Test(k.Test)
	if o.cfg.MaxObservations > 0 && len(tests) > o.cfg.MaxObservations {
		tests = tests[:o.cfg.MaxObservations]
	}

	correct, worst := 0, 0
	for _, obs := range tests {
		var agree bool
		attempts, err := o.cfg.Retry.Do(ctx, func(callCtx context.Context) error {
			return o.timed("predict", func() error {
				a, err := inst.Predict(callCtx, obs.Text)
				agree = a
				return err
			})
		})
		worst = max(worst, attempts)
		if ctx.Err() != nil {
			return rs.progress.move(k, matrix.StatusPending)
		}
		if err != nil {
			o.logger.Warn("cell failed", logging.Cell(k), zap.String("observation", obs.ID),
				zap.Int("attempt", attempts), zap.Error(err))
			return o.record(ctx, rs, matrix.Cell{SteerPersonaID: k.Steer, TestPersonaID: k.Test,
				Status: matrix.StatusFailed, Error: err.Error(), Attempts: worst})
		}
		if agree == bool(obs.Polarity) {
			correct++
		}
	}

	return o.record(ctx, rs, matrix.Cell{SteerPersonaID: k.Steer, TestPersonaID: k.Test,
		NCorrect: correct, NTotal: len(tests), Status: matrix.StatusDone, Attempts: worst})
}

// record persists a terminal cell, then marks it in the tracker. A fully
// computed cell is persisted even if ctx was cancelled meanwhile.
func (o *Orchestrator) record(ctx context.Context, rs *runState, c matrix.Cell) error {
	k := c.Key()
	err := rs.store.AppendCell(context.WithoutCancel(ctx), rs.experiment, c)
	switch {
	case errors.Is(err, store.ErrDuplicateCell):
		o.logger.Warn("duplicate cell rejected, keeping first result", logging.Cell(k))
		rs.bump(func(r *Result) { r.Duplicates++ })
		c.Status = matrix.StatusDone
	case err != nil:
		return fmt.Errorf("persist cell %s: %w", k, err)
	}

	if err := rs.progress.move(k, c.Status); err != nil {
		return err
	}
	o.metrics.Cells.WithLabelValues(string(c.Status)).Inc()
	rs.bump(func(r *Result) {
		if c.Status == matrix.StatusDone {
			r.Done++
		} else {
			r.Failed++
		}
	})
	o.logger.Debug("cell recorded", logging.Cell(k), zap.String("status", string(c.Status)),
		zap.Int("n_correct", c.NCorrect), zap.Int("n_total", c.NTotal))
	return nil
}

// #endregion

// #region instrumentation

// timed runs one provider call attempt and records its outcome and latency.
func (o *Orchestrator) timed(op string, call func() error) error {
	start := time.Now()
	err := call()
	o.metrics.CallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	outcome := "ok"
	switch {
	case err == nil:
	case steerable.IsPermanent(err):
		outcome = "permanent"
	default:
		outcome = "error"
	}
	o.metrics.Calls.WithLabelValues(op, outcome).Inc()
	return err
}

// #endregion
