package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/plastic-labs/steerability-eval/internal/dataset"
	"github.com/plastic-labs/steerability-eval/internal/matrix"
	"github.com/plastic-labs/steerability-eval/internal/steerable"
	"github.com/plastic-labs/steerability-eval/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// #region fixtures

// buildSplit makes n personas named A, B, C... with 3 agree and 3 disagree
// statements each, split with k=2 so every cell has 4 held-out statements.
func buildSplit(t *testing.T, n int) *dataset.Split {
	t.Helper()
	var personas []dataset.Persona
	var obs []dataset.Observation
	for i := 0; i < n; i++ {
		id := string(rune('A' + i))
		personas = append(personas, dataset.Persona{ID: id, Label: "persona " + id})
		for j := 0; j < 3; j++ {
			obs = append(obs,
				dataset.Observation{PersonaID: id, Text: fmt.Sprintf("%s|agree-%d", id, j), Polarity: dataset.Agree},
				dataset.Observation{PersonaID: id, Text: fmt.Sprintf("%s|disagree-%d", id, j), Polarity: dataset.Disagree},
			)
		}
	}
	split, skipped, err := dataset.New(personas, obs).Split(2, 42)
	if err != nil || len(skipped) != 0 {
		t.Fatalf("Split: %v %v", err, skipped)
	}
	return split
}

func newStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.CreateExperiment(context.Background(), store.Metadata{Experiment: "exp", RunID: "r"}); err != nil {
		t.Fatalf("CreateExperiment: %v", err)
	}
	return s
}

func testConfig() Config {
	return Config{
		Experiment:    "exp",
		SteerPoolSize: 2,
		TestPoolSize:  3,
		Retry:         RetryPolicy{MaxAttempts: 3, CallTimeout: time.Second, sleep: noSleep},
	}
}

// gauge tracks current and peak concurrency.
type gauge struct {
	cur, peak atomic.Int32
}

func (g *gauge) enter() {
	n := g.cur.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (g *gauge) exit() { g.cur.Add(-1) }

// fakeSystem answers correctly for its own persona's statements and wrongly
// for everyone else's, so the diagonal is 1 and every other cell is 0.
type fakeSystem struct {
	delay      time.Duration
	failCell   map[matrix.Key]error
	failSteer  map[string]bool
	hangOnce   map[matrix.Key]bool
	steerGauge gauge
	testGauge  gauge
	steers     atomic.Int32
	predicts   atomic.Int32

	mu      sync.Mutex
	closed  map[string]int
	hung    map[matrix.Key]bool
	perCell map[matrix.Key]int
}

func (f *fakeSystem) Name() string { return "fake" }

func (f *fakeSystem) Steer(ctx context.Context, p dataset.Persona, obs []dataset.Observation) (steerable.Instance, error) {
	f.steerGauge.enter()
	defer f.steerGauge.exit()
	f.steers.Add(1)
	if err := wait(ctx, f.delay); err != nil {
		return nil, err
	}
	if len(obs) != 2 {
		return nil, fmt.Errorf("expected 2 steer observations, got %d", len(obs))
	}
	if f.failSteer[p.ID] {
		return nil, errors.New("steer unavailable")
	}
	return &fakeInstance{sys: f, persona: p.ID}, nil
}

type fakeInstance struct {
	sys     *fakeSystem
	persona string
}

func (i *fakeInstance) Predict(ctx context.Context, statement string) (bool, error) {
	f := i.sys
	f.testGauge.enter()
	defer f.testGauge.exit()
	f.predicts.Add(1)

	owner, kind, _ := strings.Cut(statement, "|")
	k := matrix.Key{Steer: i.persona, Test: owner}

	f.mu.Lock()
	if f.perCell == nil {
		f.perCell = make(map[matrix.Key]int)
	}
	f.perCell[k]++
	hang := f.hangOnce[k] && !f.hung[k]
	if hang {
		if f.hung == nil {
			f.hung = make(map[matrix.Key]bool)
		}
		f.hung[k] = true
	}
	f.mu.Unlock()

	if hang {
		<-ctx.Done()
		return false, ctx.Err()
	}
	if err := wait(ctx, f.delay); err != nil {
		return false, err
	}
	if err, ok := f.failCell[k]; ok {
		return false, err
	}
	truth := strings.HasPrefix(kind, "agree")
	if owner == i.persona {
		return truth, nil
	}
	return !truth, nil
}

func (i *fakeInstance) Close(context.Context) error {
	i.sys.mu.Lock()
	defer i.sys.mu.Unlock()
	if i.sys.closed == nil {
		i.sys.closed = make(map[string]int)
	}
	i.sys.closed[i.persona]++
	return nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func grid(m *matrix.Matrix) [][]string {
	out := make([][]string, m.Size())
	for i := range out {
		out[i] = make([]string, m.Size())
		for j := range out[i] {
			c, ok := m.Get(i, j)
			switch {
			case !ok:
				out[i][j] = "-"
			case c.Status == matrix.StatusDone:
				out[i][j] = fmt.Sprintf("%d/%d", c.NCorrect, c.NTotal)
			default:
				out[i][j] = string(c.Status)
			}
		}
	}
	return out
}

// #endregion fixtures

// #region run-tests

func TestRunFullMatrix(t *testing.T) {
	sys := &fakeSystem{}
	st := newStore(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	res, err := New(testConfig(), sys, buildSplit(t, 3), st, nil, metrics).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := [][]string{
		{"4/4", "0/4", "0/4"},
		{"0/4", "4/4", "0/4"},
		{"0/4", "0/4", "4/4"},
	}
	if diff := cmp.Diff(want, grid(res.Matrix)); diff != "" {
		t.Errorf("matrix (-want +got):\n%s", diff)
	}
	if res.Done != 9 || res.Failed != 0 || res.Scheduled != 9 || res.Resumed != 0 || res.Interrupted {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Matrix.Coverage() != 1 {
		t.Errorf("coverage = %v", res.Matrix.Coverage())
	}
	if sys.steers.Load() != 3 || sys.predicts.Load() != 36 {
		t.Errorf("expected 3 steers and 36 predicts, got %d and %d", sys.steers.Load(), sys.predicts.Load())
	}
	for _, id := range []string{"A", "B", "C"} {
		if sys.closed[id] != 1 {
			t.Errorf("instance %s closed %d times", id, sys.closed[id])
		}
	}
	if got := testutil.ToFloat64(metrics.Cells.WithLabelValues("DONE")); got != 9 {
		t.Errorf("cells_total{DONE} = %v", got)
	}
	if got := testutil.ToFloat64(metrics.Calls.WithLabelValues("predict", "ok")); got != 36 {
		t.Errorf("provider_calls_total{predict,ok} = %v", got)
	}
	if testutil.ToFloat64(metrics.TestInFlight) != 0 || testutil.ToFloat64(metrics.SteerInFlight) != 0 {
		t.Error("in-flight gauges should return to zero")
	}
}

func TestMaxObservationsCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxObservations = 3
	res, err := New(cfg, &fakeSystem{}, buildSplit(t, 2), newStore(t), nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	c, _ := res.Matrix.Get(0, 0)
	if c.NTotal != 3 {
		t.Fatalf("expected 3 statements per cell, got %d", c.NTotal)
	}
}

func TestConcurrencyBound(t *testing.T) {
	sys := &fakeSystem{delay: 2 * time.Millisecond}
	cfg := testConfig()
	cfg.SteerPoolSize = 2
	cfg.TestPoolSize = 3

	res, err := New(cfg, sys, buildSplit(t, 6), newStore(t), nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Done != 36 {
		t.Fatalf("expected 36 done cells, got %d", res.Done)
	}
	if p := sys.steerGauge.peak.Load(); p > 2 {
		t.Errorf("steer concurrency %d exceeded pool of 2", p)
	}
	if p := sys.testGauge.peak.Load(); p > 3 {
		t.Errorf("test concurrency %d exceeded pool of 3", p)
	}
}

func TestSequentialPools(t *testing.T) {
	sys := &fakeSystem{delay: time.Millisecond}
	cfg := testConfig()
	cfg.SteerPoolSize, cfg.TestPoolSize = 1, 1

	if _, err := New(cfg, sys, buildSplit(t, 3), newStore(t), nil, nil).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sys.steerGauge.peak.Load() != 1 || sys.testGauge.peak.Load() != 1 {
		t.Errorf("pools of 1 must run one call at a time: steer=%d test=%d",
			sys.steerGauge.peak.Load(), sys.testGauge.peak.Load())
	}
}

// #endregion run-tests

// #region failure-tests

func TestCellFailureIsolated(t *testing.T) {
	ab := matrix.Key{Steer: "A", Test: "B"}
	sys := &fakeSystem{failCell: map[matrix.Key]error{ab: errors.New("503 upstream")}}
	st := newStore(t)
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	core, logs := observer.New(zap.WarnLevel)

	res, err := New(testConfig(), sys, buildSplit(t, 3), st, zap.New(core), metrics).Run(context.Background())
	if err != nil {
		t.Fatalf("cell failure must not abort the run: %v", err)
	}
	if res.Done != 8 || res.Failed != 1 {
		t.Fatalf("expected 8 done and 1 failed, got %+v", res)
	}
	if got := res.Matrix.Coverage(); got != 8.0/9.0 {
		t.Errorf("coverage = %v, want 8/9", got)
	}
	if diff := cmp.Diff([]matrix.Key{ab}, res.Matrix.FailedKeys()); diff != "" {
		t.Errorf("failed keys (-want +got):\n%s", diff)
	}

	c, _ := res.Matrix.Get(0, 1)
	if c.Attempts != 3 || !strings.Contains(c.Error, "503 upstream") {
		t.Errorf("failed cell should carry attempts and cause: %+v", c)
	}
	if sys.perCell[ab] != 3 {
		t.Errorf("expected the first statement to be tried 3 times, got %d", sys.perCell[ab])
	}

	entries := logs.FilterMessage("cell failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one warning, got %d", len(entries))
	}
	if cell, ok := entries[0].ContextMap()["cell"].(map[string]interface{}); !ok || cell["test_persona"] != "B" {
		t.Errorf("warning should name the cell: %v", entries[0].ContextMap())
	}
	if got := testutil.ToFloat64(metrics.Cells.WithLabelValues("FAILED")); got != 1 {
		t.Errorf("cells_total{FAILED} = %v", got)
	}
	if got := testutil.ToFloat64(metrics.Calls.WithLabelValues("predict", "error")); got != 3 {
		t.Errorf("provider_calls_total{predict,error} = %v", got)
	}
}

func TestPermanentFailureNotRetried(t *testing.T) {
	ab := matrix.Key{Steer: "A", Test: "B"}
	sys := &fakeSystem{failCell: map[matrix.Key]error{ab: steerable.Permanent(errors.New("401"))}}

	res, err := New(testConfig(), sys, buildSplit(t, 2), newStore(t), nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	c, _ := res.Matrix.Get(0, 1)
	if c.Status != matrix.StatusFailed || c.Attempts != 1 {
		t.Fatalf("permanent failure should fail after 1 attempt: %+v", c)
	}
}

func TestSteerFailureFailsRow(t *testing.T) {
	sys := &fakeSystem{failSteer: map[string]bool{"B": true}}
	res, err := New(testConfig(), sys, buildSplit(t, 3), newStore(t), nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := [][]string{
		{"4/4", "0/4", "0/4"},
		{"FAILED", "FAILED", "FAILED"},
		{"0/4", "0/4", "4/4"},
	}
	if diff := cmp.Diff(want, grid(res.Matrix)); diff != "" {
		t.Errorf("matrix (-want +got):\n%s", diff)
	}
	if sys.closed["B"] != 0 {
		t.Error("no instance exists for a failed steer")
	}
	c, _ := res.Matrix.Get(1, 0)
	if c.Attempts != 3 {
		t.Errorf("row cells should record steer attempts, got %d", c.Attempts)
	}
}

func TestCallTimeoutRetriedWithinCell(t *testing.T) {
	ca := matrix.Key{Steer: "C", Test: "A"}
	sys := &fakeSystem{hangOnce: map[matrix.Key]bool{ca: true}}
	cfg := testConfig()
	cfg.Retry.CallTimeout = 20 * time.Millisecond

	res, err := New(cfg, sys, buildSplit(t, 3), newStore(t), nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	c, _ := res.Matrix.Get(2, 0)
	if c.Status != matrix.StatusDone || c.Attempts != 2 {
		t.Fatalf("timed out call should be retried and succeed: %+v", c)
	}
}

// #endregion failure-tests

// #region resume-tests

// cancellingStore cancels the run after a number of successful appends.
type cancellingStore struct {
	store.Store
	after  int32
	n      atomic.Int32
	cancel context.CancelFunc
}

func (s *cancellingStore) AppendCell(ctx context.Context, exp string, c matrix.Cell) error {
	err := s.Store.AppendCell(ctx, exp, c)
	if err == nil && s.n.Add(1) == s.after {
		s.cancel()
	}
	return err
}

func TestResumeIdempotent(t *testing.T) {
	split := buildSplit(t, 4)
	cfg := testConfig()

	baseline, err := New(cfg, &fakeSystem{}, split, newStore(t), nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("baseline Run: %v", err)
	}

	st := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupted, err := New(cfg, &fakeSystem{delay: time.Millisecond}, split, &cancellingStore{Store: st, after: 5, cancel: cancel}, nil, nil).Run(ctx)
	if err != nil {
		t.Fatalf("interrupted Run: %v", err)
	}
	if !interrupted.Interrupted {
		t.Fatal("run should report interruption")
	}
	persisted, _ := st.Cells(context.Background(), "exp")
	if len(persisted) < 5 || len(persisted) >= 16 {
		t.Fatalf("expected a partial store, got %d cells", len(persisted))
	}
	for _, c := range persisted {
		if c.Status == matrix.StatusDone && c.NTotal != 4 {
			t.Fatalf("partially computed cell persisted: %+v", c)
		}
	}

	resumedSys := &fakeSystem{}
	resumed, err := New(cfg, resumedSys, split, st, nil, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("resumed Run: %v", err)
	}
	if resumed.Resumed != len(persisted) || resumed.Scheduled != 16-len(persisted) {
		t.Errorf("resume should schedule only missing cells: %+v (persisted %d)", resumed, len(persisted))
	}
	if got := int(resumedSys.predicts.Load()); got != 4*resumed.Scheduled {
		t.Errorf("done cells were recomputed: %d predicts for %d cells", got, resumed.Scheduled)
	}
	if diff := cmp.Diff(grid(baseline.Matrix), grid(resumed.Matrix)); diff != "" {
		t.Errorf("resumed matrix differs from uninterrupted run (-want +got):\n%s", diff)
	}

	all, _ := st.Cells(context.Background(), "exp")
	if len(all) != 16 {
		t.Errorf("store should hold exactly one record per cell, got %d", len(all))
	}
}

func TestResumeSkipsDoneRetriesFailed(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	st.AppendCell(ctx, "exp", matrix.Cell{SteerPersonaID: "A", TestPersonaID: "A", NCorrect: 1, NTotal: 4, Status: matrix.StatusDone})
	st.AppendCell(ctx, "exp", matrix.Cell{SteerPersonaID: "A", TestPersonaID: "B", Status: matrix.StatusFailed, Error: "old"})

	sys := &fakeSystem{}
	res, err := New(testConfig(), sys, buildSplit(t, 2), st, nil, nil).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Resumed != 1 || res.Scheduled != 3 {
		t.Fatalf("expected 1 resumed and 3 scheduled, got %+v", res)
	}
	want := [][]string{
		{"1/4", "0/4"},
		{"0/4", "4/4"},
	}
	if diff := cmp.Diff(want, grid(res.Matrix)); diff != "" {
		t.Errorf("matrix (-want +got):\n%s", diff)
	}
}

// racingStore writes a competing DONE for one pair just before the orchestrator does.
type racingStore struct {
	store.Store
	key matrix.Key
}

func (s *racingStore) AppendCell(ctx context.Context, exp string, c matrix.Cell) error {
	if c.Key() == s.key && c.Status == matrix.StatusDone {
		first := c
		first.NCorrect = 0
		if err := s.Store.AppendCell(ctx, exp, first); err != nil {
			return err
		}
	}
	return s.Store.AppendCell(ctx, exp, c)
}

func TestDuplicateCellWarning(t *testing.T) {
	bb := matrix.Key{Steer: "B", Test: "B"}
	core, logs := observer.New(zap.WarnLevel)

	res, err := New(testConfig(), &fakeSystem{}, buildSplit(t, 2), &racingStore{Store: newStore(t), key: bb}, zap.New(core), nil).
		Run(context.Background())
	if err != nil {
		t.Fatalf("duplicate must not abort the run: %v", err)
	}
	if res.Duplicates != 1 {
		t.Errorf("expected 1 duplicate, got %d", res.Duplicates)
	}
	if logs.FilterMessage("duplicate cell rejected, keeping first result").Len() != 1 {
		t.Error("duplicate should be logged as a warning")
	}
	c, _ := res.Matrix.Get(1, 1)
	if c.NCorrect != 0 {
		t.Errorf("first result must win, got %d/%d", c.NCorrect, c.NTotal)
	}
}

// brokenStore fails every append.
type brokenStore struct {
	store.Store
}

func (brokenStore) AppendCell(context.Context, string, matrix.Cell) error {
	return errors.New("disk full")
}

func TestStoreFailureAbortsRun(t *testing.T) {
	_, err := New(testConfig(), &fakeSystem{}, buildSplit(t, 2), brokenStore{newStore(t)}, nil, nil).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected persist error, got %v", err)
	}
}

// #endregion resume-tests
