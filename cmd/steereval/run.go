package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plastic-labs/steerability-eval/internal/app"
	"github.com/plastic-labs/steerability-eval/internal/report"
)

// #region run-command
func newRunCmd(code *int) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a steerable system over every persona pair",
		Long: `Steers one instance per persona, tests it against every persona's held-out
statements and writes the accuracy matrix and scores to <output>/<experiment>/.

Exit status is 1 on a fatal error, 3 when coverage ends below min_coverage
and 130 when interrupted. An interrupted experiment continues with --resume.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := runExperiment(cmd)
			*code = exitCode(out, err)
			return err
		},
	}
	f := cmd.Flags()
	f.String("personas", "", "persona table (CSV)")
	f.String("observations", "", "observation table (CSV)")
	f.String("system", "", "steerable system variant (few_shot|memory|dummy)")
	f.String("provider", "", "language model provider for few_shot")
	f.String("model", "", "model identifier for few_shot")
	f.Bool("resume", false, "continue an existing experiment")
	f.Bool("sync", false, "run one steer and one test at a time")
	f.Int64("seed", 0, "random_state for persona sampling and the steer split")
	f.Int("k", 0, "steer observations per persona (even)")
	f.Int("max-personas", 0, "sample at most this many personas (0 = all)")
	f.Int("max-observations", 0, "held-out statements per cell (0 = all)")
	f.Int("max-concurrent-tests", 0, "test pool size")
	f.Int("max-concurrent-steering", 0, "steer pool size")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func runExperiment(cmd *cobra.Command) (app.Outcome, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return app.Outcome{}, err
	}
	logger, err := newLogger(cmd, cfg)
	if err != nil {
		return app.Outcome{}, err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.MetricsAddr != "" {
		stop := serveMetrics(cfg.MetricsAddr, reg, logger)
		defer stop()
	}

	out, err := app.Run(cmd.Context(), cfg, app.Deps{Logger: logger, Registerer: reg})
	if out.Paths.Summary != "" && (err == nil || errors.Is(err, app.ErrInterrupted)) {
		fmt.Fprint(cmd.OutOrStdout(), report.Summary(out.Experiment, out.Report))
	}
	if err != nil {
		logger.Error("run failed", zap.String("experiment", out.Experiment), zap.Error(err))
		return out, err
	}
	if out.BelowThreshold {
		logger.Warn("coverage below threshold",
			zap.Float64("coverage", out.Report.Coverage), zap.Float64("min_coverage", cfg.MinCoverage))
	}
	return out, nil
}

// serveMetrics exposes reg on addr until the returned stop is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// #endregion run-command
