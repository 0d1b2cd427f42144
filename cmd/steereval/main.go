// Command steereval runs steerability experiments and recomputes their scores.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plastic-labs/steerability-eval/internal/app"
	"github.com/plastic-labs/steerability-eval/internal/config"
	"github.com/plastic-labs/steerability-eval/internal/logging"
)

// #region exit-codes
const (
	exitOK          = 0
	exitError       = 1
	exitBelowTarget = 3
	exitInterrupted = 130
)

// exitCode maps a command result to the process status.
func exitCode(out app.Outcome, err error) int {
	switch {
	case errors.Is(err, app.ErrInterrupted):
		return exitInterrupted
	case err != nil:
		return exitError
	case out.BelowThreshold:
		return exitBelowTarget
	}
	return exitOK
}

// #endregion exit-codes

// #region main
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string) int {
	code := exitOK
	root := newRootCmd(&code)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if code == exitOK {
			code = exitError
		}
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	root := &cobra.Command{
		Use:           "steereval",
		Short:         "Measure how well a steerable system emulates personas",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "YAML config file")
	pf.String("experiment", "", "experiment name (default: start timestamp)")
	pf.String("output", "", "output base directory")
	pf.String("backend", "", "result store backend (sqlite|badger)")
	pf.Float64("min-coverage", 0, "completeness threshold; exit 3 below it")
	pf.String("log-level", "", "debug|info|warn|error")
	pf.String("log-file", "", "also write JSON logs to this file")
	pf.BoolP("verbose", "v", false, "console logs at debug level")

	root.AddCommand(newRunCmd(code), newScoreCmd(code), newInspectCmd(code))
	return root
}

// #endregion main

// #region shared
// loadConfig layers Default(), the --config file, then explicitly set flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	str := func(name string, dst *string) {
		if f.Changed(name) {
			*dst, _ = f.GetString(name)
		}
	}
	integer := func(name string, dst *int) {
		if f.Changed(name) {
			*dst, _ = f.GetInt(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if f.Changed(name) {
			*dst, _ = f.GetBool(name)
		}
	}

	str("experiment", &cfg.ExperimentName)
	str("output", &cfg.OutputBaseDir)
	str("backend", &cfg.StoreBackend)
	str("log-level", &cfg.LogLevel)
	boolean("verbose", &cfg.Verbose)
	if f.Changed("min-coverage") {
		cfg.MinCoverage, _ = f.GetFloat64("min-coverage")
	}

	// run-only flags; other commands do not define them.
	str("personas", &cfg.PersonasPath)
	str("observations", &cfg.ObservationsPath)
	str("system", &cfg.SteerableSystemType)
	str("metrics-addr", &cfg.MetricsAddr)
	boolean("resume", &cfg.Resume)
	integer("max-personas", &cfg.MaxPersonas)
	integer("max-observations", &cfg.MaxObservations)
	integer("k", &cfg.NSteerObservationsPerPersona)
	integer("max-concurrent-tests", &cfg.MaxConcurrentTests)
	integer("max-concurrent-steering", &cfg.MaxConcurrentSteeringTasks)
	if f.Changed("sync") {
		sync, _ := f.GetBool("sync")
		cfg.RunAsync = !sync
	}
	if f.Changed("seed") {
		cfg.RandomState, _ = f.GetInt64("seed")
	}
	if f.Changed("model") {
		model, _ := f.GetString("model")
		cfg.SteerableSystemConfig = withOption(cfg.SteerableSystemConfig, "model", model)
	}
	if f.Changed("provider") {
		provider, _ := f.GetString("provider")
		cfg.SteerableSystemConfig = withOption(cfg.SteerableSystemConfig, "provider", provider)
	}
	return cfg, nil
}

func withOption(opts map[string]any, key string, v any) map[string]any {
	out := make(map[string]any, len(opts)+1)
	for k, val := range opts {
		out[k] = val
	}
	out[key] = v
	return out
}

func newLogger(cmd *cobra.Command, cfg config.Config) (*zap.Logger, error) {
	file, _ := cmd.Flags().GetString("log-file")
	logger, _, err := logging.New(logging.Options{Level: cfg.LogLevel, Verbose: cfg.Verbose, File: file})
	return logger, err
}

// #endregion shared
