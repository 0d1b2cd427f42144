package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plastic-labs/steerability-eval/internal/app"
	"github.com/plastic-labs/steerability-eval/internal/report"
)

// #region score-command
func newScoreCmd(code *int) *cobra.Command {
	return &cobra.Command{
		Use:   "score [experiment]",
		Short: "Recompute the score table from an experiment's persisted cells",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				*code = exitError
				return err
			}
			if len(args) == 1 {
				cfg.ExperimentName = args[0]
			}
			logger, err := newLogger(cmd, cfg)
			if err != nil {
				*code = exitError
				return err
			}
			defer logger.Sync()

			out, err := app.Rescore(cmd.Context(), cfg, logger)
			*code = exitCode(out, err)
			if err != nil {
				logger.Error("rescore failed", zap.String("experiment", cfg.ExperimentName), zap.Error(err))
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report.Summary(out.Experiment, out.Report))
			return nil
		},
	}
}

// #endregion score-command
