package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/plastic-labs/steerability-eval/internal/matrix"
	"github.com/plastic-labs/steerability-eval/internal/store"
)

// #region inspect-command
func newInspectCmd(code *int) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <experiment>",
		Short: "List the persisted cell records of an experiment in append order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = exitError
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			last, _ := cmd.Flags().GetInt("last")
			status, _ := cmd.Flags().GetString("status")
			jsonOut, _ := cmd.Flags().GetBool("json")

			filter := matrix.Status("")
			if status != "" {
				if filter, err = matrix.ParseStatus(status); err != nil {
					return err
				}
			}

			dir := filepath.Join(cfg.OutputBaseDir, args[0])
			if _, err := os.Stat(dir); err != nil {
				return fmt.Errorf("experiment %q: %w", args[0], store.ErrNotFound)
			}
			st, err := store.Open(cfg.StoreBackend, dir, nil)
			if err != nil {
				return err
			}
			defer st.Close()

			md, err := st.Experiment(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cells, err := st.Cells(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cells = selectCells(cells, filter, last)

			if jsonOut {
				err = printJSON(cmd.OutOrStdout(), struct {
					Metadata store.Metadata `json:"metadata"`
					Cells    []matrix.Cell  `json:"cells"`
				}{md, cells})
			} else {
				err = printCells(cmd.OutOrStdout(), md, cells)
			}
			if err == nil {
				*code = exitOK
			}
			return err
		},
	}
	cmd.Flags().Int("last", 0, "show only the N most recent records (0 = all)")
	cmd.Flags().String("status", "", "filter by status (DONE|FAILED)")
	cmd.Flags().Bool("json", false, "output as JSON instead of a table")
	return cmd
}

// #endregion inspect-command

// #region output
func selectCells(cells []matrix.Cell, status matrix.Status, last int) []matrix.Cell {
	out := make([]matrix.Cell, 0, len(cells))
	for _, c := range cells {
		if status == "" || c.Status == status {
			out = append(out, c)
		}
	}
	if last > 0 && len(out) > last {
		out = out[len(out)-last:]
	}
	return out
}

func printCells(w io.Writer, md store.Metadata, cells []matrix.Cell) error {
	fmt.Fprintf(w, "experiment %s (run %s, system %s, %d personas, seed %d, k=%d)\n",
		md.Experiment, shortID(md.RunID), md.SteerableSystemType, len(md.PersonaIDs), md.RandomState, md.NSteerObservations)
	if len(cells) == 0 {
		fmt.Fprintln(w, "no cells recorded")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEER\tTEST\tSTATUS\tACCURACY\tATTEMPTS\tCOMPLETED\tERROR")
	for _, c := range cells {
		acc := "-"
		if c.Status == matrix.StatusDone {
			acc = fmt.Sprintf("%d/%d (%.2f)", c.NCorrect, c.NTotal, c.Accuracy())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.SteerPersonaID, c.TestPersonaID, c.Status, acc, c.Attempts,
			c.CompletedAt.Format("2006-01-02 15:04:05"), c.Error)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// #endregion output
