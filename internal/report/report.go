// Package report writes an experiment's score table and run metadata to disk.
package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/plastic-labs/steerability-eval/internal/score"
	"github.com/plastic-labs/steerability-eval/internal/store"
)

// #region paths
// Paths are the files written for one experiment.
type Paths struct {
	Scores  string // accuracy matrix, CSV
	Results string // per-persona scores, CSV
	Summary string // aggregates, JSON
	Params  string // run metadata, JSON
}

// PathsFor returns the output file names under dir.
func PathsFor(dir, experiment string) Paths {
	return Paths{
		Scores:  filepath.Join(dir, "scores_"+experiment+".csv"),
		Results: filepath.Join(dir, "results_"+experiment+".csv"),
		Summary: filepath.Join(dir, "summary_"+experiment+".json"),
		Params:  filepath.Join(dir, "params_"+experiment+".json"),
	}
}

// #endregion paths

// #region write
// summaryFile is the JSON document written to summary_<exp>.json.
type summaryFile struct {
	Experiment      string             `json:"experiment_name"`
	Steerability    float64            `json:"steerability"`
	MeanSpecificity float64            `json:"mean_specificity"`
	Scored          int                `json:"scored_personas"`
	Coverage        float64            `json:"coverage"`
	Done            int                `json:"done_cells"`
	Total           int                `json:"total_cells"`
	Excluded        []score.Exclusion  `json:"excluded"`
	FailedCells     []score.FailedCell `json:"failed_cells"`
}

// Write regenerates every output file for the experiment in dir.
// Outputs are derived, so existing files are overwritten.
func Write(dir, experiment string, r score.Report, md store.Metadata) (Paths, error) {
	p := PathsFor(dir, experiment)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return p, fmt.Errorf("create output dir: %w", err)
	}

	if err := writeFile(p.Scores, matrixCSV(r)); err != nil {
		return p, err
	}
	if err := writeFile(p.Results, resultsCSV(r)); err != nil {
		return p, err
	}

	sum := summaryFile{
		Experiment:      experiment,
		Steerability:    r.Steerability,
		MeanSpecificity: r.MeanSpecificity,
		Scored:          r.Scored,
		Coverage:        r.Coverage,
		Done:            r.Done,
		Total:           r.Total,
		Excluded:        nonNil(r.Excluded),
		FailedCells:     nonNil(r.FailedCells),
	}
	if err := writeJSON(p.Summary, sum); err != nil {
		return p, err
	}
	if err := writeJSON(p.Params, md); err != nil {
		return p, err
	}
	return p, nil
}

func matrixCSV(r score.Report) func(*csv.Writer) {
	return func(w *csv.Writer) {
		w.Write(append([]string{"steer_persona_id"}, r.PersonaIDs...))
		for i, id := range r.PersonaIDs {
			row := []string{id}
			for _, a := range r.Accuracy[i] {
				row = append(row, formatFloat(a))
			}
			w.Write(row)
		}
	}
}

func resultsCSV(r score.Report) func(*csv.Writer) {
	return func(w *csv.Writer) {
		w.Write([]string{"persona_id", "sensibility", "specificity"})
		for _, rec := range r.Records {
			w.Write([]string{rec.PersonaID, formatFloat(rec.Sensibility), formatFloat(rec.Specificity)})
		}
	}
}

func writeFile(path string, fill func(*csv.Writer)) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	fill(w)
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadParams loads the metadata written by Write.
func ReadParams(path string) (store.Metadata, error) {
	var md store.Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return md, fmt.Errorf("read params: %w", err)
	}
	if err := json.Unmarshal(data, &md); err != nil {
		return md, fmt.Errorf("parse params: %w", err)
	}
	return md, nil
}

// #endregion write

// #region summary
// Summary renders the report for a terminal. It always states coverage and
// names every excluded persona.
func Summary(experiment string, r score.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "experiment:        %s\n", experiment)
	fmt.Fprintf(&b, "steerability:      %.4f (%d of %d personas scored)\n", r.Steerability, r.Scored, len(r.PersonaIDs))
	fmt.Fprintf(&b, "mean specificity:  %.4f\n", r.MeanSpecificity)
	fmt.Fprintf(&b, "coverage:          %.1f%% (%d/%d cells done)\n", 100*r.Coverage, r.Done, r.Total)

	if len(r.Excluded) == 0 {
		b.WriteString("excluded personas: none\n")
	} else {
		b.WriteString("excluded personas:\n")
		for _, x := range r.Excluded {
			fmt.Fprintf(&b, "  %s: %s\n", x.PersonaID, x.Reason)
		}
	}

	if len(r.FailedCells) > 0 {
		fmt.Fprintf(&b, "failed cells (%d):\n", len(r.FailedCells))
		for _, c := range r.FailedCells {
			fmt.Fprintf(&b, "  (%s,%s) after %d attempts: %s\n", c.SteerPersonaID, c.TestPersonaID, c.Attempts, c.Error)
		}
	}
	return b.String()
}

// #endregion summary

// #region helpers
func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// #endregion helpers
