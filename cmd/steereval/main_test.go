package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/plastic-labs/steerability-eval/internal/app"
	"github.com/plastic-labs/steerability-eval/internal/config"
)

func writeInputs(t *testing.T) (string, string, string) {
	t.Helper()
	dir := t.TempDir()
	var p, o strings.Builder
	p.WriteString("persona_id,framework,label\n")
	o.WriteString("persona_id,text,polarity\n")
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&p, "p%d,Zodiac,sign %d\n", i, i)
		for j := 0; j < 3; j++ {
			fmt.Fprintf(&o, "p%d,statement %d-%d,Y\np%d,counter %d-%d,N\n", i, i, j, i, i, j)
		}
	}
	pp := filepath.Join(dir, "personas.csv")
	op := filepath.Join(dir, "observations.csv")
	os.WriteFile(pp, []byte(p.String()), 0o644)
	os.WriteFile(op, []byte(o.String()), 0o644)
	return pp, op, filepath.Join(dir, "out")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		out  app.Outcome
		err  error
		want int
	}{
		{"ok", app.Outcome{}, nil, exitOK},
		{"below threshold", app.Outcome{BelowThreshold: true}, nil, exitBelowTarget},
		{"config error", app.Outcome{}, &config.ConfigError{Field: "resume"}, exitError},
		{"interrupted", app.Outcome{BelowThreshold: true}, fmt.Errorf("%w: 3 cells", app.ErrInterrupted), exitInterrupted},
		{"store failure", app.Outcome{}, errors.New("disk full"), exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.out, tt.err); got != tt.want {
				t.Errorf("exitCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRunAndScoreCommands(t *testing.T) {
	pp, op, out := writeInputs(t)
	common := []string{"--output", out, "--log-level", "error"}
	run := append([]string{"run", "--experiment", "cli", "--personas", pp, "--observations", op,
		"--system", "dummy", "--k", "2", "--sync"}, common...)

	if code := execute(context.Background(), run); code != exitOK {
		t.Fatalf("run exited %d", code)
	}
	if _, err := os.Stat(filepath.Join(out, "cli", "summary_cli.json")); err != nil {
		t.Fatalf("summary not written: %v", err)
	}
	if code := execute(context.Background(), run); code != exitError {
		t.Fatalf("rerun without --resume exited %d, want %d", code, exitError)
	}
	if code := execute(context.Background(), append(run, "--resume")); code != exitOK {
		t.Fatalf("resume exited %d", code)
	}
	if code := execute(context.Background(), append([]string{"score", "cli"}, common...)); code != exitOK {
		t.Fatalf("score exited %d", code)
	}
	if code := execute(context.Background(), append([]string{"score", "missing"}, common...)); code != exitError {
		t.Fatalf("score of unknown experiment exited %d", code)
	}

	var buf bytes.Buffer
	code := 0
	root := newRootCmd(&code)
	root.SetOut(&buf)
	root.SetArgs(append([]string{"inspect", "cli", "--json", "--status", "DONE", "--last", "4"}, common...))
	if err := root.Execute(); err != nil || code != exitOK {
		t.Fatalf("inspect: code=%d err=%v", code, err)
	}
	var dump struct {
		Metadata struct {
			PersonaIDs []string `json:"persona_ids"`
		} `json:"metadata"`
		Cells []struct {
			Status string `json:"status"`
		} `json:"cells"`
	}
	if err := json.Unmarshal(buf.Bytes(), &dump); err != nil {
		t.Fatalf("inspect output is not JSON: %v\n%s", err, buf.String())
	}
	if len(dump.Metadata.PersonaIDs) != 3 || len(dump.Cells) != 4 || dump.Cells[0].Status != "DONE" {
		t.Errorf("unexpected inspect output: %+v", dump)
	}
}

func TestConfigFileWithFlagOverrides(t *testing.T) {
	pp, op, out := writeInputs(t)
	cfgPath := filepath.Join(t.TempDir(), "run.yaml")
	yaml := fmt.Sprintf(`experiment_name: from-file
personas_path: %s
observations_path: %s
output_base_dir: %s
steerable_system_type: dummy
n_steer_observations_per_persona: 2
random_state: 11
steerable_system_config:
  agree_probability: 0.9
`, pp, op, out)
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	root := newRootCmd(new(int))
	root.SetArgs([]string{"run", "--config", cfgPath, "--seed", "5", "--sync", "--model", "m1"})
	var got config.Config
	runCmd, _, err := root.Find([]string{"run"})
	if err != nil {
		t.Fatal(err)
	}
	runCmd.RunE = func(cmd *cobra.Command, _ []string) error {
		got, err = loadConfig(cmd)
		return err
	}
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got.ExperimentName != "from-file" || got.RandomState != 5 || got.RunAsync {
		t.Errorf("flags should override the file: %+v", got)
	}
	if got.SteerableSystemConfig["agree_probability"] != 0.9 || got.SteerableSystemConfig["model"] != "m1" {
		t.Errorf("system options not merged: %v", got.SteerableSystemConfig)
	}
	if got.MaxConcurrentTests != config.Default().MaxConcurrentTests {
		t.Errorf("unset values should keep defaults, got %d", got.MaxConcurrentTests)
	}
}
