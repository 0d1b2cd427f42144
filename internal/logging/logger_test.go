package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/plastic-labs/steerability-eval/internal/matrix"
)

// #region new-tests
func TestNew_DefaultLevel(t *testing.T) {
	logger, level, err := New(Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Sync()

	if level.Level() != zapcore.InfoLevel {
		t.Errorf("expected info level, got %s", level.Level())
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug should be disabled at info level")
	}
}

func TestNew_VerboseIsDebug(t *testing.T) {
	logger, level, err := New(Options{Level: "warn", Verbose: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer logger.Sync()

	if level.Level() != zapcore.DebugLevel {
		t.Errorf("verbose should force debug, got %s", level.Level())
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, _, err := New(Options{Level: "chatty"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	logger, _, err := New(Options{Level: "info", File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("cell failed", Experiment("exp-1"), Cell(matrix.Key{Steer: "a", Test: "b"}), zap.Int("attempt", 3))
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(data))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, line)
	}
	if entry["experiment"] != "exp-1" {
		t.Errorf("missing experiment field: %v", entry)
	}
	cell, ok := entry["cell"].(map[string]any)
	if !ok || cell["steer_persona"] != "a" || cell["test_persona"] != "b" {
		t.Errorf("missing cell fields: %v", entry)
	}
}
// #endregion new-tests

// #region level-tests
func TestAtomicLevelChange(t *testing.T) {
	logger, level, err := New(Options{Level: "error"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be disabled at error level")
	}
	level.SetLevel(zapcore.InfoLevel)
	if !logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("info should be enabled after level change")
	}
}
// #endregion level-tests
