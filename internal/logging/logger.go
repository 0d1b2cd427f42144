package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/plastic-labs/steerability-eval/internal/matrix"
)

// #region options
// Options configures the run logger.
type Options struct {
	Level   string // debug | info | warn | error
	Verbose bool   // console encoding + debug level
	File    string // optional JSON log file, in addition to stderr
}
// #endregion options

// #region new
// New builds the run logger. Production JSON by default, development console
// output when verbose. The returned level can be changed at runtime.
func New(opts Options) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(levelOrDefault(opts.Level))); err != nil {
		return nil, level, fmt.Errorf("log level %q: %w", opts.Level, err)
	}

	cfg := zap.NewProductionConfig()
	if opts.Verbose {
		cfg = zap.NewDevelopmentConfig()
		level.SetLevel(zapcore.DebugLevel)
	}
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, level, fmt.Errorf("log dir: %w", err)
		}
		cfg.OutputPaths = append(cfg.OutputPaths, opts.File)
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, level, fmt.Errorf("build logger: %w", err)
	}
	return logger, level, nil
}

func levelOrDefault(l string) string {
	if l == "" {
		return "info"
	}
	return l
}
// #endregion new

// #region fields
// Cell returns the standard fields identifying a matrix cell.
func Cell(k matrix.Key) zap.Field {
	return zap.Dict("cell",
		zap.String("steer_persona", k.Steer),
		zap.String("test_persona", k.Test),
	)
}

// Experiment returns the experiment name field.
func Experiment(name string) zap.Field {
	return zap.String("experiment", name)
}
// #endregion fields
