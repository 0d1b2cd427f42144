// Package config holds the run configuration for a steerability experiment.
//
// Values are layered: Default(), then a YAML file, then CLI overrides applied
// by the caller. Validate must pass before any task is scheduled.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// #region config-types

// Config is the full run configuration.
type Config struct {
	// ExperimentName identifies the Result Store namespace. Empty means a timestamp.
	ExperimentName string `json:"experiment_name" yaml:"experiment_name" validate:"omitempty,max=200,excludesall=/\\"`
	Resume         bool   `json:"resume" yaml:"resume"`
	RunAsync       bool   `json:"run_async" yaml:"run_async"`

	MaxConcurrentTests         int `json:"max_concurrent_tests" yaml:"max_concurrent_tests" validate:"gte=1"`
	MaxConcurrentSteeringTasks int `json:"max_concurrent_steering_tasks" yaml:"max_concurrent_steering_tasks" validate:"gte=1"`

	PersonasPath     string `json:"personas_path" yaml:"personas_path" validate:"required"`
	ObservationsPath string `json:"observations_path" yaml:"observations_path" validate:"required"`
	MaxPersonas      int    `json:"max_personas" yaml:"max_personas" validate:"gte=0"`
	RandomState      int64  `json:"random_state" yaml:"random_state"`

	NSteerObservationsPerPersona int `json:"n_steer_observations_per_persona" yaml:"n_steer_observations_per_persona" validate:"gte=2,even"`
	MaxObservations              int `json:"max_observations" yaml:"max_observations" validate:"gte=0"`

	SteerableSystemType   string         `json:"steerable_system_type" yaml:"steerable_system_type" validate:"required"`
	SteerableSystemConfig map[string]any `json:"steerable_system_config" yaml:"steerable_system_config"`

	OutputBaseDir string  `json:"output_base_dir" yaml:"output_base_dir" validate:"required"`
	StoreBackend  string  `json:"store_backend" yaml:"store_backend" validate:"oneof=sqlite badger"`
	MinCoverage   float64 `json:"min_coverage" yaml:"min_coverage" validate:"gte=0,lte=1"`

	Retry RetryConfig `json:"retry" yaml:"retry"`

	LogLevel    string `json:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	Verbose     bool   `json:"verbose" yaml:"verbose"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// RetryConfig bounds provider-call retries.
type RetryConfig struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts" validate:"gte=1,lte=20"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
	Multiplier     float64       `json:"multiplier" yaml:"multiplier" validate:"gte=1"`
	CallTimeout    time.Duration `json:"call_timeout" yaml:"call_timeout" validate:"gt=0"`
}

// #endregion config-types

// #region defaults

// Default returns the configuration used when a field is not set.
func Default() Config {
	return Config{
		RunAsync:                     true,
		MaxConcurrentTests:           8,
		MaxConcurrentSteeringTasks:   4,
		RandomState:                  42,
		NSteerObservationsPerPersona: 4,
		MaxObservations:              100,
		OutputBaseDir:                "output/experiments",
		StoreBackend:                 "sqlite",
		MinCoverage:                  0.95,
		Retry: RetryConfig{
			MaxAttempts:    4,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2,
			CallTimeout:    60 * time.Second,
		},
		LogLevel: "info",
	}
}

// #endregion defaults

// #region load

// Load reads a YAML file over Default(). The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, &ConfigError{Field: "config", Reason: fmt.Sprintf("read %s: %v", path, err)}
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, &ConfigError{Field: "config", Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	return cfg, nil
}

// DecodeOptions re-encodes a variant-specific option map into a typed struct.
func DecodeOptions(opts map[string]any, out any) error {
	if len(opts) == 0 {
		return nil
	}
	data, err := yaml.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode options: %w", err)
	}
	return nil
}

// #endregion load

// #region concurrency

// SteerPoolSize is the effective steer pool size; synchronous runs use 1.
func (c Config) SteerPoolSize() int {
	if !c.RunAsync {
		return 1
	}
	return c.MaxConcurrentSteeringTasks
}

// TestPoolSize is the effective test pool size; synchronous runs use 1.
func (c Config) TestPoolSize() int {
	if !c.RunAsync {
		return 1
	}
	return c.MaxConcurrentTests
}

// #endregion concurrency

// #region validate

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("even", func(fl validator.FieldLevel) bool {
		return fl.Field().Int()%2 == 0
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field and returns the first failure as a *ConfigError.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ConfigError{
			Field:  strings.TrimPrefix(fe.Namespace(), "Config."),
			Reason: describe(fe),
			Err:    err,
		}
	}
	return &ConfigError{Field: "config", Reason: err.Error(), Err: err}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "even":
		return fmt.Sprintf("must be even, got %v", fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gte", "lte", "gt":
		return fmt.Sprintf("must be %s %s, got %v", fe.Tag(), fe.Param(), fe.Value())
	}
	return fmt.Sprintf("failed %q validation (value %v)", fe.Tag(), fe.Value())
}

// #endregion validate

// #region errors

// ConfigError is an invalid or missing option. Fatal: the run aborts before scheduling.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// #endregion errors
