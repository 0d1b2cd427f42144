// Package steerable defines the steer/predict capability evaluated by the
// orchestrator and the registry of concrete variants.
package steerable

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/plastic-labs/steerability-eval/internal/dataset"
	"github.com/plastic-labs/steerability-eval/internal/llm"
)

// #region interfaces
// System turns a persona's steer observations into a steered Instance.
// Observations are presented in the order given.
type System interface {
	Name() string
	Steer(ctx context.Context, persona dataset.Persona, observations []dataset.Observation) (Instance, error)
}

// Instance is a persona-specific configured system. Each Predict call is
// independent; implementations must be safe for concurrent Predict calls.
type Instance interface {
	// Predict reports whether the steered persona would agree with statement.
	Predict(ctx context.Context, statement string) (bool, error)
	// Close releases any external resource held by the instance.
	Close(ctx context.Context) error
}
// #endregion interfaces

// #region errors
// ProviderError is a failed steer or predict call.
type ProviderError struct {
	Op  string // "steer" | "predict"
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the Permanent marker.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
// #endregion errors

// #region registry
// Deps are the collaborators a variant may need.
type Deps struct {
	Logger *zap.Logger
	// Seed is the run's random_state.
	Seed int64
	// NewLLM builds language-model clients. Nil uses llm.New.
	NewLLM func(ctx context.Context, opts llm.Options) (llm.Client, error)
	// Memory overrides the memory-service connection. Nil dials the configured address.
	Memory MemoryBackend
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// Factory builds a System from variant-specific options.
type Factory func(ctx context.Context, opts map[string]any, deps Deps) (System, error)

// Registry maps steerable_system_type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Builtin returns a registry with every variant in this package.
func Builtin() *Registry {
	r := NewRegistry()
	r.MustRegister(FewShotName, NewFewShot)
	r.MustRegister(MemoryName, NewMemory)
	r.MustRegister(DummyName, NewDummy)
	return r
}

// Register adds a factory. Names are unique.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("steerable system %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// MustRegister is Register for registrations fixed at build time; a repeated
// name panics.
func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// New builds the named system.
func (r *Registry) New(ctx context.Context, name string, opts map[string]any, deps Deps) (System, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown steerable system %q (registered: %s)", name, strings.Join(r.Names(), ", "))
	}
	return f(ctx, opts, deps)
}

// Names lists registered variants in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
// #endregion registry
