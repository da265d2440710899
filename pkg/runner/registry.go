// Underlying runner capability and name-based resolution
// Runners are registered up front and looked up by the name in Options.Runner
package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownRunner is returned when no runner is registered under the requested name.
var ErrUnknownRunner = errors.New("unknown runner")

// Runner executes tasks and reports their outcomes as an event stream.
//
// A returned error means the invocation itself failed. Otherwise the stream delivers one
// event per observed outcome and then completes or fails. Runners that open task spans
// must parent them to Task.Context and set Task.Span and Task.EndTime before publishing
// the task's event.
type Runner interface {
	Run(ctx context.Context, tasks []*Task, opts map[string]any, rc RunContext) (*Stream, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, tasks []*Task, opts map[string]any, rc RunContext) (*Stream, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, tasks []*Task, opts map[string]any, rc RunContext) (*Stream, error) {
	return f(ctx, tasks, opts, rc)
}

// Resolver locates a runner by name.
type Resolver interface {
	Resolve(name string) (Runner, error)
}

// Registry is a concurrency-safe Resolver backed by a name → runner map.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register adds r under name. Names must be unique and non-empty.
func (reg *Registry) Register(name string, r Runner) error {
	if name == "" {
		return fmt.Errorf("runner name must not be empty")
	}
	if r == nil {
		return fmt.Errorf("runner %q is nil", name)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.runners[name]; ok {
		return fmt.Errorf("runner %q already registered", name)
	}
	reg.runners[name] = r
	return nil
}

// MustRegister is like Register but panics on error.
func (reg *Registry) MustRegister(name string, r Runner) {
	if err := reg.Register(name, r); err != nil {
		panic(err)
	}
}

// Resolve returns the runner registered under name.
func (reg *Registry) Resolve(name string) (Runner, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.runners[name]
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %v)", ErrUnknownRunner, name, reg.namesLocked())
	}
	return r, nil
}

// Names returns the registered runner names in sorted order.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.namesLocked()
}

func (reg *Registry) namesLocked() []string {
	names := make([]string, 0, len(reg.runners))
	for name := range reg.runners {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
