package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"taskrelay/internal/backoff"
	"taskrelay/internal/domain"
)

// Handler executes one invocation's payload and returns an optional output
// document. Handlers must be idempotent: delivery is at-least-once.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Definition binds a task name to its handler and execution policy.
type Definition struct {
	Name        string
	Handler     Handler
	Queue       string
	MaxAttempts int
	Backoff     backoff.Schedule
	Timeout     time.Duration
}

// Registry maps task names to definitions. It is built once at startup and
// passed by reference into the worker pool, scheduler, and broker; there is
// no ambient global lookup and no mutation after the processes start.
type Registry struct {
	defs map[string]Definition
}

func New() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a task definition, filling policy defaults. Registering the
// same name twice fails with domain.ErrDuplicateTask.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("task name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("task %q: handler is required", def.Name)
	}
	if _, ok := r.defs[def.Name]; ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateTask, def.Name)
	}
	if def.Queue == "" {
		def.Queue = "default"
	}
	if def.MaxAttempts == 0 {
		def.MaxAttempts = 3
	}
	if def.Backoff == nil {
		def.Backoff = backoff.Default()
	}
	if def.Timeout == 0 {
		def.Timeout = 30 * time.Second
	}
	r.defs[def.Name] = def
	return nil
}

// MustRegister panics on registration failure. Startup-time only.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Resolve returns the definition for name, or domain.ErrUnknownTask.
func (r *Registry) Resolve(name string) (Definition, error) {
	def, ok := r.defs[name]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", domain.ErrUnknownTask, name)
	}
	return def, nil
}

// Names returns all registered task names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}
