package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// JobHandler defines the interface for executing a specific job type.
// Domain packages implement this interface for their job types, which keeps
// the queue infrastructure decoupled from wiki logic.
//
// Handlers decode their own payload from job.Params and return the result
// payload the engine persists on completion. The queue never inspects either
// payload.
type JobHandler interface {
	// Execute runs the job and returns the result payload or an error.
	//
	// Context cancellation: handlers MUST check ctx.Done() periodically and
	// exit cleanly when cancelled. A cancelled execution is released back to
	// pending without a retry charge.
	Execute(ctx context.Context, job *Job) (json.RawMessage, error)

	// Name returns the job type this handler serves (e.g. "render-page",
	// "batch-commit"). Used for registration and routing.
	Name() string
}

// HandlerFunc adapts a plain function to the JobHandler interface.
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, job *Job) (json.RawMessage, error)
}

func (h HandlerFunc) Execute(ctx context.Context, job *Job) (json.RawMessage, error) {
	return h.Fn(ctx, job)
}

func (h HandlerFunc) Name() string { return h.Type }

// HandlerRegistry manages job handlers by type name.
// Thread-safe for concurrent handler registration and lookup.
type HandlerRegistry struct {
	handlers map[string]JobHandler
	mu       sync.RWMutex
}

// NewHandlerRegistry creates an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]JobHandler),
	}
}

// Register adds a handler using its name.
// Panics if a handler is already registered with that name.
func (r *HandlerRegistry) Register(handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := handler.Name()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", name))
	}
	r.handlers[name] = handler
}

// Get retrieves the handler for a job type.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(jobType string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Has checks if a handler is registered for a job type.
func (r *HandlerRegistry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[jobType]
	return exists
}

// Names returns all registered job types.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}
