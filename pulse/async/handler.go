package async

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/pulse"
)

// Result is what a handler produced for a successful job
type Result struct {
	OutputRef string   // blob key of the durable output
	Progress  Progress // final totals
}

// JobHandler defines the interface for executing a specific job type.
// Domain packages implement this interface to handle their job types,
// allowing the async infrastructure to remain decoupled from domain logic.
//
// Handlers identify themselves by name (e.g., "sales.aggregate") and read
// their input from job.InputRef.
type JobHandler interface {
	// Execute runs the job to completion. Checkpoints go to sink, in order.
	// Returning an error fails the job; any partial output must already be
	// discarded by the handler.
	Execute(ctx context.Context, job *Job, sink pulse.CheckpointSink) (*Result, error)

	// Name returns the handler name used for registration and job routing
	Name() string
}

// HandlerRegistry manages job handlers by name.
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

	handlerName := handler.Name()
	if _, exists := r.handlers[handlerName]; exists {
		panic(fmt.Sprintf("handler already registered for name: %s", handlerName))
	}
	r.handlers[handlerName] = handler
}

// Get retrieves the handler for a handler name.
// Returns nil if no handler is registered.
func (r *HandlerRegistry) Get(handlerName string) JobHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[handlerName]
}

// Has checks if a handler is registered for a name.
func (r *HandlerRegistry) Has(handlerName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[handlerName]
	return exists
}

// Names returns all registered handler names, sorted.
func (r *HandlerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute dispatches job to its registered handler
func (r *HandlerRegistry) Execute(ctx context.Context, job *Job, sink pulse.CheckpointSink) (*Result, error) {
	if job.HandlerName == "" {
		return nil, errors.New("job missing handler_name")
	}

	handler := r.Get(job.HandlerName)
	if handler == nil {
		return nil, errors.Newf("no handler registered for handler name: %s", job.HandlerName)
	}
	return handler.Execute(ctx, job, sink)
}
