package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vk/agentgrid/internal/pool"
)

// Request is what a handler receives for one attempt.
type Request struct {
	RunID     string
	Workflow  string
	StepID    string
	Operation string
	Attempt   int
	// Params are the step parameters merged with the run-level parameters.
	Params map[string]any
	// Upstream holds the outputs of the step's dependencies, keyed by step id.
	Upstream map[string]any
}

// Handler performs one operation on a leased worker. The returned value
// must be JSON-serializable.
type Handler func(ctx context.Context, w *pool.Worker, req *Request) (any, error)

// RegisteredHandler holds a handler and what it is for.
type RegisteredHandler struct {
	Description string
	Fn          Handler
}

// RegisterHandler registers fn for the given worker type and operation.
func (r *Registry) RegisterHandler(workerType pool.WorkerType, operation string, handler *RegisteredHandler) {
	if handler == nil || handler.Fn == nil {
		panic(fmt.Sprintf("handler for '%s/%s' has no function", workerType, operation))
	}
	key := Key{WorkerType: workerType, Operation: operation}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("handler for '%s' already registered", key))
	}
	slog.Debug("Registering step handler.", "key", key.String())
	r.handlers[key] = handler
}

// Register is shorthand for RegisterHandler without a description.
func (r *Registry) Register(workerType pool.WorkerType, operation string, fn Handler) {
	r.RegisterHandler(workerType, operation, &RegisteredHandler{Fn: fn})
}

// Lookup returns the handler for the given worker type and operation.
func (r *Registry) Lookup(workerType pool.WorkerType, operation string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[Key{WorkerType: workerType, Operation: operation}]
	if !ok {
		return nil, false
	}
	return h.Fn, true
}

// RegisterProvisioner registers the provisioner that manages workers of t.
func (r *Registry) RegisterProvisioner(t pool.WorkerType, p pool.Provisioner) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.provisioners[t]; exists {
		panic(fmt.Sprintf("provisioner for worker type '%s' already registered", t))
	}
	slog.Debug("Registering provisioner.", "worker_type", t)
	r.provisioners[t] = p
}

// Provisioner implements pool.ProvisionerSource.
func (r *Registry) Provisioner(t pool.WorkerType) (pool.Provisioner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.provisioners[t]
	return p, ok
}
