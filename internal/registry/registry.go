package registry

import (
	"sort"
	"sync"

	"github.com/vk/agentgrid/internal/pool"
)

// Module is the interface that all core modules must implement to be registered.
type Module interface {
	Register(r *Registry)
}

// Key identifies a handler.
type Key struct {
	WorkerType pool.WorkerType
	Operation  string
}

func (k Key) String() string {
	return string(k.WorkerType) + "/" + k.Operation
}

// Registry holds all the registered handlers and provisioners for a single
// application instance.
type Registry struct {
	mu           sync.RWMutex
	handlers     map[Key]*RegisteredHandler
	provisioners map[pool.WorkerType]pool.Provisioner
}

// New creates and initializes a new Registry instance.
func New() *Registry {
	return &Registry{
		handlers:     make(map[Key]*RegisteredHandler),
		provisioners: make(map[pool.WorkerType]pool.Provisioner),
	}
}

// Keys returns every registered handler key in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// WorkerTypes returns every worker type that has a provisioner or a handler.
func (r *Registry) WorkerTypes() []pool.WorkerType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[pool.WorkerType]struct{})
	for t := range r.provisioners {
		seen[t] = struct{}{}
	}
	for k := range r.handlers {
		seen[k.WorkerType] = struct{}{}
	}
	out := make([]pool.WorkerType, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
