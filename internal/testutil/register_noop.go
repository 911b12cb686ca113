package testutil

import (
	"context"

	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
)

// NoOpModule registers a "noop" operation for each of its worker types.
// Useful when a test only needs graphs to pass handler validation.
type NoOpModule struct {
	WorkerTypes []pool.WorkerType
}

// Register registers a handler that does nothing and returns nil.
func (m *NoOpModule) Register(r *registry.Registry) {
	for _, t := range m.WorkerTypes {
		r.Register(t, "noop", func(context.Context, *pool.Worker, *registry.Request) (any, error) {
			return nil, nil
		})
	}
}
