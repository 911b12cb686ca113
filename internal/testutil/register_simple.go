package testutil

import (
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
)

// SimpleModule registers a single handler, and optionally a provisioner,
// for one worker type.
type SimpleModule struct {
	WorkerType  pool.WorkerType
	Operation   string
	Handler     registry.Handler
	Provisioner pool.Provisioner
}

// Register implements the registry.Module interface.
func (m *SimpleModule) Register(r *registry.Registry) {
	if m.Operation != "" && m.Handler != nil {
		r.Register(m.WorkerType, m.Operation, m.Handler)
	}
	if m.Provisioner != nil {
		r.RegisterProvisioner(m.WorkerType, m.Provisioner)
	}
}
