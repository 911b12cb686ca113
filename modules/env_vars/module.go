// Package env_vars registers the "env_vars" operation on the local worker
// type. It exposes selected process environment variables to a workflow.
package env_vars

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
)

// WorkerType is the in-process worker type the operation runs on.
const WorkerType pool.WorkerType = "local"

// Module implements the registry.Module interface for this package.
type Module struct {
	// Environ defaults to os.Environ.
	Environ func() []string
}

// OnRunEnvVars returns the variables named by the "names" list parameter
// and every variable starting with the "prefix" parameter. One of them is
// required so a step never copies the whole environment into run history.
func (m *Module) OnRunEnvVars(_ context.Context, _ *pool.Worker, req *registry.Request) (any, error) {
	prefix := req.String("prefix", "")
	names := map[string]bool{}
	if list, ok := req.Params["names"].([]any); ok {
		for _, n := range list {
			names[fmt.Sprint(n)] = true
		}
	}
	if prefix == "" && len(names) == 0 {
		return nil, fault.New(fault.KindGraphInvalid, "one of 'prefix' or 'names' is required")
	}

	environ := m.Environ
	if environ == nil {
		environ = os.Environ
	}
	envMap := make(map[string]any)
	for _, e := range environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		if names[k] || (prefix != "" && strings.HasPrefix(k, prefix)) {
			envMap[k] = v
		}
	}
	return map[string]any{"all": envMap}, nil
}

// Register registers the handler with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler(WorkerType, "env_vars", &registry.RegisteredHandler{
		Description: "Read selected environment variables.",
		Fn:          m.OnRunEnvVars,
	})
}
