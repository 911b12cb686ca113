// Package print registers a handler that logs its parameters and echoes
// them back as its output. It runs on the in-process "local" worker type.
package print

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
)

// WorkerType is the in-process worker type print runs on.
const WorkerType pool.WorkerType = "local"

// Module implements the registry.Module interface for this package.
type Module struct {
	// Out receives the printed lines. Defaults to os.Stdout.
	Out io.Writer
}

// Print writes every parameter, sorted by key, and returns them together
// with the outputs of the step's dependencies.
func (m *Module) Print(ctx context.Context, _ *pool.Worker, req *registry.Request) (any, error) {
	ctxlog.FromContext(ctx).Info("Printing input", "step", req.StepID, "params", len(req.Params))

	out := m.Out
	if out == nil {
		out = os.Stdout
	}
	if len(req.Params) == 0 {
		fmt.Fprintln(out, "      (null)")
	}

	// Sort keys for consistent output
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(out, "      %s = %v\n", k, req.Params[k])
	}

	return map[string]any{
		"printed":  keys,
		"upstream": req.Upstream,
	}, nil
}

// Register registers the handler with the registry.
func (m *Module) Register(r *registry.Registry) {
	r.RegisterHandler(WorkerType, "print", &registry.RegisteredHandler{
		Description: "Print the step parameters.",
		Fn:          m.Print,
	})
}
