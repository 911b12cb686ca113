package registry

import (
	"context"
	"strings"

	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/workflow"
)

// ValidateGraph checks that every step of g resolves to a registered
// handler. Missing handlers make the graph invalid.
func (r *Registry) ValidateGraph(ctx context.Context, g *workflow.Graph) error {
	logger := ctxlog.FromContext(ctx)

	var missing []string
	for _, step := range g.Steps() {
		if _, ok := r.Lookup(step.WorkerType, step.Operation); !ok {
			key := Key{WorkerType: step.WorkerType, Operation: step.Operation}
			missing = append(missing, step.ID+" ("+key.String()+")")
		}
	}
	if len(missing) > 0 {
		logger.Debug("Graph references unregistered handlers.", "workflow", g.Name(), "steps", missing)
		return fault.New(fault.KindGraphInvalid, "workflow '%s': no handler registered for steps: %s", g.Name(), strings.Join(missing, ", "))
	}
	return nil
}
