package workflow

import (
	"github.com/vk/agentgrid/internal/fault"
)

// Validate checks that every dependency resolves to a step of the graph and
// that the dependencies form no cycle. It returns a fault.KindGraphInvalid
// error naming the offending step.
func (g *Graph) Validate() error {
	for _, s := range g.steps {
		if s.WorkerType == "" || s.Operation == "" {
			return fault.New(fault.KindGraphInvalid, "workflow '%s': step '%s' needs a worker type and an operation", g.name, s.ID)
		}
		if s.MaxRetries < 0 {
			return fault.New(fault.KindGraphInvalid, "workflow '%s': step '%s' has a negative retry budget", g.name, s.ID)
		}
		for _, dep := range s.DependsOn {
			if _, ok := g.index[dep]; !ok {
				return fault.New(fault.KindGraphInvalid, "workflow '%s': step '%s' depends on unknown step '%s'", g.name, s.ID, dep)
			}
		}
	}
	return g.detectCycles()
}

// detectCycles checks for circular dependencies in the graph using DFS.
func (g *Graph) detectCycles() error {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(id string) error
	visit = func(id string) error {
		visiting[id] = true
		for _, dep := range g.steps[g.index[id]].DependsOn {
			if visiting[dep] {
				return fault.New(fault.KindGraphInvalid, "workflow '%s': cycle detected involving '%s'", g.name, dep)
			}
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		delete(visiting, id)
		visited[id] = true
		return nil
	}

	for _, s := range g.steps {
		if !visited[s.ID] {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// Order returns the step ids in a dependency-respecting order, ties broken
// by declaration order. The graph must be valid.
func (g *Graph) Order() []string {
	done := make(map[string]bool, len(g.steps))
	out := make([]string, 0, len(g.steps))
	for len(out) < len(g.steps) {
		progressed := false
		for _, s := range g.steps {
			if done[s.ID] {
				continue
			}
			ready := true
			for _, dep := range s.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[s.ID] = true
				out = append(out, s.ID)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return out
}
