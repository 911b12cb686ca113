package workflow

import (
	"fmt"
	"sort"
	"time"

	"github.com/vk/agentgrid/internal/config"
	"github.com/vk/agentgrid/internal/pool"
)

// Defaults fill in step settings a definition leaves out.
type Defaults struct {
	Timeout    time.Duration
	MaxRetries int
}

// Catalog is a read-only set of named workflow graphs.
type Catalog struct {
	graphs map[string]*Graph
}

// NewCatalog indexes graphs by name. Duplicate names are rejected.
func NewCatalog(graphs ...*Graph) (*Catalog, error) {
	c := &Catalog{graphs: make(map[string]*Graph, len(graphs))}
	for _, g := range graphs {
		if _, dup := c.graphs[g.Name()]; dup {
			return nil, fmt.Errorf("duplicate workflow '%s'", g.Name())
		}
		c.graphs[g.Name()] = g
	}
	return c, nil
}

// FromModel builds and validates a graph for every workflow in the model.
func FromModel(m *config.Model, d Defaults) (*Catalog, error) {
	graphs := make([]*Graph, 0, len(m.Workflows))
	for _, name := range sortedNames(m.Workflows) {
		wf := m.Workflows[name]
		steps := make([]Step, 0, len(wf.Steps))
		for _, s := range wf.Steps {
			step := Step{
				ID:         s.ID,
				WorkerType: pool.WorkerType(s.WorkerType),
				Operation:  s.Operation,
				Params:     s.Parameters,
				DependsOn:  s.DependsOn,
				Timeout:    s.Timeout,
				MaxRetries: d.MaxRetries,
			}
			if step.Timeout <= 0 {
				step.Timeout = d.Timeout
			}
			if s.MaxRetries != nil {
				step.MaxRetries = *s.MaxRetries
			}
			steps = append(steps, step)
		}

		g, err := New(wf.Name, steps...)
		if err != nil {
			return nil, fmt.Errorf("workflow '%s' in %s: %w", wf.Name, wf.Source, err)
		}
		if err := g.Validate(); err != nil {
			return nil, fmt.Errorf("workflow '%s' in %s: %w", wf.Name, wf.Source, err)
		}
		graphs = append(graphs, g.WithDescription(wf.Description))
	}
	return NewCatalog(graphs...)
}

// Get returns the graph with the given name.
func (c *Catalog) Get(name string) (*Graph, bool) {
	g, ok := c.graphs[name]
	return g, ok
}

// Names returns the workflow names in sorted order.
func (c *Catalog) Names() []string {
	return sortedNames(c.graphs)
}

// Len returns the number of workflows.
func (c *Catalog) Len() int {
	return len(c.graphs)
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
