package workflow

import (
	"maps"
	"slices"
	"time"

	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/pool"
)

// Step is one node of a Graph.
type Step struct {
	ID         string
	WorkerType pool.WorkerType
	Operation  string
	Params     map[string]any
	DependsOn  []string
	// Timeout bounds each attempt. Zero means the scheduler default.
	Timeout time.Duration
	// MaxRetries is how many times a failed attempt is retried; the step
	// runs at most MaxRetries+1 times.
	MaxRetries int
}

func (s Step) clone() Step {
	s.Params = maps.Clone(s.Params)
	s.DependsOn = slices.Clone(s.DependsOn)
	return s
}

// Graph is an ordered, immutable collection of steps plus a name.
type Graph struct {
	name        string
	description string
	steps       []Step
	index       map[string]int
}

// New builds a graph. Step ids must be non-empty and unique; dependency
// and cycle checks are left to Validate.
func New(name string, steps ...Step) (*Graph, error) {
	g := &Graph{
		name:  name,
		steps: make([]Step, 0, len(steps)),
		index: make(map[string]int, len(steps)),
	}
	for _, s := range steps {
		if s.ID == "" {
			return nil, fault.New(fault.KindGraphInvalid, "workflow '%s': step with empty id", name)
		}
		if _, dup := g.index[s.ID]; dup {
			return nil, fault.New(fault.KindGraphInvalid, "workflow '%s': duplicate step id '%s'", name, s.ID)
		}
		g.index[s.ID] = len(g.steps)
		g.steps = append(g.steps, s.clone())
	}
	return g, nil
}

// MustNew is New for statically known graphs; it panics on error.
func MustNew(name string, steps ...Step) *Graph {
	g, err := New(name, steps...)
	if err != nil {
		panic(err)
	}
	return g
}

// WithDescription returns a copy of g carrying a description.
func (g *Graph) WithDescription(desc string) *Graph {
	c := *g
	c.description = desc
	return &c
}

// Name returns the workflow name.
func (g *Graph) Name() string {
	return g.name
}

// Description returns the optional human-readable description.
func (g *Graph) Description() string {
	return g.description
}

// Len returns the number of steps.
func (g *Graph) Len() int {
	return len(g.steps)
}

// Steps returns copies of the steps in declaration order.
func (g *Graph) Steps() []Step {
	out := make([]Step, len(g.steps))
	for i, s := range g.steps {
		out[i] = s.clone()
	}
	return out
}

// Step returns a copy of the step with the given id.
func (g *Graph) Step(id string) (Step, bool) {
	i, ok := g.index[id]
	if !ok {
		return Step{}, false
	}
	return g.steps[i].clone(), true
}

// Dependents returns the ids of the steps that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for _, s := range g.steps {
		if slices.Contains(s.DependsOn, id) {
			out = append(out, s.ID)
		}
	}
	return out
}
