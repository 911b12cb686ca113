package config

import (
	"context"
	"time"
)

// Loader is the interface for a format-specific configuration loader.
type Loader interface {
	// Load reads every workflow definition found under the given paths.
	Load(ctx context.Context, paths ...string) (*Model, error)
}

// Model is the unified, format-agnostic representation of the workflow
// catalog.
type Model struct {
	Workflows map[string]*Workflow
}

// NewModel returns an empty model.
func NewModel() *Model {
	return &Model{Workflows: make(map[string]*Workflow)}
}

// Workflow is the format-agnostic representation of a `workflow` block.
type Workflow struct {
	Name        string
	Description string
	Steps       []*Step
	// Source is the file the workflow was declared in.
	Source string
}

// Step is the format-agnostic representation of a `step` block.
type Step struct {
	ID         string
	WorkerType string
	Operation  string
	DependsOn  []string
	// Timeout is zero when the file leaves it unset.
	Timeout time.Duration
	// MaxRetries is nil when the file leaves it unset.
	MaxRetries *int
	Parameters map[string]any
}
