package hcl

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes the top-level blocks of a catalog file.
type fileRoot struct {
	Workflows []*workflowBlock `hcl:"workflow,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type workflowBlock struct {
	Name        string       `hcl:"name,label"`
	Description string       `hcl:"description,optional"`
	Steps       []*stepBlock `hcl:"step,block"`
}

type stepBlock struct {
	ID         string         `hcl:"id,label"`
	WorkerType string         `hcl:"worker_type"`
	Operation  string         `hcl:"operation"`
	DependsOn  []string       `hcl:"depends_on,optional"`
	Timeout    string         `hcl:"timeout,optional"`
	MaxRetries *int           `hcl:"max_retries,optional"`
	Parameters hcl.Expression `hcl:"parameters,optional"`
}
