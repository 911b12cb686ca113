package scheduler

import (
	"maps"
	"time"

	"github.com/vk/agentgrid/internal/fault"
)

// StepStatus is the lifecycle state of one step within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepRetrying  StepStatus = "retrying"
)

// Terminal reports whether the step will not run again.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// RunStatus is the state of a whole run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// StepRecord is the per-step state of a run.
type StepRecord struct {
	StepID    string     `json:"step_id"`
	Status    StepStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	Round     int        `json:"round,omitempty"`
	WorkerID  string     `json:"worker_id,omitempty"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
	ErrorKind fault.Kind `json:"error_kind,omitempty"`
	StartedAt time.Time  `json:"started_at,omitzero"`
	EndedAt   time.Time  `json:"ended_at,omitzero"`

	Err error `json:"-"`
}

func (r *StepRecord) fail(err error) {
	r.Status = StepFailed
	r.Err = err
	r.Error = err.Error()
	r.ErrorKind = fault.KindOf(err)
	r.EndedAt = time.Now()
}

// Result describes a run. While the run is in flight Status is
// RunRunning and the step records show live progress.
type Result struct {
	RunID     string                 `json:"run_id"`
	Workflow  string                 `json:"workflow"`
	Status    RunStatus              `json:"status"`
	Params    map[string]any         `json:"params,omitempty"`
	Steps     map[string]*StepRecord `json:"steps"`
	Outputs   map[string]any         `json:"outputs,omitempty"`
	Rounds    int                    `json:"rounds"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at,omitzero"`

	// FailedStep names the step whose failure failed the run. It is empty
	// when the run failed for a reason not tied to a single step.
	FailedStep string     `json:"failed_step,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorKind  fault.Kind `json:"error_kind,omitempty"`

	Err error `json:"-"`
}

// Succeeded reports whether the run completed.
func (r *Result) Succeeded() bool {
	return r.Status == RunCompleted
}

// Step returns the record for id, or nil.
func (r *Result) Step(id string) *StepRecord {
	return r.Steps[id]
}

func (r *Result) clone() *Result {
	c := *r
	c.Params = maps.Clone(r.Params)
	c.Outputs = maps.Clone(r.Outputs)
	c.Steps = make(map[string]*StepRecord, len(r.Steps))
	for id, rec := range r.Steps {
		cp := *rec
		c.Steps[id] = &cp
	}
	return &c
}
