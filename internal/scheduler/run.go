package scheduler

import (
	"maps"
	"sync"
	"time"

	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/workflow"
)

// run is the mutable state of one in-flight execution. Steps of the same
// round update their records concurrently, so every access goes through mu.
type run struct {
	id     string
	graph  *workflow.Graph
	params map[string]any

	mu      sync.Mutex
	records map[string]*StepRecord
	rounds  int
	started time.Time
}

func newRun(id string, g *workflow.Graph, params map[string]any) *run {
	r := &run{
		id:      id,
		graph:   g,
		params:  maps.Clone(params),
		records: make(map[string]*StepRecord, g.Len()),
		started: time.Now(),
	}
	for _, s := range g.Steps() {
		r.records[s.ID] = &StepRecord{StepID: s.ID, Status: StepPending}
	}
	return r
}

// blockDependents fails every non-terminal step that has a failed
// dependency, repeating until the failure has reached the whole
// downstream closure. It returns the ids it blocked.
func (r *run) blockDependents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var blocked []string
	for changed := true; changed; {
		changed = false
		for _, s := range r.graph.Steps() {
			rec := r.records[s.ID]
			if rec.Status.Terminal() {
				continue
			}
			for _, dep := range s.DependsOn {
				if r.records[dep].Status != StepFailed {
					continue
				}
				rec.fail(fault.New(fault.KindBlockedByDependency, "dependency '%s' failed", dep).ForStep(s.ID))
				blocked = append(blocked, s.ID)
				changed = true
				break
			}
		}
	}
	return blocked
}

// ready returns the steps eligible for the next round, in declaration
// order, and whether any step is still unfinished.
func (r *run) ready() ([]workflow.Step, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		out     []workflow.Step
		pending bool
	)
	for _, s := range r.graph.Steps() {
		rec := r.records[s.ID]
		if rec.Status.Terminal() {
			continue
		}
		pending = true
		if rec.Status != StepPending && rec.Status != StepRetrying {
			continue
		}
		if r.depsSucceededLocked(s) {
			out = append(out, s)
		}
	}
	return out, pending
}

func (r *run) depsSucceededLocked(s workflow.Step) bool {
	for _, dep := range s.DependsOn {
		if r.records[dep].Status != StepSucceeded {
			return false
		}
	}
	return true
}

func (r *run) nextRound() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds++
	return r.rounds
}

// begin marks the step running and returns its attempt number.
func (r *run) begin(id string, round int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[id]
	rec.Status = StepRunning
	rec.Attempts++
	rec.Round = round
	rec.StartedAt = time.Now()
	rec.EndedAt = time.Time{}
	return rec.Attempts
}

// finish records the outcome of an attempt and returns the resulting step
// status.
func (r *run) finish(s workflow.Step, workerID string, out any, err error) StepStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.records[s.ID]
	rec.WorkerID = workerID
	switch {
	case err == nil:
		rec.Status = StepSucceeded
		rec.Output = out
		rec.Err, rec.Error, rec.ErrorKind = nil, "", ""
		rec.EndedAt = time.Now()
	case rec.Attempts <= s.MaxRetries && fault.Retryable(err):
		rec.Status = StepRetrying
		rec.Err, rec.Error, rec.ErrorKind = err, err.Error(), fault.KindOf(err)
	default:
		rec.fail(err)
	}
	return rec.Status
}

// abort fails every unfinished step with err.
func (r *run) abort(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.graph.Steps() {
		if rec := r.records[s.ID]; !rec.Status.Terminal() {
			rec.fail(err)
		}
	}
}

// upstream collects the outputs of s's dependencies.
func (r *run) upstream(s workflow.Step) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]any, len(s.DependsOn))
	for _, dep := range s.DependsOn {
		out[dep] = r.records[dep].Output
	}
	return out
}

// paramsFor merges run-level parameters over the step's own; the run wins.
func (r *run) paramsFor(s workflow.Step) map[string]any {
	merged := make(map[string]any, len(s.Params)+len(r.params))
	maps.Copy(merged, s.Params)
	maps.Copy(merged, r.params)
	return merged
}

// snapshot returns a detached copy of the run as a Result. cause, when
// non-nil, is the run-level failure reason for runs that did not fail
// through a single step.
func (r *run) snapshot(status RunStatus, cause error) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := &Result{
		RunID:     r.id,
		Workflow:  r.graph.Name(),
		Status:    status,
		Params:    maps.Clone(r.params),
		Steps:     make(map[string]*StepRecord, len(r.records)),
		Rounds:    r.rounds,
		StartedAt: r.started,
	}
	for id, rec := range r.records {
		cp := *rec
		res.Steps[id] = &cp
	}
	if status == RunRunning {
		return res
	}

	res.EndedAt = time.Now()
	res.Outputs = make(map[string]any)
	for _, s := range r.graph.Steps() {
		rec := r.records[s.ID]
		if rec.Status == StepSucceeded {
			res.Outputs[s.ID] = rec.Output
			continue
		}
		if res.Err == nil && rec.Status == StepFailed && fault.KindOf(rec.Err) != fault.KindBlockedByDependency {
			res.FailedStep = s.ID
			res.Err = rec.Err
		}
	}
	if cause != nil {
		res.FailedStep = ""
		res.Err = cause
	}
	if res.Err != nil {
		res.Status = RunFailed
		res.Error = res.Err.Error()
		res.ErrorKind = fault.KindOf(res.Err)
	}
	return res
}
