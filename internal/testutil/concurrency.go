package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
)

// Recorder is a handler for concurrency and retry tests. It records the
// execution window of every invocation per step id and can be told to fail
// a step a given number of times before it succeeds.
type Recorder struct {
	sleep time.Duration

	mu    sync.Mutex
	runs  map[string][]ExecutionRecord
	fails map[string]int
	hangs map[string]bool
}

// NewRecorder creates a recorder whose invocations take sleep.
func NewRecorder(sleep time.Duration) *Recorder {
	return &Recorder{
		sleep: sleep,
		runs:  make(map[string][]ExecutionRecord),
		fails: make(map[string]int),
		hangs: make(map[string]bool),
	}
}

// FailTimes makes the next n invocations of step fail. A negative n fails
// every invocation.
func (r *Recorder) FailTimes(step string, n int) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fails[step] = n
	return r
}

// Hang makes step block until its context ends.
func (r *Recorder) Hang(step string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hangs[step] = true
	return r
}

// Handle implements registry.Handler. It returns the step id and attempt.
func (r *Recorder) Handle(ctx context.Context, w *pool.Worker, req *registry.Request) (any, error) {
	rec := ExecutionRecord{Start: time.Now(), Attempt: req.Attempt}
	if w != nil {
		rec.WorkerID = w.ID
	}

	r.mu.Lock()
	hang := r.hangs[req.StepID]
	fail := r.fails[req.StepID] != 0
	if r.fails[req.StepID] > 0 {
		r.fails[req.StepID]--
	}
	r.mu.Unlock()

	var err error
	if hang {
		<-ctx.Done()
		err = ctx.Err()
	} else if r.sleep > 0 {
		time.Sleep(r.sleep)
	}
	if err == nil && fail {
		err = fmt.Errorf("step %s: injected failure on attempt %d", req.StepID, req.Attempt)
	}

	rec.End = time.Now()
	r.mu.Lock()
	r.runs[req.StepID] = append(r.runs[req.StepID], rec)
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return map[string]any{"step": req.StepID, "attempt": req.Attempt}, nil
}

// Runs returns the recorded invocations of step.
func (r *Recorder) Runs(step string) []ExecutionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ExecutionRecord(nil), r.runs[step]...)
}

// Attempts returns how many times step was invoked.
func (r *Recorder) Attempts(step string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs[step])
}

// Ran reports whether step was invoked at all.
func (r *Recorder) Ran(step string) bool {
	return r.Attempts(step) > 0
}
