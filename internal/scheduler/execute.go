package scheduler

import (
	"context"
	"time"

	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
	"github.com/vk/agentgrid/internal/workflow"
	"golang.org/x/sync/errgroup"
)

// execute drives r round by round until every step is terminal, then
// stores and returns the result.
func (s *Scheduler) execute(ctx context.Context, r *run) *Result {
	ctx, logger := ctxlog.With(ctx, "run_id", r.id, "workflow", r.graph.Name())
	logger.Info("🚀 Starting workflow run.", "steps", r.graph.Len())
	s.opts.Metrics.RunStarted()

	var cause error
	for {
		if blocked := r.blockDependents(); len(blocked) > 0 {
			logger.Warn("Steps blocked by a failed dependency.", "steps", blocked)
		}

		if err := ctx.Err(); err != nil {
			cause = fault.Wrap(fault.KindHandler, err, "run cancelled")
			r.abort(cause)
			break
		}

		ready, pending := r.ready()
		if !pending {
			break
		}
		if len(ready) == 0 {
			cause = fault.New(fault.KindUnsatisfiableGraph, "workflow '%s': no step can make progress", r.graph.Name())
			r.abort(cause)
			break
		}

		round := r.nextRound()
		logger.Debug("Dispatching round.", "round", round, "steps", stepIDs(ready))
		var g errgroup.Group
		for _, step := range ready {
			g.Go(func() error {
				s.runStep(ctx, r, step, round)
				return nil
			})
		}
		_ = g.Wait()
	}

	res := r.snapshot(RunCompleted, cause)
	s.opts.Metrics.RunFinished(res.Succeeded())
	if res.Succeeded() {
		logger.Info("🏁 Workflow run completed.", "rounds", res.Rounds, "duration", res.EndedAt.Sub(res.StartedAt))
	} else {
		logger.Error("❌ Workflow run failed.", "failed_step", res.FailedStep, "error", res.Err, "rounds", res.Rounds)
	}

	if err := s.opts.History.Put(context.WithoutCancel(ctx), r.id, res.EndedAt, res); err != nil {
		logger.Warn("Failed to record run result.", "error", err)
	}
	return res.clone()
}

// runStep performs one attempt of step and records its outcome.
func (s *Scheduler) runStep(ctx context.Context, r *run, step workflow.Step, round int) {
	attempt := r.begin(step.ID, round)
	ctx, logger := ctxlog.With(ctx, "step", step.ID, "attempt", attempt)
	logger.Info("▶️ Starting step.", "worker_type", step.WorkerType, "operation", step.Operation)

	start := time.Now()
	out, workerID, err := s.attempt(ctx, r, step, attempt)
	s.opts.Metrics.ObserveOperation(string(step.WorkerType), err == nil, time.Since(start))

	switch r.finish(step, workerID, out, err) {
	case StepSucceeded:
		logger.Info("✅ Step succeeded.", "worker_id", workerID, "duration", time.Since(start))
	case StepRetrying:
		logger.Warn("🔁 Step failed, retrying.", "error", err, "retries_left", step.MaxRetries-attempt+1)
	default:
		logger.Error("❌ Step failed.", "error", err, "attempts", attempt)
	}
}

// attempt leases a worker, runs the handler under the step's timeout and
// releases the worker according to the outcome.
func (s *Scheduler) attempt(ctx context.Context, r *run, step workflow.Step, attempt int) (any, string, error) {
	handler, ok := s.handlers.Lookup(step.WorkerType, step.Operation)
	if !ok {
		return nil, "", fault.New(fault.KindGraphInvalid, "no handler registered for %s/%s", step.WorkerType, step.Operation).ForStep(step.ID)
	}

	label := r.id + "/" + step.ID
	lease, err := s.workers.Acquire(ctx, step.WorkerType, label)
	if err != nil && fault.KindOf(err) == fault.KindWorkerCreation {
		ctxlog.FromContext(ctx).Warn("Worker creation failed, backing off.", "error", err)
		lease, err = s.workers.RetryCreate(ctx, step.WorkerType, label, err, s.opts.Backoff)
	}
	if err != nil {
		return nil, "", err
	}

	outcome := pool.Failure
	defer func() {
		lease.Release(context.WithoutCancel(ctx), outcome)
	}()

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = s.opts.DefaultTimeout
	}
	req := &registry.Request{
		RunID:     r.id,
		Workflow:  r.graph.Name(),
		StepID:    step.ID,
		Operation: step.Operation,
		Attempt:   attempt,
		Params:    r.paramsFor(step),
		Upstream:  r.upstream(step),
	}
	w := lease.Worker()
	out, err := registry.Invoke(ctx, handler, w, req, timeout)
	if err != nil {
		return nil, w.ID, err
	}
	outcome = pool.Success
	return out, w.ID, nil
}

func stepIDs(steps []workflow.Step) []string {
	ids := make([]string, len(steps))
	for i, s := range steps {
		ids[i] = s.ID
	}
	return ids
}
