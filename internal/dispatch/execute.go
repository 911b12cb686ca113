package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
)

func (q *Queue) execute(ctx context.Context, op *Operation) {
	released := false
	releaseSlot := func() {
		if released {
			return
		}
		released = true
		q.mu.Lock()
		q.inFlight--
		q.mu.Unlock()
		q.poke()
	}
	defer func() {
		releaseSlot()
		q.execWG.Done()
	}()

	ctx, logger := ctxlog.With(ctx, "operation_id", op.ID, "backend", op.Backend, "operation", op.Name)
	logger.Debug("Dispatching operation.", "priority", op.Priority)

	start := time.Now()
	out, workerID, err := q.run(ctx, op)
	res := &Result{
		OperationID: op.ID,
		Backend:     op.Backend,
		Operation:   op.Name,
		Success:     err == nil,
		Output:      out,
		Duration:    time.Since(start),
		CompletedAt: time.Now(),
		Metadata:    map[string]any{"priority": op.Priority},
		Err:         err,
	}
	if workerID != "" {
		res.Metadata["worker_id"] = workerID
	}
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = fault.KindOf(err)
		logger.Error("❌ Operation failed.", "error", err, "duration", res.Duration)
	} else {
		logger.Info("✅ Operation completed.", "duration", res.Duration)
	}
	q.opts.Metrics.ObserveOperation(string(op.Backend), res.Success, res.Duration)

	if err := q.opts.History.Put(context.WithoutCancel(ctx), op.ID, res.CompletedAt, res); err != nil {
		logger.Warn("Failed to record operation result.", "error", err)
	}
	q.callback(ctx, op, res)

	// A slow callback endpoint must not hold a concurrency slot.
	releaseSlot()
	if op.CallbackURL != "" {
		if err := q.post(ctx, op.CallbackURL, res); err != nil {
			logger.Warn("Callback delivery failed.", "url", op.CallbackURL, "error", err)
		}
	}
}

func (q *Queue) run(ctx context.Context, op *Operation) (any, string, error) {
	handler, ok := q.handlers.Lookup(op.Backend, op.Name)
	if !ok {
		return nil, "", fault.New(fault.KindGraphInvalid, "no handler registered for %s/%s", op.Backend, op.Name)
	}

	label := "op/" + op.ID
	lease, err := q.workers.Acquire(ctx, op.Backend, label)
	if err != nil && fault.KindOf(err) == fault.KindWorkerCreation {
		ctxlog.FromContext(ctx).Warn("Worker creation failed, backing off.", "error", err)
		lease, err = q.workers.RetryCreate(ctx, op.Backend, label, err, q.opts.Backoff)
	}
	if err != nil {
		return nil, "", err
	}
	outcome := pool.Failure
	defer func() {
		lease.Release(context.WithoutCancel(ctx), outcome)
	}()

	timeout := op.Timeout
	if timeout <= 0 {
		timeout = q.opts.DefaultTimeout
	}
	req := &registry.Request{
		RunID:     op.ID,
		Operation: op.Name,
		Attempt:   1,
		Params:    op.Params,
	}
	w := lease.Worker()
	out, err := registry.Invoke(ctx, handler, w, req, timeout)
	if err != nil {
		return nil, w.ID, err
	}
	outcome = pool.Success
	return out, w.ID, nil
}

// callback hands res to op's in-process callback. A panicking callback is
// logged and never affects the result.
func (q *Queue) callback(ctx context.Context, op *Operation, res *Result) {
	if op.Callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ctxlog.FromContext(ctx).Error("Operation callback panicked.", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	op.Callback(res)
}

func (q *Queue) post(ctx context.Context, url string, res *Result) error {
	ctx, cancel := context.WithTimeout(ctx, q.opts.CallbackTimeout)
	defer cancel()
	if err := q.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for callback slot: %w", err)
	}

	body, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := q.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting callback: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned %s", resp.Status)
	}
	return nil
}
