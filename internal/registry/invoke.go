package registry

import (
	"context"
	"errors"
	"runtime/debug"
	"time"

	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/pool"
)

type invokeResult struct {
	out any
	err error
}

// Invoke runs h against w under timeout (none when timeout is zero). The
// call returns as soon as the deadline passes even if the handler ignores
// its context. Errors come back classified: fault.KindHandlerTimeout for
// deadlines, fault.KindHandler for handler errors, cancellations and
// recovered panics. Errors a handler already classified are kept as is.
func Invoke(ctx context.Context, h Handler, w *pool.Worker, req *Request, timeout time.Duration) (any, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan invokeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ctxlog.FromContext(ctx).Error("Handler panicked.", "operation", req.Operation, "panic", r, "stack", string(debug.Stack()))
				done <- invokeResult{err: fault.New(fault.KindHandler, "operation '%s' panicked: %v", req.Operation, r)}
			}
		}()
		out, err := h(ctx, w, req)
		done <- invokeResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return res.out, nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindHandlerTimeout, res.err, "operation '%s' exceeded %s", req.Operation, timeout)
		}
		if fault.KindOf(res.err) != "" {
			return nil, res.err
		}
		return nil, fault.Wrap(fault.KindHandler, res.err, "operation '%s'", req.Operation)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindHandlerTimeout, ctx.Err(), "operation '%s' exceeded %s", req.Operation, timeout)
		}
		return nil, fault.Wrap(fault.KindHandler, ctx.Err(), "operation '%s' cancelled", req.Operation)
	}
}
