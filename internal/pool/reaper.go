package pool

import (
	"context"
	"time"

	"github.com/vk/agentgrid/internal/ctxlog"
)

// Start launches the idle reaper, which pauses standby workers that have
// been unused for longer than their idle timeout. Calling Start on a running
// pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.reaperMu.Lock()
	defer p.reaperMu.Unlock()
	if p.stop != nil {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(p.opts.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				p.reap(ctx, time.Now())
			}
		}
	}(p.stop, p.done)
	ctxlog.FromContext(ctx).Debug("Worker reaper started.", "interval", p.opts.ReapInterval, "idle_timeout", p.opts.IdleTimeout)
}

// Stop halts the reaper and waits for it to exit.
func (p *Pool) Stop() {
	p.reaperMu.Lock()
	defer p.reaperMu.Unlock()
	if p.stop == nil {
		return
	}
	close(p.stop)
	<-p.done
	p.stop, p.done = nil, nil
}

// reap pauses idle standby workers and returns how many it paused.
func (p *Pool) reap(ctx context.Context, now time.Time) int {
	p.mu.Lock()
	var idle []string
	for _, list := range p.standby {
		for _, w := range list {
			if w.busy || w.status != StatusStandby || w.IdleTimeout <= 0 {
				continue
			}
			if now.Sub(w.lastUsed) > w.IdleTimeout {
				idle = append(idle, w.ID)
			}
		}
	}
	p.mu.Unlock()

	paused := 0
	for _, id := range idle {
		if err := p.Pause(ctx, id); err != nil {
			ctxlog.FromContext(ctx).Debug("Skipped idle worker.", "worker_id", id, "error", err)
			continue
		}
		paused++
	}
	return paused
}
