package app

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/workflow"
)

// Run starts the pool and the scheduler, then does what the config asks
// for: serve until ctx ends, run one workflow, or describe the catalog.
// Everything is shut down before Run returns.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	a.startHealthcheckServer(ctx)
	stopReport := a.start(ctx)
	defer a.shutdown(ctx, stopReport)

	switch {
	case a.config.Serve:
		return a.serve(ctx)
	case a.config.RunWorkflow != "":
		return a.runOnce(ctx)
	default:
		a.describeCatalog()
		return nil
	}
}

func (a *App) start(ctx context.Context) context.CancelFunc {
	known := make(map[pool.WorkerType]bool)
	for _, t := range a.registry.WorkerTypes() {
		known[t] = true
	}
	types := make([]string, 0, len(a.settings.Pool.Prewarm))
	for t := range a.settings.Pool.Prewarm {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if !known[pool.WorkerType(t)] {
			a.logger.Warn("Skipping prewarm for unregistered worker type.", "worker_type", t)
			continue
		}
		a.pool.Prewarm(ctx, pool.WorkerType(t), a.settings.Pool.Prewarm[t])
	}
	a.pool.WaitPrewarm()
	a.logger.Info("Worker pool prewarmed.", "stats", a.pool.Stats())

	a.pool.Start(ctx)
	a.scheduler.Start(ctx)

	reportCtx, cancel := context.WithCancel(ctx)
	go a.metrics.Report(reportCtx, a.settings.Metrics.SummaryInterval)
	return cancel
}

func (a *App) shutdown(ctx context.Context, stopReport context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	a.logger.Debug("Shutting down.")

	a.queue.Stop()
	a.scheduler.Stop()
	stopReport()
	a.pool.Stop()
	a.pool.Shutdown(ctx)
	if err := a.closeHealthcheckServer(ctx); err != nil {
		a.logger.Warn("Health check server did not close cleanly.", "error", err)
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn("Failed to close history store.", "error", err)
		}
	}
	a.closers = nil
	a.logger.Debug("App.Run method finished.")
}

func (a *App) serve(ctx context.Context) error {
	a.queue.Start(ctx)
	if name := a.config.RunWorkflow; name != "" {
		g, err := a.lookup(name)
		if err != nil {
			return err
		}
		id, err := a.scheduler.Submit(ctx, g, a.config.Params)
		if err != nil {
			return fmt.Errorf("workflow '%s' rejected: %w", name, err)
		}
		a.logger.Info("Workflow submitted.", "workflow", name, "run_id", id)
	}

	a.logger.Info("🚀 Serving until shutdown.", "workflows", a.catalog.Len())
	<-ctx.Done()
	a.logger.Info("Shutdown requested.")
	return nil
}

func (a *App) runOnce(ctx context.Context) error {
	name := a.config.RunWorkflow
	g, err := a.lookup(name)
	if err != nil {
		return err
	}

	res, err := a.scheduler.Run(ctx, g, a.config.Params)
	if err != nil {
		return fmt.Errorf("workflow '%s' rejected: %w", name, err)
	}
	a.logger.Info("Workflow outputs.", "run_id", res.RunID, "outputs", res.Outputs)
	if !res.Succeeded() {
		if res.FailedStep != "" {
			return fmt.Errorf("workflow '%s' failed at step '%s': %w", name, res.FailedStep, res.Err)
		}
		return fmt.Errorf("workflow '%s' failed: %w", name, res.Err)
	}
	return nil
}

func (a *App) lookup(name string) (*workflow.Graph, error) {
	g, ok := a.catalog.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown workflow '%s', available: %s", name, strings.Join(a.catalog.Names(), ", "))
	}
	return g, nil
}

func (a *App) describeCatalog() {
	keys := a.registry.Keys()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	a.logger.Info("Step handlers registered.", "count", len(keys), "keys", names)

	for _, name := range a.catalog.Names() {
		g, _ := a.catalog.Get(name)
		a.logger.Info("Workflow available.", "workflow", name, "steps", g.Len(), "order", g.Order(), "description", g.Description())
	}
	if a.catalog.Len() == 0 {
		a.logger.Warn("No workflows found in catalog.", "path", a.config.WorkflowsPath)
	}
}
