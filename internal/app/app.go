package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk/agentgrid/internal/config"
	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/dispatch"
	"github.com/vk/agentgrid/internal/history"
	"github.com/vk/agentgrid/internal/metrics"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
	"github.com/vk/agentgrid/internal/scheduler"
	"github.com/vk/agentgrid/internal/settings"
	"github.com/vk/agentgrid/internal/workflow"
	"golang.org/x/time/rate"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	settings *settings.Settings

	registry  *registry.Registry
	catalog   *workflow.Catalog
	pool      *pool.Pool
	metrics   *metrics.Collector
	scheduler *scheduler.Scheduler
	queue     *dispatch.Queue
	closers   []io.Closer

	httpServer *http.Server
}

// NewApp is the constructor for the main application. It returns a fully
// wired App with its own logger and registry. Any startup configuration
// problem is fatal and panics; cmd/cli recovers it into an exit code.
func NewApp(outW io.Writer, cfg *Config, loader config.Loader, modules ...registry.Module) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	s, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		panic(fmt.Errorf("failed to load settings: %w", err))
	}
	logger.Debug("Settings loaded.", "path", cfg.SettingsPath)

	model, err := loader.Load(ctx, cfg.WorkflowsPath)
	if err != nil {
		panic(fmt.Errorf("failed to load workflows: %w", err))
	}
	catalog, err := workflow.FromModel(model, workflow.Defaults{
		Timeout:    s.Scheduler.DefaultTimeout,
		MaxRetries: s.Scheduler.DefaultMaxRetries,
	})
	if err != nil {
		panic(fmt.Errorf("failed to build workflow catalog: %w", err))
	}
	logger.Debug("Workflow catalog loaded.", "workflows", catalog.Names())

	reg := registry.New()
	if len(modules) == 0 {
		modules = coreModules(s.Modules)
	}
	for _, mod := range modules {
		mod.Register(reg)
	}
	logger.Debug("All Go modules registered.", "count", len(modules), "handlers", len(reg.Keys()))

	// A catalog that references unknown handlers is a mismatch between code
	// and configuration.
	for _, name := range catalog.Names() {
		g, _ := catalog.Get(name)
		if err := reg.ValidateGraph(ctx, g); err != nil {
			panic(err)
		}
	}
	logger.Debug("Catalog validation passed.")

	a := &App{
		outW:     outW,
		logger:   logger,
		config:   cfg,
		settings: s,
		registry: reg,
		catalog:  catalog,
		metrics:  metrics.New(),
	}

	a.pool = pool.New(reg, pool.Options{
		IdleTimeout:  s.Pool.IdleTimeout,
		ReapInterval: s.Pool.ReapInterval,
	})
	a.metrics.MustRegister(metrics.NewPoolCollector(a.pool.Stats))

	runs, ops := a.historyStores(ctx)
	backoff := pool.BackoffPolicy{
		Base:        s.Backoff.Base,
		Cap:         s.Backoff.Cap,
		MaxAttempts: s.Backoff.MaxAttempts,
	}
	a.scheduler = scheduler.New(a.pool, reg, scheduler.Options{
		DefaultTimeout: s.Scheduler.DefaultTimeout,
		Backoff:        backoff,
		History:        runs,
		Metrics:        a.metrics,
		Retention:      s.History.Retention,
		PruneInterval:  s.History.PruneInterval,
	})
	a.queue = dispatch.New(a.pool, reg, dispatch.Options{
		Concurrency:     s.Dispatch.Concurrency,
		PollInterval:    s.Dispatch.PollInterval,
		DefaultTimeout:  s.Dispatch.DefaultTimeout,
		CallbackTimeout: s.Dispatch.CallbackTimeout,
		CallbackRate:    rate.Limit(s.Dispatch.CallbackRate),
		Backoff:         backoff,
		History:         ops,
		Metrics:         a.metrics,
		Retention:       s.History.Retention,
		PruneInterval:   s.History.PruneInterval,
	})
	return a
}

// historyStores builds the run and operation stores. A configured redis
// that cannot be reached is fatal.
func (a *App) historyStores(ctx context.Context) (history.Store[*scheduler.Result], history.Store[*dispatch.Result]) {
	h := a.settings.History
	if h.Redis == nil {
		return history.NewMemory[*scheduler.Result](h.Size), history.NewMemory[*dispatch.Result](h.Size)
	}

	cfg := history.RedisConfig{
		Address:  h.Redis.Address,
		Password: h.Redis.Password,
		DB:       h.Redis.DB,
		Prefix:   h.Redis.Prefix,
		TTL:      h.Retention,
		Capacity: h.Size,
	}
	runs, err := history.NewRedis[*scheduler.Result](ctx, cfg, "runs")
	if err != nil {
		panic(fmt.Errorf("failed to open run history: %w", err))
	}
	ops, err := history.NewRedis[*dispatch.Result](ctx, cfg, "operations")
	if err != nil {
		_ = runs.Close()
		panic(fmt.Errorf("failed to open operation history: %w", err))
	}
	a.closers = append(a.closers, runs, ops)
	a.logger.Debug("Using redis history.", "address", h.Redis.Address)
	return runs, ops
}

// Registry returns the application's registry. This is primarily for testing.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Catalog returns the loaded workflow catalog.
func (a *App) Catalog() *workflow.Catalog {
	return a.catalog
}

// Scheduler returns the workflow scheduler for embedding callers.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Queue returns the dispatch queue for embedding callers.
func (a *App) Queue() *dispatch.Queue {
	return a.queue
}

// Pool returns the worker pool.
func (a *App) Pool() *pool.Pool {
	return a.pool
}
