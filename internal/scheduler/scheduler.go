package scheduler

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/history"
	"github.com/vk/agentgrid/internal/metrics"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
	"github.com/vk/agentgrid/internal/workflow"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultRetention     = time.Hour
	DefaultPruneInterval = time.Minute
)

// ErrUnknownRun is returned by RunStatus for ids it has never seen or has
// already pruned.
var ErrUnknownRun = errors.New("unknown run")

// WorkerSource leases workers for steps. *pool.Pool implements it.
type WorkerSource interface {
	Acquire(ctx context.Context, t pool.WorkerType, label string) (*pool.Lease, error)
	RetryCreate(ctx context.Context, t pool.WorkerType, label string, lastErr error, policy pool.BackoffPolicy) (*pool.Lease, error)
}

// HandlerSource resolves step handlers. *registry.Registry implements it.
type HandlerSource interface {
	Lookup(t pool.WorkerType, operation string) (registry.Handler, bool)
	ValidateGraph(ctx context.Context, g *workflow.Graph) error
}

// Options configures a Scheduler. Zero values fall back to the package
// defaults.
type Options struct {
	// DefaultTimeout bounds attempts of steps without their own timeout.
	DefaultTimeout time.Duration
	// Backoff drives worker re-creation after a failed Acquire.
	Backoff pool.BackoffPolicy
	// History keeps finished runs. Defaults to an in-memory store.
	History history.Store[*Result]
	// Metrics receives run and step observations. Defaults to a private
	// collector.
	Metrics *metrics.Collector
	// Retention and PruneInterval control the background pruner started
	// by Start.
	Retention     time.Duration
	PruneInterval time.Duration
}

// Scheduler runs workflow graphs against a worker pool.
type Scheduler struct {
	workers  WorkerSource
	handlers HandlerSource
	opts     Options

	mu     sync.Mutex
	active map[string]*run

	bg       context.Context
	cancelBg context.CancelFunc
	runs     sync.WaitGroup

	pruneMu   sync.Mutex
	pruneStop context.CancelFunc
	pruneDone chan struct{}
}

// New creates a scheduler.
func New(workers WorkerSource, handlers HandlerSource, opts Options) *Scheduler {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Backoff == (pool.BackoffPolicy{}) {
		opts.Backoff = pool.DefaultBackoff
	}
	if opts.History == nil {
		opts.History = history.NewMemory[*Result](history.DefaultCapacity)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		workers:  workers,
		handlers: handlers,
		opts:     opts,
		active:   make(map[string]*run),
		bg:       bg,
		cancelBg: cancel,
	}
}

// Run validates g and executes it to completion. params override the
// steps' own parameters for the whole run.
//
// The returned error is non-nil only when the graph is rejected before
// anything runs; a run that executed and failed reports the failure
// through Result.Status and Result.Err.
func (s *Scheduler) Run(ctx context.Context, g *workflow.Graph, params map[string]any) (*Result, error) {
	if err := s.validate(ctx, g); err != nil {
		return nil, err
	}
	r := s.track(g, params)
	defer s.untrack(r.id)
	return s.execute(ctx, r), nil
}

// Submit validates g and starts executing it in the background, returning
// the run id for RunStatus. The run outlives ctx; it is cancelled only by
// Stop.
func (s *Scheduler) Submit(ctx context.Context, g *workflow.Graph, params map[string]any) (string, error) {
	if err := s.validate(ctx, g); err != nil {
		return "", err
	}
	r := s.track(g, params)
	runCtx := ctxlog.WithLogger(s.bg, ctxlog.FromContext(ctx))

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.untrack(r.id)
		s.execute(runCtx, r)
	}()
	return r.id, nil
}

// RunStatus returns the live state of an in-flight run or the stored
// result of a finished one.
func (s *Scheduler) RunStatus(ctx context.Context, id string) (*Result, error) {
	s.mu.Lock()
	r, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		return r.snapshot(RunRunning, nil), nil
	}

	res, ok, err := s.opts.History.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownRun
	}
	return res.clone(), nil
}

// Runs lists in-flight runs followed by up to limit finished ones, most
// recent first.
func (s *Scheduler) Runs(ctx context.Context, limit int) ([]*Result, error) {
	s.mu.Lock()
	out := make([]*Result, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, r.snapshot(RunRunning, nil))
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b *Result) int {
		return b.StartedAt.Compare(a.StartedAt)
	})

	done, err := s.opts.History.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, res := range done {
		out = append(out, res.clone())
	}
	return out, nil
}

// Start launches the history pruner. Calling it twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.pruneMu.Lock()
	defer s.pruneMu.Unlock()
	if s.pruneStop != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.pruneStop = cancel
	s.pruneDone = make(chan struct{})
	go s.prune(ctx, s.pruneDone)
}

// Stop halts the pruner, cancels background runs started by Submit and
// waits for them to record their results. A stopped scheduler still
// serves Run, but Submit-ed runs fail immediately.
func (s *Scheduler) Stop() {
	s.pruneMu.Lock()
	if s.pruneStop != nil {
		s.pruneStop()
		<-s.pruneDone
		s.pruneStop = nil
	}
	s.pruneMu.Unlock()

	s.cancelBg()
	s.runs.Wait()
}

func (s *Scheduler) prune(ctx context.Context, done chan struct{}) {
	defer close(done)
	logger := ctxlog.FromContext(ctx)
	ticker := time.NewTicker(s.opts.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := s.opts.History.Prune(ctx, now.Add(-s.opts.Retention))
			if err != nil {
				logger.Warn("Failed to prune run history.", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("Pruned run history.", "removed", n)
			}
		}
	}
}

func (s *Scheduler) validate(ctx context.Context, g *workflow.Graph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	return s.handlers.ValidateGraph(ctx, g)
}

func (s *Scheduler) track(g *workflow.Graph, params map[string]any) *run {
	r := newRun(uuid.NewString(), g, params)
	s.mu.Lock()
	s.active[r.id] = r
	s.mu.Unlock()
	return r
}

func (s *Scheduler) untrack(id string) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}
