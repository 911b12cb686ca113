// Package dispatch runs standalone operations outside of any workflow.
//
// Operations wait in a Queue until its polling loop picks them up, highest
// priority first and first-in-first-out among equals, while fewer than the
// configured number of operations are in flight. Each operation leases one
// worker, runs its handler under a timeout and releases the worker. The
// queue never retries; failures are reported through the operation's
// Result, its callback and its callback URL.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/history"
	"github.com/vk/agentgrid/internal/metrics"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
	"golang.org/x/time/rate"
)

const (
	DefaultConcurrency     = 20
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultTimeout         = 300 * time.Second
	DefaultCallbackTimeout = 5 * time.Second
	DefaultCallbackRate    = 10
	DefaultRetention       = time.Hour
	DefaultPruneInterval   = time.Minute
)

var ErrInvalidOperation = errors.New("invalid operation")

// WorkerSource leases workers. *pool.Pool implements it.
type WorkerSource interface {
	Acquire(ctx context.Context, t pool.WorkerType, label string) (*pool.Lease, error)
	RetryCreate(ctx context.Context, t pool.WorkerType, label string, lastErr error, policy pool.BackoffPolicy) (*pool.Lease, error)
}

// HandlerSource resolves handlers. *registry.Registry implements it.
type HandlerSource interface {
	Lookup(t pool.WorkerType, operation string) (registry.Handler, bool)
}

// Operation is one unit of work for the queue.
type Operation struct {
	// ID is assigned by Enqueue when empty.
	ID       string
	Backend  pool.WorkerType
	Name     string
	Params   map[string]any
	Priority int
	// Timeout bounds the handler. Zero means the queue default.
	Timeout time.Duration
	// Callback, when set, is called with the result once the operation
	// finishes. A panicking callback is logged and ignored.
	Callback func(*Result)
	// CallbackURL, when set, receives the result as a JSON POST.
	CallbackURL string

	seq uint64
}

// Result is the outcome of one operation.
type Result struct {
	OperationID string          `json:"operation_id"`
	Backend     pool.WorkerType `json:"backend"`
	Operation   string          `json:"operation"`
	Success     bool            `json:"success"`
	Output      any             `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   fault.Kind      `json:"error_kind,omitempty"`
	Duration    time.Duration   `json:"duration"`
	CompletedAt time.Time       `json:"completed_at"`
	Metadata    map[string]any  `json:"metadata,omitempty"`

	Err error `json:"-"`
}

// Options configures a Queue. Zero values fall back to the package
// defaults.
type Options struct {
	Concurrency     int
	PollInterval    time.Duration
	DefaultTimeout  time.Duration
	CallbackTimeout time.Duration
	// Backoff drives worker re-creation after a failed Acquire.
	Backoff pool.BackoffPolicy
	// CallbackRate limits callback URL deliveries per second.
	CallbackRate rate.Limit
	History      history.Store[*Result]
	Metrics      *metrics.Collector
	HTTPClient   *http.Client
	// Results older than Retention are pruned every PruneInterval while
	// the queue runs.
	Retention     time.Duration
	PruneInterval time.Duration
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending     int  `json:"pending"`
	InFlight    int  `json:"in_flight"`
	Concurrency int  `json:"concurrency"`
	Paused      bool `json:"paused"`
	Running     bool `json:"running"`
}

// Queue is a priority dispatch queue. It is safe for concurrent use.
type Queue struct {
	workers  WorkerSource
	handlers HandlerSource
	opts     Options
	limiter  *rate.Limiter

	mu       sync.Mutex
	pending  []*Operation
	inFlight int
	paused   bool
	seq      uint64
	wake     chan struct{}

	loopMu sync.Mutex
	stop   context.CancelFunc
	done   chan struct{}
	execWG sync.WaitGroup
}

// New creates a stopped queue.
func New(workers WorkerSource, handlers HandlerSource, opts Options) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.CallbackTimeout <= 0 {
		opts.CallbackTimeout = DefaultCallbackTimeout
	}
	if opts.CallbackRate <= 0 {
		opts.CallbackRate = DefaultCallbackRate
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
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = DefaultPruneInterval
	}
	return &Queue{
		workers:  workers,
		handlers: handlers,
		opts:     opts,
		limiter:  rate.NewLimiter(opts.CallbackRate, max(1, int(opts.CallbackRate))),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds op to the queue and returns its id. It does not wait for
// the operation to run.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (string, error) {
	if op.Backend == "" || op.Name == "" {
		return "", fault.Wrap(fault.KindGraphInvalid, ErrInvalidOperation, "operation needs a backend and a name")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	q.mu.Lock()
	q.seq++
	op.seq = q.seq
	q.pending = append(q.pending, &op)
	depth := len(q.pending)
	q.mu.Unlock()

	ctxlog.FromContext(ctx).Debug("Operation queued.", "operation_id", op.ID, "backend", op.Backend, "operation", op.Name, "priority", op.Priority, "queue_depth", depth)
	q.poke()
	return op.ID, nil
}

// Start launches the dispatch loop. Calling it twice is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()
	if q.stop != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	q.stop = cancel
	q.done = make(chan struct{})
	go q.loop(ctx, q.done)
	ctxlog.FromContext(ctx).Info("🚀 Dispatch queue started.", "concurrency", q.opts.Concurrency)
}

// Stop halts the dispatch loop and waits for in-flight operations to
// finish. Operations still pending stay queued for a later Start.
func (q *Queue) Stop() {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()
	if q.stop == nil {
		return
	}
	q.stop()
	<-q.done
	q.stop = nil
	q.execWG.Wait()
}

// Pause stops new operations from being picked up. In-flight operations
// are not affected.
func (q *Queue) Pause(ctx context.Context) {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	ctxlog.FromContext(ctx).Info("⏸️ Dispatch paused.")
}

// Resume undoes Pause.
func (q *Queue) Resume(ctx context.Context) {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	ctxlog.FromContext(ctx).Info("▶️ Dispatch resumed.")
	q.poke()
}

// Result returns the stored result of a finished operation.
func (q *Queue) Result(ctx context.Context, id string) (*Result, bool, error) {
	return q.opts.History.Get(ctx, id)
}

// Results lists up to limit finished operations, most recent first.
func (q *Queue) Results(ctx context.Context, limit int) ([]*Result, error) {
	return q.opts.History.List(ctx, limit)
}

// Stats reports queue depth and load.
func (q *Queue) Stats() Stats {
	q.loopMu.Lock()
	running := q.stop != nil
	q.loopMu.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:     len(q.pending),
		InFlight:    q.inFlight,
		Concurrency: q.opts.Concurrency,
		Paused:      q.paused,
		Running:     running,
	}
}

func (q *Queue) poke() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	poll := time.NewTicker(q.opts.PollInterval)
	defer poll.Stop()
	prune := time.NewTicker(q.opts.PruneInterval)
	defer prune.Stop()

	for {
		q.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
		case <-q.wake:
		case now := <-prune.C:
			q.prune(ctx, now)
		}
	}
}

func (q *Queue) prune(ctx context.Context, now time.Time) {
	n, err := q.opts.History.Prune(ctx, now.Add(-q.opts.Retention))
	if err != nil {
		ctxlog.FromContext(ctx).Warn("Failed to prune operation results.", "error", err)
		return
	}
	if n > 0 {
		ctxlog.FromContext(ctx).Debug("Pruned operation results.", "removed", n)
	}
}

// dispatch launches pending operations while capacity allows.
func (q *Queue) dispatch(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused || len(q.pending) == 0 {
		return
	}

	sort.SliceStable(q.pending, func(i, j int) bool {
		a, b := q.pending[i], q.pending[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.seq < b.seq
	})
	for q.inFlight < q.opts.Concurrency && len(q.pending) > 0 {
		op := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.inFlight++
		q.execWG.Add(1)
		go q.execute(context.WithoutCancel(ctx), op)
	}
}
