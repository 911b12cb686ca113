package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vk/agentgrid/internal/ctxlog"
	"github.com/vk/agentgrid/internal/fault"
)

var (
	// ErrUnknownWorker is returned for ids the pool does not hold.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrInvalidTransition is returned when a worker is not in a state that
	// allows the requested lifecycle change.
	ErrInvalidTransition = errors.New("invalid worker state transition")
)

// Options tunes the pool.
type Options struct {
	// IdleTimeout is how long a standby worker may sit unused before the
	// reaper pauses it. Zero disables auto-pause.
	IdleTimeout time.Duration
	// ReapInterval is how often the reaper runs. Defaults to 30s.
	ReapInterval time.Duration
}

// Pool owns every idle worker, leases workers to callers and reclaims them.
// All bookkeeping is guarded by mu; provisioner calls happen outside it.
type Pool struct {
	provisioners ProvisionerSource
	opts         Options

	mu      sync.Mutex
	standby map[WorkerType][]*Worker
	targets map[WorkerType]int
	workers map[string]*Worker

	prewarmWG sync.WaitGroup

	reaperMu sync.Mutex
	stop     chan struct{}
	done     chan struct{}
}

// New creates an empty pool. src may be nil, in which case every type uses
// NopProvisioner.
func New(src ProvisionerSource, opts Options) *Pool {
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 30 * time.Second
	}
	return &Pool{
		provisioners: src,
		opts:         opts,
		standby:      make(map[WorkerType][]*Worker),
		targets:      make(map[WorkerType]int),
		workers:      make(map[string]*Worker),
	}
}

func (p *Pool) provisioner(t WorkerType) Provisioner {
	if p.provisioners != nil {
		if prov, ok := p.provisioners.Provisioner(t); ok {
			return prov
		}
	}
	return NopProvisioner{}
}

// Prewarm sets the standby target for t and boots the missing standby
// workers in the background. Individual creation failures are logged and
// skipped. Use WaitPrewarm to block until the boots finish.
func (p *Pool) Prewarm(ctx context.Context, t WorkerType, count int) {
	logger := ctxlog.FromContext(ctx)
	if count < 0 {
		count = 0
	}

	p.mu.Lock()
	p.targets[t] = count
	missing := count - len(p.standby[t])
	p.mu.Unlock()

	logger.Debug("Prewarming workers.", "worker_type", t, "target", count, "missing", missing)
	for i := 0; i < missing; i++ {
		p.prewarmWG.Add(1)
		go func() {
			defer p.prewarmWG.Done()
			w, err := p.create(ctx, t)
			if err != nil {
				logger.Warn("Prewarm worker creation failed.", "worker_type", t, "error", err)
				return
			}

			p.mu.Lock()
			if len(p.standby[t]) >= p.targets[t] {
				p.mu.Unlock()
				p.terminate(ctx, w)
				return
			}
			w.lastUsed = time.Now()
			p.standby[t] = append(p.standby[t], w)
			p.mu.Unlock()
			logger.Debug("Standby worker ready.", "worker_id", w.ID, "worker_type", t)
		}()
	}
}

// WaitPrewarm blocks until all background prewarm boots have finished.
func (p *Pool) WaitPrewarm() {
	p.prewarmWG.Wait()
}

// Acquire leases a worker of type t for the task described by label. A
// standby worker is reconfigured when available, otherwise a new one is
// booted synchronously. The returned lease must be released on every exit
// path. Creation failures are returned as fault.KindWorkerCreation and are
// not retried here; see RetryCreate.
func (p *Pool) Acquire(ctx context.Context, t WorkerType, label string) (*Lease, error) {
	logger := ctxlog.FromContext(ctx)

	p.mu.Lock()
	w := p.popStandbyLocked(t)
	var seq uint64
	var wasPaused bool
	if w != nil {
		wasPaused = w.status == StatusPaused
		seq = p.leaseLocked(w, label)
	}
	p.mu.Unlock()

	if w == nil {
		logger.Debug("No standby worker, booting a new one.", "worker_type", t, "label", label)
		return p.coldLease(ctx, t, label)
	}

	prov := p.provisioner(t)
	if wasPaused {
		if pauser, ok := prov.(Pauser); ok {
			if err := pauser.Resume(ctx, w); err != nil {
				p.discard(ctx, w)
				return nil, fault.Wrap(fault.KindWorkerCreation, err, "resume worker %s", w.ID)
			}
		}
		logger.Debug("Resumed paused standby worker.", "worker_id", w.ID, "worker_type", t)
	}
	if err := prov.Configure(ctx, w, label); err != nil {
		p.discard(ctx, w)
		return nil, fault.Wrap(fault.KindWorkerCreation, err, "configure worker %s", w.ID)
	}

	logger.Debug("Leased standby worker.", "worker_id", w.ID, "worker_type", t, "label", label)
	return &Lease{pool: p, worker: w, seq: seq}, nil
}

// RetryCreate boots a replacement worker after lastErr, sleeping according
// to policy before each attempt. When the attempt budget runs out, or ctx
// ends, the original error is returned.
func (p *Pool) RetryCreate(ctx context.Context, t WorkerType, label string, lastErr error, policy BackoffPolicy) (*Lease, error) {
	logger := ctxlog.FromContext(ctx)
	var original error
	switch {
	case lastErr == nil:
		original = fault.New(fault.KindWorkerCreation, "create %s worker", t)
	case fault.KindOf(lastErr) == fault.KindWorkerCreation:
		original = lastErr
	default:
		original = fault.Wrap(fault.KindWorkerCreation, lastErr, "create %s worker", t)
	}

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		delay := policy.Delay(attempt)
		logger.Warn("Retrying worker creation.", "worker_type", t, "attempt", attempt+1, "max_attempts", policy.MaxAttempts, "delay", delay, "error", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, original
		case <-timer.C:
		}

		lease, err := p.coldLease(ctx, t, label)
		if err == nil {
			return lease, nil
		}
		lastErr = err
	}

	logger.Error("Worker creation retries exhausted.", "worker_type", t, "attempts", policy.MaxAttempts, "error", original)
	return nil, original
}

// Release ends a lease. A successful worker goes back to standby when its
// type is below the prewarm target; anything else is terminated. Releasing
// a lease that already ended is a no-op and reports false.
func (p *Pool) Release(ctx context.Context, l *Lease, outcome Outcome) bool {
	if l == nil || l.worker == nil {
		return false
	}
	logger := ctxlog.FromContext(ctx)
	w := l.worker

	p.mu.Lock()
	if !w.leased || w.leaseSeq != l.seq {
		p.mu.Unlock()
		return false
	}
	w.leased = false
	w.label = ""
	if outcome == Success && w.status == StatusActive && len(p.standby[w.Type]) < p.targets[w.Type] {
		w.status = StatusStandby
		w.lastUsed = time.Now()
		p.standby[w.Type] = append(p.standby[w.Type], w)
		p.mu.Unlock()
		logger.Debug("Worker returned to standby.", "worker_id", w.ID, "worker_type", w.Type)
		return true
	}
	w.status = StatusTerminated
	delete(p.workers, w.ID)
	p.mu.Unlock()

	p.destroy(ctx, w, outcome.String())
	return true
}

// Pause suspends an idle standby worker. A paused worker is not leased until
// it is resumed, either explicitly or by Acquire when nothing else is idle.
func (p *Pool) Pause(ctx context.Context, id string) error {
	w, err := p.beginTransition(id, StatusStandby)
	if err != nil {
		return err
	}

	if pauser, ok := p.provisioner(w.Type).(Pauser); ok {
		if err := pauser.Pause(ctx, w); err != nil {
			p.endTransition(w, StatusStandby)
			return fmt.Errorf("pause worker %s: %w", id, err)
		}
	}
	p.endTransition(w, StatusPaused)
	ctxlog.FromContext(ctx).Info("⏸️ Worker paused.", "worker_id", id, "worker_type", w.Type)
	return nil
}

// Resume makes a paused worker leasable again.
func (p *Pool) Resume(ctx context.Context, id string) error {
	w, err := p.beginTransition(id, StatusPaused)
	if err != nil {
		return err
	}

	if pauser, ok := p.provisioner(w.Type).(Pauser); ok {
		if err := pauser.Resume(ctx, w); err != nil {
			p.endTransition(w, StatusPaused)
			return fmt.Errorf("resume worker %s: %w", id, err)
		}
	}
	p.endTransition(w, StatusStandby)
	ctxlog.FromContext(ctx).Info("▶️ Worker resumed.", "worker_id", id, "worker_type", w.Type)
	return nil
}

// Shutdown terminates every worker that is not currently leased.
func (p *Pool) Shutdown(ctx context.Context) {
	p.prewarmWG.Wait()

	p.mu.Lock()
	var idle []*Worker
	for t, list := range p.standby {
		for _, w := range list {
			w.status = StatusTerminated
			delete(p.workers, w.ID)
			idle = append(idle, w)
		}
		delete(p.standby, t)
	}
	p.mu.Unlock()

	for _, w := range idle {
		p.destroy(ctx, w, "shutdown")
	}
	ctxlog.FromContext(ctx).Debug("Pool shut down.", "terminated", len(idle))
}

// TypeStats summarizes the workers of one type.
type TypeStats struct {
	Target  int `json:"target"`
	Standby int `json:"standby"`
	Paused  int `json:"paused"`
	Leased  int `json:"leased"`
}

// Stats returns per-type counts.
func (p *Pool) Stats() map[WorkerType]TypeStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[WorkerType]TypeStats)
	for t, n := range p.targets {
		s := out[t]
		s.Target = n
		out[t] = s
	}
	for _, w := range p.workers {
		s := out[w.Type]
		switch {
		case w.leased:
			s.Leased++
		case w.status == StatusPaused:
			s.Paused++
		case w.status == StatusStandby:
			s.Standby++
		}
		out[w.Type] = s
	}
	return out
}

// StandbyCount returns the number of idle (standby or paused) workers of t.
func (p *Pool) StandbyCount(t WorkerType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.standby[t])
}

// Workers lists every live worker ordered by creation time.
func (p *Pool) Workers() []Info {
	p.mu.Lock()
	out := make([]Info, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w.info())
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// create boots and registers a worker in standby status.
func (p *Pool) create(ctx context.Context, t WorkerType) (*Worker, error) {
	session, err := p.provisioner(t).Create(ctx, t)
	if err != nil {
		return nil, fault.Wrap(fault.KindWorkerCreation, err, "create %s worker", t)
	}
	now := time.Now()
	w := &Worker{
		ID:          uuid.NewString(),
		Type:        t,
		CreatedAt:   now,
		IdleTimeout: p.opts.IdleTimeout,
		Session:     session,
		status:      StatusStandby,
		lastUsed:    now,
	}

	p.mu.Lock()
	p.workers[w.ID] = w
	p.mu.Unlock()
	return w, nil
}

// coldLease boots, configures and leases a new worker.
func (p *Pool) coldLease(ctx context.Context, t WorkerType, label string) (*Lease, error) {
	w, err := p.create(ctx, t)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	seq := p.leaseLocked(w, label)
	p.mu.Unlock()

	if err := p.provisioner(t).Configure(ctx, w, label); err != nil {
		p.discard(ctx, w)
		return nil, fault.Wrap(fault.KindWorkerCreation, err, "configure worker %s", w.ID)
	}
	ctxlog.FromContext(ctx).Debug("Leased new worker.", "worker_id", w.ID, "worker_type", t, "label", label)
	return &Lease{pool: p, worker: w, seq: seq}, nil
}

// popStandbyLocked removes an idle worker of type t from standby, preferring
// the most recently used one that is not paused.
func (p *Pool) popStandbyLocked(t WorkerType) *Worker {
	list := p.standby[t]
	pick := -1
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].busy {
			continue
		}
		if list[i].status == StatusStandby {
			pick = i
			break
		}
		if pick < 0 && list[i].status == StatusPaused {
			pick = i
		}
	}
	if pick < 0 {
		return nil
	}
	w := list[pick]
	p.standby[t] = append(list[:pick], list[pick+1:]...)
	return w
}

func (p *Pool) leaseLocked(w *Worker, label string) uint64 {
	w.leaseSeq++
	w.leased = true
	w.status = StatusActive
	w.label = label
	return w.leaseSeq
}

// discard terminates a leased worker that could not be prepared.
func (p *Pool) discard(ctx context.Context, w *Worker) {
	p.mu.Lock()
	w.leased = false
	w.status = StatusTerminated
	delete(p.workers, w.ID)
	p.mu.Unlock()
	p.destroy(ctx, w, "unusable")
}

// terminate drops an unleased worker that never reached standby.
func (p *Pool) terminate(ctx context.Context, w *Worker) {
	p.mu.Lock()
	w.status = StatusTerminated
	delete(p.workers, w.ID)
	p.mu.Unlock()
	p.destroy(ctx, w, "surplus")
}

func (p *Pool) destroy(ctx context.Context, w *Worker, reason string) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("🔥 Terminating worker.", "worker_id", w.ID, "worker_type", w.Type, "reason", reason)
	if err := p.provisioner(w.Type).Destroy(ctx, w); err != nil {
		logger.Warn("Worker cleanup failed.", "worker_id", w.ID, "worker_type", w.Type, "error", err)
	}
}

func (p *Pool) beginTransition(id string, from Status) (*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	if w.leased || w.busy || w.status != from {
		return nil, fmt.Errorf("%w: worker %s is %s", ErrInvalidTransition, id, w.status)
	}
	w.busy = true
	return w, nil
}

func (p *Pool) endTransition(w *Worker, to Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w.busy = false
	w.status = to
	if to == StatusStandby {
		w.lastUsed = time.Now()
	}
}
