package pool

import (
	"context"
)

// Lease is exclusive, temporary ownership of a worker. Callers defer
// Release right after a successful Acquire so the worker is returned on
// every exit path.
type Lease struct {
	pool   *Pool
	worker *Worker
	seq    uint64
}

// Worker returns the leased worker.
func (l *Lease) Worker() *Worker {
	return l.worker
}

// Release hands the worker back to the pool. Only the first call has an
// effect.
func (l *Lease) Release(ctx context.Context, outcome Outcome) bool {
	if l == nil || l.pool == nil {
		return false
	}
	return l.pool.Release(ctx, l, outcome)
}
