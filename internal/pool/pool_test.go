package pool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/agentgrid/internal/fault"
)

var errBoot = errors.New("boot failed")

// fakeProvisioner counts lifecycle calls and fails the first failCreates
// boots (all of them when failCreates is negative).
type fakeProvisioner struct {
	mu          sync.Mutex
	attempts    int
	created     int
	configured  int
	destroyed   int
	paused      int
	resumed     int
	failCreates int
}

func (f *fakeProvisioner) Create(_ context.Context, t WorkerType) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.failCreates < 0 || f.attempts <= f.failCreates {
		return nil, errBoot
	}
	f.created++
	return fmt.Sprintf("%s-session-%d", t, f.created), nil
}

func (f *fakeProvisioner) Configure(context.Context, *Worker, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configured++
	return nil
}

func (f *fakeProvisioner) Destroy(context.Context, *Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

func (f *fakeProvisioner) Pause(context.Context, *Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused++
	return nil
}

func (f *fakeProvisioner) Resume(context.Context, *Worker) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed++
	return nil
}

func (f *fakeProvisioner) counts() (created, destroyed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.destroyed
}

type staticSource struct{ prov Provisioner }

func (s staticSource) Provisioner(WorkerType) (Provisioner, bool) { return s.prov, true }

func newTestPool(prov *fakeProvisioner, opts Options) *Pool {
	return New(staticSource{prov: prov}, opts)
}

const gpu WorkerType = "gpu"

func TestPool_PrewarmThenConcurrentAcquire(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	ctx := context.Background()
	prov := &fakeProvisioner{}
	p := newTestPool(prov, Options{})
	p.Prewarm(ctx, gpu, 2)
	p.WaitPrewarm()
	require.Equal(t, 2, p.StandbyCount(gpu))

	// --- Act ---
	leases := make([]*Lease, 3)
	var wg sync.WaitGroup
	for i := range leases {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := p.Acquire(ctx, gpu, fmt.Sprintf("task-%d", i))
			assert.NoError(t, err)
			leases[i] = l
		}(i)
	}
	wg.Wait()

	// --- Assert ---
	created, _ := prov.counts()
	assert.Equal(t, 3, created, "two from standby, one cold boot")
	assert.Equal(t, 0, p.StandbyCount(gpu))

	ids := map[string]bool{}
	for _, l := range leases {
		require.NotNil(t, l)
		ids[l.Worker().ID] = true
	}
	assert.Len(t, ids, 3, "every caller holds a distinct worker")

	for _, l := range leases {
		assert.True(t, l.Release(ctx, Success))
	}
	assert.Equal(t, 2, p.StandbyCount(gpu), "standby refills to the prewarm target only")
	_, destroyed := prov.counts()
	assert.Equal(t, 1, destroyed, "the surplus worker is terminated")
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	prov := &fakeProvisioner{}
	p := newTestPool(prov, Options{})
	p.Prewarm(ctx, gpu, 1)
	p.WaitPrewarm()

	lease, err := p.Acquire(ctx, gpu, "once")
	require.NoError(t, err)

	assert.True(t, lease.Release(ctx, Success))
	assert.False(t, lease.Release(ctx, Success), "second release is a no-op")
	assert.False(t, p.Release(ctx, lease, Failure), "release through the pool is a no-op too")
	assert.Equal(t, 1, p.StandbyCount(gpu), "worker is not counted back twice")

	t.Run("stale lease does not end a newer one", func(t *testing.T) {
		again, err := p.Acquire(ctx, gpu, "twice")
		require.NoError(t, err)
		require.Equal(t, lease.Worker().ID, again.Worker().ID, "same worker reused from standby")

		assert.False(t, lease.Release(ctx, Failure))
		stats := p.Stats()[gpu]
		assert.Equal(t, 1, stats.Leased, "the new holder keeps its worker")

		assert.True(t, again.Release(ctx, Success))
	})
}

func TestPool_LeaseSafety(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	ctx := context.Background()
	p := newTestPool(&fakeProvisioner{}, Options{})
	p.Prewarm(ctx, gpu, 3)
	p.WaitPrewarm()

	var mu sync.Mutex
	holders := map[string]int{}
	var violations []string

	// --- Act ---
	const callers = 24
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for round := 0; round < 5; round++ {
				lease, err := p.Acquire(ctx, gpu, "safety")
				if !assert.NoError(t, err) {
					return
				}
				id := lease.Worker().ID

				mu.Lock()
				if holder, held := holders[id]; held {
					violations = append(violations, fmt.Sprintf("%s held by %d and %d", id, holder, i))
				}
				holders[id] = i
				mu.Unlock()

				time.Sleep(time.Duration(rand.Intn(200)) * time.Microsecond)

				mu.Lock()
				delete(holders, id)
				mu.Unlock()

				outcome := Success
				if round%3 == 0 {
					outcome = Failure
				}
				lease.Release(ctx, outcome)
			}
		}(i)
	}
	wg.Wait()

	// --- Assert ---
	assert.Empty(t, violations)
	assert.LessOrEqual(t, p.StandbyCount(gpu), 3)
	assert.Zero(t, p.Stats()[gpu].Leased)
}

func TestPool_FailedReleaseTerminatesWorker(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	prov := &fakeProvisioner{}
	p := newTestPool(prov, Options{})
	p.Prewarm(ctx, gpu, 1)
	p.WaitPrewarm()

	lease, err := p.Acquire(ctx, gpu, "doomed")
	require.NoError(t, err)
	require.True(t, lease.Release(ctx, Failure))

	_, destroyed := prov.counts()
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, 0, p.StandbyCount(gpu))
	assert.Empty(t, p.Workers())
}

func TestPool_PrewarmFailuresAreBestEffort(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newTestPool(&fakeProvisioner{failCreates: -1}, Options{})

	p.Prewarm(ctx, gpu, 3)
	p.WaitPrewarm()

	assert.Equal(t, 0, p.StandbyCount(gpu))
	assert.Equal(t, 3, p.Stats()[gpu].Target)

	_, err := p.Acquire(ctx, gpu, "cold")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrWorkerCreation), "acquire surfaces hard failures")
	assert.True(t, errors.Is(err, errBoot))
}

func TestPool_RetryCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	policy := BackoffPolicy{Base: time.Millisecond, Cap: 4 * time.Millisecond, MaxAttempts: 3}

	t.Run("recovers within budget", func(t *testing.T) {
		prov := &fakeProvisioner{failCreates: 2}
		p := newTestPool(prov, Options{})

		_, err := p.Acquire(ctx, gpu, "first")
		require.Error(t, err)

		lease, err := p.RetryCreate(ctx, gpu, "first", err, policy)
		require.NoError(t, err)
		require.NotNil(t, lease)
		assert.Equal(t, 3, prov.attempts)
		assert.True(t, lease.Release(ctx, Success))
	})

	t.Run("exhaustion surfaces the original error", func(t *testing.T) {
		prov := &fakeProvisioner{failCreates: -1}
		p := newTestPool(prov, Options{})
		original := fault.Wrap(fault.KindWorkerCreation, errBoot, "original")

		lease, err := p.RetryCreate(ctx, gpu, "never", original, policy)
		require.Nil(t, lease)
		assert.Same(t, original, err)
		assert.Equal(t, 3, prov.attempts, "bounded attempt count")
	})

	t.Run("context cancellation stops the backoff", func(t *testing.T) {
		prov := &fakeProvisioner{failCreates: -1}
		p := newTestPool(prov, Options{})
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := p.RetryCreate(cctx, gpu, "cancelled", errBoot, BackoffPolicy{Base: time.Hour, MaxAttempts: 5})
		require.Error(t, err)
		assert.True(t, errors.Is(err, errBoot))
		assert.Zero(t, prov.attempts)
	})
}

func TestPool_PauseAndResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	prov := &fakeProvisioner{}
	p := newTestPool(prov, Options{})
	p.Prewarm(ctx, gpu, 2)
	p.WaitPrewarm()

	workers := p.Workers()
	require.Len(t, workers, 2)
	pausedID := workers[0].ID
	require.NoError(t, p.Pause(ctx, pausedID))
	assert.Equal(t, 1, p.Stats()[gpu].Paused)

	t.Run("paused worker is not leased while another is idle", func(t *testing.T) {
		lease, err := p.Acquire(ctx, gpu, "active")
		require.NoError(t, err)
		assert.NotEqual(t, pausedID, lease.Worker().ID)

		t.Run("leased worker cannot be paused", func(t *testing.T) {
			err := p.Pause(ctx, lease.Worker().ID)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})

		t.Run("only paused workers left: acquire resumes one", func(t *testing.T) {
			second, err := p.Acquire(ctx, gpu, "resumed")
			require.NoError(t, err)
			assert.Equal(t, pausedID, second.Worker().ID)
			assert.Equal(t, 1, prov.resumed)
			second.Release(ctx, Success)
		})
		lease.Release(ctx, Success)
	})

	t.Run("explicit resume", func(t *testing.T) {
		id := p.Workers()[0].ID
		require.NoError(t, p.Pause(ctx, id))
		assert.ErrorIs(t, p.Pause(ctx, id), ErrInvalidTransition)
		require.NoError(t, p.Resume(ctx, id))
		assert.Zero(t, p.Stats()[gpu].Paused)
	})

	t.Run("unknown worker", func(t *testing.T) {
		assert.ErrorIs(t, p.Pause(ctx, "nope"), ErrUnknownWorker)
		assert.ErrorIs(t, p.Resume(ctx, "nope"), ErrUnknownWorker)
	})
}

func TestPool_ReapPausesIdleStandby(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	prov := &fakeProvisioner{}
	p := newTestPool(prov, Options{IdleTimeout: 10 * time.Millisecond})
	p.Prewarm(ctx, gpu, 2)
	p.WaitPrewarm()

	assert.Zero(t, p.reap(ctx, time.Now()), "fresh workers are not idle yet")
	assert.Equal(t, 2, p.reap(ctx, time.Now().Add(time.Second)))
	assert.Equal(t, 2, p.Stats()[gpu].Paused)
	assert.Equal(t, 2, prov.paused)
}

func TestPool_StartStopReaper(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	p := newTestPool(&fakeProvisioner{}, Options{IdleTimeout: time.Millisecond, ReapInterval: 5 * time.Millisecond})
	p.Prewarm(ctx, gpu, 1)
	p.WaitPrewarm()

	p.Start(ctx)
	p.Start(ctx)
	require.Eventually(t, func() bool { return p.Stats()[gpu].Paused == 1 }, time.Second, 5*time.Millisecond)
	p.Stop()
	p.Stop()
}

func TestPool_Shutdown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	prov := &fakeProvisioner{}
	p := newTestPool(prov, Options{})
	p.Prewarm(ctx, gpu, 2)

	p.Shutdown(ctx)

	_, destroyed := prov.counts()
	assert.Equal(t, 2, destroyed)
	assert.Empty(t, p.Workers())
}
