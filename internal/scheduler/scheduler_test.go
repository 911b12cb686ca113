package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/history"
	"github.com/vk/agentgrid/internal/metrics"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
	"github.com/vk/agentgrid/internal/testutil"
	"github.com/vk/agentgrid/internal/workflow"
)

const (
	gpu     pool.WorkerType = "gpu-accelerated"
	highMem pool.WorkerType = "high-memory"
)

type harness struct {
	sched   *Scheduler
	pool    *pool.Pool
	reg     *registry.Registry
	metrics *metrics.Collector
	history *history.Memory[*Result]
}

func newHarness(t *testing.T, rec *testutil.Recorder) *harness {
	t.Helper()
	reg := registry.New()
	for _, wt := range []pool.WorkerType{gpu, highMem} {
		reg.Register(wt, "work", rec.Handle)
	}
	h := &harness{
		pool:    pool.New(reg, pool.Options{}),
		reg:     reg,
		metrics: metrics.New(),
		history: history.NewMemory[*Result](10),
	}
	h.sched = New(h.pool, reg, Options{
		DefaultTimeout: time.Second,
		Backoff:        pool.BackoffPolicy{Base: time.Millisecond, Cap: 5 * time.Millisecond, MaxAttempts: 2},
		History:        h.history,
		Metrics:        h.metrics,
	})
	t.Cleanup(h.sched.Stop)
	return h
}

func step(id string, wt pool.WorkerType, deps ...string) workflow.Step {
	return workflow.Step{ID: id, WorkerType: wt, Operation: "work", DependsOn: deps}
}

func diamond() *workflow.Graph {
	return workflow.MustNew("diamond",
		step("A", gpu),
		step("B", highMem, "A"),
		step("C", gpu, "A"),
		step("D", highMem, "B", "C"),
	)
}

func TestRun_DiamondRunsInThreeRounds(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	rec := testutil.NewRecorder(0)
	h := newHarness(t, rec)
	ctx, logs := testutil.LogContext(t)

	// --- Act ---
	res, err := h.sched.Run(ctx, diamond(), nil)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, 1, res.Step("A").Round)
	assert.Equal(t, 2, res.Step("B").Round)
	assert.Equal(t, 2, res.Step("C").Round)
	assert.Equal(t, 3, res.Step("D").Round)
	for _, id := range []string{"A", "B", "C", "D"} {
		assert.Equal(t, StepSucceeded, res.Step(id).Status, id)
		assert.Equal(t, 1, res.Step(id).Attempts, id)
		assert.Contains(t, res.Outputs, id)
		testutil.AssertStepRan(t, logs.String(), id)
	}
	assert.Empty(t, res.FailedStep)
	assert.NoError(t, res.Err)
}

func TestRun_SameRoundStepsRunConcurrently(t *testing.T) {
	t.Parallel()
	rec := testutil.NewRecorder(50 * time.Millisecond)
	h := newHarness(t, rec)

	res, err := h.sched.Run(context.Background(), diamond(), nil)

	require.NoError(t, err)
	require.True(t, res.Succeeded())
	testutil.AssertWindowsOverlap(t, rec.Runs("B")[0], rec.Runs("C")[0])
}

func TestRun_TopologicalOrder(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	rec := testutil.NewRecorder(5 * time.Millisecond)
	h := newHarness(t, rec)
	g := workflow.MustNew("wide",
		step("root", gpu),
		step("left", gpu, "root"),
		step("right", highMem, "root"),
		step("far", gpu),
		step("mid", highMem, "left", "far"),
		step("tail", gpu, "mid", "right"),
		step("sink", highMem, "tail", "far", "root"),
	)

	// --- Act ---
	res, err := h.sched.Run(context.Background(), g, nil)

	// --- Assert ---
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	for _, s := range g.Steps() {
		started := rec.Runs(s.ID)[0].Start
		for _, dep := range s.DependsOn {
			depRuns := rec.Runs(dep)
			finished := depRuns[len(depRuns)-1].End
			assert.False(t, started.Before(finished), "%s started before %s finished", s.ID, dep)
		}
	}
}

func TestRun_RejectsCyclesBeforeAnyHandler(t *testing.T) {
	t.Parallel()

	cases := map[string]*workflow.Graph{
		"self": workflow.MustNew("self", step("A", gpu, "A")),
		"pair": workflow.MustNew("pair", step("A", gpu, "B"), step("B", gpu, "A")),
		"triangle": workflow.MustNew("triangle",
			step("A", gpu, "C"), step("B", gpu, "A"), step("C", gpu, "B")),
		"tail into loop": workflow.MustNew("tail",
			step("S", gpu), step("A", gpu, "S", "D"), step("B", gpu, "A"),
			step("C", gpu, "B"), step("D", gpu, "C")),
	}
	for name, g := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			rec := testutil.NewRecorder(0)
			h := newHarness(t, rec)

			res, err := h.sched.Run(context.Background(), g, nil)

			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, fault.ErrGraphInvalid))
			for _, s := range g.Steps() {
				assert.False(t, rec.Ran(s.ID), s.ID)
			}
			assert.Empty(t, h.pool.Workers(), "no worker leased for a rejected graph")
		})
	}
}

func TestRun_RejectsUnknownHandler(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testutil.NewRecorder(0))
	g := workflow.MustNew("unknown", workflow.Step{ID: "A", WorkerType: "nft-minter", Operation: "mint"})

	_, err := h.sched.Run(context.Background(), g, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrGraphInvalid))
	assert.ErrorContains(t, err, "nft-minter/mint")
}

func TestRun_RetryBudget(t *testing.T) {
	t.Parallel()

	t.Run("fails twice then succeeds", func(t *testing.T) {
		t.Parallel()
		rec := testutil.NewRecorder(0).FailTimes("A", 2)
		h := newHarness(t, rec)
		a := step("A", gpu)
		a.MaxRetries = 3

		res, err := h.sched.Run(context.Background(), workflow.MustNew("flaky", a), nil)

		require.NoError(t, err)
		assert.Equal(t, RunCompleted, res.Status)
		assert.Equal(t, StepSucceeded, res.Step("A").Status)
		assert.Equal(t, 3, res.Step("A").Attempts)
		assert.Equal(t, 3, rec.Attempts("A"))
		assert.Equal(t, 3, res.Rounds, "a retry waits for the next round")
	})

	for _, maxRetries := range []int{0, 1, 4} {
		t.Run("always fails", func(t *testing.T) {
			t.Parallel()
			rec := testutil.NewRecorder(0).FailTimes("A", -1)
			h := newHarness(t, rec)
			a := step("A", gpu)
			a.MaxRetries = maxRetries

			res, err := h.sched.Run(context.Background(), workflow.MustNew("broken", a), nil)

			require.NoError(t, err)
			assert.Equal(t, RunFailed, res.Status)
			assert.Equal(t, StepFailed, res.Step("A").Status)
			assert.Equal(t, maxRetries+1, res.Step("A").Attempts)
			assert.Equal(t, maxRetries+1, rec.Attempts("A"))
			assert.Equal(t, "A", res.FailedStep)
			assert.Equal(t, fault.KindHandler, res.ErrorKind)
			assert.ErrorContains(t, res.Err, "injected failure")
		})
	}
}

func TestRun_HandlerTimeout(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	rec := testutil.NewRecorder(0).Hang("A")
	h := newHarness(t, rec)
	a := step("A", gpu)
	a.Timeout = 50 * time.Millisecond
	a.MaxRetries = 1

	// --- Act ---
	start := time.Now()
	res, err := h.sched.Run(context.Background(), workflow.MustNew("slow", a), nil)

	// --- Assert ---
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, 2, res.Step("A").Attempts)
	assert.Equal(t, fault.KindHandlerTimeout, res.Step("A").ErrorKind)
	assert.True(t, errors.Is(res.Err, fault.ErrHandlerTimeout))
}

func TestRun_FailureBlocksDependents(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	rec := testutil.NewRecorder(0).FailTimes("A", -1)
	h := newHarness(t, rec)
	g := workflow.MustNew("chain",
		step("A", gpu),
		step("B", highMem, "A"),
		step("C", gpu, "B"),
		step("X", highMem),
	)

	// --- Act ---
	res, err := h.sched.Run(context.Background(), g, nil)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, "A", res.FailedStep)
	assert.Equal(t, fault.KindHandler, res.Step("A").ErrorKind)
	for _, id := range []string{"B", "C"} {
		assert.Equal(t, StepFailed, res.Step(id).Status, id)
		assert.Equal(t, fault.KindBlockedByDependency, res.Step(id).ErrorKind, id)
		assert.Zero(t, res.Step(id).Attempts, id)
		assert.False(t, rec.Ran(id), id)
	}
	assert.Equal(t, StepSucceeded, res.Step("X").Status, "independent branch still runs")
	assert.Contains(t, res.Outputs, "X")
}

func TestRun_WorkerReleasedOnEveryOutcome(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	rec := testutil.NewRecorder(0).FailTimes("bad", -1)
	h := newHarness(t, rec)
	ctx := context.Background()
	h.pool.Prewarm(ctx, gpu, 2)
	h.pool.WaitPrewarm()
	g := workflow.MustNew("mixed", step("good", gpu), step("bad", gpu))

	// --- Act ---
	res, err := h.sched.Run(ctx, g, nil)

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, RunFailed, res.Status)
	stats := h.pool.Stats()[gpu]
	assert.Zero(t, stats.Leased)
	assert.Equal(t, 1, stats.Standby, "the failed worker is terminated, the good one returns")
}

func TestRun_PassesParamsAndUpstream(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	reg := registry.New()
	var seen atomic.Pointer[registry.Request]
	reg.Register(gpu, "produce", func(context.Context, *pool.Worker, *registry.Request) (any, error) {
		return "artifact", nil
	})
	reg.Register(gpu, "consume", func(_ context.Context, _ *pool.Worker, req *registry.Request) (any, error) {
		seen.Store(req)
		return nil, nil
	})
	s := New(pool.New(reg, pool.Options{}), reg, Options{})
	t.Cleanup(s.Stop)
	g := workflow.MustNew("params",
		workflow.Step{ID: "p", WorkerType: gpu, Operation: "produce"},
		workflow.Step{ID: "c", WorkerType: gpu, Operation: "consume", DependsOn: []string{"p"},
			Params: map[string]any{"amount": 10, "currency": "USD"}},
	)

	// --- Act ---
	res, err := s.Run(context.Background(), g, map[string]any{"amount": 25})

	// --- Assert ---
	require.NoError(t, err)
	require.True(t, res.Succeeded())
	req := seen.Load()
	require.NotNil(t, req)
	assert.Equal(t, 25, req.Params["amount"], "run params override step params")
	assert.Equal(t, "USD", req.Params["currency"])
	assert.Equal(t, map[string]any{"p": "artifact"}, req.Upstream)
	assert.Equal(t, "params", req.Workflow)
	assert.Equal(t, 1, req.Attempt)
}

func TestRun_WorkerCreationFailureIsRetried(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	reg := registry.New()
	rec := testutil.NewRecorder(0)
	reg.Register(gpu, "work", rec.Handle)
	prov := &flakyProvisioner{failures: 2}
	reg.RegisterProvisioner(gpu, prov)
	s := New(pool.New(reg, pool.Options{}), reg, Options{
		Backoff: pool.BackoffPolicy{Base: time.Millisecond, Cap: time.Millisecond, MaxAttempts: 3},
	})
	t.Cleanup(s.Stop)

	// --- Act ---
	res, err := s.Run(context.Background(), workflow.MustNew("boot", step("A", gpu)), nil)

	// --- Assert ---
	require.NoError(t, err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 1, res.Step("A").Attempts, "backoff recovers within one attempt")
	assert.EqualValues(t, 3, prov.creates.Load())
}

func TestRun_IndependentRunsDoNotCancelEachOther(t *testing.T) {
	t.Parallel()
	rec := testutil.NewRecorder(20*time.Millisecond).FailTimes("bad", -1)
	h := newHarness(t, rec)
	failing := workflow.MustNew("failing", step("bad", gpu))
	healthy := workflow.MustNew("healthy", step("good", gpu), step("after", highMem, "good"))

	results := make(chan *Result, 2)
	for _, g := range []*workflow.Graph{failing, healthy} {
		go func() {
			res, err := h.sched.Run(context.Background(), g, nil)
			assert.NoError(t, err)
			results <- res
		}()
	}

	byName := map[string]*Result{}
	for range 2 {
		res := <-results
		byName[res.Workflow] = res
	}
	assert.Equal(t, RunFailed, byName["failing"].Status)
	assert.Equal(t, RunCompleted, byName["healthy"].Status)
}

func TestRun_ContextCancellation(t *testing.T) {
	t.Parallel()
	rec := testutil.NewRecorder(0).Hang("A")
	h := newHarness(t, rec)
	a := step("A", gpu)
	a.Timeout = 10 * time.Second
	g := workflow.MustNew("cancelled", a, step("B", gpu, "A"))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := h.sched.Run(ctx, g, nil)

	require.NoError(t, err)
	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, StepFailed, res.Step("A").Status)
	assert.Equal(t, StepFailed, res.Step("B").Status)
	assert.False(t, rec.Ran("B"))
}

func TestExecute_NoProgressIsUnsatisfiable(t *testing.T) {
	t.Parallel()
	// Run rejects cycles up front, so drive execute directly.
	rec := testutil.NewRecorder(0)
	h := newHarness(t, rec)
	g := workflow.MustNew("stuck", step("A", gpu, "B"), step("B", gpu, "A"), step("free", gpu))

	res := h.sched.execute(context.Background(), newRun("r1", g, nil))

	assert.Equal(t, RunFailed, res.Status)
	assert.Equal(t, fault.KindUnsatisfiableGraph, res.ErrorKind)
	assert.Empty(t, res.FailedStep)
	assert.Equal(t, StepSucceeded, res.Step("free").Status)
	assert.False(t, rec.Ran("A"))
	assert.False(t, rec.Ran("B"))
}

func TestRun_RecordsHistoryAndMetrics(t *testing.T) {
	t.Parallel()
	rec := testutil.NewRecorder(0).FailTimes("bad", -1)
	h := newHarness(t, rec)
	ctx := context.Background()

	ok, err := h.sched.Run(ctx, diamond(), nil)
	require.NoError(t, err)
	failed, err := h.sched.Run(ctx, workflow.MustNew("failing", step("bad", gpu)), nil)
	require.NoError(t, err)

	stored, err := h.sched.RunStatus(ctx, ok.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, stored.Status)
	runs, err := h.sched.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, failed.RunID, runs[0].RunID)

	snap := h.metrics.Snapshot()
	assert.EqualValues(t, 2, snap.Workflows.Started)
	assert.EqualValues(t, 1, snap.Workflows.Completed)
	assert.EqualValues(t, 1, snap.Workflows.Failed)
	assert.EqualValues(t, 0, snap.Workflows.Active)
	assert.EqualValues(t, 5, snap.Backends[string(gpu)].Total+snap.Backends[string(highMem)].Total)

	_, err = h.sched.RunStatus(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownRun)
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	rec := testutil.NewRecorder(10 * time.Millisecond)
	h := newHarness(t, rec)
	ctx, cancel := context.WithCancel(context.Background())

	id, err := h.sched.Submit(ctx, diamond(), nil)
	require.NoError(t, err)
	cancel() // the run must outlive the submitting context

	require.Eventually(t, func() bool {
		res, err := h.sched.RunStatus(context.Background(), id)
		return err == nil && res.Status != RunRunning
	}, 2*time.Second, 10*time.Millisecond)

	res, err := h.sched.RunStatus(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, res.Status)
	assert.Equal(t, 3, res.Rounds)

	_, err = h.sched.Submit(context.Background(), workflow.MustNew("cyclic", step("A", gpu, "A")), nil)
	assert.True(t, errors.Is(err, fault.ErrGraphInvalid))
}

func TestStartStopPrunesHistory(t *testing.T) {
	t.Parallel()
	reg := registry.New()
	rec := testutil.NewRecorder(0)
	reg.Register(gpu, "work", rec.Handle)
	store := history.NewMemory[*Result](10)
	s := New(pool.New(reg, pool.Options{}), reg, Options{
		History:       store,
		Retention:     time.Millisecond,
		PruneInterval: 5 * time.Millisecond,
	})

	_, err := s.Run(context.Background(), workflow.MustNew("one", step("A", gpu)), nil)
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	s.Start(context.Background())
	s.Start(context.Background())
	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	s.Stop()
}

type flakyProvisioner struct {
	pool.NopProvisioner
	failures int32
	creates  atomic.Int32
}

func (p *flakyProvisioner) Create(context.Context, pool.WorkerType) (any, error) {
	if p.creates.Add(1) <= p.failures {
		return nil, errors.New("boot failed")
	}
	return nil, nil
}
