package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/agentgrid/internal/dispatch"
	"github.com/vk/agentgrid/internal/fault"
	"github.com/vk/agentgrid/internal/hcl"
	"github.com/vk/agentgrid/internal/pool"
	"github.com/vk/agentgrid/internal/registry"
	"github.com/vk/agentgrid/internal/testutil"
)

const local pool.WorkerType = "local"

const pipelineHCL = `
workflow "pipeline" {
  description = "Two local steps."

  step "fetch" {
    worker_type = "local"
    operation   = "work"
  }

  step "store" {
    worker_type = "local"
    operation   = "work"
    depends_on  = ["fetch"]
    max_retries = 0
  }
}
`

// setupAppTest writes the catalog and optional settings into a temp dir
// and builds an App around the given modules.
func setupAppTest(t *testing.T, cfg Config, catalog, settingsYAML string, modules ...registry.Module) (*App, *testutil.SafeBuffer) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.hcl"), []byte(catalog), 0o644))
	if settingsYAML != "" {
		cfg.SettingsPath = filepath.Join(dir, "settings.yaml")
		require.NoError(t, os.WriteFile(cfg.SettingsPath, []byte(settingsYAML), 0o644))
	}
	cfg.WorkflowsPath = dir
	cfg.LogLevel = "debug"
	cfg.LogFormat = "text"

	logBuffer := &testutil.SafeBuffer{}
	t.Cleanup(func() {
		if os.Getenv("AGENTGRID_TEST_LOGS") == "true" {
			t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
		}
	})
	return NewApp(logBuffer, &cfg, hcl.NewLoader(), modules...), logBuffer
}

func TestNewConfig(t *testing.T) {
	t.Parallel()

	_, err := NewConfig(Config{})
	assert.ErrorContains(t, err, "WorkflowsPath is a required")

	_, err = NewConfig(Config{WorkflowsPath: "w", Params: map[string]any{"a": 1}})
	assert.ErrorContains(t, err, "no workflow to run")

	_, err = NewConfig(Config{WorkflowsPath: "w", HealthcheckPort: -1})
	assert.Error(t, err)

	cfg, err := NewConfig(Config{WorkflowsPath: "w", RunWorkflow: "pipeline", Params: map[string]any{"a": 1}})
	require.NoError(t, err)
	assert.Equal(t, "pipeline", cfg.RunWorkflow)
}

func TestApp_RunWorkflowOnce(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	rec := testutil.NewRecorder(0)
	app, logs := setupAppTest(t, Config{RunWorkflow: "pipeline"}, pipelineHCL, "",
		&testutil.SimpleModule{WorkerType: local, Operation: "work", Handler: rec.Handle})

	// --- Act ---
	err := app.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err)
	assert.Equal(t, 1, rec.Attempts("fetch"))
	assert.Equal(t, 1, rec.Attempts("store"))
	testutil.AssertStepRan(t, logs.String(), "fetch")
	testutil.AssertStepRan(t, logs.String(), "store")
	assert.Contains(t, logs.String(), "Workflow outputs.")

	runs, err := app.Scheduler().Runs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Succeeded())
}

func TestApp_RunWorkflowFailure(t *testing.T) {
	t.Parallel()
	rec := testutil.NewRecorder(0).FailTimes("store", -1)
	app, _ := setupAppTest(t, Config{RunWorkflow: "pipeline"}, pipelineHCL, "",
		&testutil.SimpleModule{WorkerType: local, Operation: "work", Handler: rec.Handle})

	err := app.Run(context.Background())

	require.Error(t, err)
	assert.ErrorContains(t, err, "workflow 'pipeline' failed at step 'store'")
	assert.Equal(t, 1, rec.Attempts("store"), "max_retries = 0 means a single attempt")
}

func TestApp_UnknownWorkflow(t *testing.T) {
	t.Parallel()
	app, _ := setupAppTest(t, Config{RunWorkflow: "nope"}, pipelineHCL, "",
		&testutil.SimpleModule{WorkerType: local, Operation: "work", Handler: testutil.NewRecorder(0).Handle})

	err := app.Run(context.Background())

	assert.ErrorContains(t, err, "unknown workflow 'nope', available: pipeline")
}

func TestNewApp_PanicsOnStartupErrors(t *testing.T) {
	t.Parallel()

	t.Run("unregistered handler", func(t *testing.T) {
		t.Parallel()
		defer func() {
			err, ok := recover().(error)
			require.True(t, ok, "NewApp should panic with an error")
			assert.ErrorIs(t, err, fault.ErrGraphInvalid)
			assert.ErrorContains(t, err, "no handler registered for steps: fetch (local/work), store (local/work)")
		}()
		setupAppTest(t, Config{}, pipelineHCL, "", &testutil.NoOpModule{WorkerTypes: []pool.WorkerType{local}})
	})

	t.Run("bad settings", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() {
			setupAppTest(t, Config{}, pipelineHCL, "dispatch:\n  concurrency: 0\n")
		})
	})

	t.Run("bad catalog", func(t *testing.T) {
		t.Parallel()
		assert.Panics(t, func() {
			setupAppTest(t, Config{}, `workflow "x" {`, "")
		})
	})
}

func TestApp_DescribeCatalogPrewarmsAndShutsDown(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	prov := &testutil.FakeProvisioner{}
	app, logs := setupAppTest(t, Config{}, pipelineHCL, "pool:\n  prewarm:\n    local: 2\n",
		&testutil.SimpleModule{WorkerType: local, Operation: "work", Handler: testutil.NewRecorder(0).Handle, Provisioner: prov})

	// --- Act ---
	err := app.Run(context.Background())

	// --- Assert ---
	require.NoError(t, err)
	assert.EqualValues(t, 2, prov.Creates.Load())
	assert.EqualValues(t, 2, prov.Destroys.Load(), "shutdown terminates idle workers")
	assert.Contains(t, logs.String(), "Workflow available.")
	assert.Contains(t, logs.String(), "Skipping prewarm for unregistered worker type.")
}

func TestApp_ServeRunsQueueUntilCancelled(t *testing.T) {
	t.Parallel()
	// --- Arrange ---
	rec := testutil.NewRecorder(0)
	app, _ := setupAppTest(t, Config{Serve: true, RunWorkflow: "pipeline"}, pipelineHCL, "",
		&testutil.SimpleModule{WorkerType: local, Operation: "work", Handler: rec.Handle})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- app.Run(ctx) }()

	// --- Act ---
	results := make(chan *dispatch.Result, 1)
	require.Eventually(t, func() bool { return app.Queue().Stats().Running }, 2*time.Second, 5*time.Millisecond)
	_, err := app.Queue().Enqueue(ctx, dispatch.Operation{
		Backend:  local,
		Name:     "work",
		Callback: func(r *dispatch.Result) { results <- r },
	})
	require.NoError(t, err)

	// --- Assert ---
	select {
	case res := <-results:
		assert.True(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("queued operation did not run")
	}
	require.Eventually(t, func() bool { return rec.Ran("store") }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.False(t, app.Queue().Stats().Running)
}

func TestApp_OperatorRoutes(t *testing.T) {
	t.Parallel()
	app, _ := setupAppTest(t, Config{}, pipelineHCL, "",
		&testutil.SimpleModule{WorkerType: local, Operation: "work", Handler: testutil.NewRecorder(0).Handle})
	ctx, _ := testutil.LogContext(t)
	handler := app.routes(ctx)

	t.Run("health", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK\n", rr.Body.String())
	})

	t.Run("status", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		var status Status
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&status))
		assert.Equal(t, []string{"pipeline"}, status.Workflows)
		assert.Equal(t, 20, status.Queue.Concurrency)
		assert.Empty(t, status.Runs)
	})

	t.Run("metrics", func(t *testing.T) {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, strings.Contains(rr.Body.String(), "agentgrid_"), "exposes agentgrid metrics")
	})
}
