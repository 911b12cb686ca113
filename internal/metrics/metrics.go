// Package metrics tracks per-backend performance and workflow outcomes.
//
// The Collector keeps plain running totals for status endpoints and the
// periodic summary log, and mirrors them into Prometheus collectors on a
// private registry served by Handler.
package metrics

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vk/agentgrid/internal/ctxlog"
)

const namespace = "agentgrid"

// BackendStats are the running totals for one backend (worker type).
type BackendStats struct {
	Total           int64         `json:"total"`
	Succeeded       int64         `json:"succeeded"`
	Failed          int64         `json:"failed"`
	AverageDuration time.Duration `json:"average_duration"`

	totalDuration time.Duration
}

// WorkflowStats count workflow runs.
type WorkflowStats struct {
	Started   int64 `json:"started"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Active    int64 `json:"active"`
}

// Snapshot is a copy of every total.
type Snapshot struct {
	Backends  map[string]BackendStats `json:"backends"`
	Workflows WorkflowStats           `json:"workflows"`
}

// Collector records operation and workflow outcomes. It is safe for
// concurrent use.
type Collector struct {
	mu        sync.Mutex
	backends  map[string]*BackendStats
	workflows WorkflowStats

	registry    *prometheus.Registry
	opsTotal    *prometheus.CounterVec
	opsDuration *prometheus.HistogramVec
	runsTotal   *prometheus.CounterVec
	activeRuns  prometheus.Gauge
}

// New creates a collector with its own Prometheus registry.
func New() *Collector {
	c := &Collector{
		backends: make(map[string]*BackendStats),
		registry: prometheus.NewRegistry(),
		opsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Handler invocations by backend and outcome.",
		}, []string{"backend", "outcome"}),
		opsDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Handler invocation latency by backend.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"backend"}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_runs_total",
			Help:      "Finished workflow runs by status.",
		}, []string{"status"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_runs_active",
			Help:      "Workflow runs currently executing.",
		}),
	}
	c.registry.MustRegister(c.opsTotal, c.opsDuration, c.runsTotal, c.activeRuns)
	return c
}

// ObserveOperation records one handler invocation against backend.
func (c *Collector) ObserveOperation(backend string, ok bool, d time.Duration) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	c.opsTotal.WithLabelValues(backend, outcome).Inc()
	c.opsDuration.WithLabelValues(backend).Observe(d.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	s, exists := c.backends[backend]
	if !exists {
		s = &BackendStats{}
		c.backends[backend] = s
	}
	s.Total++
	if ok {
		s.Succeeded++
	} else {
		s.Failed++
	}
	s.totalDuration += d
	s.AverageDuration = s.totalDuration / time.Duration(s.Total)
}

// RunStarted records the start of a workflow run.
func (c *Collector) RunStarted() {
	c.activeRuns.Inc()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workflows.Started++
	c.workflows.Active++
}

// RunFinished records the end of a workflow run.
func (c *Collector) RunFinished(completed bool) {
	c.activeRuns.Dec()
	status := "failed"
	if completed {
		status = "completed"
	}
	c.runsTotal.WithLabelValues(status).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.workflows.Active--
	if completed {
		c.workflows.Completed++
	} else {
		c.workflows.Failed++
	}
}

// Snapshot copies the current totals.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Snapshot{
		Backends:  make(map[string]BackendStats, len(c.backends)),
		Workflows: c.workflows,
	}
	for name, s := range c.backends {
		out.Backends[name] = *s
	}
	return out
}

// MustRegister adds extra collectors, e.g. pool gauges, to the registry.
func (c *Collector) MustRegister(cs ...prometheus.Collector) {
	c.registry.MustRegister(cs...)
}

// Gatherer exposes the registry for scraping and tests.
func (c *Collector) Gatherer() prometheus.Gatherer {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Report logs a performance summary every interval until ctx ends.
func (c *Collector) Report(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.logSummary(ctx)
		}
	}
}

func (c *Collector) logSummary(ctx context.Context) {
	logger := ctxlog.FromContext(ctx)
	snap := c.Snapshot()

	names := make([]string, 0, len(snap.Backends))
	for name := range snap.Backends {
		names = append(names, name)
	}
	sort.Strings(names)

	logger.Info("📊 Performance summary.",
		"runs_started", snap.Workflows.Started,
		"runs_completed", snap.Workflows.Completed,
		"runs_failed", snap.Workflows.Failed,
		"runs_active", snap.Workflows.Active,
	)
	for _, name := range names {
		s := snap.Backends[name]
		rate := 0.0
		if s.Total > 0 {
			rate = float64(s.Succeeded) / float64(s.Total) * 100
		}
		logger.Info("📊 Backend performance.",
			"backend", name,
			"total", s.Total,
			"success_rate", rate,
			"avg_duration", s.AverageDuration,
		)
	}
}
