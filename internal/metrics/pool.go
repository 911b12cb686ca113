package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vk/agentgrid/internal/pool"
)

// PoolStatsFunc reports per-type worker counts.
type PoolStatsFunc func() map[pool.WorkerType]pool.TypeStats

type poolCollector struct {
	stats   PoolStatsFunc
	workers *prometheus.Desc
	target  *prometheus.Desc
}

// NewPoolCollector exposes worker counts by type and state, read from stats
// on every scrape.
func NewPoolCollector(stats PoolStatsFunc) prometheus.Collector {
	return &poolCollector{
		stats: stats,
		workers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "workers"),
			"Workers by type and state.",
			[]string{"worker_type", "state"}, nil,
		),
		target: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "standby_target"),
			"Prewarm target by worker type.",
			[]string{"worker_type"}, nil,
		),
	}
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.workers
	ch <- c.target
}

func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	for t, s := range c.stats() {
		wt := string(t)
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(s.Standby), wt, string(pool.StatusStandby))
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(s.Paused), wt, string(pool.StatusPaused))
		ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(s.Leased), wt, string(pool.StatusActive))
		ch <- prometheus.MustNewConstMetric(c.target, prometheus.GaugeValue, float64(s.Target), wt)
	}
}
