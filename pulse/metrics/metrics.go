// Package metrics exposes scheduler, latch and maintenance activity as
// Prometheus metrics.
//
//	rate(warden_jobs_fired_total{outcome="failed"}[5m])
//	histogram_quantile(0.95, rate(warden_job_duration_seconds_bucket[5m]))
//	warden_latch_state > 0    # database latched for maintenance
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/warden/db/latch"
	"github.com/teranos/warden/errors"
)

const namespace = "warden"

// Collector holds warden's metrics. A nil *Collector is valid and records
// nothing, so components can take one unconditionally.
type Collector struct {
	jobsFired   *prometheus.CounterVec
	jobDuration prometheus.Histogram
	jobsRunning prometheus.Gauge

	latchState prometheus.Gauge

	tasks    *prometheus.CounterVec
	progress *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		jobsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_fired_total",
			Help:      "Job executions finished on this node, by outcome",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job execution time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently executing on this node",
		}),
		latchState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "latch_state",
			Help:      "Database gate state: 0 open, 1 latched, 2 draining, 3 drained",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "maintenance_tasks_total",
			Help:      "Maintenance tasks that reached a terminal state",
		}, []string{"operation", "state"}),
		progress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "maintenance_progress_percent",
			Help:      "Progress of the current maintenance task",
		}, []string{"operation"}),
	}

	for _, m := range []prometheus.Collector{c.jobsFired, c.jobDuration, c.jobsRunning, c.latchState, c.tasks, c.progress} {
		if err := reg.Register(m); err != nil {
			return nil, errors.Wrap(err, "register metric")
		}
	}
	return c, nil
}

// JobFinished records one finished execution.
func (c *Collector) JobFinished(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsFired.WithLabelValues(outcome).Inc()
	c.jobDuration.Observe(d.Seconds())
}

// SetJobsRunning sets the number of jobs executing on this node.
func (c *Collector) SetJobsRunning(n int) {
	if c == nil {
		return
	}
	c.jobsRunning.Set(float64(n))
}

// ObserveGate follows g's state transitions.
func (c *Collector) ObserveGate(g *latch.Gate) {
	if c == nil {
		return
	}
	c.latchState.Set(float64(g.State()))
	g.OnStateChange(func(s latch.State) {
		c.latchState.Set(float64(s))
	})
}

// TaskFinished counts a maintenance task reaching a terminal state and
// clears its progress gauge.
func (c *Collector) TaskFinished(operation, state string) {
	if c == nil {
		return
	}
	c.tasks.WithLabelValues(operation, state).Inc()
	c.progress.DeleteLabelValues(operation)
}

// TaskProgress publishes the progress of a running maintenance task.
func (c *Collector) TaskProgress(operation string, percent int) {
	if c == nil {
		return
	}
	c.progress.WithLabelValues(operation).Set(float64(percent))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
