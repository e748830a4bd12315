// Package metrics backs spec section 6's stats(handle) call: a
// per-handle counters snapshot covering commits, aborts, conflicts,
// bytes appended, checkpoints, and compactions.
//
// It generalizes cuemby-warren's pkg/metrics — prometheus.Counter/Gauge
// instances plus a Timer helper for durations — but registers each
// Collector's metrics into a Collector-owned prometheus.Registry
// rather than the global DefaultRegisterer: entidb is an embeddable
// library, and a process may open more than one database handle, so
// package-level globals registered once at init (the teacher's
// pattern, fine for a single-process daemon) would make every open
// handle share one set of counters and panic on a second Open's
// duplicate registration. No HTTP exposition is wired (networked
// transports are a non-goal here); Snapshot reads the counters back
// into a plain struct instead of a promhttp.Handler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Stats is one point-in-time counters snapshot, spec section 6's
// stats(handle) return value.
type Stats struct {
	Commits       uint64
	Aborts        uint64
	Conflicts     uint64
	BytesAppended uint64
	Checkpoints   uint64
	Compactions   uint64
}

// Collector owns one handle's counters and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	commits       prometheus.Counter
	aborts        prometheus.Counter
	conflicts     prometheus.Counter
	bytesAppended prometheus.Counter
	checkpoints   prometheus.Counter
	compactions   prometheus.Counter
}

// New creates a Collector with its own registry, so multiple open
// database handles in one process never collide over metric names.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entidb_commits_total", Help: "Total number of committed write transactions.",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entidb_aborts_total", Help: "Total number of aborted write transactions.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entidb_conflicts_total", Help: "Total number of optimistic-concurrency conflicts detected at commit.",
		}),
		bytesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entidb_bytes_appended_total", Help: "Total bytes appended to segment records.",
		}),
		checkpoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entidb_checkpoints_total", Help: "Total number of completed checkpoints.",
		}),
		compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "entidb_compactions_total", Help: "Total number of completed compaction passes.",
		}),
	}
	c.registry.MustRegister(c.commits, c.aborts, c.conflicts, c.bytesAppended, c.checkpoints, c.compactions)
	return c
}

// CommitOK implements txn.MetricsSink.
func (c *Collector) CommitOK() { c.commits.Inc() }

// Aborted implements txn.MetricsSink.
func (c *Collector) Aborted() { c.aborts.Inc() }

// Conflict implements txn.MetricsSink.
func (c *Collector) Conflict() { c.conflicts.Inc() }

// BytesAppended implements txn.MetricsSink.
func (c *Collector) BytesAppended(n int) { c.bytesAppended.Add(float64(n)) }

// Checkpointed records one completed checkpoint.
func (c *Collector) Checkpointed() { c.checkpoints.Inc() }

// Compacted records one completed compaction pass.
func (c *Collector) Compacted() { c.compactions.Inc() }

// Snapshot reads every counter's current value into a Stats struct.
func (c *Collector) Snapshot() Stats {
	return Stats{
		Commits:       counterValue(c.commits),
		Aborts:        counterValue(c.aborts),
		Conflicts:     counterValue(c.conflicts),
		BytesAppended: counterValue(c.bytesAppended),
		Checkpoints:   counterValue(c.checkpoints),
		Compactions:   counterValue(c.compactions),
	}
}

func counterValue(c prometheus.Counter) uint64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return uint64(m.GetCounter().GetValue())
}

// Timer times one operation and records it to the metric passed to
// ObserveDuration — kept for callers that later add latency
// histograms; none are registered by Collector itself today.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to hist.
func (t *Timer) ObserveDuration(hist prometheus.Histogram) {
	hist.Observe(time.Since(t.start).Seconds())
}

// Duration reports the elapsed time since the Timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
