// Package metrics exposes Prometheus collectors for the workflow core.
//
// A nil *Collector is valid and records nothing, so components can take one optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deferred job outcomes.
const (
	OutcomeSucceeded  = "succeeded"
	OutcomeTimeout    = "timeout"
	OutcomeInitFailed = "init_failed"
	OutcomeJobFailed  = "job_failed"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
)

// Collector holds all adapter metrics.
type Collector struct {
	deferredJobs     *prometheus.CounterVec
	deferredWait     prometheus.Histogram
	transitions      *prometheus.CounterVec
	bulkCommands     *prometheus.CounterVec
	domainEvents     *prometheus.CounterVec
	stateLoad        prometheus.Histogram
	eventsReplayed   prometheus.Histogram
	offsetBackfilled prometheus.Counter
}

// NewCollector creates the collectors and registers them with reg.
// A nil reg registers nothing, which keeps tests independent of the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deferredJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adapter_deferred_jobs_total",
			Help: "Deferred jobs by outcome",
		}, []string{"outcome"}),
		deferredWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adapter_deferred_job_wait_seconds",
			Help:    "Time between subscribing and settling a deferred job",
			Buckets: prometheus.DefBuckets,
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adapter_state_machine_transitions_total",
			Help: "State machine transitions by workflow, transition and outcome",
		}, []string{"workflow", "transition", "outcome"}),
		bulkCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adapter_bulk_commands_total",
			Help: "Bulk command events handled by name and outcome",
		}, []string{"command", "outcome"}),
		domainEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "adapter_bulk_domain_events_total",
			Help: "Domain events emitted by the bulk orchestrator",
		}, []string{"event"}),
		stateLoad: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adapter_state_load_seconds",
			Help:    "Aggregate state reconstruction latency",
			Buckets: prometheus.DefBuckets,
		}),
		eventsReplayed: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "adapter_state_events_replayed",
			Help:    "Number of events replayed on top of a snapshot per load",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		offsetBackfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "adapter_offset_backfills_total",
			Help: "Snapshot offsets written back to the offset cache after a load",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			c.deferredJobs,
			c.deferredWait,
			c.transitions,
			c.bulkCommands,
			c.domainEvents,
			c.stateLoad,
			c.eventsReplayed,
			c.offsetBackfilled,
		)
	}
	return c
}

// RecordDeferredJob records a settled deferred job.
func (c *Collector) RecordDeferredJob(outcome string, waited time.Duration) {
	if c == nil {
		return
	}
	c.deferredJobs.WithLabelValues(outcome).Inc()
	c.deferredWait.Observe(waited.Seconds())
}

// RecordTransition records one state machine transition attempt.
func (c *Collector) RecordTransition(workflow, transition, outcome string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(workflow, transition, outcome).Inc()
}

// RecordBulkCommand records a handled command event.
func (c *Collector) RecordBulkCommand(command, outcome string) {
	if c == nil {
		return
	}
	c.bulkCommands.WithLabelValues(command, outcome).Inc()
}

// RecordDomainEvent records an emitted domain event.
func (c *Collector) RecordDomainEvent(name string) {
	if c == nil {
		return
	}
	c.domainEvents.WithLabelValues(name).Inc()
}

// RecordStateLoad records one aggregate reconstruction.
func (c *Collector) RecordStateLoad(took time.Duration, replayed int) {
	if c == nil {
		return
	}
	c.stateLoad.Observe(took.Seconds())
	c.eventsReplayed.Observe(float64(replayed))
}

// RecordOffsetBackfill records an opportunistic offset store.
func (c *Collector) RecordOffsetBackfill() {
	if c == nil {
		return
	}
	c.offsetBackfilled.Inc()
}

// Handler returns the /metrics HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
