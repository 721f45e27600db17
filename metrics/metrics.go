// Package metrics exposes prometheus collectors for the event store,
// aggregate stores, outbox relay and projector.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventstore"

var defaultBuckets = []float64{
	0.001, 0.002, 0.005,
	0.01, 0.02, 0.05,
	0.1, 0.2, 0.5,
	1, 2, 5, 10,
}

// Metrics holds all collectors
type Metrics struct {
	appendDuration       *prometheus.HistogramVec
	peekDuration         *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	snapshotsTaken   *prometheus.CounterVec
	snapshotCacheHit *prometheus.CounterVec

	outboxEnqueued  prometheus.Counter
	outboxClaimed   prometheus.Counter
	outboxDispatch  *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec

	projected         prometheus.Counter
	projectionFailure prometheus.Counter
}

// New creates and registers all collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregate_append_duration_seconds",
			Help:      "Aggregate append latency in seconds.",
			Buckets:   defaultBuckets,
		}, []string{"stream_type"}),

		peekDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "aggregate_peek_duration_seconds",
			Help:      "Aggregate load latency in seconds.",
			Buckets:   defaultBuckets,
		}, []string{"stream_type", "snapshot"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of appended domain events.",
		}, []string{"stream_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Total number of optimistic concurrency failures.",
		}, []string{"stream_type"}),

		snapshotsTaken: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_taken_total",
			Help:      "Total number of stored snapshots.",
		}, []string{"stream_type"}),

		snapshotCacheHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_lookups_total",
			Help:      "Snapshot cache lookups by result.",
		}, []string{"stream_type", "result"}),

		outboxEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "enqueued_total",
			Help:      "Total number of enqueued outbox messages.",
		}),

		outboxClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "claimed_total",
			Help:      "Total number of claimed outbox messages.",
		}),

		outboxDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "dispatch_total",
			Help:      "Total number of outbox dispatch attempts by result.",
		}, []string{"result"}),

		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "dispatch_latency_seconds",
			Help:      "Latency distribution for outbox dispatch.",
			Buckets:   defaultBuckets,
		}, []string{"result"}),

		projected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projector",
			Name:      "events_total",
			Help:      "Total number of successfully projected events.",
		}),

		projectionFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "projector",
			Name:      "failures_total",
			Help:      "Total number of projection failures.",
		}),
	}

	reg.MustRegister(
		m.appendDuration,
		m.peekDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.snapshotsTaken,
		m.snapshotCacheHit,
		m.outboxEnqueued,
		m.outboxClaimed,
		m.outboxDispatch,
		m.dispatchLatency,
		m.projected,
		m.projectionFailure,
	)

	return m
}

// AggregateAppended records a successful aggregate append
func (m *Metrics) AggregateAppended(streamType string, events int, took time.Duration) {
	if m == nil {
		return
	}

	m.appendDuration.WithLabelValues(streamType).Observe(took.Seconds())
	m.eventsAppended.WithLabelValues(streamType).Add(float64(events))
}

// AggregatePeeked records an aggregate load
func (m *Metrics) AggregatePeeked(streamType string, fromSnapshot bool, took time.Duration) {
	if m == nil {
		return
	}

	m.peekDuration.WithLabelValues(streamType, boolLabel(fromSnapshot)).Observe(took.Seconds())
}

// ConcurrencyConflict records an optimistic concurrency failure
func (m *Metrics) ConcurrencyConflict(streamType string) {
	if m == nil {
		return
	}

	m.concurrencyConflicts.WithLabelValues(streamType).Inc()
}

// SnapshotTaken records a stored snapshot
func (m *Metrics) SnapshotTaken(streamType string) {
	if m == nil {
		return
	}

	m.snapshotsTaken.WithLabelValues(streamType).Inc()
}

// SnapshotCacheLookup records a snapshot cache hit or miss
func (m *Metrics) SnapshotCacheLookup(streamType string, hit bool) {
	if m == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}

	m.snapshotCacheHit.WithLabelValues(streamType, result).Inc()
}

// OutboxEnqueued records enqueued outbox messages
func (m *Metrics) OutboxEnqueued(n int) {
	if m == nil {
		return
	}

	m.outboxEnqueued.Add(float64(n))
}

// OutboxClaimed records claimed outbox messages
func (m *Metrics) OutboxClaimed(n int) {
	if m == nil {
		return
	}

	m.outboxClaimed.Add(float64(n))
}

// OutboxDispatched records a dispatch attempt
func (m *Metrics) OutboxDispatched(ok bool, took time.Duration) {
	if m == nil {
		return
	}

	result := "error"
	if ok {
		result = "ok"
	}

	m.outboxDispatch.WithLabelValues(result).Inc()
	m.dispatchLatency.WithLabelValues(result).Observe(took.Seconds())
}

// EventProjected records a successfully projected event
func (m *Metrics) EventProjected() {
	if m == nil {
		return
	}

	m.projected.Inc()
}

// ProjectionFailed records a projection failure
func (m *Metrics) ProjectionFailed() {
	if m == nil {
		return
	}

	m.projectionFailure.Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}

	return "false"
}
