// Package metrics holds the Prometheus collectors shared by every component.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "admit"

// Metrics contains Prometheus metrics for the admission layer.
type Metrics struct {
	// Rate limiting
	limitDecisions *prometheus.CounterVec

	// Local cache
	cacheAccess    *prometheus.CounterVec
	cacheEvictions *prometheus.CounterVec
	cachePuts      prometheus.Counter
	cacheSize      prometheus.Gauge

	// Shared store
	storeOps       *prometheus.CounterVec
	storeConflicts prometheus.Counter

	// Invalidation bus
	busPublished *prometheus.CounterVec
	busConsumed  *prometheus.CounterVec
	busGaps      prometheus.Counter
	deadLettered prometheus.Counter

	// Coordinator
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg creates
// unregistered collectors, which is what tests use.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		limitDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Token bucket decisions.",
		}, []string{"result"}),

		cacheAccess: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_access_total",
			Help:      "Cache lookups. Label \"tier\" = local|shared, \"type\" = hit|miss.",
		}, []string{"tier", "type"}),
		cacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_cache_evictions_total",
			Help:      "Entries removed from the local cache, by reason.",
		}, []string{"reason"}),
		cachePuts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "local_cache_puts_total",
			Help:      "Entries written to the local cache.",
		}),
		cacheSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "local_cache_size",
			Help:      "Number of entries in the local cache.",
		}),

		storeOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_store_operations_total",
			Help:      "Shared store operations by operation and result.",
		}, []string{"op", "result"}),
		storeConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_store_conflicts_total",
			Help:      "Version conflicts on conditional puts.",
		}),

		busPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_published_total",
			Help:      "Invalidation events published, by reason.",
		}, []string{"reason"}),
		busConsumed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidations_consumed_total",
			Help:      "Invalidation events applied, by reason.",
		}, []string{"reason"}),
		busGaps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalidation_gaps_total",
			Help:      "Delivery gaps detected on the invalidation log.",
		}),
		deadLettered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Invalidation events moved to the dead-letter queue.",
		}),

		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Admission requests by operation and status.",
		}, []string{"op", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Admission request latency.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16), // 50µs to ~1.6s
		}, []string{"op"}),
	}
}

// RecordLimitDecision records a token bucket decision.
func (m *Metrics) RecordLimitDecision(allowed bool) {
	if m == nil {
		return
	}
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	m.limitDecisions.WithLabelValues(result).Inc()
}

// RecordCacheAccess records a hit or miss on the given tier.
func (m *Metrics) RecordCacheAccess(tier string, hit bool) {
	if m == nil {
		return
	}
	typ := "hit"
	if !hit {
		typ = "miss"
	}
	m.cacheAccess.WithLabelValues(tier, typ).Inc()
}

// RecordEviction records n local cache removals.
func (m *Metrics) RecordEviction(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheEvictions.WithLabelValues(reason).Add(float64(n))
}

// RecordPut records a local cache write and the resulting size.
func (m *Metrics) RecordPut(size int) {
	if m == nil {
		return
	}
	m.cachePuts.Inc()
	m.cacheSize.Set(float64(size))
}

// SetCacheSize sets the local cache size gauge.
func (m *Metrics) SetCacheSize(size int) {
	if m == nil {
		return
	}
	m.cacheSize.Set(float64(size))
}

// RecordStoreOp records the outcome of a shared store call.
func (m *Metrics) RecordStoreOp(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeOps.WithLabelValues(op, result).Inc()
}

// RecordConflict records a lost compare-and-set.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.storeConflicts.Inc()
}

// RecordPublished records a published invalidation.
func (m *Metrics) RecordPublished(reason string) {
	if m == nil {
		return
	}
	m.busPublished.WithLabelValues(reason).Inc()
}

// RecordConsumed records an applied invalidation.
func (m *Metrics) RecordConsumed(reason string) {
	if m == nil {
		return
	}
	m.busConsumed.WithLabelValues(reason).Inc()
}

// RecordGap records a detected delivery gap.
func (m *Metrics) RecordGap() {
	if m == nil {
		return
	}
	m.busGaps.Inc()
}

// RecordDeadLetter records an event moved to the dead-letter queue.
func (m *Metrics) RecordDeadLetter() {
	if m == nil {
		return
	}
	m.deadLettered.Inc()
}

// RecordRequest records a completed admission request.
func (m *Metrics) RecordRequest(op, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, status).Inc()
	m.requestDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}
