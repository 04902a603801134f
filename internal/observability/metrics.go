// Package observability exposes Prometheus metrics for the pipeline.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndvi_jobs_total",
			Help: "Jobs by kind, provider and resulting state.",
		},
		[]string{"kind", "provider", "state"},
	)

	upstreamRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndvi_upstream_requests_total",
			Help: "Upstream provider requests by outcome.",
		},
		[]string{"provider", "outcome"},
	)

	upstreamLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ndvi_upstream_latency_seconds",
			Help:    "Latency of upstream provider requests.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"provider", "op"},
	)

	cacheResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndvi_cache_results_total",
			Help: "Response cache results by layer and outcome.",
		},
		[]string{"layer", "outcome"},
	)

	cacheOpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndvi_cache_op_total",
			Help: "Redis operations by op and outcome.",
		},
		[]string{"op", "outcome"},
	)

	cacheOpDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ndvi_redis_operation_duration_seconds",
			Help:    "Duration of redis operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method", "route", "status"},
	)

	lockAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndvi_lock_acquisitions_total",
			Help: "Dispatch lock acquisition attempts by outcome.",
		},
		[]string{"outcome"},
	)

	staleResources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ndvi_resources_stale",
			Help: "Whether the most recently served resource was stale.",
		},
		[]string{"provider"},
	)

	auditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ndvi_audit_events_dropped_total",
			Help: "Audit events dropped because the emitter buffer was full.",
		},
	)

	sweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ndvi_sweep_runs_total",
			Help: "Sweeper runs by sweep name.",
		},
		[]string{"sweep"},
	)
)

func ObserveJob(kind, provider, state string) {
	jobsTotal.WithLabelValues(kind, provider, state).Inc()
}

func ObserveUpstream(provider, op, outcome string, seconds float64) {
	upstreamRequestsTotal.WithLabelValues(provider, outcome).Inc()
	upstreamLatencySeconds.WithLabelValues(provider, op).Observe(seconds)
}

func ObserveCacheOp(op string, err error, seconds float64) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	cacheOpTotal.WithLabelValues(op, outcome).Inc()
	cacheOpDurationSeconds.WithLabelValues(op).Observe(seconds)
}

func IncCacheHit(layer string)  { cacheResultsTotal.WithLabelValues(layer, "hit").Inc() }
func IncCacheMiss(layer string) { cacheResultsTotal.WithLabelValues(layer, "miss").Inc() }

func ObserveHTTP(method, route string, status int, seconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(seconds)
}

func IncLock(outcome string) {
	lockAcquisitionsTotal.WithLabelValues(outcome).Inc()
}

func SetStale(provider string, stale bool) {
	v := 0.0
	if stale {
		v = 1.0
	}
	staleResources.WithLabelValues(provider).Set(v)
}

func IncAuditDropped() { auditDroppedTotal.Inc() }

func IncSweep(name string) { sweepRunsTotal.WithLabelValues(name).Inc() }
