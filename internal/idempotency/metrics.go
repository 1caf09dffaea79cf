package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	replaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sii_gateway_idempotency_replays_total",
		Help: "Requests answered from a stored record without re-execution",
	})
	executionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sii_gateway_idempotency_executions_total",
		Help: "Requests that executed the wrapped operation",
	})
	conflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sii_gateway_idempotency_conflicts_total",
		Help: "Key conflicts by kind (reuse, in_flight)",
	}, []string{"kind"})
	persistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sii_gateway_idempotency_persist_failures_total",
		Help: "Executions whose record could not be persisted; duplicate execution is possible for these keys",
	})
	cacheFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sii_gateway_idempotency_cache_fallbacks_total",
		Help: "Cache failures that degraded to a durable-store lookup",
	})
	lookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sii_gateway_idempotency_lookup_duration_seconds",
		Help:    "Latency of the cache+store lookup phase",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})
)
