// Package metrics exposes the prometheus collectors used by the execution
// and settlement pipelines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionLatency observes one interval of the execution latency trace.
	// The "interval" label carries the fixed interval name, e.g. "proposal_rtt".
	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "execution_latency_ms",
		Help:    "Execution latency trace intervals in milliseconds",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"interval"})

	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trades_executed_total",
		Help: "Completed fast-path trades by outcome",
	}, []string{"outcome"})

	ExecutionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "execution_errors_total",
		Help: "Typed execution errors by code",
	}, []string{"code"})

	SettlementLockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_lock_wait_ms",
		Help:    "Time spent waiting to acquire the settlement lock in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 2500, 5000},
	})

	SettlementLockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_lock_contention_total",
		Help: "Settlement lock acquisitions that had to queue behind a holder",
	})

	SettlementLockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_lock_timeout_total",
		Help: "Settlement lock acquisitions that timed out waiting",
	})

	SettlementsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlements_finalized_total",
		Help: "Settlement finalizations by result",
	}, []string{"result"})

	StuckOrders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stuck_orders_total",
		Help: "Contracts whose settlement tracking timed out",
	})

	PersistJobsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "persist_jobs_dropped_total",
		Help: "Non-critical persistence jobs dropped due to queue overflow",
	})

	WSReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_reconnects_total",
		Help: "Broker WebSocket reconnect attempts per account",
	}, []string{"account"})

	CircuitBreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Execution circuit breaker open transitions",
	})
)

// ObserveInterval records one named latency interval, skipping negative
// values produced by missing timestamps.
func ObserveInterval(name string, ms float64) {
	if ms < 0 {
		return
	}
	ExecutionLatency.WithLabelValues(name).Observe(ms)
}
