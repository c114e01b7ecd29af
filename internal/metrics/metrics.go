// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AwardOutcomes counts AwardPoints results by action and status,
	// including the non-error no-op outcomes (cap reached, cooldown).
	AwardOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "points",
		Name:      "award_outcomes_total",
		Help:      "Award attempts by action type and outcome status.",
	}, []string{"action_type", "status"})

	// PointsMoved sums absolute point deltas written to the log.
	PointsMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "points",
		Name:      "moved_total",
		Help:      "Absolute points applied to balances by transaction type.",
	}, []string{"transaction_type"})

	LedgerOperations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "points",
		Name:      "ledger_operation_seconds",
		Help:      "Latency of ledger operations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "result"})

	ConflictRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "points",
		Name:      "ledger_conflict_retries_total",
		Help:      "Atomic units retried after a lock conflict.",
	})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "points",
		Name:      "review_events_consumed_total",
		Help:      "Review-service events handled by the consumer.",
	}, []string{"type", "result"})

	SweepItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "points",
		Name:      "sweep_items_total",
		Help:      "Items processed by the maintenance sweep.",
	}, []string{"kind", "result"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "points",
		Name:      "events_published_total",
		Help:      "Points events handed to the broker.",
	}, []string{"type", "result"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "points",
		Name:      "http_rate_limited_total",
		Help:      "Requests rejected by the token bucket, by route.",
	}, []string{"route"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "points",
		Name:      "http_cache_lookups_total",
		Help:      "Response cache lookups by result (hit, miss, bypass).",
	}, []string{"result"})
)

// ObserveOperation records the latency of a ledger operation.
func ObserveOperation(op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	LedgerOperations.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}
