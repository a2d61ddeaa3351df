package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts applied mutations by entry kind.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kasoa",
			Name:      "ledger_operations_total",
			Help:      "Total ledger mutations by entry kind.",
		},
		[]string{"kind"},
	)

	// LedgerOpDuration observes mutation latency by entry kind.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kasoa",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger mutation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"kind"},
	)

	// LedgerDuplicateHitsTotal counts mutations short-circuited by the
	// idempotency guard.
	LedgerDuplicateHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kasoa",
			Name:      "ledger_duplicate_hits_total",
			Help:      "Mutations answered from an existing reference.",
		},
	)

	// LedgerLockTimeoutsTotal counts per-account lock acquisition timeouts.
	LedgerLockTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kasoa",
			Name:      "ledger_lock_timeouts_total",
			Help:      "Mutations rejected because the account lock was busy.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerDuplicateHitsTotal,
		LedgerLockTimeoutsTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(kind string) func() {
	LedgerOpsTotal.WithLabelValues(kind).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
}
