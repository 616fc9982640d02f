package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LoanMutations counts ledger operations by outcome.
	LoanMutations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loan_mutations_total",
			Help: "Ledger operations by name and outcome",
		},
		[]string{"operation", "status"},
	)

	// OverdueRows counts tracking rows written by the sweep, per bucket.
	OverdueRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "overdue_rows_total",
			Help: "Overdue tracking rows upserted by bucket",
		},
		[]string{"bucket"},
	)

	OverdueSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "overdue_sweep_duration_seconds",
			Help:    "Wall time of one overdue sweep",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Observe records the outcome of operation.
func Observe(operation string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	LoanMutations.WithLabelValues(operation, status).Inc()
}
