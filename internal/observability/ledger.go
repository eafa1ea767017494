package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics tracks stock ledger ingestion and read-path outcomes.
type LedgerMetrics struct {
	batchesTotal      *prometheus.CounterVec
	movementsApplied  prometheus.Counter
	duplicatesSkipped prometheus.Counter
	lotConflicts      prometheus.Counter
	submitDuration    prometheus.Histogram
	historyDuration   prometheus.Histogram
}

// NewLedgerMetrics registers ledger metrics on the given registerer.
func NewLedgerMetrics(reg prometheus.Registerer) *LedgerMetrics {
	m := &LedgerMetrics{
		batchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "resupply_ledger_batches_total",
			Help: "Number of submitted batches by outcome.",
		}, []string{"outcome"}),
		movementsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resupply_ledger_movements_applied_total",
			Help: "Number of movement requests applied to the ledger.",
		}),
		duplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resupply_ledger_duplicates_skipped_total",
			Help: "Number of movement requests skipped as duplicates.",
		}),
		lotConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "resupply_ledger_lot_conflicts_total",
			Help: "Number of lot expiration conflicts detected during ingestion.",
		}),
		submitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "resupply_ledger_submit_duration_seconds",
			Help:    "End-to-end duration of batch submissions.",
			Buckets: prometheus.DefBuckets,
		}),
		historyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "resupply_ledger_history_duration_seconds",
			Help:    "Duration of movement history reconstruction queries.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.batchesTotal, m.movementsApplied, m.duplicatesSkipped, m.lotConflicts, m.submitDuration, m.historyDuration)
	}
	return m
}

// ObserveSubmit records the outcome of one batch submission.
func (m *LedgerMetrics) ObserveSubmit(outcome string, applied, skipped, conflicts int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(outcome).Inc()
	m.movementsApplied.Add(float64(applied))
	m.duplicatesSkipped.Add(float64(skipped))
	m.lotConflicts.Add(float64(conflicts))
	m.submitDuration.Observe(elapsed.Seconds())
}

// ObserveHistory records the duration of one history query.
func (m *LedgerMetrics) ObserveHistory(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.historyDuration.Observe(elapsed.Seconds())
}
