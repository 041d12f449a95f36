package limits

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mercator-hq/costguard/pkg/limits/enforcement"
)

// Metrics contains Prometheus metrics for budget evaluation.
type Metrics struct {
	evaluations       *prometheus.CounterVec
	hardLimitHits     *prometheus.CounterVec
	thresholdsFired   *prometheus.CounterVec
	rollbacks         prometheus.Counter
	contentionRetries prometheus.Counter
	settlements       *prometheus.CounterVec
	evaluateDuration  prometheus.Histogram

	// bucketUtilization is nil unless per-bucket gauges were requested.
	bucketUtilization *prometheus.GaugeVec
}

// NewMetrics registers the evaluation metrics with reg. A nil reg uses the
// default registerer. perBucket enables a utilisation gauge labelled by
// scope key, which has one series per live bucket.
func NewMetrics(reg prometheus.Registerer, perBucket bool) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	m := &Metrics{
		evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costguard_evaluations_total",
				Help: "Total number of call evaluations by final disposition",
			},
			[]string{"disposition"},
		),

		hardLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costguard_hard_limit_hits_total",
				Help: "Total number of hard limits reached",
			},
			[]string{"budget_id", "action"},
		),

		thresholdsFired: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costguard_thresholds_fired_total",
				Help: "Total number of threshold actions fired",
			},
			[]string{"budget_id", "action"},
		),

		rollbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "costguard_ledger_rollbacks_total",
				Help: "Total number of charges rolled back after a block",
			},
		),

		contentionRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "costguard_ledger_contention_retries_total",
				Help: "Total number of ledger updates retried after lock contention",
			},
		),

		settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costguard_settlements_total",
				Help: "Total number of charge settlements by result",
			},
			[]string{"result"},
		),

		evaluateDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "costguard_evaluate_duration_seconds",
				Help:    "Duration of call evaluations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.000001, 2, 15), // 1µs to 16ms
			},
		),
	}

	if perBucket {
		m.bucketUtilization = factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "costguard_bucket_utilization_ratio",
				Help: "Highest constraint utilisation of a live bucket (0.0-1.0+)",
			},
			[]string{"budget_id", "scope_key"},
		)
	}

	return m
}

// RecordEvaluation records a finished evaluation.
func (m *Metrics) RecordEvaluation(d enforcement.Disposition, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.WithLabelValues(d.String()).Inc()
	m.evaluateDuration.Observe(elapsed.Seconds())
}

// RecordHardLimit records a hard limit being reached.
func (m *Metrics) RecordHardLimit(budgetID, action string) {
	if m == nil {
		return
	}
	m.hardLimitHits.WithLabelValues(budgetID, action).Inc()
}

// RecordThreshold records a threshold action firing.
func (m *Metrics) RecordThreshold(budgetID, action string) {
	if m == nil {
		return
	}
	m.thresholdsFired.WithLabelValues(budgetID, action).Inc()
}

// RecordRollback records a charge being undone.
func (m *Metrics) RecordRollback() {
	if m == nil {
		return
	}
	m.rollbacks.Inc()
}

// RecordContentionRetry records one retried ledger update.
func (m *Metrics) RecordContentionRetry() {
	if m == nil {
		return
	}
	m.contentionRetries.Inc()
}

// RecordSettlement records a settled charge. result is "applied",
// "superseded", or "failed".
func (m *Metrics) RecordSettlement(result string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(result).Inc()
}

// UpdateBucketUtilization sets the utilisation gauge of a bucket. It is a
// no-op unless per-bucket gauges were enabled.
func (m *Metrics) UpdateBucketUtilization(budgetID, scopeKey string, ratio float64) {
	if m == nil || m.bucketUtilization == nil {
		return
	}
	m.bucketUtilization.WithLabelValues(budgetID, scopeKey).Set(ratio)
}

// ResetBucketUtilization drops every per-bucket series. Called after
// compaction so gauges of reclaimed buckets do not linger.
func (m *Metrics) ResetBucketUtilization() {
	if m == nil || m.bucketUtilization == nil {
		return
	}
	m.bucketUtilization.Reset()
}
