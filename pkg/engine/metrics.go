package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics contains the engine-level Prometheus metrics.
type metrics struct {
	reloads      *prometheus.CounterVec
	entries      *prometheus.GaugeVec
	reservations prometheus.Gauge
	checkpoints  *prometheus.CounterVec
	compacted    *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		reloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costguard_reloads_total",
				Help: "Total number of policy and pricing reloads by result",
			},
			[]string{"result"},
		),

		entries: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "costguard_active_entries",
				Help: "Number of active entries by kind",
			},
			[]string{"kind"},
		),

		reservations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "costguard_open_reservations",
				Help: "Number of evaluated calls awaiting settlement",
			},
		),

		checkpoints: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costguard_checkpoints_total",
				Help: "Total number of state checkpoints by result",
			},
			[]string{"result"},
		),

		compacted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "costguard_compacted_total",
				Help: "Total number of reclaimed records by kind",
			},
			[]string{"kind"},
		),
	}
}

func (m *metrics) recordReload(result string, report *LoadReport) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result).Inc()
	if report != nil {
		m.entries.WithLabelValues("models").Set(float64(report.Models))
		m.entries.WithLabelValues("budgets").Set(float64(report.Budgets))
		m.entries.WithLabelValues("routing_policies").Set(float64(report.RoutingPolicies))
	}
}

func (m *metrics) setReservations(n int) {
	if m == nil {
		return
	}
	m.reservations.Set(float64(n))
}

func (m *metrics) recordCheckpoint(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "failed"
	}
	m.checkpoints.WithLabelValues(result).Inc()
}

func (m *metrics) recordCompaction(r CompactReport) {
	if m == nil {
		return
	}
	m.compacted.WithLabelValues("buckets").Add(float64(r.Buckets))
	m.compacted.WithLabelValues("reservations").Add(float64(r.Reservations))
}
