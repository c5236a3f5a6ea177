package view

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/idswatch/internal/alert"
	"github.com/linnemanlabs/idswatch/internal/alertstore"
)

// Metrics holds Prometheus metrics for the view engine.
type Metrics struct {
	IngestTotal       *prometheus.CounterVec
	Alerts            prometheus.Gauge
	Incidents         prometheus.Gauge
	RecomputeDuration prometheus.Histogram
	StatusChanges     *prometheus.CounterVec
}

// NewMetrics registers and returns view metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idswatch_ingest_total",
			Help: "Alert records ingested by mode and result.",
		}, []string{"mode", "result"}),
		Alerts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "idswatch_alerts",
			Help: "Alerts in the current view.",
		}),
		Incidents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "idswatch_incidents",
			Help: "Incidents in the current view.",
		}),
		RecomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idswatch_recompute_duration_seconds",
			Help:    "Duration of derived view recomputation in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100us .. ~1.6s
		}),
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idswatch_status_changes_total",
			Help: "Operator status changes by target status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.IngestTotal,
		m.Alerts,
		m.Incidents,
		m.RecomputeDuration,
		m.StatusChanges,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics. The
// escalation hook is left for the caller.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnIngest: func(mode string, res alertstore.Result) {
			m.IngestTotal.WithLabelValues(mode, "accepted").Add(float64(res.Accepted - res.Duplicates))
			m.IngestTotal.WithLabelValues(mode, "duplicate").Add(float64(res.Duplicates))
			m.IngestTotal.WithLabelValues(mode, "rejected").Add(float64(res.Rejected))
		},
		OnRecompute: func(alerts, incidents int, d time.Duration) {
			m.Alerts.Set(float64(alerts))
			m.Incidents.Set(float64(incidents))
			m.RecomputeDuration.Observe(d.Seconds())
		},
		OnStatusChange: func(st alert.Status) {
			m.StatusChanges.WithLabelValues(string(st)).Inc()
		},
	}
}
