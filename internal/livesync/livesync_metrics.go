package livesync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the reconciler.
type Metrics struct {
	FetchesTotal  *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	PushEvents    prometheus.Counter
	StaleFetches  prometheus.Counter
	SyncMode      *prometheus.GaugeVec
}

// NewMetrics registers and returns reconciler metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "idswatch_fetches_total",
			Help: "Source of record fetches by outcome.",
		}, []string{"outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "idswatch_fetch_duration_seconds",
			Help:    "Duration of source of record fetches in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms .. ~10s
		}),
		PushEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idswatch_push_events_total",
			Help: "Live channel messages received.",
		}),
		StaleFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "idswatch_stale_fetches_total",
			Help: "Fetch results discarded because a newer fetch was already applied.",
		}),
		SyncMode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "idswatch_sync_mode",
			Help: "1 for the active sync mode, 0 otherwise.",
		}, []string{"mode"}),
	}

	reg.MustRegister(
		m.FetchesTotal,
		m.FetchDuration,
		m.PushEvents,
		m.StaleFetches,
		m.SyncMode,
	)

	for _, mode := range Modes {
		m.SyncMode.WithLabelValues(mode.String()).Set(0)
	}
	m.SyncMode.WithLabelValues(Disconnected.String()).Set(1)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnFetch: func(outcome string, d time.Duration) {
			m.FetchesTotal.WithLabelValues(outcome).Inc()
			if outcome == OutcomeStale {
				m.StaleFetches.Inc()
			}
			if outcome != OutcomeCanceled {
				m.FetchDuration.Observe(d.Seconds())
			}
		},
		OnPushEvent: func() {
			m.PushEvents.Inc()
		},
		OnModeChange: func(active Mode) {
			for _, mode := range Modes {
				v := 0.0
				if mode == active {
					v = 1
				}
				m.SyncMode.WithLabelValues(mode.String()).Set(v)
			}
		},
	}
}
