package huddle

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the sync engine's counters. A nil *Metrics records
// nothing, so every component can call it unconditionally.
type Metrics struct {
	events      *prometheus.CounterVec
	droppedEnv  *prometheus.CounterVec
	mutations   *prometheus.CounterVec
	fetches     *prometheus.CounterVec
	resyncs     prometheus.Counter
	openWindows prometheus.Gauge
	pendingOps  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_events_total",
				Help: "Realtime events processed, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		droppedEnv: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_events_dropped_total",
				Help: "Envelopes dropped at the adapter boundary.",
			},
			[]string{"type"},
		),
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_mutations_total",
				Help: "Optimistic mutations settled, by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "huddle_page_fetches_total",
				Help: "Page fetches, by reason and outcome.",
			},
			[]string{"reason", "outcome"},
		),
		resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "huddle_resyncs_total",
			Help: "Resyncs forced by a re-subscribe after a gap.",
		}),
		openWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_open_windows",
			Help: "Cache windows currently open.",
		}),
		pendingOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "huddle_pending_mutations",
			Help: "Optimistic mutations awaiting settlement.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.droppedEnv, m.mutations, m.fetches,
			m.resyncs, m.openWindows, m.pendingOps)
	}
	return m
}

func (m *Metrics) event(kind EventKind, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) dropped(typ string) {
	if m == nil {
		return
	}
	m.droppedEnv.WithLabelValues(typ).Inc()
}

func (m *Metrics) mutation(kind MutationKind, outcome string) {
	if m == nil {
		return
	}
	m.mutations.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) fetch(reason, outcome string) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(reason, outcome).Inc()
}

func (m *Metrics) resync(string) {
	if m == nil {
		return
	}
	m.resyncs.Inc()
}

func (m *Metrics) gauges(windows, pending int) {
	if m == nil {
		return
	}
	m.openWindows.Set(float64(windows))
	m.pendingOps.Set(float64(pending))
}
