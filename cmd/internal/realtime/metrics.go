package realtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the feed collectors. A nil *Metrics records nothing.
type Metrics struct {
	events     *prometheus.CounterVec
	reconnects prometheus.Counter
	dropped    *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crowd",
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Feed envelopes delivered to the handler by type.",
		}, []string{"type"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crowd",
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Feed connections re-established after a drop or session change.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crowd",
			Subsystem: "feed",
			Name:      "dropped_total",
			Help:      "Inbound frames discarded by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.reconnects, m.dropped)
	}
	return m
}

func (m *Metrics) observeEvent(typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ).Inc()
}

func (m *Metrics) observeReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) observeDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
