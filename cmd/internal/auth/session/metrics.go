package session

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the session manager's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests      *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	retries       prometheus.Counter
	forcedLogouts prometheus.Counter
	duration      *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg (if non-nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crowd",
			Subsystem: "session",
			Name:      "requests_total",
			Help:      "Logical API requests by service and outcome.",
		}, []string{"service", "outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crowd",
			Subsystem: "session",
			Name:      "refreshes_total",
			Help:      "Access-token refresh attempts by result (ok, fail, shared, skipped).",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crowd",
			Subsystem: "session",
			Name:      "retries_total",
			Help:      "Requests re-dispatched after a 401.",
		}),
		forcedLogouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "crowd",
			Subsystem: "session",
			Name:      "forced_logouts_total",
			Help:      "Sessions terminated because refresh was impossible.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crowd",
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Wall time of logical requests, including refresh and retry.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
	}

	if reg != nil {
		reg.MustRegister(m.requests, m.refreshes, m.retries, m.forcedLogouts, m.duration)
	}
	return m
}

func (m *Metrics) observeRequest(svc Service, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(svc.String(), outcome).Inc()
	m.duration.WithLabelValues(svc.String()).Observe(d.Seconds())
}

func (m *Metrics) observeRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
}

func (m *Metrics) observeRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) observeForcedLogout() {
	if m == nil {
		return
	}
	m.forcedLogouts.Inc()
}
