// Package metrics exposes relay counters and registry gauges to Prometheus.
// All methods are safe on a nil *Metrics so callers can run without it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "monitor"

// Outcomes of routing one inbound envelope.
const (
	OutcomeRouted   = "routed"
	OutcomeRecorded = "recorded"
	OutcomeDropped  = "dropped"
	OutcomeLimited  = "rate_limited"
)

// StatsSource is the read side of the connection registry.
type StatsSource interface {
	TotalConnectionCount() int
	ActiveDeviceCount() int
	ActiveUserCount() int
}

type Metrics struct {
	reg *prometheus.Registry

	envelopes      *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	sessionsClosed *prometheus.CounterVec
	registrations  prometheus.Counter
	rejected       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_total",
			Help:      "Inbound envelopes by endpoint role, kind and routing outcome.",
		}, []string{"role", "kind", "outcome"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound sends that a connection did not accept.",
		}, []string{"reason"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Finished sessions by role and close reason.",
		}, []string{"role", "reason"}),
		registrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Connections added to the registry.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Connection attempts refused before a session started.",
		}, []string{"reason"}),
	}
	reg.MustRegister(m.envelopes, m.sendFailures, m.sessionsClosed, m.registrations, m.rejected)
	return m
}

// ObserveRegistry publishes live registry sizes as gauges.
func (m *Metrics) ObserveRegistry(src StatsSource) {
	if m == nil || src == nil {
		return
	}
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Distinct registered connections.",
		}, func() float64 { return float64(src.TotalConnectionCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_devices",
			Help:      "Device ids with at least one connection.",
		}, func() float64 { return float64(src.ActiveDeviceCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_users",
			Help:      "User ids with at least one connection.",
		}, func() float64 { return float64(src.ActiveUserCount()) }),
	)
}

func (m *Metrics) Envelope(role, kind, outcome string) {
	if m == nil {
		return
	}
	m.envelopes.WithLabelValues(role, kind, outcome).Inc()
}

func (m *Metrics) SendFailure(reason string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) SessionClosed(role, reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(role, reason).Inc()
}

func (m *Metrics) Registered() {
	if m == nil {
		return
	}
	m.registrations.Inc()
}

// Rejected counts an upgrade refused for reason (auth, capacity, bad_request).
func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
