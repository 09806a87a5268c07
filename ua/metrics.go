package ua

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes engine counters to a prometheus registry.
// A nil *Metrics is a no-op, so the engine never branches on whether
// metrics were configured.
type Metrics struct {
	registrationsActive prometheus.Gauge
	callsActive         prometheus.Gauge
	reconnectsTotal     prometheus.Counter
	timeoutsTotal       prometheus.Counter
	messagesIn          prometheus.Counter
	messagesOut         prometheus.Counter
}

// NewMetrics builds and registers the engine collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		registrationsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip", Subsystem: "ua",
			Name: "registrations_active",
			Help: "Accounts currently holding a registration binding.",
		}),
		callsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sip", Subsystem: "ua",
			Name: "calls_active",
			Help: "Dialogs in a non-terminal call state.",
		}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "ua",
			Name: "transport_reconnects_total",
			Help: "Transport sessions re-established after a drop.",
		}),
		timeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "ua",
			Name: "transaction_timeouts_total",
			Help: "Client transactions that expired without a final response.",
		}),
		messagesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "ua",
			Name: "messages_in_total",
			Help: "SIP messages parsed from the transport.",
		}),
		messagesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sip", Subsystem: "ua",
			Name: "messages_out_total",
			Help: "SIP messages written to the transport.",
		}),
	}
	reg.MustRegister(
		m.registrationsActive, m.callsActive,
		m.reconnectsTotal, m.timeoutsTotal,
		m.messagesIn, m.messagesOut,
	)
	return m
}

func (m *Metrics) registrations(delta float64) {
	if m == nil {
		return
	}
	m.registrationsActive.Add(delta)
}

func (m *Metrics) calls(delta float64) {
	if m == nil {
		return
	}
	m.callsActive.Add(delta)
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnectsTotal.Inc()
}

func (m *Metrics) transactionTimeout() {
	if m == nil {
		return
	}
	m.timeoutsTotal.Inc()
}

func (m *Metrics) messageIn() {
	if m == nil {
		return
	}
	m.messagesIn.Inc()
}

func (m *Metrics) messageOut() {
	if m == nil {
		return
	}
	m.messagesOut.Inc()
}
