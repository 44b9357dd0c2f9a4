// Package metrics holds the client's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stale continuation kinds.
const (
	StaleSignIn  = "sign_in"
	StaleConnect = "connect"
	StaleEvent   = "event"
)

// Metrics groups the counters the sync engine updates. Each instance owns a
// private registry so several clients can live in one process (tests).
type Metrics struct {
	Registry *prometheus.Registry

	EventsReceived     *prometheus.CounterVec
	EventsDropped      *prometheus.CounterVec
	StaleContinuations *prometheus.CounterVec
	SignIns            *prometheus.CounterVec
	TransportErrors    prometheus.Counter
}

// New creates and registers all counters.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "magichat",
			Name:      "events_received_total",
			Help:      "Inbound socket events applied to the local caches.",
		}, []string{"event"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "magichat",
			Name:      "events_dropped_total",
			Help:      "Inbound socket events rejected by a handler.",
		}, []string{"event"}),
		StaleContinuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "magichat",
			Name:      "stale_continuations_total",
			Help:      "Async results discarded because the session or connection changed.",
		}, []string{"kind"}),
		SignIns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "magichat",
			Name:      "sign_ins_total",
			Help:      "Sign-in attempts by outcome.",
		}, []string{"result"}),
		TransportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "magichat",
			Name:      "transport_errors_total",
			Help:      "Connections lost without a local close.",
		}),
	}

	m.Registry.MustRegister(
		m.EventsReceived,
		m.EventsDropped,
		m.StaleContinuations,
		m.SignIns,
		m.TransportErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
