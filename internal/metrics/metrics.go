// Package metrics exposes the connector's Prometheus counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the node's metrics sink. Registered against its own registry
// so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	PacketsIncoming *prometheus.CounterVec
	PacketsOutgoing *prometheus.CounterVec
	Settlements     prometheus.Counter
	RouteUpdates    prometheus.Counter
}

// New builds and registers the counters.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		PacketsIncoming: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_packets_incoming_total",
			Help: "Incoming ILP packets by result (fulfill or reject).",
		}, []string{"result"}),
		PacketsOutgoing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "connector_packets_outgoing_total",
			Help: "Forwarded ILP packets by result (fulfill or reject).",
		}, []string{"result"}),
		Settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connector_settlements_total",
			Help: "Settlement engine calls issued.",
		}),
		RouteUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "connector_route_updates_total",
			Help: "CCP route updates applied.",
		}),
	}
	registry.MustRegister(m.PacketsIncoming, m.PacketsOutgoing, m.Settlements, m.RouteUpdates)
	return m
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
