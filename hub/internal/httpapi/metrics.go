package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bastion-backup/bastion/hub/internal/websocket"
)

// newMetricsHandler serves Prometheus metrics off a dedicated registry
// rather than prometheus.DefaultRegisterer, so repeated router construction
// (as in tests) never hits a duplicate-registration panic.
func newMetricsHandler(hub *websocket.Hub) http.Handler {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "bastion",
			Subsystem: "hub",
			Name:      "connected_nodes",
			Help:      "Number of agent nodes currently holding an open websocket session with this hub.",
		},
		func() float64 { return float64(hub.ConnectedCount()) },
	))

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
