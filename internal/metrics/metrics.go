// Package metrics exposes Prometheus collectors for the collaboration
// server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions is the number of sessions with at least one connected
	// participant.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "active_sessions",
		Help:      "Number of collaboration sessions with live participants.",
	})

	// ConnectedClients is the number of live WebSocket participant
	// connections across all sessions.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "connected_clients",
		Help:      "Number of connected collaboration clients.",
	})

	// MessagesRelayed counts relayed envelopes by event kind.
	MessagesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "messages_relayed_total",
		Help:      "Relayed collaboration and presence events by kind.",
	}, []string{"kind"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
