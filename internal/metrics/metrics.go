// Package metrics provides Prometheus instrumentation for the gateway. It
// exposes a gauge for live connections, counters for authentication
// failures, message outcomes and deliveries, and a histogram for
// persistence latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of authenticated connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_connections",
		Help: "Current number of authenticated WebSocket connections",
	})

	// AuthFailuresTotal counts rejected connection attempts by reason code.
	AuthFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_failures_total",
		Help: "Total number of rejected connection attempts",
	}, []string{"reason"})

	// MessagesTotal counts send requests by outcome: "persisted", "dropped"
	// (failed validation) or "failed" (store error).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_messages_total",
		Help: "Total number of send requests processed",
	}, []string{"outcome"})

	// DeliveriesTotal counts per-connection broadcast deliveries.
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_deliveries_total",
		Help: "Total number of per-connection deliveries",
	}, []string{"result"})

	// PersistLatency records message store write latency in seconds.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_persist_seconds",
		Help:    "Message persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	// RemindersTotal counts appointment reminders dispatched.
	RemindersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_reminders_total",
		Help: "Total number of appointment reminders dispatched",
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		AuthFailuresTotal,
		MessagesTotal,
		DeliveriesTotal,
		PersistLatency,
		RemindersTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
