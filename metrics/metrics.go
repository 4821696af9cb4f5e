package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for monitoring service health and performance
var (
	InvalidationEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "invalidation_events_published_total",
			Help: "Total number of cache invalidation events published",
		},
	)

	ActiveStreamConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_active_connections",
			Help: "Number of currently registered stream clients",
		},
	)

	StaleClientsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_stale_clients_swept_total",
			Help: "Total number of clients force-unregistered by the stale sweep",
		},
	)

	ReconciliationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_reconciliation_runs_total",
			Help: "Total number of per-chain reconciliation runs",
		},
		[]string{"chain", "outcome"},
	)

	WebhookProviderCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_provider_calls_total",
			Help: "Total number of calls to the remote webhook provider",
		},
		[]string{"operation", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(InvalidationEventsTotal)
	prometheus.MustRegister(ActiveStreamConnections)
	prometheus.MustRegister(StaleClientsSweptTotal)
	prometheus.MustRegister(ReconciliationRunsTotal)
	prometheus.MustRegister(WebhookProviderCallsTotal)
}
