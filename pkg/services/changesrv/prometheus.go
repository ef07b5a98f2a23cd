package changesrv

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics used in monitoring service.
var (
	connectionCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Number of connected clients",
			Name:      "connection_count",
			Namespace: "changeserver",
		},
	)

	subscriptionCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Help:      "Number of addresses with at least one subscriber",
			Name:      "subscription_count",
			Namespace: "changeserver",
		},
		[]string{"plugin"},
	)

	changeEventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of change events fanned out to clients",
			Name:      "change_event_count",
			Namespace: "changeserver",
		},
		[]string{"plugin"},
	)

	pluginCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Help:      "Number of configured plugins",
			Name:      "plugin_count",
			Namespace: "changeserver",
		},
	)
)

func init() {
	prometheus.MustRegister(
		connectionCount,
		subscriptionCount,
		changeEventCount,
		pluginCount,
	)
}

func updateConnectionCount(n int) {
	connectionCount.Set(float64(n))
}

func updateSubscriptionCount(plugin string, n int) {
	subscriptionCount.WithLabelValues(plugin).Set(float64(n))
}

func changeEventSeen(plugin string) {
	changeEventCount.WithLabelValues(plugin).Inc()
}

func setPluginCount(n int) {
	pluginCount.Set(float64(n))
}
