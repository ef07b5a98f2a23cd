package upstream

import (
	"net/url"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric used in monitoring upstream connection health, labeled by plugin
// and by a sanitized endpoint URL that never carries credentials.
var (
	connectCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of upstream connections established",
			Name:      "upstream_connect_total",
			Namespace: "changeserver",
		},
		[]string{"plugin", "url"},
	)
	disconnectCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of upstream connections lost or closed",
			Name:      "upstream_disconnect_total",
			Namespace: "changeserver",
		},
		[]string{"plugin", "url"},
	)
	errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Help:      "Number of upstream connection failures",
			Name:      "upstream_error_total",
			Namespace: "changeserver",
		},
		[]string{"plugin", "url"},
	)
)

func init() {
	prometheus.MustRegister(
		connectCounter,
		disconnectCounter,
		errorCounter,
	)
}

// ConnectSeen counts an established upstream connection.
func ConnectSeen(plugin, rawURL string) {
	connectCounter.WithLabelValues(plugin, SafeURL(rawURL)).Inc()
}

// DisconnectSeen counts a lost or closed upstream connection.
func DisconnectSeen(plugin, rawURL string) {
	disconnectCounter.WithLabelValues(plugin, SafeURL(rawURL)).Inc()
}

// ErrorSeen counts a failed upstream connection attempt.
func ErrorSeen(plugin, rawURL string) {
	errorCounter.WithLabelValues(plugin, SafeURL(rawURL)).Inc()
}

// SafeURL strips everything but the scheme and host, dropping the path and
// query where API keys tend to live.
func SafeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Scheme + "://" + u.Host
}
