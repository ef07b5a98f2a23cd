package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewPrometheusService creates a service exposing the process registry in
// the Prometheus text format.
func NewPrometheusService(addr string, enabled bool, log *zap.Logger) *Service {
	if log == nil {
		return nil
	}

	return &Service{
		Server: &http.Server{
			Addr:    addr,
			Handler: promhttp.Handler(),
		},
		enabled:     enabled,
		log:         log.With(zap.String("service", "Prometheus")),
		serviceType: "Prometheus",
	}
}
