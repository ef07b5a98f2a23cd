package metrics

import (
	"context"
	"net/http"

	"go.uber.org/zap"
)

// Service serves an operational HTTP endpoint, Prometheus or pprof.
type Service struct {
	*http.Server
	enabled     bool
	log         *zap.Logger
	serviceType string
}

// Start runs the service on the configured address, blocking until it is
// shut down.
func (ms *Service) Start() {
	if !ms.enabled {
		ms.log.Info("service hasn't started since it's disabled")
		return
	}
	ms.log.Info("service is running", zap.String("endpoint", ms.Addr))
	err := ms.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		ms.log.Warn("service couldn't start on configured port", zap.Error(err))
	}
}

// ShutDown stops the service.
func (ms *Service) ShutDown() {
	if !ms.enabled {
		return
	}
	ms.log.Info("shutting down service", zap.String("endpoint", ms.Addr))
	if err := ms.Shutdown(context.Background()); err != nil {
		ms.log.Error("can't shut service down", zap.Error(err))
	}
}
