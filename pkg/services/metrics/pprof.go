package metrics

import (
	"net/http"
	"net/http/pprof"

	"go.uber.org/zap"
)

// NewPprofService creates a service exposing the runtime profiling
// endpoints, see https://golang.org/pkg/net/http/pprof/.
func NewPprofService(addr string, enabled bool, log *zap.Logger) *Service {
	if log == nil {
		return nil
	}

	handler := http.NewServeMux()
	handler.HandleFunc("/debug/pprof/", pprof.Index)
	handler.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	handler.HandleFunc("/debug/pprof/profile", pprof.Profile)
	handler.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	handler.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return &Service{
		Server: &http.Server{
			Addr:    addr,
			Handler: handler,
		},
		enabled:     enabled,
		log:         log.With(zap.String("service", "Pprof")),
		serviceType: "Pprof",
	}
}
