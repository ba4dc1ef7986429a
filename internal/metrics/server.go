package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes a private-registry Prometheus endpoint plus a plain
// liveness endpoint for one binary. It never touches the default global
// registry, so multiple binaries in the same test process can each run one.
type Server struct {
	registry   *prometheus.Registry
	httpServer *http.Server
}

// NewServer creates a metrics server listening on addr once Start is called.
func NewServer(addr string) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		registry: registry,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Registry returns the private registry so callers can register their own
// Transfer or BrokerStats collectors on it.
func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

// Start runs the HTTP server in the background. Errors after Stop are ignored.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("[metrics] server error: %v\n", err)
		}
	}()
}

// Stop shuts the server down within a short grace period.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.httpServer.Shutdown(ctx)
}
