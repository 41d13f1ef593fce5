// Package server wraps the registry's HTTP stack: listener setup plus the
// CORS and gzip middleware every response passes through.
package server

import (
	"net/http"
	"time"

	"github.com/k8ika0s/island-registry/internal/config"
)

// Service is a thin wrapper around the HTTP server.
type Service struct {
	cfg     config.Config
	handler http.Handler
}

// New wires handler behind the middleware chain.
func New(cfg config.Config, handler http.Handler) *Service {
	wrapped := withGzip(withCORS(cfg, handler))
	return &Service{cfg: cfg, handler: wrapped}
}

// Start runs the HTTP server on the configured address.
func (s *Service) Start() error {
	srv := &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
