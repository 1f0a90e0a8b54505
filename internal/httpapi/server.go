// Package httpapi exposes the RAG engine over HTTP: the ask-smart family
// of endpoints (auto-routed and per-arm forced variants), a streaming SSE
// variant, feedback submission, seed/health status, and a Prometheus
// metrics endpoint. Routing follows the teacher's net/http.ServeMux
// pattern-based style (method + path with {param} segments).
package httpapi

import (
	"context"
	"net/http"

	"smartrag/internal/rag/router"
)

// SeedStatusFunc reports whether the corpus index has finished an initial
// build, for dashboards/readiness probes.
type SeedStatusFunc func(ctx context.Context) (bool, int, error)

// Server exposes the RAG engine's HTTP surface.
type Server struct {
	router      *router.Router
	seedStatus  SeedStatusFunc
	metricsFunc func(w http.ResponseWriter, r *http.Request)
	mux         *http.ServeMux
}

// NewServer creates the HTTP API server wired to the Router.
// metricsHandler, if non-nil, is mounted at GET /metrics (the Prometheus
// text-format exporter built in cmd/ragserver); seedStatus reports the
// corpus indexing state for GET /seed-status.
func NewServer(r *router.Router, seedStatus SeedStatusFunc, metricsHandler http.Handler) *Server {
	s := &Server{router: r, seedStatus: seedStatus, mux: http.NewServeMux()}
	if metricsHandler != nil {
		s.metricsFunc = metricsHandler.ServeHTTP
	}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /ask-smart", s.handleAsk(""))
	s.mux.HandleFunc("POST /ask-hybrid", s.handleAsk("hybrid"))
	s.mux.HandleFunc("POST /ask-iterative", s.handleAsk("iterative"))
	s.mux.HandleFunc("POST /ask-graph", s.handleAsk("graph"))
	s.mux.HandleFunc("POST /ask-table", s.handleAsk("table"))
	s.mux.HandleFunc("POST /ask-smart-stream", s.handleAskStream)
	s.mux.HandleFunc("POST /feedback", s.handleFeedback)
	s.mux.HandleFunc("GET /seed-status", s.handleSeedStatus)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	if s.metricsFunc != nil {
		s.mux.HandleFunc("GET /metrics", s.metricsFunc)
	}
}
