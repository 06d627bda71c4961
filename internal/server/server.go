// Package server exposes the execution service over HTTP: a WebSocket
// endpoint streaming typed events for each submission, plus a health check
// and the supported-language listing.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/michaelbrown/runbox/internal/executor"
	"github.com/michaelbrown/runbox/internal/registry"
)

// Runner starts executions. *executor.Orchestrator satisfies it; tests use
// a scripted fake.
type Runner interface {
	Execute(ctx context.Context, req executor.Request) <-chan executor.Event
}

// Server is the HTTP server for the runbox API.
type Server struct {
	runner Runner
	reg    *registry.Registry
	log    *zap.Logger
	router chi.Router
	http   *http.Server
}

// New creates a new Server.
func New(runner Runner, reg *registry.Registry, log *zap.Logger) *Server {
	s := &Server{
		runner: runner,
		reg:    reg,
		log:    log,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)
		r.Get("/languages", s.handleLanguages)

		// WebSocket upgrade; no JSON content-type middleware here.
		r.Get("/ws/execute", s.handleExecuteWS)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	type language struct {
		ID              string `json:"id"`
		SupportsInstall bool   `json:"supports_install"`
		Preview         bool   `json:"preview"`
		Template        string `json:"template"`
	}
	ids := s.reg.IDs()
	out := make([]language, 0, len(ids))
	for _, id := range ids {
		desc, err := s.reg.Resolve(id)
		if err != nil {
			continue
		}
		out = append(out, language{
			ID:              desc.ID,
			SupportsInstall: desc.SupportsInstall,
			Preview:         desc.Preview,
			Template:        desc.Template,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// Handler returns the root handler, for tests that mount the server on
// httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	s.log.Info("runbox server starting", zap.String("addr", addr))
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP listener. Hijacked WebSocket
// connections are outside http.Server.Shutdown's reach; in-flight sessions
// run until their clients disconnect, and any sandboxes still alive at
// process exit are swept by the next startup's orphan cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.http.Shutdown(shutdownCtx)
}
