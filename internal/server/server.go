package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sanonone/kektorkv/pkg/engine"
)

// Server holds the HTTP interface and the underlying Engine.
type Server struct {
	Engine *engine.Engine

	httpServer  *http.Server
	taskManager *TaskManager
	authToken   string
}

// NewServer builds the HTTP server for an open Engine. An empty authToken
// disables authentication.
func NewServer(eng *engine.Engine, httpAddr string, authToken string) *Server {
	s := &Server{
		Engine:      eng,
		taskManager: NewTaskManager(),
		authToken:   authToken,
	}

	mux := http.NewServeMux()
	s.registerHTTPHandlers(mux)

	// Recovery -> RequestID -> Logging -> Auth -> mux.
	// Logging reads the matched route back from the request the mux saw, so
	// nothing between the two may replace the request.
	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.LoggingMiddleware(handler)
	handler = s.RequestIDMiddleware(handler)
	handler = s.RecoveryMiddleware(handler)

	rootMux := http.NewServeMux()
	rootMux.HandleFunc("GET /healthz", s.handleHealthz)
	rootMux.Handle("GET /metrics", promhttp.Handler())
	rootMux.Handle("/", handler)

	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           rootMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Run serves HTTP until Shutdown. The Engine must already be open.
func (s *Server) Run() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "HTTP server startup failed")
	}
	return nil
}

// Shutdown stops the HTTP server, waiting up to timeout for in-flight
// requests. It does not close the Engine.
func (s *Server) Shutdown(timeout time.Duration) {
	slog.Info("starting graceful shutdown of HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	s.taskManager.Wait()
}
