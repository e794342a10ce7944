// Package server exposes the simulation engine over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/fleetsim/fleetsim/internal/domain"
)

// Engine is the surface the handlers drive. The root client satisfies
// it.
type Engine interface {
	StartSimulation(ctx context.Context, simulationID uuid.UUID) (*domain.Execution, error)
	StopSimulation(ctx context.Context, simulationID uuid.UUID) error
	SimulationStatus(ctx context.Context, simulationID uuid.UUID) (*domain.RunStatus, error)
	GetExecution(ctx context.Context, executionID uuid.UUID) (*domain.ExecutionRecord, error)
	ListExecutions(ctx context.Context, simulationID uuid.UUID, limit, offset int) ([]domain.Execution, error)
	DeleteSimulationHistory(ctx context.Context, simulationID uuid.UUID) error
}

type Server struct {
	engine Engine
	logger *slog.Logger
	server *http.Server
}

type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func New(engine Engine, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine: engine,
		logger: logger.With("component", "http"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/v1/simulations/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/v1/simulations/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /api/v1/simulations/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/simulations/{id}/executions", s.handleListExecutions)
	mux.HandleFunc("DELETE /api/v1/simulations/{id}/history", s.handleDeleteHistory)
	mux.HandleFunc("GET /api/v1/executions/{id}", s.handleGetExecution)

	s.server = &http.Server{
		Addr:         opts.Addr,
		Handler:      s.withLogging(mux),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}
	return s
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
