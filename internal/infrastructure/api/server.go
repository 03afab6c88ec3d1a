package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"whale-cluster-engine/internal/domain/entity"
	"whale-cluster-engine/internal/domain/repository"
	domain_service "whale-cluster-engine/internal/domain/service"
	"whale-cluster-engine/internal/infrastructure/logger"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// ClusterQuerier is the read side served over HTTP
type ClusterQuerier interface {
	ListClusters(ctx context.Context, chain string, window time.Duration) ([]*entity.ClusterAggregate, error)
	GetAssignment(ctx context.Context, address, chain string) (*entity.ClusterAssignment, error)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// Server exposes health, metrics and the cluster read API
type Server struct {
	router *mux.Router
	server *http.Server
	query  ClusterQuerier
	checks map[string]HealthCheck
	logger *logger.Logger
}

type clustersResponse struct {
	Scope    string                     `json:"scope"`
	Clusters []*entity.ClusterAggregate `json:"clusters"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the router. metricsHandler may be nil when metrics are disabled.
func NewServer(port int, query ClusterQuerier, metricsHandler http.Handler, checks map[string]HealthCheck, log *logger.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		query:  query,
		checks: checks,
		logger: log.WithComponent("api"),
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if metricsHandler != nil {
		s.router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}
	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/clusters", s.handleListClusters).Methods(http.MethodGet)
	v1.HandleFunc("/assignments/{chain}/{address}", s.handleGetAssignment).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background until Stop is called
func (s *Server) Start() {
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
}

// Stop gracefully shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	result := map[string]string{"status": "ok"}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			result["status"] = "degraded"
			result[name] = err.Error()
		}
	}
	writeJSON(w, status, result)
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	chain := r.URL.Query().Get("chain")

	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid window %q", raw)})
			return
		}
		window = d
	}

	aggs, err := s.query.ListClusters(r.Context(), chain, window)
	if err != nil {
		s.logger.Error("Failed to list clusters", zap.String("chain", chain), zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "cluster data temporarily unavailable"})
		return
	}

	scope := chain
	if scope == "" {
		scope = entity.AllScope
	}
	if aggs == nil {
		aggs = []*entity.ClusterAggregate{}
	}
	writeJSON(w, http.StatusOK, clustersResponse{Scope: scope, Clusters: aggs})
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	assignment, err := s.query.GetAssignment(r.Context(), vars["address"], vars["chain"])
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, assignment)
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no assignment"})
	case errors.Is(err, domain_service.ErrMalformedEvidence):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("Failed to get assignment",
			zap.String("chain", vars["chain"]),
			zap.String("address", vars["address"]),
			zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "assignment data temporarily unavailable"})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
