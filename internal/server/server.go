// Package server exposes the pipeline over HTTP: POST /ask for questions,
// read-only discovery endpoints, and the health and metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"retail-insights/internal/common/config"
	"retail-insights/internal/common/database"
	"retail-insights/internal/common/logger"
	"retail-insights/internal/pipeline"
)

// maxAskBody caps the request body; questions are short, payloads are not.
const maxAskBody = 16 << 10

// Server wires the orchestrator to the HTTP surface.
type Server struct {
	orchestrator *pipeline.Orchestrator
	postgres     *database.PostgresClient
	redis        *database.RedisClient
	logger       logger.Logger
	httpServer   *http.Server
}

func New(cfg config.ServerConfig, orch *pipeline.Orchestrator, pg *database.PostgresClient, rdb *database.RedisClient, log logger.Logger) *Server {
	s := &Server{
		orchestrator: orch,
		postgres:     pg,
		redis:        rdb,
		logger:       log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ask", s.handleAsk)
	mux.HandleFunc("/datasets", s.handleDatasets)
	mux.HandleFunc("/summary", s.handleSummary)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Millisecond,
	}
	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", map[string]interface{}{"addr": s.httpServer.Addr})
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}

	var req pipeline.AskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAskBody))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		s.writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	payload := s.orchestrator.Ask(r.Context(), req)
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"datasets": s.orchestrator.Datasets(),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	dataset := r.URL.Query().Get("dataset")
	if dataset == "" {
		s.writeError(w, http.StatusBadRequest, "dataset query parameter is required")
		return
	}

	summary, ok := s.orchestrator.Summarize(r.Context(), dataset)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("unknown dataset %q", dataset))
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	checks := map[string]string{}

	if s.postgres != nil {
		if err := s.postgres.Ping(ctx); err != nil {
			checks["postgres"] = err.Error()
			status, code = "unhealthy", http.StatusServiceUnavailable
		} else {
			checks["postgres"] = "ok"
		}
	}
	if s.redis != nil {
		// Cache loss degrades, it does not fail health.
		if err := s.redis.Ping(ctx); err != nil {
			checks["redis"] = "degraded: " + err.Error()
		} else {
			checks["redis"] = "ok"
		}
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("response encoding failed", map[string]interface{}{})
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
