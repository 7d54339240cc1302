// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/FairForge/helmsman/internal/controller"
)

// Server exposes the controller's read surface plus the operator restore
// verb. Everything that mutates subsystem state goes through the controller,
// never around it.
type Server struct {
	ctrl       *controller.Controller
	logger     *zap.Logger
	router     chi.Router
	httpServer *http.Server
	startTime  time.Time
}

// NewServer builds the admin server on the given port.
func NewServer(port int, ctrl *controller.Controller, logger *zap.Logger) *Server {
	s := &Server{
		ctrl:      ctrl,
		logger:    logger,
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/modes", s.handleModes)
		r.Get("/budget", s.handleBudget)
		r.Get("/hysteresis/{subsystem}", s.handleHysteresis)
		r.Get("/audit", s.handleAudit)
		r.Post("/restore/{subsystem}", s.handleRestore)
	})
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"state": s.ctrl.State(),
		"modes": s.ctrl.Modes(),
	})
}

func (s *Server) handleModes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Modes())
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Budgets(time.Now().UTC()))
}

func (s *Server) handleHysteresis(w http.ResponseWriter, r *http.Request) {
	subsystem := chi.URLParam(r, "subsystem")
	st, ok := s.ctrl.HysteresisState(subsystem)
	if !ok {
		http.Error(w, "unknown subsystem", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var since time.Time
	if raw := q.Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	events := s.ctrl.Recorder().Query(q.Get("subsystem"), since, limit)
	s.writeJSON(w, http.StatusOK, events)
}

type restoreRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	subsystem := chi.URLParam(r, "subsystem")

	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Actor == "" {
		http.Error(w, "actor is required", http.StatusBadRequest)
		return
	}

	if err := s.ctrl.OperatorRestore(subsystem, req.Actor, req.Reason); err != nil {
		s.logger.Warn("operator restore failed",
			zap.String("subsystem", subsystem), zap.Error(err))
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"subsystem": subsystem,
		"modes":     s.ctrl.Modes(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}
