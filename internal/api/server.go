// Package api exposes the operational HTTP surface: health, metrics, and
// queue administration.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/skyloom/backfill/internal/metrics"
	"github.com/skyloom/backfill/internal/queue"
)

// Server is the admin HTTP server.
type Server struct {
	addr   string
	queues *queue.Manager
	logger *zap.Logger
	http   *http.Server
}

// NewServer wires the routes and returns an unstarted server.
func NewServer(addr string, queues *queue.Manager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	s := &Server{addr: addr, queues: queues, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/v1", func(r chi.Router) {
		r.Get("/queues", s.handleQueues)
		r.Post("/queues/recover", s.handleRecover)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe runs the server until the context is canceled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Admin server listening", zap.String("addr", s.addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	depths, err := s.queues.Depths(r.Context())
	if err != nil {
		s.logger.Error("Failed to inspect queues", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": depths})
}

type recoverRequest struct {
	OlderThanSeconds int  `json:"older_than_seconds"`
	DryRun           bool `json:"dry_run"`
}

// handleRecover returns stale processing rows to pending so an interrupted
// run can resume.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	req := recoverRequest{OlderThanSeconds: 600}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	if req.OlderThanSeconds < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "older_than_seconds must not be negative"})
		return
	}

	recovered, err := s.queues.RecoverAll(r.Context(), time.Duration(req.OlderThanSeconds)*time.Second, req.DryRun)
	if err != nil {
		s.logger.Error("Queue recovery failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dry_run":   req.DryRun,
		"recovered": recovered,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
