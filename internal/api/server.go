// Package api is the thin HTTP adapter over the dispatcher's control tree:
// GET and PUT of JSON values at tree paths, plus metrics and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/framectl/framectl/internal/dispatch"
)

// Server exposes the control tree over HTTP.
type Server struct {
	dispatcher *dispatch.Dispatcher
	log        *zap.SugaredLogger
	httpServer *http.Server
}

// NewServer builds the HTTP adapter bound to addr.
func NewServer(d *dispatch.Dispatcher, addr string, log *zap.SugaredLogger) *Server {
	s := &Server{dispatcher: d, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/{path...}", s.handleGet)
	mux.HandleFunc("PUT /api/{path...}", s.handleSet)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the adapter's handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	value, err := s.dispatcher.Get(path)
	if err != nil {
		s.writeError(w, path, err)
		return
	}
	s.writeValue(w, path, value)
}

func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]any{
			"path": path, "error": "body must be a JSON value",
		})
		return
	}

	updated, err := s.dispatcher.Set(path, value)
	if err != nil {
		s.writeError(w, path, err)
		return
	}
	s.writeValue(w, path, updated)
}

func (s *Server) writeValue(w http.ResponseWriter, path string, value any) {
	s.writeJSON(w, http.StatusOK, map[string]any{"path": path, "value": value})
}

func (s *Server) writeError(w http.ResponseWriter, path string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatch.ErrAlreadyExecuting):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrUnknownPath), errors.Is(err, dispatch.ErrUnknownSubsystem):
		status = http.StatusNotFound
	case errors.Is(err, dispatch.ErrReadOnlyLeaf):
		status = http.StatusMethodNotAllowed
	}
	s.writeJSON(w, status, map[string]any{"path": path, "error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Errorw("failed to encode response", "error", err)
	}
}
