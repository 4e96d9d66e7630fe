// Package api serves the admin HTTP interface: health, readiness,
// Prometheus metrics, style, ports and layout.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/e7canasta/stylemixer"
)

const (
	maxStyleBytes   = 64 << 10
	shutdownTimeout = 5 * time.Second
)

// Mixer is the part of the mixer the admin API reads and styles.
type Mixer interface {
	ApplyStyle(text string) bool
	CurrentStyle() string
	Ports() []stylemixer.PortInfo
	Layout() stylemixer.Snapshot
	Stats() stylemixer.Stats
}

// Sources attaches and detaches media sources.
type Sources interface {
	AttachSource(uri string, viewID int) (int, error)
	DetachSource(id int) error
	BindView(id, viewID int) error
}

// Options configures a Server.
type Options struct {
	Addr string

	// Mixer is required.
	Mixer Mixer

	// Sources enables the port mutation routes. Without it they answer
	// 501.
	Sources Sources

	// Gatherer backs /metrics (default: prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer

	// Ready reports readiness (default: always ready).
	Ready func() bool

	// OnStyleApplied is called with every accepted style document.
	OnStyleApplied func(doc string)

	Logger *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	opts   Options
	router *mux.Router
	logger *slog.Logger
}

// NewServer creates a server and registers its routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Mixer == nil {
		return nil, errors.New("api: mixer is required")
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.Ready == nil {
		opts.Ready = func() bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
		logger: opts.Logger,
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.getHealth).Methods("GET")
	s.router.HandleFunc("/readiness", s.getReadiness).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")

	// Full paths on the root router: a subrouter answers a method
	// mismatch with 404.
	s.router.HandleFunc("/api/style", s.getStyle).Methods("GET")
	s.router.HandleFunc("/api/style", s.putStyle).Methods("PUT")
	s.router.HandleFunc("/api/ports", s.getPorts).Methods("GET")
	s.router.HandleFunc("/api/ports", s.postPort).Methods("POST")
	s.router.HandleFunc("/api/ports/{id:[0-9]+}", s.deletePort).Methods("DELETE")
	s.router.HandleFunc("/api/ports/{id:[0-9]+}/view", s.putPortView).Methods("PUT")
	s.router.HandleFunc("/api/layout", s.getLayout).Methods("GET")
	s.router.HandleFunc("/api/stats", s.getStats).Methods("GET")
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.logger.Info("api: stopped")
	return nil
}

type errorResponse struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message, Status: status})
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.opts.Ready() {
		writeError(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getStyle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, s.opts.Mixer.CurrentStyle())
}

func (s *Server) putStyle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxStyleBytes+1))
	if err != nil {
		writeError(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxStyleBytes {
		writeError(w, "style document too large", http.StatusRequestEntityTooLarge)
		return
	}

	doc := string(body)
	if !s.opts.Mixer.ApplyStyle(doc) {
		writeError(w, "style rejected", http.StatusBadRequest)
		return
	}
	if s.opts.OnStyleApplied != nil {
		s.opts.OnStyleApplied(doc)
	}

	s.getStyle(w, r)
}

func (s *Server) getPorts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Mixer.Ports())
}

type portRequest struct {
	URI    string `json:"uri"`
	ViewID *int   `json:"view_id,omitempty"`
}

func (s *Server) postPort(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sources == nil {
		writeError(w, "source management not available", http.StatusNotImplemented)
		return
	}

	var req portRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.URI == "" {
		writeError(w, "uri is required", http.StatusBadRequest)
		return
	}
	viewID := stylemixer.Unbound
	if req.ViewID != nil {
		viewID = *req.ViewID
	}

	id, err := s.opts.Sources.AttachSource(req.URI, viewID)
	if err != nil {
		s.logger.Warn("api: attach failed", "uri", req.URI, "error", err)
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int{"port_id": id, "view_id": viewID})
}

func (s *Server) deletePort(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sources == nil {
		writeError(w, "source management not available", http.StatusNotImplemented)
		return
	}
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	if err := s.opts.Sources.DetachSource(id); err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putPortView(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sources == nil {
		writeError(w, "source management not available", http.StatusNotImplemented)
		return
	}
	id, _ := strconv.Atoi(mux.Vars(r)["id"])

	var req struct {
		ViewID *int `json:"view_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ViewID == nil {
		writeError(w, "view_id is required", http.StatusBadRequest)
		return
	}

	if err := s.opts.Sources.BindView(id, *req.ViewID); err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"port_id": id, "view_id": *req.ViewID})
}

func (s *Server) getLayout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Mixer.Layout())
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Mixer.Stats())
}
