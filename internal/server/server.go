// Package server provides the live viewer: health and session status, the
// websocket entity stream, an MJPEG stream of the color image and the frame
// catalog API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ayusman/oaklog/internal/server/api"
	"github.com/ayusman/oaklog/internal/store"
)

// StatusFunc reports extra run status, such as loop state and counters.
type StatusFunc func() any

// Config holds the server configuration.
type Config struct {
	Hub      *Hub
	Snapshot *Snapshot
	Store    *store.Store
	// SessionID is the catalog session served by /api/frames by default.
	SessionID string
	Status    StatusFunc
	Logger    *slog.Logger
}

// Server is the live viewer HTTP server.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	http   *http.Server
	cancel context.CancelFunc
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/session", s.handleSession)

	if s.config.Hub != nil {
		s.mux.Handle("/api/viz", s.config.Hub)
	}

	if s.config.Snapshot != nil {
		s.mux.Handle("/api/stream", NewStreamHandler(s.config.Snapshot))
	}

	if s.config.Store != nil {
		frames := api.NewFramesHandler(s.config.Store, s.config.SessionID)
		s.mux.Handle("/api/frames", frames)
		s.mux.Handle("/api/frames/", frames)

		sessions := api.NewSessionsHandler(s.config.Store)
		s.mux.Handle("/api/sessions", sessions)
		s.mux.Handle("/api/sessions/", sessions)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	}
	if s.config.Hub != nil {
		response["session"] = s.config.Hub.name
	}

	writeJSON(w, response)
}

// handleSession handles GET requests to /api/session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"catalog_session": s.config.SessionID,
	}
	if s.config.Hub != nil {
		response["viewer"] = s.config.Hub.Info()
	}
	if s.config.Status != nil {
		response["run"] = s.config.Status()
	}

	writeJSON(w, response)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

// Start listens on addr in the background. Serve errors other than a
// regular shutdown are logged.
func (s *Server) Start(addr string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.http = &http.Server{
		Addr:        addr,
		Handler:     s,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		s.config.Logger.Info("viewer listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Error("viewer server failed", "addr", addr, "error", err)
		}
	}()
}

// Shutdown stops a server started with Start. Open MJPEG streams are ended
// first.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	s.cancel()
	return s.http.Shutdown(ctx)
}
