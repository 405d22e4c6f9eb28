// Package web serves the gateway's JSON API and the WebSocket event stream.
package web

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"wlink-home/internal/automation"
	"wlink-home/internal/gateway"
)

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string reported by /api/status.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithAutomation enables the script management endpoints.
func WithAutomation(engine *automation.Engine, scripts *automation.Manager) ServerOption {
	return func(s *Server) {
		s.auto = engine
		s.scripts = scripts
	}
}

// Server is the HTTP server for the gateway API.
type Server struct {
	gw             *gateway.Gateway
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	unsubEvents    func()

	auto    *automation.Engine
	scripts *automation.Manager
}

// NewServer creates a new web server and starts the WebSocket hub.
func NewServer(gw *gateway.Gateway, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		gw:     gw,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	go s.wsHub.Run()

	// Every gateway event goes to connected WebSocket clients.
	s.unsubEvents = gw.Events().OnAll(func(ev gateway.Event) {
		s.wsHub.Broadcast(ev)
	})

	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/networks", s.handleListNetworks)
	s.mux.HandleFunc("POST /api/networks/scan", s.handleScan)
	s.mux.HandleFunc("POST /api/networks/join", s.handleJoin)
	s.mux.HandleFunc("DELETE /api/networks/{ssid}", s.handleForgetNetwork)
	s.mux.HandleFunc("GET /api/peers", s.handleListPeers)
	s.mux.HandleFunc("POST /api/ping", s.handlePing)
	s.mux.HandleFunc("GET /ws", s.handleWS)

	if s.scripts != nil {
		s.mux.HandleFunc("GET /api/scripts", s.handleListScripts)
		s.mux.HandleFunc("POST /api/scripts", s.handleSaveScript)
		s.mux.HandleFunc("GET /api/scripts/{id}", s.handleGetScript)
		s.mux.HandleFunc("DELETE /api/scripts/{id}", s.handleDeleteScript)
		s.mux.HandleFunc("POST /api/scripts/{id}/run", s.handleRunScript)
		s.mux.HandleFunc("POST /api/scripts/run", s.handleRunCode)
	}

	return s
}

// Stop unsubscribes from gateway events and shuts the hub down.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.apiKey != "" && !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// authorized checks the X-API-Key header; WebSocket clients may pass the key
// as a query parameter since browsers cannot set headers on upgrades.
func (s *Server) authorized(r *http.Request) bool {
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("api_key")
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) == 1
}
