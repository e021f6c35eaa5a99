package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"hatoolbar/internal/ha"
	"hatoolbar/internal/metrics"
	"hatoolbar/internal/sensors"
)

// Server exposes sensor readings and connection health over HTTP
type Server struct {
	monitor *sensors.Monitor
	client  ha.HAClient
	metrics *metrics.Metrics
	logger  *zap.Logger
	server  *http.Server
	mux     *http.ServeMux

	listener net.Listener
}

// NewServer creates a new API server listening on addr (host:port)
func NewServer(monitor *sensors.Monitor, client ha.HAClient, mt *metrics.Metrics, logger *zap.Logger, addr string) *Server {
	s := &Server{
		monitor: monitor,
		client:  client,
		metrics: mt,
		logger:  logger,
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("/", s.handleSitemap)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/sensors", s.handleSensors)
	s.mux.HandleFunc("/api/connection", s.handleConnection)
	s.mux.Handle("/metrics", mt.Handler())

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routing handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ConnectionResponse is the body of /api/connection
type ConnectionResponse struct {
	State        string `json:"state"`
	Reason       string `json:"reason,omitempty"`
	Retryable    bool   `json:"retryable"`
	Status       string `json:"status"`
	Pings        int64  `json:"pings"`
	StateChanges int64  `json:"state_changes"`
}

// HealthResponse is the body of /health
type HealthResponse struct {
	Status     string `json:"status"`
	Connection string `json:"connection"`
}

// handleSensors returns the monitor snapshot
func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, s.monitor.Snapshot())
	s.logger.Debug("Sensors request served", zap.String("remote_addr", r.RemoteAddr))
}

// handleConnection reports the client state and liveness counters
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.client.CurrentState()
	snap := s.monitor.Snapshot()
	resp := ConnectionResponse{
		State:        state.Kind.String(),
		Status:       string(snap.Status),
		Pings:        snap.Pings,
		StateChanges: snap.StateChanges,
	}
	if state.Reason != nil {
		resp.Reason = state.Reason.String()
		resp.Retryable = state.Reason.Retryable()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleHealth answers 200 for the process itself; connection health is
// reported in the body so a down Home Assistant does not fail probes
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Connection: string(s.monitor.Snapshot().Status),
	})
}

// Endpoint represents an API endpoint with its documentation
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: "GET", Description: "This sitemap"},
	{Path: "/health", Method: "GET", Description: "Process health plus connection status"},
	{Path: "/api/sensors", Method: "GET", Description: "Last known value of every configured sensor"},
	{Path: "/api/connection", Method: "GET", Description: "Websocket state, disconnect reason and ping count"},
	{Path: "/metrics", Method: "GET", Description: "Prometheus metrics"},
}

// handleSitemap lists the endpoints as JSON or plain text depending on Accept
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		s.writeJSON(w, http.StatusOK, endpoints)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Home Assistant Toolbar API\n")
	fmt.Fprintf(w, "==========================\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-18s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nExample:\n\n    curl http://%s/api/sensors | jq\n", r.Host)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.listener = ln
	s.logger.Info("Starting HTTP API server", zap.String("addr", ln.Addr().String()))

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the bound address once Start has succeeded
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.server.Addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
