// Package testutil provides a mock Home Assistant server and a wired test
// environment for integration tests of the toolbar daemon.
package testutil

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"hatoolbar/internal/ha"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	subscribed bool
}

func (w *connWrapper) writeJSON(v interface{}) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.conn.WriteJSON(v)
}

// MockHAServer simulates the Home Assistant websocket and REST states API
type MockHAServer struct {
	server   *http.Server
	listener net.Listener
	token    string

	states   map[string]*EntityState
	statesMu sync.RWMutex

	connections []*connWrapper
	connsMu     sync.Mutex

	respondToPings  atomic.Bool
	rejectSubscribe atomic.Bool
	acceptedConns   atomic.Int32
	pingsReceived   atomic.Int32
	stateRequests   atomic.Int32
}

// EntityState represents a Home Assistant entity state
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	State       string                 `json:"state"`
	Attributes  map[string]interface{} `json:"attributes"`
	LastChanged time.Time              `json:"last_changed"`
	LastUpdated time.Time              `json:"last_updated"`
}

// message is the superset of every frame the mock sends or receives
type message struct {
	ID          int             `json:"id,omitempty"`
	Type        string          `json:"type"`
	Success     *bool           `json:"success,omitempty"`
	Message     string          `json:"message,omitempty"`
	AccessToken string          `json:"access_token,omitempty"`
	EventType   string          `json:"event_type,omitempty"`
	Event       *event          `json:"event,omitempty"`
	Error       *errorBody      `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type stateChangedData struct {
	EntityID string       `json:"entity_id"`
	NewState *EntityState `json:"new_state"`
	OldState *EntityState `json:"old_state"`
}

// NewMockHAServer creates a mock server accepting token
func NewMockHAServer(token string) *MockHAServer {
	s := &MockHAServer{
		token:  token,
		states: make(map[string]*EntityState),
	}
	s.respondToPings.Store(true)
	return s
}

// Start listens on a free loopback port
func (s *MockHAServer) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/api/websocket", s.handleWebSocket)
	mux.HandleFunc("/api/states", s.handleStates)
	mux.HandleFunc("/api/states/", s.handleStates)
	s.server = &http.Server{Handler: mux}

	go func() {
		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			log.Printf("Mock HA server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every connection and the listener
func (s *MockHAServer) Stop() error {
	s.DropConnections()
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Addr returns host:port of the listener
func (s *MockHAServer) Addr() string {
	return s.listener.Addr().String()
}

// Configuration returns client settings pointing at this server
func (s *MockHAServer) Configuration(token string) ha.Configuration {
	host, portStr, _ := net.SplitHostPort(s.Addr())
	port, _ := strconv.Atoi(portStr)

	cfg := ha.NewConfiguration(host, token)
	cfg.Port = port
	cfg.UseTLS = false
	return cfg
}

// SetRespondToPings controls whether pings get a pong
func (s *MockHAServer) SetRespondToPings(respond bool) {
	s.respondToPings.Store(respond)
}

// SetRejectSubscriptions makes subscribe_events fail
func (s *MockHAServer) SetRejectSubscriptions(reject bool) {
	s.rejectSubscribe.Store(reject)
}

// Connections returns how many websocket connections were accepted
func (s *MockHAServer) Connections() int {
	return int(s.acceptedConns.Load())
}

// ActiveConnections returns how many websocket connections are open
func (s *MockHAServer) ActiveConnections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}

// PingsReceived returns the number of ping frames seen
func (s *MockHAServer) PingsReceived() int {
	return int(s.pingsReceived.Load())
}

// StateRequests returns the number of REST state requests served
func (s *MockHAServer) StateRequests() int {
	return int(s.stateRequests.Load())
}

// DropConnections closes every websocket without a close frame
func (s *MockHAServer) DropConnections() {
	s.connsMu.Lock()
	conns := s.connections
	s.connections = nil
	s.connsMu.Unlock()

	for _, w := range conns {
		w.conn.Close()
	}
}

// SetState stores a state and broadcasts state_changed to subscribers
func (s *MockHAServer) SetState(entityID, state string, attributes map[string]interface{}) {
	s.statesMu.Lock()
	oldState := s.states[entityID]
	now := time.Now().UTC()
	newState := &EntityState{
		EntityID:    entityID,
		State:       state,
		Attributes:  attributes,
		LastChanged: now,
		LastUpdated: now,
	}
	s.states[entityID] = newState
	s.statesMu.Unlock()

	s.broadcastStateChange(entityID, oldState, newState)
}

// GetState retrieves a state
func (s *MockHAServer) GetState(entityID string) *EntityState {
	s.statesMu.RLock()
	defer s.statesMu.RUnlock()
	return s.states[entityID]
}

func (s *MockHAServer) handleStates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+s.token {
		http.Error(w, `{"message":"Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	s.stateRequests.Add(1)

	entityID := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/api/states"), "/")

	s.statesMu.RLock()
	var body interface{}
	if entityID == "" {
		all := make([]*EntityState, 0, len(s.states))
		for _, st := range s.states {
			all = append(all, st)
		}
		body = all
	} else if st, ok := s.states[entityID]; ok {
		body = st
	}
	s.statesMu.RUnlock()

	if body == nil {
		http.Error(w, `{"message":"Entity not found."}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// handleWebSocket runs the auth handshake and then serves subscribe and ping
func (s *MockHAServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	s.acceptedConns.Add(1)

	wrapper := &connWrapper{conn: conn}
	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	defer func() {
		s.connsMu.Lock()
		for i, c := range s.connections {
			if c == wrapper {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	wrapper.writeJSON(message{Type: "auth_required"})

	var auth message
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth.Type != "auth" || auth.AccessToken != s.token {
		wrapper.writeJSON(message{Type: "auth_invalid", Message: "Invalid access token or password"})
		return
	}
	wrapper.writeJSON(message{Type: "auth_ok"})

	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "subscribe_events":
			if s.rejectSubscribe.Load() {
				failure := false
				wrapper.writeJSON(message{ID: msg.ID, Type: "result", Success: &failure,
					Error: &errorBody{Code: "unauthorized", Message: "Unauthorized"}})
				continue
			}
			s.connsMu.Lock()
			wrapper.subscribed = true
			s.connsMu.Unlock()
			success := true
			wrapper.writeJSON(message{ID: msg.ID, Type: "result", Success: &success})

		case "ping":
			s.pingsReceived.Add(1)
			if s.respondToPings.Load() {
				wrapper.writeJSON(message{ID: msg.ID, Type: "pong"})
			}
		}
	}
}

// broadcastStateChange sends a state_changed event to every subscribed connection
func (s *MockHAServer) broadcastStateChange(entityID string, oldState, newState *EntityState) {
	data, _ := json.Marshal(stateChangedData{
		EntityID: entityID,
		NewState: newState,
		OldState: oldState,
	})

	msg := message{
		Type: "event",
		Event: &event{
			EventType: "state_changed",
			Data:      data,
			Origin:    "LOCAL",
			TimeFired: time.Now().UTC(),
		},
	}

	s.connsMu.Lock()
	var targets []*connWrapper
	for _, c := range s.connections {
		if c.subscribed {
			targets = append(targets, c)
		}
	}
	s.connsMu.Unlock()

	for _, c := range targets {
		c.writeJSON(msg)
	}
}
