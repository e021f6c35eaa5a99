package ha

import (
	"encoding/json"
	"time"
)

// Message types exchanged with the Home Assistant websocket API.
const (
	typeAuthRequired    = "auth_required"
	typeAuth            = "auth"
	typeAuthOK          = "auth_ok"
	typeAuthInvalid     = "auth_invalid"
	typeSubscribeEvents = "subscribe_events"
	typeResult          = "result"
	typeEvent           = "event"
	typePing            = "ping"
	typePong            = "pong"

	eventStateChanged = "state_changed"
)

// Message is the envelope of every frame received from Home Assistant.
// Only the fields needed to route a frame are decoded eagerly.
type Message struct {
	ID      int    `json:"id,omitempty"`
	Type    string `json:"type"`
	Success *bool  `json:"success,omitempty"`
	Message string `json:"message,omitempty"`
	Error   *Error `json:"error,omitempty"`
	Event   *Event `json:"event,omitempty"`
}

// Error represents an error response from Home Assistant
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event represents an event message from Home Assistant
type Event struct {
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin,omitempty"`
	TimeFired time.Time       `json:"time_fired,omitempty"`
}

// stateChangedData is the data payload of a state_changed event. Fields are
// pointers so a frame missing them can be told apart from an empty value.
type stateChangedData struct {
	EntityID string    `json:"entity_id"`
	NewState *newState `json:"new_state"`
}

type newState struct {
	EntityID *string `json:"entity_id"`
	State    *string `json:"state"`
}

// AuthMessage represents authentication request
type AuthMessage struct {
	Type        string `json:"type"`
	AccessToken string `json:"access_token"`
}

// SubscribeEventsRequest represents a subscribe_events request
type SubscribeEventsRequest struct {
	ID        int    `json:"id"`
	Type      string `json:"type"`
	EventType string `json:"event_type"`
}

// PingRequest represents an application level ping
type PingRequest struct {
	Type string `json:"type"`
	ID   int    `json:"id"`
}

// EntityStateSnapshot is the REST view of a single entity.
type EntityStateSnapshot struct {
	EntityID    string    `json:"entity_id"`
	State       string    `json:"state"`
	LastChanged time.Time `json:"last_changed"`
	LastUpdated time.Time `json:"last_updated"`
}

// StateChangedEvent is a normalized state_changed notification. State is the
// raw wire value; numeric sensors are parsed by the consumer.
type StateChangedEvent struct {
	EntityID string
	State    string
	Raw      json.RawMessage
}
