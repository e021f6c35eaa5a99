package ha

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// MockClient implements HAClient interface for testing. Connect moves straight
// to subscribed unless ConnectErr is set; tests drive everything else with
// SetState and SimulateStateChange.
type MockClient struct {
	events *broadcaster

	mu           sync.Mutex
	state        ConnectionState
	connectCalls int
	disconnects  []DisconnectionReason
	connectErr   error
	holdConnect  bool
	snapshots    map[string]*EntityStateSnapshot
	fetchErrs    map[string]error
	fetchCalls   []string
	pings        int64
}

// NewMockClient creates a new mock HA client
func NewMockClient() *MockClient {
	return &MockClient{
		events:    newBroadcaster(defaultSubscriberBuffer, zap.NewNop()),
		state:     ConnectionState{Kind: StateDisconnected},
		snapshots: make(map[string]*EntityStateSnapshot),
		fetchErrs: make(map[string]error),
	}
}

// Connect records the call and, unless held, walks through the handshake states.
func (m *MockClient) Connect() (ConnectionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connectErr != nil {
		return m.state, m.connectErr
	}
	if m.state.InFlight() {
		return m.state, nil
	}
	m.connectCalls++
	m.setStateLocked(ConnectionState{Kind: StateConnecting})
	if !m.holdConnect {
		m.setStateLocked(ConnectionState{Kind: StateAuthenticated})
		m.setStateLocked(ConnectionState{Kind: StateSubscribed})
	}
	return m.state, nil
}

// Disconnect records the reason and publishes the disconnected state
func (m *MockClient) Disconnect(reason DisconnectionReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, reason)
	m.setStateLocked(Disconnected(reason))
}

// CurrentState returns the mock connection state
func (m *MockClient) CurrentState() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events attaches to the mock event stream
func (m *MockClient) Events() *EventSubscription {
	return m.events.subscribe()
}

// Pings returns the simulated pong count
func (m *MockClient) Pings() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// FetchEntityState returns a snapshot registered with SetSnapshot
func (m *MockClient) FetchEntityState(ctx context.Context, entityID string) (*EntityStateSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetchCalls = append(m.fetchCalls, entityID)
	if err, ok := m.fetchErrs[entityID]; ok {
		return nil, err
	}
	snap, ok := m.snapshots[entityID]
	if !ok {
		return nil, &HTTPError{StatusCode: 404, EntityID: entityID}
	}
	cp := *snap
	return &cp, nil
}

// SetState forces the connection state and publishes it
func (m *MockClient) SetState(s ConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(s)
}

// SetConnectError makes Connect fail without changing state
func (m *MockClient) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// HoldConnect leaves Connect in the connecting state
func (m *MockClient) HoldConnect(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holdConnect = hold
}

// SetSnapshot registers the REST answer for entityID
func (m *MockClient) SetSnapshot(entityID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[entityID] = &EntityStateSnapshot{EntityID: entityID, State: state}
	delete(m.fetchErrs, entityID)
}

// SetFetchError makes FetchEntityState fail for entityID
func (m *MockClient) SetFetchError(entityID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErrs[entityID] = err
}

// SimulateStateChange publishes a state_changed event
func (m *MockClient) SimulateStateChange(entityID, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw := []byte(fmt.Sprintf(`{"type":"event","event":{"data":{"new_state":{"entity_id":%q,"state":%q}}}}`, entityID, state))
	m.events.publish(stateChangedEvent(StateChangedEvent{EntityID: entityID, State: state, Raw: raw}))
}

// SimulatePong publishes a ping round trip
func (m *MockClient) SimulatePong(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	m.events.publish(pingEvent(id))
}

// ConnectCalls returns how many times Connect started a session
func (m *MockClient) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}

// Disconnects returns the recorded disconnect reasons
func (m *MockClient) Disconnects() []DisconnectionReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DisconnectionReason(nil), m.disconnects...)
}

// FetchCalls returns the entity ids requested over REST
func (m *MockClient) FetchCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.fetchCalls...)
}

// Close ends the mock event stream
func (m *MockClient) Close() {
	m.events.close()
}

func (m *MockClient) setStateLocked(s ConnectionState) {
	m.state = s
	m.events.publish(connectionStateEvent(s))
}
