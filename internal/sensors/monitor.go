// Package sensors turns the realtime client's event stream into the last
// known value of each configured sensor, and backfills those values over
// REST when a session starts and on a schedule.
package sensors

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"hatoolbar/internal/clock"
	"hatoolbar/internal/config"
	"hatoolbar/internal/ha"
	"hatoolbar/internal/metrics"
)

// Source records where a reading came from.
type Source string

const (
	SourcePush Source = "push"
	SourceREST Source = "rest"
)

// Status summarizes connection health for consumers.
type Status string

const (
	StatusNotConfigured Status = "not_configured"
	StatusDown          Status = "down"
	StatusConnecting    Status = "connecting"
	StatusHealthy       Status = "healthy"
)

// Reading is the last known value of one sensor.
type Reading struct {
	Sensor    string    `json:"sensor"`
	EntityID  string    `json:"entity_id"`
	State     string    `json:"state"`
	Value     *float64  `json:"value,omitempty"`
	Source    Source    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Snapshot is a consistent copy of the monitor's state.
type Snapshot struct {
	Status       Status    `json:"status"`
	Connection   string    `json:"connection"`
	Readings     []Reading `json:"readings"`
	StateChanges int64     `json:"state_changes"`
	Pings        int64     `json:"pings"`
	LastUpdated  time.Time `json:"last_updated,omitempty"`
}

// Monitor consumes ha.ClientEvent values. It never talks to the network
// itself; backfill is delegated to the hook set with OnSessionStart.
type Monitor struct {
	logger     *zap.Logger
	metrics    *metrics.Metrics
	clock      clock.Clock
	configured bool

	mu               sync.RWMutex
	mapping          *config.Mapping
	readings         map[string]Reading // by sensor name
	state            ha.ConnectionState
	stateChanges     int64
	pingCounter      PingCounter
	lastUpdated      time.Time
	awaitingBackfill bool
	onSessionStart   func()
}

// PingCounter reports completed ping round trips. ha.HAClient satisfies it.
type PingCounter interface {
	Pings() int64
}

// MonitorOption customizes a Monitor.
type MonitorOption func(*Monitor)

func WithMonitorClock(c clock.Clock) MonitorOption {
	return func(m *Monitor) { m.clock = c }
}

func WithMonitorMetrics(mt *metrics.Metrics) MonitorOption {
	return func(m *Monitor) { m.metrics = mt }
}

// WithPingCounter makes Snapshot report pings from c, normally the client,
// so every surface shows the same count.
func WithPingCounter(c PingCounter) MonitorOption {
	return func(m *Monitor) { m.pingCounter = c }
}

// NewMonitor creates a monitor for mapping. configured is false when the
// connection settings are incomplete, which is reported as not_configured.
func NewMonitor(mapping *config.Mapping, configured bool, logger *zap.Logger, opts ...MonitorOption) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		logger:     logger,
		clock:      clock.NewReal(),
		configured: configured,
		mapping:    mapping,
		readings:   make(map[string]Reading),
		state:      ha.ConnectionState{Kind: ha.StateDisconnected},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnSessionStart registers f to run (in its own goroutine) on the first
// subscribed state after each connecting state.
func (m *Monitor) OnSessionStart(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onSessionStart = f
}

// Run consumes events from client until ctx is done or the stream ends.
func (m *Monitor) Run(ctx context.Context, client ha.HAClient) {
	m.Watch(ctx, client.Events())
}

// Watch consumes sub until ctx is done or the stream ends.
func (m *Monitor) Watch(ctx context.Context, sub *ha.EventSubscription) {
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			m.Handle(ev)
		}
	}
}

// Handle applies a single client event.
func (m *Monitor) Handle(ev ha.ClientEvent) {
	switch ev.Kind {
	case ha.EventConnectionState:
		m.handleState(ev.State)
	case ha.EventStateChanged:
		m.mu.Lock()
		m.stateChanges++
		m.mu.Unlock()
		m.metrics.IncStateChanges()
		m.Apply(ev.Change.EntityID, ev.Change.State, SourcePush)
	case ha.EventPing:
		m.metrics.IncPings()
	}
}

func (m *Monitor) handleState(state ha.ConnectionState) {
	var hook func()

	m.mu.Lock()
	m.state = state
	switch state.Kind {
	case ha.StateConnecting:
		m.awaitingBackfill = true
	case ha.StateSubscribed:
		if m.awaitingBackfill {
			m.awaitingBackfill = false
			hook = m.onSessionStart
		}
	}
	m.mu.Unlock()

	if hook != nil {
		m.logger.Debug("Session started, backfilling sensors")
		go hook()
	}
}

// Apply records state for every sensor bound to entityID. Numeric sensors
// whose state does not parse are left unchanged. It reports whether any
// reading changed.
func (m *Monitor) Apply(entityID, state string, source Source) bool {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, s := range m.mapping.ForEntity(entityID) {
		r := Reading{Sensor: s.Name, EntityID: entityID, State: state, Source: source, UpdatedAt: now}
		if s.Numeric {
			v, err := strconv.ParseFloat(state, 64)
			if err != nil {
				m.logger.Debug("Ignoring non-numeric state",
					zap.String("sensor", s.Name),
					zap.String("entity_id", entityID),
					zap.String("state", state))
				continue
			}
			r.Value = &v
		}

		if prev, ok := m.readings[s.Name]; ok && prev.State == state {
			continue
		}
		m.readings[s.Name] = r
		m.lastUpdated = now
		changed = true
		if r.Value != nil {
			m.metrics.ObserveSensor(s.Name, entityID, *r.Value)
		}
		m.logger.Debug("Sensor updated",
			zap.String("sensor", s.Name),
			zap.String("state", state),
			zap.String("source", string(source)))
	}
	return changed
}

// SetMapping swaps in a reloaded mapping. Readings of sensors that are gone
// or now bound to another entity are dropped.
func (m *Monitor) SetMapping(mapping *config.Mapping) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.mapping = mapping
	for name, r := range m.readings {
		s, ok := mapping.Sensor(name)
		if !ok || s.EntityID != r.EntityID {
			delete(m.readings, name)
		}
	}
}

// Mapping returns the current sensor mapping.
func (m *Monitor) Mapping() *config.Mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mapping
}

// Reading returns the last value of the named sensor.
func (m *Monitor) Reading(sensor string) (Reading, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readings[sensor]
	return r, ok
}

// Connected reports whether the client is subscribed.
func (m *Monitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Kind == ha.StateSubscribed
}

// Snapshot returns all readings in mapping order plus connection health.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		Status:       m.statusLocked(),
		Connection:   m.state.String(),
		Readings:     make([]Reading, 0, len(m.readings)),
		StateChanges: m.stateChanges,
		LastUpdated:  m.lastUpdated,
	}
	if m.pingCounter != nil {
		snap.Pings = m.pingCounter.Pings()
	}
	if m.mapping != nil {
		for _, s := range m.mapping.Sensors {
			if r, ok := m.readings[s.Name]; ok {
				snap.Readings = append(snap.Readings, r)
			}
		}
	}
	return snap
}

func (m *Monitor) statusLocked() Status {
	switch {
	case !m.configured:
		return StatusNotConfigured
	case m.state.Kind == ha.StateSubscribed:
		return StatusHealthy
	case m.state.InFlight():
		return StatusConnecting
	default:
		return StatusDown
	}
}
