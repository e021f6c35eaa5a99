// Package supervisor decides when the realtime client connects and
// disconnects. It reacts to the client's own state transitions, to network
// reachability changes and to sleep/wake notifications, and owns at most one
// pending reconnect timer.
package supervisor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"hatoolbar/internal/clock"
	"hatoolbar/internal/ha"
	"hatoolbar/internal/metrics"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultNetworkGrace   = 2 * time.Second
	DefaultWakeGrace      = 1 * time.Second
)

// Trigger names what caused a reconnect attempt.
type Trigger string

const (
	TriggerNetworkFailure  Trigger = "network_failure"
	TriggerNetworkRestored Trigger = "network_restored"
	TriggerWake            Trigger = "wake"
)

// Reasons attached to disconnects the supervisor issues itself. Both are
// network failures so the next wake or network-up reconnects automatically.
const (
	detailNetworkUnavailable = "network unavailable"
	detailSuspended          = "suspended"
)

// Supervisor wraps one ha.HAClient. All decisions are serialized by mu; calls
// into the client are made after releasing it.
type Supervisor struct {
	client  ha.HAClient
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	reconnectDelay time.Duration
	networkGrace   time.Duration
	wakeGrace      time.Duration

	mu          sync.Mutex
	pending     clock.Timer
	pendingFor  Trigger
	generation  uint64
	networkDown bool
	suspended   bool
	stopped     bool
	lastState   ha.ConnectionState
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

func WithClock(c clock.Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithReconnectDelay sets the wait after a network failure.
func WithReconnectDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.reconnectDelay = d
		}
	}
}

// WithNetworkGrace sets the wait after the network comes back.
func WithNetworkGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.networkGrace = d
		}
	}
}

// WithWakeGrace sets the wait after resuming from sleep.
func WithWakeGrace(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.wakeGrace = d
		}
	}
}

// New creates a supervisor for client. Nothing happens until Start or Run.
func New(client ha.HAClient, logger *zap.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Supervisor{
		client:         client,
		clock:          clock.NewReal(),
		logger:         logger,
		reconnectDelay: DefaultReconnectDelay,
		networkGrace:   DefaultNetworkGrace,
		wakeGrace:      DefaultWakeGrace,
		lastState:      client.CurrentState(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start issues the initial connect. An incomplete configuration is returned
// as an error and leaves the client untouched.
func (s *Supervisor) Start() error {
	state, err := s.client.Connect()
	if err != nil {
		return err
	}
	s.logger.Info("Supervisor started", zap.Stringer("state", state))
	return nil
}

// Run feeds the client's connection state events into HandleState until ctx
// is done or the client's event stream ends.
func (s *Supervisor) Run(ctx context.Context) error {
	return s.Watch(ctx, s.client.Events())
}

// Watch is Run over a subscription taken by the caller, so no state emitted
// between subscribing and the first Connect is missed.
func (s *Supervisor) Watch(ctx context.Context, sub *ha.EventSubscription) error {
	defer sub.Unsubscribe()
	defer s.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if ev.Kind == ha.EventConnectionState {
				s.HandleState(ev.State)
			}
		}
	}
}

// Stop cancels any pending reconnect and ignores all further input.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancelPendingLocked()
}

// HandleState applies the reconnect policy to one client state transition.
// Any transition cancels a pending attempt; a retryable disconnect schedules
// a new one unless the network is known to be down or the host is asleep.
func (s *Supervisor) HandleState(state ha.ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.SetConnectionState(state.Kind.String())
	if state.Kind == ha.StateDisconnected && state.Reason != nil && !state.Equal(s.lastState) {
		s.metrics.IncDisconnect(state.Reason.Kind.String())
	}
	s.lastState = state

	if s.stopped {
		return
	}

	if state.Kind != ha.StateDisconnected {
		s.cancelPendingLocked()
		return
	}
	if state.Reason == nil || !state.Reason.Retryable() {
		s.cancelPendingLocked()
		if state.Reason != nil {
			s.logger.Info("Not reconnecting",
				zap.Stringer("reason", state.Reason),
				zap.NamedError("cause", state.Reason.Err()))
		}
		return
	}
	if s.networkDown || s.suspended {
		s.cancelPendingLocked()
		s.logger.Debug("Deferring reconnect",
			zap.Bool("network_down", s.networkDown),
			zap.Bool("suspended", s.suspended))
		return
	}
	// A wake or network-up attempt is already due sooner
	if s.pending != nil && s.pendingFor != TriggerNetworkFailure {
		return
	}
	s.scheduleLocked(s.reconnectDelay, TriggerNetworkFailure)
}

// NetworkChanged reports an OS reachability transition. Losing the network
// disconnects right away instead of waiting for the socket to error.
func (s *Supervisor) NetworkChanged(available bool) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	wasDown := s.networkDown
	s.networkDown = !available

	if !available {
		s.cancelPendingLocked()
		s.mu.Unlock()

		s.logger.Warn("Network unavailable")
		if s.client.CurrentState().InFlight() {
			s.client.Disconnect(ha.NetworkFailure(detailNetworkUnavailable))
		}
		return
	}

	if wasDown {
		s.logger.Info("Network available again", zap.Duration("grace", s.networkGrace))
		if !s.suspended {
			s.scheduleLocked(s.networkGrace, TriggerNetworkRestored)
		}
	}
	s.mu.Unlock()
}

// Suspend handles sleep or moving to the background. The disconnect is a
// network failure, not a user one, so Resume reconnects.
func (s *Supervisor) Suspend() {
	s.mu.Lock()
	if s.stopped || s.suspended {
		s.mu.Unlock()
		return
	}
	s.suspended = true
	s.cancelPendingLocked()
	s.mu.Unlock()

	s.logger.Info("Suspending connection")
	if s.client.CurrentState().InFlight() {
		s.client.Disconnect(ha.NetworkFailure(detailSuspended))
	}
}

// Resume handles wake or returning to the foreground.
func (s *Supervisor) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.suspended {
		return
	}
	s.suspended = false
	s.logger.Info("Resuming connection", zap.Duration("grace", s.wakeGrace))
	if !s.networkDown {
		s.scheduleLocked(s.wakeGrace, TriggerWake)
	}
}

// Pending reports the trigger of the scheduled reconnect, if any.
func (s *Supervisor) Pending() (Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingFor, s.pending != nil
}

// scheduleLocked replaces any pending attempt with one firing after d.
func (s *Supervisor) scheduleLocked(d time.Duration, trigger Trigger) {
	s.cancelPendingLocked()
	gen := s.generation
	s.pendingFor = trigger
	s.pending = s.clock.AfterFunc(d, func() { s.fire(gen, trigger) })
	s.logger.Debug("Reconnect scheduled", zap.String("trigger", string(trigger)), zap.Duration("delay", d))
}

func (s *Supervisor) cancelPendingLocked() {
	s.generation++
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
		s.pendingFor = ""
	}
}

func (s *Supervisor) fire(gen uint64, trigger Trigger) {
	s.mu.Lock()
	if gen != s.generation || s.stopped || s.suspended || s.networkDown {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.pendingFor = ""
	s.mu.Unlock()

	state := s.client.CurrentState()
	if !shouldReconnect(state) {
		s.logger.Debug("Skipping reconnect",
			zap.String("trigger", string(trigger)),
			zap.Stringer("state", state))
		return
	}

	s.metrics.IncReconnect(string(trigger))
	s.logger.Info("Reconnecting", zap.String("trigger", string(trigger)))
	if _, err := s.client.Connect(); err != nil {
		s.logger.Error("Reconnect failed", zap.Error(err))
	}
}

// shouldReconnect is checked right before firing. A client that never
// connected has no reason and may connect; explicit or auth disconnects stay put.
func shouldReconnect(state ha.ConnectionState) bool {
	if state.Kind != ha.StateDisconnected {
		return false
	}
	return state.Reason == nil || state.Reason.Retryable()
}
