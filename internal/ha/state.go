package ha

import "fmt"

// StateKind enumerates the externally visible connection states.
type StateKind int

const (
	StateDisconnected StateKind = iota
	StateConnecting
	StateAuthenticated
	StateSubscribed
)

func (k StateKind) String() string {
	switch k {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ReasonKind classifies why a session ended.
type ReasonKind int

const (
	ReasonUserInitiated ReasonKind = iota
	ReasonNetworkFailure
	ReasonAuthenticationFailed
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonUserInitiated:
		return "user_initiated"
	case ReasonNetworkFailure:
		return "network_failure"
	case ReasonAuthenticationFailed:
		return "authentication_failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// DisconnectionReason explains a transition to the disconnected state.
type DisconnectionReason struct {
	Kind   ReasonKind
	Detail string
}

// UserInitiated is the reason used for explicit disconnects.
func UserInitiated() DisconnectionReason {
	return DisconnectionReason{Kind: ReasonUserInitiated}
}

// NetworkFailure builds a retryable transport-level reason.
func NetworkFailure(detail string) DisconnectionReason {
	return DisconnectionReason{Kind: ReasonNetworkFailure, Detail: detail}
}

// AuthenticationFailed builds a non-retryable reason for a rejected token.
func AuthenticationFailed(detail string) DisconnectionReason {
	return DisconnectionReason{Kind: ReasonAuthenticationFailed, Detail: detail}
}

// Err maps the reason onto the error taxonomy: a rejected token is
// ErrHandshakeFailed, a transport failure is ErrNetworkFailure and an explicit
// disconnect is nil.
func (r DisconnectionReason) Err() error {
	var class error
	switch r.Kind {
	case ReasonNetworkFailure:
		class = ErrNetworkFailure
	case ReasonAuthenticationFailed:
		class = ErrHandshakeFailed
	default:
		return nil
	}
	if r.Detail == "" {
		return class
	}
	return fmt.Errorf("%w: %s", class, r.Detail)
}

// Retryable reports whether an automatic reconnect is allowed after this reason.
func (r DisconnectionReason) Retryable() bool {
	return IsRetryable(r.Err())
}

func (r DisconnectionReason) String() string {
	if r.Detail == "" {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s(%s)", r.Kind, r.Detail)
}

// ConnectionState is the single source of truth for whether the client is
// usable. Reason is only set for StateDisconnected, and is nil before the
// first connect attempt.
type ConnectionState struct {
	Kind   StateKind
	Reason *DisconnectionReason
}

// Disconnected returns a disconnected state carrying reason.
func Disconnected(reason DisconnectionReason) ConnectionState {
	return ConnectionState{Kind: StateDisconnected, Reason: &reason}
}

// Is reports whether the state is of kind k.
func (s ConnectionState) Is(k StateKind) bool {
	return s.Kind == k
}

// InFlight reports whether a session is open or being opened.
func (s ConnectionState) InFlight() bool {
	return s.Kind == StateConnecting || s.Kind == StateAuthenticated || s.Kind == StateSubscribed
}

// Equal compares two states including the disconnection reason.
func (s ConnectionState) Equal(o ConnectionState) bool {
	if s.Kind != o.Kind {
		return false
	}
	if s.Reason == nil || o.Reason == nil {
		return s.Reason == nil && o.Reason == nil
	}
	return *s.Reason == *o.Reason
}

func (s ConnectionState) String() string {
	if s.Kind == StateDisconnected && s.Reason != nil {
		return fmt.Sprintf("disconnected(%s)", s.Reason)
	}
	return s.Kind.String()
}

// EventKind tags a ClientEvent.
type EventKind int

const (
	EventConnectionState EventKind = iota
	EventStateChanged
	EventPing
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionState:
		return "connection_state"
	case EventStateChanged:
		return "state_changed"
	case EventPing:
		return "ping"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ClientEvent is the only output of the realtime client. Exactly one of
// State, Change or RoundTripID is meaningful, selected by Kind.
type ClientEvent struct {
	Kind        EventKind
	State       ConnectionState
	Change      StateChangedEvent
	RoundTripID int
}

func connectionStateEvent(s ConnectionState) ClientEvent {
	return ClientEvent{Kind: EventConnectionState, State: s}
}

func stateChangedEvent(c StateChangedEvent) ClientEvent {
	return ClientEvent{Kind: EventStateChanged, Change: c}
}

func pingEvent(id int) ClientEvent {
	return ClientEvent{Kind: EventPing, RoundTripID: id}
}
