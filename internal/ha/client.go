package ha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultPingInterval = 10 * time.Second
	// DefaultHandshakeTimeout bounds the time from dial to subscribed.
	DefaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	closeGracePeriod        = 250 * time.Millisecond
	maxFrameSize            = 8 << 20
)

// HAClient defines the interface for the Home Assistant realtime client
type HAClient interface {
	Connect() (ConnectionState, error)
	Disconnect(reason DisconnectionReason)
	CurrentState() ConnectionState
	Events() *EventSubscription
	FetchEntityState(ctx context.Context, entityID string) (*EntityStateSnapshot, error)
	Pings() int64
}

type handshakePhase int

const (
	phaseAwaitingAuthRequired handshakePhase = iota
	phaseAwaitingAuthOK
	phaseAwaitingSubscriptionAck
	phaseReady
)

func (p handshakePhase) String() string {
	switch p {
	case phaseAwaitingAuthRequired:
		return "awaiting_auth_required"
	case phaseAwaitingAuthOK:
		return "awaiting_auth_ok"
	case phaseAwaitingSubscriptionAck:
		return "awaiting_subscription_ack"
	case phaseReady:
		return "ready"
	default:
		return "unknown"
	}
}

// session is one socket lifetime. Its context is cancelled on teardown, which
// stops the keepalive loop; closing conn unblocks the receive loop.
type session struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	conn   *websocket.Conn
}

// Client owns a single websocket session to Home Assistant at a time. All
// mutable session state is guarded by mu, and every event is published while
// holding mu so subscribers observe transitions in the order they happened.
type Client struct {
	config       Configuration
	logger       *zap.Logger
	dialer       *websocket.Dialer
	httpClient   *http.Client
	restTimeout  time.Duration
	pingInterval time.Duration
	writeTimeout time.Duration
	handshake    time.Duration
	events       *broadcaster

	mu          sync.Mutex
	state       ConnectionState
	phase       handshakePhase
	msgID       int
	subscribeID int
	pingID      int // outstanding ping, 0 when none
	session     *session
	closed      bool

	writeMu sync.Mutex // Protects websocket writes
	pings   atomic.Int64
}

// Option customizes a Client.
type Option func(*Client)

// WithPingInterval overrides the keepalive period.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pingInterval = d
		}
	}
}

// WithHandshakeTimeout bounds how long a session may take to reach
// subscribed once the socket is open.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.handshake = d
		}
	}
}

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithHTTPClient overrides the client used for REST calls.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRESTTimeout overrides the per-request REST timeout.
func WithRESTTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.restTimeout = d
		}
	}
}

// WithEventBuffer sets the per-subscriber event buffer size.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		c.events = newBroadcaster(n, c.logger)
	}
}

// NewClient creates a new Home Assistant realtime client for config. The
// client is idle until Connect is called.
func NewClient(config Configuration, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		config: config,
		logger: logger,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		httpClient:   &http.Client{},
		restTimeout:  DefaultRESTTimeout,
		pingInterval: DefaultPingInterval,
		writeTimeout: defaultWriteTimeout,
		handshake:    DefaultHandshakeTimeout,
		state:        ConnectionState{Kind: StateDisconnected},
	}
	c.events = newBroadcaster(defaultSubscriberBuffer, logger)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the configuration the client was built with.
func (c *Client) Config() Configuration {
	return c.config
}

// Events attaches a new reader to the event stream. The stream lives across
// reconnects and ends only when the client is closed.
func (c *Client) Events() *EventSubscription {
	return c.events.subscribe()
}

// CurrentState returns the latest connection state.
func (c *Client) CurrentState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pings returns the number of pongs matched to an outstanding ping.
func (c *Client) Pings() int64 {
	return c.pings.Load()
}

// Connect starts a new session unless one is already in flight. It returns as
// soon as the dial has been started; handshake progress is reported through
// connection state events.
func (c *Client) Connect() (ConnectionState, error) {
	if err := c.config.Validate(); err != nil {
		c.logger.Warn("Configuration incomplete, not connecting", zap.Error(err))
		return c.CurrentState(), err
	}
	u, err := c.config.WebSocketURL()
	if err != nil {
		return c.CurrentState(), err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.state, ErrClosed
	}
	if c.state.InFlight() {
		c.logger.Debug("Connect requested while session in flight",
			zap.Stringer("state", c.state))
		return c.state, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{id: uuid.NewString(), ctx: ctx, cancel: cancel}
	c.session = sess
	c.phase = phaseAwaitingAuthRequired
	c.msgID = 0
	c.subscribeID = 0
	c.pingID = 0
	c.setStateLocked(ConnectionState{Kind: StateConnecting})

	c.logger.Info("Opening Home Assistant websocket",
		zap.String("url", u.String()),
		zap.String("session", sess.id))

	go c.run(sess, u.String())
	return c.state, nil
}

// Disconnect tears down the current session, if any, and moves to
// disconnected(reason). Calling it while already disconnected only re-emits
// the state.
func (c *Client) Disconnect(reason DisconnectionReason) {
	c.mu.Lock()
	conn := c.teardownLocked(reason)
	c.mu.Unlock()

	if conn != nil {
		go c.closeConn(conn)
	}
}

// Close disconnects and ends the event stream for every subscriber.
func (c *Client) Close() {
	c.mu.Lock()
	var conn *websocket.Conn
	if !c.closed {
		conn = c.teardownLocked(UserInitiated())
		c.closed = true
	}
	c.mu.Unlock()

	c.closeConn(conn)
	c.events.close()
}

func (c *Client) run(sess *session, rawURL string) {
	conn, _, err := c.dialer.DialContext(sess.ctx, rawURL, nil)
	if err != nil {
		c.fail(sess, NetworkFailure(fmt.Sprintf("dial: %v", err)))
		return
	}
	conn.SetReadLimit(maxFrameSize)
	// Cleared once subscribed; from then on the keepalive detects stalls
	conn.SetReadDeadline(time.Now().Add(c.handshake))

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		conn.Close()
		return
	}
	sess.conn = conn
	c.mu.Unlock()

	c.receiveLoop(sess, conn)
}

// receiveLoop is the only caller of ReadMessage on conn.
func (c *Client) receiveLoop(sess *session, conn *websocket.Conn) {
	c.logger.Debug("Starting websocket receive loop", zap.String("session", sess.id))

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if sess.ctx.Err() != nil {
				c.logger.Debug("Receive loop cancelled", zap.String("session", sess.id))
				return
			}
			detail := err.Error()
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				detail = "handshake timed out"
			}
			c.logger.Error("Failed to read message",
				zap.String("session", sess.id),
				zap.Error(err))
			c.fail(sess, NetworkFailure(detail))
			return
		}

		switch msgType {
		case websocket.TextMessage:
		case websocket.BinaryMessage:
			if !utf8.Valid(data) {
				c.logger.Debug("Ignoring binary frame", zap.Int("size", len(data)))
				continue
			}
		default:
			continue
		}

		c.handleFrame(sess, data)
	}
}

// handleFrame drives the handshake state machine. Replies are computed under
// the lock and written after releasing it.
func (c *Client) handleFrame(sess *session, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("Failed to decode websocket message", zap.Error(err))
		return
	}

	var reply interface{}

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}

	switch msg.Type {
	case typeAuthRequired:
		if c.phase != phaseAwaitingAuthRequired {
			c.ignoreLocked(msg)
			break
		}
		c.phase = phaseAwaitingAuthOK
		reply = AuthMessage{Type: typeAuth, AccessToken: c.config.Token}

	case typeAuthOK:
		if c.phase != phaseAwaitingAuthOK {
			c.ignoreLocked(msg)
			break
		}
		c.setStateLocked(ConnectionState{Kind: StateAuthenticated})
		id := c.nextIDLocked()
		c.subscribeID = id
		c.phase = phaseAwaitingSubscriptionAck
		reply = SubscribeEventsRequest{ID: id, Type: typeSubscribeEvents, EventType: eventStateChanged}

	case typeAuthInvalid:
		detail := msg.Message
		if detail == "" {
			detail = "authentication failed"
		}
		c.logger.Error("Home Assistant rejected the access token", zap.String("message", detail))
		conn := c.teardownLocked(AuthenticationFailed(detail))
		c.mu.Unlock()
		c.closeConn(conn)
		return

	case typeResult:
		if c.phase != phaseAwaitingSubscriptionAck || msg.ID != c.subscribeID {
			c.ignoreLocked(msg)
			break
		}
		if msg.Success == nil || !*msg.Success {
			detail := "subscribe_events rejected"
			if msg.Error != nil {
				detail = fmt.Sprintf("%s: %s - %s", detail, msg.Error.Code, msg.Error.Message)
			}
			conn := c.teardownLocked(NetworkFailure(detail))
			c.mu.Unlock()
			c.closeConn(conn)
			return
		}
		c.phase = phaseReady
		if err := sess.conn.SetReadDeadline(time.Time{}); err != nil {
			c.logger.Debug("Failed to clear handshake deadline", zap.Error(err))
		}
		c.setStateLocked(ConnectionState{Kind: StateSubscribed})
		c.logger.Info("Subscribed to state_changed events", zap.String("session", sess.id))
		go c.keepalive(sess)

	case typeEvent:
		if c.phase != phaseReady {
			c.ignoreLocked(msg)
			break
		}
		change, ok := decodeStateChanged(msg.Event, data)
		if !ok {
			c.logger.Debug("Dropping malformed state_changed event")
			break
		}
		c.events.publish(stateChangedEvent(change))

	case typePong:
		if msg.ID == 0 {
			c.ignoreLocked(msg)
			break
		}
		if msg.ID == c.pingID {
			c.pingID = 0
			c.pings.Add(1)
		}
		c.events.publish(pingEvent(msg.ID))

	default:
		c.ignoreLocked(msg)
	}

	conn := sess.conn
	c.mu.Unlock()

	if reply == nil {
		return
	}
	if err := c.write(conn, reply); err != nil {
		c.fail(sess, NetworkFailure(fmt.Sprintf("send: %v", err)))
	}
}

func (c *Client) ignoreLocked(msg Message) {
	c.logger.Debug("Ignoring websocket message",
		zap.String("type", msg.Type),
		zap.Int("id", msg.ID),
		zap.Stringer("phase", c.phase))
}

func decodeStateChanged(ev *Event, raw []byte) (StateChangedEvent, bool) {
	if ev == nil || len(ev.Data) == 0 {
		return StateChangedEvent{}, false
	}
	if ev.EventType != "" && ev.EventType != eventStateChanged {
		return StateChangedEvent{}, false
	}
	var data stateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return StateChangedEvent{}, false
	}
	if data.NewState == nil || data.NewState.State == nil {
		return StateChangedEvent{}, false
	}
	entityID := data.EntityID
	if data.NewState.EntityID != nil {
		entityID = *data.NewState.EntityID
	}
	if entityID == "" {
		return StateChangedEvent{}, false
	}
	return StateChangedEvent{
		EntityID: entityID,
		State:    *data.NewState.State,
		Raw:      json.RawMessage(raw),
	}, true
}

// keepalive pings every interval while sess is current. A ping still
// outstanding at the next tick is a liveness failure.
func (c *Client) keepalive(sess *session) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.session != sess {
			c.mu.Unlock()
			return
		}
		if c.pingID != 0 {
			id := c.pingID
			c.logger.Warn("Ping timed out", zap.Int("id", id), zap.String("session", sess.id))
			conn := c.teardownLocked(NetworkFailure(fmt.Sprintf("no pong for ping %d", id)))
			c.mu.Unlock()
			c.closeConn(conn)
			return
		}
		id := c.nextIDLocked()
		c.pingID = id
		conn := sess.conn
		c.mu.Unlock()

		if err := c.write(conn, PingRequest{Type: typePing, ID: id}); err != nil {
			c.fail(sess, NetworkFailure(fmt.Sprintf("send ping: %v", err)))
			return
		}
		c.logger.Debug("Sent ping", zap.Int("id", id))
	}
}

// fail is the single failure path for transport errors. Only the first call
// for a session has any effect.
func (c *Client) fail(sess *session, reason DisconnectionReason) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.logger.Warn("Connection lost", zap.String("session", sess.id), zap.Stringer("reason", reason))
	conn := c.teardownLocked(reason)
	c.mu.Unlock()

	c.closeConn(conn)
}

// teardownLocked detaches the current session and publishes the disconnected
// state. The caller closes the returned connection after releasing mu.
func (c *Client) teardownLocked(reason DisconnectionReason) *websocket.Conn {
	var conn *websocket.Conn
	if sess := c.session; sess != nil {
		sess.cancel()
		conn = sess.conn
		c.session = nil
	}
	c.phase = phaseAwaitingAuthRequired
	c.pingID = 0
	c.subscribeID = 0
	c.setStateLocked(Disconnected(reason))
	return conn
}

func (c *Client) closeConn(conn *websocket.Conn) {
	if conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug("Failed to send close frame", zap.Error(err))
	}
	conn.Close()
}

func (c *Client) setStateLocked(s ConnectionState) {
	c.state = s
	c.logger.Info("Connection state changed", zap.Stringer("state", s))
	c.events.publish(connectionStateEvent(s))
}

// nextIDLocked allocates the next correlated request id, starting at 1.
func (c *Client) nextIDLocked() int {
	c.msgID++
	return c.msgID
}

func (c *Client) write(conn *websocket.Conn, v interface{}) error {
	if conn == nil {
		return errors.New("no open connection")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}
