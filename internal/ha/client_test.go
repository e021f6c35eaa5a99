package ha

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const testToken = "test_token"

// mockHAServer creates a mock Home Assistant WebSocket server and counts upgrades
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	var upgrades atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()
		upgrades.Add(1)

		handler(conn)
	}))
	return server, &upgrades
}

func testConfig(t *testing.T, serverURL, token string) Configuration {
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg := NewConfiguration(u.Hostname(), token)
	cfg.Port = port
	cfg.UseTLS = false
	return cfg
}

// standardAuthFlow handles the authentication and subscription handshake and
// returns the subscribe_events id
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) int {
	require.NoError(t, conn.WriteJSON(Message{Type: "auth_required"}))

	var authMsg AuthMessage
	require.NoError(t, conn.ReadJSON(&authMsg))
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	require.NoError(t, conn.WriteJSON(Message{Type: "auth_ok"}))

	var subMsg SubscribeEventsRequest
	require.NoError(t, conn.ReadJSON(&subMsg))
	assert.Equal(t, "subscribe_events", subMsg.Type)
	assert.Equal(t, "state_changed", subMsg.EventType)

	success := true
	require.NoError(t, conn.WriteJSON(Message{ID: subMsg.ID, Type: "result", Success: &success}))
	return subMsg.ID
}

// drain keeps the connection open until the client goes away
func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// answerPings replies to every ping and reports the ids it saw
func answerPings(conn *websocket.Conn, ids chan<- int) {
	for {
		var req PingRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		if req.Type != "ping" {
			continue
		}
		select {
		case ids <- req.ID:
		default:
		}
		if err := conn.WriteJSON(Message{ID: req.ID, Type: "pong"}); err != nil {
			return
		}
	}
}

func nextEvent(t *testing.T, sub *EventSubscription) ClientEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for client event")
		return ClientEvent{}
	}
}

func nextState(t *testing.T, sub *EventSubscription) ConnectionState {
	t.Helper()
	for {
		ev := nextEvent(t, sub)
		if ev.Kind == EventConnectionState {
			return ev.State
		}
	}
}

func waitForState(t *testing.T, sub *EventSubscription, kind StateKind) ConnectionState {
	t.Helper()
	for {
		s := nextState(t, sub)
		if s.Kind == kind {
			return s
		}
	}
}

func TestClient_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("handshake reaches subscribed in order", func(t *testing.T) {
		received := make(chan string, 2)
		server, _ := mockHAServer(t, func(conn *websocket.Conn) {
			require.NoError(t, conn.WriteJSON(Message{Type: "auth_required"}))

			var authMsg AuthMessage
			require.NoError(t, conn.ReadJSON(&authMsg))
			received <- authMsg.Type

			require.NoError(t, conn.WriteJSON(Message{Type: "auth_ok"}))

			var subMsg SubscribeEventsRequest
			require.NoError(t, conn.ReadJSON(&subMsg))
			received <- subMsg.Type
			assert.Equal(t, 1, subMsg.ID)

			success := true
			conn.WriteJSON(Message{ID: subMsg.ID, Type: "result", Success: &success})
			drain(conn)
		})
		defer server.Close()

		client := NewClient(testConfig(t, server.URL, testToken), logger, WithPingInterval(time.Hour))
		defer client.Close()
		sub := client.Events()

		state, err := client.Connect()
		require.NoError(t, err)
		assert.Equal(t, StateConnecting, state.Kind)

		assert.Equal(t, StateConnecting, nextState(t, sub).Kind)
		assert.Equal(t, StateAuthenticated, nextState(t, sub).Kind)
		assert.Equal(t, StateSubscribed, nextState(t, sub).Kind)
		assert.Equal(t, "auth", <-received)
		assert.Equal(t, "subscribe_events", <-received)
		assert.Equal(t, StateSubscribed, client.CurrentState().Kind)
	})

	t.Run("invalid token", func(t *testing.T) {
		server, upgrades := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})

			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)

			conn.WriteJSON(Message{Type: "auth_invalid", Message: "Invalid password"})
			drain(conn)
		})
		defer server.Close()

		client := NewClient(testConfig(t, server.URL, "wrong_token"), logger)
		defer client.Close()
		sub := client.Events()

		_, err := client.Connect()
		require.NoError(t, err)

		assert.Equal(t, StateConnecting, nextState(t, sub).Kind)
		state := nextState(t, sub)
		require.Equal(t, StateDisconnected, state.Kind)
		require.NotNil(t, state.Reason)
		assert.Equal(t, ReasonAuthenticationFailed, state.Reason.Kind)
		assert.Equal(t, "Invalid password", state.Reason.Detail)
		assert.False(t, state.Reason.Retryable())

		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, int32(1), upgrades.Load(), "client must not reconnect on its own")
	})

	t.Run("incomplete configuration opens no socket", func(t *testing.T) {
		server, upgrades := mockHAServer(t, drain)
		defer server.Close()

		for _, cfg := range []Configuration{
			testConfig(t, server.URL, ""),
			func() Configuration { c := testConfig(t, server.URL, testToken); c.Host = ""; return c }(),
		} {
			client := NewClient(cfg, logger)
			state, err := client.Connect()
			assert.ErrorIs(t, err, ErrInvalidConfiguration)
			assert.Equal(t, StateDisconnected, state.Kind)
			client.Close()
		}

		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, int32(0), upgrades.Load())
	})

	t.Run("connect is idempotent while connecting", func(t *testing.T) {
		server, upgrades := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})
			drain(conn)
		})
		defer server.Close()

		client := NewClient(testConfig(t, server.URL, testToken), logger)
		defer client.Close()
		sub := client.Events()

		_, err := client.Connect()
		require.NoError(t, err)
		state, err := client.Connect()
		require.NoError(t, err)
		assert.Equal(t, StateConnecting, state.Kind)

		assert.Equal(t, StateConnecting, nextState(t, sub).Kind)
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, int32(1), upgrades.Load())
	})

	t.Run("out of order messages are ignored", func(t *testing.T) {
		server, _ := mockHAServer(t, func(conn *websocket.Conn) {
			success := true
			// Nothing here is valid before auth_required
			conn.WriteJSON(Message{Type: "auth_ok"})
			conn.WriteJSON(Message{ID: 1, Type: "result", Success: &success})
			conn.WriteJSON(Message{Type: "something_new"})

			conn.WriteJSON(Message{Type: "auth_required"})
			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)
			conn.WriteJSON(Message{Type: "auth_ok"})

			var subMsg SubscribeEventsRequest
			conn.ReadJSON(&subMsg)
			conn.WriteJSON(Message{ID: subMsg.ID + 41, Type: "result", Success: &success})
			conn.WriteJSON(Message{ID: subMsg.ID, Type: "result", Success: &success})
			drain(conn)
		})
		defer server.Close()

		client := NewClient(testConfig(t, server.URL, testToken), logger, WithPingInterval(time.Hour))
		defer client.Close()
		sub := client.Events()

		_, err := client.Connect()
		require.NoError(t, err)

		assert.Equal(t, StateConnecting, nextState(t, sub).Kind)
		assert.Equal(t, StateAuthenticated, nextState(t, sub).Kind)
		assert.Equal(t, StateSubscribed, nextState(t, sub).Kind)
	})

	t.Run("rejected subscription tears down the session", func(t *testing.T) {
		server, _ := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})
			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)
			conn.WriteJSON(Message{Type: "auth_ok"})
			var subMsg SubscribeEventsRequest
			conn.ReadJSON(&subMsg)
			failure := false
			conn.WriteJSON(Message{ID: subMsg.ID, Type: "result", Success: &failure,
				Error: &Error{Code: "unauthorized", Message: "nope"}})
			drain(conn)
		})
		defer server.Close()

		client := NewClient(testConfig(t, server.URL, testToken), logger)
		defer client.Close()
		sub := client.Events()

		_, err := client.Connect()
		require.NoError(t, err)

		state := waitForState(t, sub, StateDisconnected)
		require.NotNil(t, state.Reason)
		assert.Equal(t, ReasonNetworkFailure, state.Reason.Kind)
		assert.Contains(t, state.Reason.Detail, "subscribe_events rejected")
	})

	t.Run("silent server fails the handshake", func(t *testing.T) {
		server, upgrades := mockHAServer(t, drain)
		defer server.Close()

		client := NewClient(testConfig(t, server.URL, testToken), logger,
			WithHandshakeTimeout(100*time.Millisecond))
		defer client.Close()
		sub := client.Events()

		_, err := client.Connect()
		require.NoError(t, err)

		state := waitForState(t, sub, StateDisconnected)
		require.NotNil(t, state.Reason)
		assert.Equal(t, ReasonNetworkFailure, state.Reason.Kind)
		assert.Equal(t, "handshake timed out", state.Reason.Detail)
		assert.True(t, state.Reason.Retryable())

		// The next attempt opens a fresh socket
		_, err = client.Connect()
		require.NoError(t, err)
		waitForState(t, sub, StateDisconnected)
		assert.Equal(t, int32(2), upgrades.Load())
	})

	t.Run("handshake deadline is lifted once subscribed", func(t *testing.T) {
		server, _ := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, testToken)
			drain(conn)
		})
		defer server.Close()

		client := NewClient(testConfig(t, server.URL, testToken), logger,
			WithHandshakeTimeout(100*time.Millisecond), WithPingInterval(time.Hour))
		defer client.Close()
		sub := client.Events()

		_, err := client.Connect()
		require.NoError(t, err)
		waitForState(t, sub, StateSubscribed)

		time.Sleep(300 * time.Millisecond)
		assert.Equal(t, StateSubscribed, client.CurrentState().Kind)
	})

	t.Run("dial failure is a network failure", func(t *testing.T) {
		server, _ := mockHAServer(t, drain)
		cfg := testConfig(t, server.URL, testToken)
		server.Close()

		client := NewClient(cfg, logger)
		defer client.Close()
		sub := client.Events()

		_, err := client.Connect()
		require.NoError(t, err)

		state := waitForState(t, sub, StateDisconnected)
		require.NotNil(t, state.Reason)
		assert.Equal(t, ReasonNetworkFailure, state.Reason.Kind)
	})
}

func TestClient_EventOrdering(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	server, _ := mockHAServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"auth_required"}`))
		var authMsg AuthMessage
		conn.ReadJSON(&authMsg)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"auth_ok"}`))
		var subMsg SubscribeEventsRequest
		conn.ReadJSON(&subMsg)
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"type":"result","success":true}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","event":{"data":{"new_state":{"entity_id":"sensor.x","state":"5"}}}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"id":2,"type":"pong"}`))
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testConfig(t, server.URL, testToken), logger, WithPingInterval(time.Hour))
	defer client.Close()
	sub := client.Events()

	_, err := client.Connect()
	require.NoError(t, err)

	ev := nextEvent(t, sub)
	assert.Equal(t, EventConnectionState, ev.Kind)
	assert.Equal(t, StateConnecting, ev.State.Kind)

	ev = nextEvent(t, sub)
	assert.Equal(t, EventConnectionState, ev.Kind)
	assert.Equal(t, StateAuthenticated, ev.State.Kind)

	ev = nextEvent(t, sub)
	assert.Equal(t, EventConnectionState, ev.Kind)
	assert.Equal(t, StateSubscribed, ev.State.Kind)

	ev = nextEvent(t, sub)
	require.Equal(t, EventStateChanged, ev.Kind)
	assert.Equal(t, "sensor.x", ev.Change.EntityID)
	assert.Equal(t, "5", ev.Change.State)
	assert.NotEmpty(t, ev.Change.Raw)

	ev = nextEvent(t, sub)
	require.Equal(t, EventPing, ev.Kind)
	assert.Equal(t, 2, ev.RoundTripID)
}

func TestClient_MalformedFramesAreDropped(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	server, _ := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, testToken)
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","event":{"data":{}}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","event":{"data":{"new_state":null}}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","event":{"data":{"new_state":{"entity_id":"sensor.a"}}}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","event":{"event_type":"call_service","data":{"new_state":{"entity_id":"sensor.a","state":"1"}}}}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xfe, 0xfd})
		conn.WriteMessage(websocket.BinaryMessage, []byte(`{"type":"event","event":{"event_type":"state_changed","data":{"entity_id":"sensor.b","new_state":{"entity_id":"sensor.b","state":"on"}}}}`))
		drain(conn)
	})
	defer server.Close()

	client := NewClient(testConfig(t, server.URL, testToken), logger, WithPingInterval(time.Hour))
	defer client.Close()
	sub := client.Events()

	_, err := client.Connect()
	require.NoError(t, err)
	waitForState(t, sub, StateSubscribed)

	ev := nextEvent(t, sub)
	require.Equal(t, EventStateChanged, ev.Kind)
	assert.Equal(t, "sensor.b", ev.Change.EntityID)
	assert.Equal(t, "on", ev.Change.State)
	assert.Equal(t, StateSubscribed, client.CurrentState().Kind)
}

func TestClient_Keepalive(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("pings use increasing ids and reset per session", func(t *testing.T) {
		subIDs := make(chan int, 4)
		pingIDs := make(chan int, 64)
		server, _ := mockHAServer(t, func(conn *websocket.Conn) {
			subIDs <- standardAuthFlow(t, conn, testToken)
			answerPings(conn, pingIDs)
		})
		defer server.Close()

		client := NewClient(testConfig(t, server.URL, testToken), logger, WithPingInterval(20*time.Millisecond))
		defer client.Close()
		sub := client.Events()

		_, err := client.Connect()
		require.NoError(t, err)
		assert.Equal(t, 1, <-subIDs)

		var roundTrips []int
		for len(roundTrips) < 3 {
			ev := nextEvent(t, sub)
			if ev.Kind == EventPing {
				roundTrips = append(roundTrips, ev.RoundTripID)
			}
		}
		assert.Equal(t, []int{2, 3, 4}, roundTrips)
		assert.GreaterOrEqual(t, client.Pings(), int64(3))

		client.Disconnect(UserInitiated())
		state := waitForState(t, sub, StateDisconnected)
		assert.Equal(t, ReasonUserInitiated, state.Reason.Kind)

		_, err = client.Connect()
		require.NoError(t, err)
		assert.Equal(t, 1, <-subIDs)
		waitForState(t, sub, StateSubscribed)

		for {
			ev := nextEvent(t, sub)
			if ev.Kind == EventPing {
				assert.Equal(t, 2, ev.RoundTripID)
				break
			}
		}
	})

	t.Run("missing pong fails the session exactly once", func(t *testing.T) {
		server, _ := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, testToken)
			drain(conn)
		})
		defer server.Close()

		client := NewClient(testConfig(t, server.URL, testToken), logger, WithPingInterval(30*time.Millisecond))
		defer client.Close()
		sub := client.Events()

		_, err := client.Connect()
		require.NoError(t, err)
		waitForState(t, sub, StateSubscribed)

		state := waitForState(t, sub, StateDisconnected)
		require.NotNil(t, state.Reason)
		assert.Equal(t, ReasonNetworkFailure, state.Reason.Kind)
		assert.Contains(t, state.Reason.Detail, "no pong")

		deadline := time.After(200 * time.Millisecond)
		for {
			select {
			case ev := <-sub.C:
				assert.NotEqual(t, EventConnectionState, ev.Kind, "unexpected extra transition %s", ev.State)
			case <-deadline:
				return
			}
		}
	})

	t.Run("server close is a network failure", func(t *testing.T) {
		server, _ := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, testToken)
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "restarting"))
		})
		defer server.Close()

		client := NewClient(testConfig(t, server.URL, testToken), logger, WithPingInterval(time.Hour))
		defer client.Close()
		sub := client.Events()

		_, err := client.Connect()
		require.NoError(t, err)
		waitForState(t, sub, StateSubscribed)

		state := waitForState(t, sub, StateDisconnected)
		assert.Equal(t, ReasonNetworkFailure, state.Reason.Kind)
	})
}

func TestClient_Disconnect(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	closed := make(chan int, 1)
	server, _ := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, testToken)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					closed <- ce.Code
				} else {
					closed <- -1
				}
				return
			}
		}
	})
	defer server.Close()

	client := NewClient(testConfig(t, server.URL, testToken), logger, WithPingInterval(time.Hour))
	defer client.Close()
	sub := client.Events()

	_, err := client.Connect()
	require.NoError(t, err)
	waitForState(t, sub, StateSubscribed)

	client.Disconnect(UserInitiated())
	state := nextState(t, sub)
	require.Equal(t, StateDisconnected, state.Kind)
	assert.Equal(t, ReasonUserInitiated, state.Reason.Kind)

	select {
	case code := <-closed:
		assert.Equal(t, websocket.CloseGoingAway, code)
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the socket close")
	}

	// Repeating the call only re-emits the state
	client.Disconnect(UserInitiated())
	state = nextState(t, sub)
	assert.True(t, state.Equal(Disconnected(UserInitiated())))
}

func TestClient_CloseEndsEventStream(t *testing.T) {
	client := NewClient(NewConfiguration("ha.local", testToken), zap.NewNop())
	sub := client.Events()
	client.Close()

	for range sub.C {
	}

	late := client.Events()
	_, ok := <-late.C
	assert.False(t, ok)

	_, err := client.Connect()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEventSubscription_NoReplay(t *testing.T) {
	client := NewClient(NewConfiguration("ha.local", testToken), zap.NewNop())
	defer client.Close()

	early := client.Events()
	client.Disconnect(UserInitiated())

	late := client.Events()
	client.Disconnect(NetworkFailure("test"))

	assert.Equal(t, ReasonUserInitiated, nextState(t, early).Reason.Kind)
	assert.Equal(t, ReasonNetworkFailure, nextState(t, early).Reason.Kind)
	assert.Equal(t, ReasonNetworkFailure, nextState(t, late).Reason.Kind)

	late.Unsubscribe()
	late.Unsubscribe()
	_, ok := <-late.C
	assert.False(t, ok)
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()
	defer mock.Close()
	sub := mock.Events()

	t.Run("connection", func(t *testing.T) {
		state, err := mock.Connect()
		assert.NoError(t, err)
		assert.Equal(t, StateSubscribed, state.Kind)
		assert.Equal(t, StateConnecting, nextState(t, sub).Kind)
		assert.Equal(t, StateAuthenticated, nextState(t, sub).Kind)
		assert.Equal(t, StateSubscribed, nextState(t, sub).Kind)

		_, err = mock.Connect()
		assert.NoError(t, err)
		assert.Equal(t, 1, mock.ConnectCalls())

		mock.Disconnect(UserInitiated())
		assert.Equal(t, StateDisconnected, nextState(t, sub).Kind)
		assert.Len(t, mock.Disconnects(), 1)
	})

	t.Run("rest snapshots", func(t *testing.T) {
		mock.SetSnapshot("sensor.test", "12.5")
		snap, err := mock.FetchEntityState(context.Background(), "sensor.test")
		require.NoError(t, err)
		assert.Equal(t, "12.5", snap.State)

		_, err = mock.FetchEntityState(context.Background(), "sensor.missing")
		var httpErr *HTTPError
		assert.ErrorAs(t, err, &httpErr)
	})

	t.Run("state changes", func(t *testing.T) {
		mock.SimulateStateChange("sensor.test", "13")
		ev := nextEvent(t, sub)
		assert.Equal(t, EventStateChanged, ev.Kind)
		assert.Equal(t, "13", ev.Change.State)
	})
}
