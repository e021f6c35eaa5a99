package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hatoolbar/internal/config"
	"hatoolbar/internal/ha"
	"hatoolbar/internal/metrics"
	"hatoolbar/internal/sensors"
)

func newTestServer(t *testing.T, configured bool) (*Server, *sensors.Monitor, *ha.MockClient) {
	logger, _ := zap.NewDevelopment()

	mapping, err := config.ParseMapping([]byte(`sensors:
  outside_temperature:
    entity_id: sensor.outside_temperature
  wind_direction:
    entity_id: sensor.wind_direction
`))
	require.NoError(t, err)

	client := ha.NewMockClient()
	t.Cleanup(client.Close)
	monitor := sensors.NewMonitor(mapping, configured, logger, sensors.WithPingCounter(client))

	return NewServer(monitor, client, metrics.New(), logger, "127.0.0.1:0"), monitor, client
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleSensors(t *testing.T) {
	server, monitor, _ := newTestServer(t, true)

	monitor.Handle(ha.ClientEvent{Kind: ha.EventConnectionState, State: ha.ConnectionState{Kind: ha.StateSubscribed}})
	monitor.Apply("sensor.outside_temperature", "71.4", sensors.SourcePush)
	monitor.Apply("sensor.wind_direction", "NNW", sensors.SourceREST)

	w := serve(server, http.MethodGet, "/api/sensors")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var snap sensors.Snapshot
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	assert.Equal(t, sensors.StatusHealthy, snap.Status)
	require.Len(t, snap.Readings, 2)
	assert.Equal(t, "outside_temperature", snap.Readings[0].Sensor)
	require.NotNil(t, snap.Readings[0].Value)
	assert.Equal(t, 71.4, *snap.Readings[0].Value)
	assert.Nil(t, snap.Readings[1].Value)
	assert.Equal(t, sensors.SourceREST, snap.Readings[1].Source)
}

func TestHandleConnection(t *testing.T) {
	server, _, client := newTestServer(t, true)

	client.SetState(ha.Disconnected(ha.AuthenticationFailed("Invalid password")))
	client.SimulatePong(2)

	w := serve(server, http.MethodGet, "/api/connection")
	require.Equal(t, http.StatusOK, w.Code)

	var resp ConnectionResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "disconnected", resp.State)
	assert.Equal(t, "authentication_failed(Invalid password)", resp.Reason)
	assert.False(t, resp.Retryable)
	assert.Equal(t, int64(1), resp.Pings)
}

func TestPingCountsAgree(t *testing.T) {
	server, monitor, client := newTestServer(t, true)

	client.SimulatePong(2)
	monitor.Handle(ha.ClientEvent{Kind: ha.EventPing, RoundTripID: 7})

	var snap sensors.Snapshot
	require.NoError(t, json.NewDecoder(serve(server, http.MethodGet, "/api/sensors").Body).Decode(&snap))
	var conn ConnectionResponse
	require.NoError(t, json.NewDecoder(serve(server, http.MethodGet, "/api/connection").Body).Decode(&conn))

	assert.Equal(t, int64(1), snap.Pings)
	assert.Equal(t, snap.Pings, conn.Pings)
}

func TestHandleHealth(t *testing.T) {
	server, _, _ := newTestServer(t, false)

	w := serve(server, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, string(sensors.StatusNotConfigured), resp.Connection)
}

func TestMethodNotAllowed(t *testing.T) {
	server, _, _ := newTestServer(t, true)

	for _, path := range []string{"/", "/health", "/api/sensors", "/api/connection"} {
		w := serve(server, http.MethodPost, path)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
	}
}

func TestHandleSitemap(t *testing.T) {
	server, _, _ := newTestServer(t, true)

	w := serve(server, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/api/sensors")
	assert.Contains(t, w.Body.String(), "/metrics")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "application/json")
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var eps []Endpoint
	require.NoError(t, json.NewDecoder(w.Body).Decode(&eps))
	assert.Len(t, eps, len(endpoints))

	assert.Equal(t, http.StatusNotFound, serve(server, http.MethodGet, "/nope").Code)
}

func TestServerStartStop(t *testing.T) {
	server, _, _ := newTestServer(t, true)
	require.NoError(t, server.Start())

	resp, err := http.Get("http://" + server.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hatoolbar_connection_state")

	require.NoError(t, server.Stop())
}
