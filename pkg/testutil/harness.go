package testutil

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"hatoolbar/internal/config"
	"hatoolbar/internal/ha"
	"hatoolbar/internal/metrics"
	"hatoolbar/internal/sensors"
	"hatoolbar/internal/supervisor"
)

// DefaultSensors is a sensors.yaml covering the core sensors and a few
// optional ones.
const DefaultSensors = `refresh_schedule: "@every 1h"
sensors:
  outside_temperature:
    entity_id: sensor.outside_temperature
  wind_speed:
    entity_id: sensor.wind_speed
  rain_amount:
    entity_id: sensor.rain_today
  humidity:
    entity_id: sensor.outside_humidity
  wind_direction:
    entity_id: sensor.wind_direction
`

// TestEnv wires a real client, supervisor, monitor and refresher to a
// MockHAServer the same way the daemon does, with short timings.
type TestEnv struct {
	Server     *MockHAServer
	Client     *ha.Client
	Monitor    *sensors.Monitor
	Refresher  *sensors.Refresher
	Supervisor *supervisor.Supervisor
	Metrics    *metrics.Metrics
	Mapping    *config.Mapping
	Logger     *zap.Logger

	cancel context.CancelFunc
}

// EnvOptions tunes NewTestEnv. Zero values pick test-friendly defaults.
type EnvOptions struct {
	Token          string // token the client sends; defaults to the server token
	Sensors        string
	PingInterval   time.Duration
	ReconnectDelay time.Duration
}

// NewTestEnv starts a mock server for serverToken and builds the stack
// against it. Nothing connects until Start.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv("test_token", testutil.EnvOptions{})
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
//	env.Start()
func NewTestEnv(serverToken string, opts EnvOptions) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	if opts.Token == "" {
		opts.Token = serverToken
	}
	if opts.Sensors == "" {
		opts.Sensors = DefaultSensors
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 100 * time.Millisecond
	}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 100 * time.Millisecond
	}

	mapping, err := config.ParseMapping([]byte(opts.Sensors))
	if err != nil {
		return nil, fmt.Errorf("failed to parse sensors: %w", err)
	}

	server := NewMockHAServer(serverToken)
	if err := server.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mock server: %w", err)
	}

	m := metrics.New()
	cfg := server.Configuration(opts.Token)
	client := ha.NewClient(cfg, logger, ha.WithPingInterval(opts.PingInterval))
	monitor := sensors.NewMonitor(mapping, cfg.Complete(), logger,
		sensors.WithMonitorMetrics(m),
		sensors.WithPingCounter(client))
	refresher := sensors.NewRefresher(client, monitor, logger, m)
	sup := supervisor.New(client, logger,
		supervisor.WithMetrics(m),
		supervisor.WithReconnectDelay(opts.ReconnectDelay),
		supervisor.WithNetworkGrace(opts.ReconnectDelay),
		supervisor.WithWakeGrace(opts.ReconnectDelay))

	return &TestEnv{
		Server:     server,
		Client:     client,
		Monitor:    monitor,
		Refresher:  refresher,
		Supervisor: sup,
		Metrics:    m,
		Mapping:    mapping,
		Logger:     logger,
	}, nil
}

// Start runs the consumers and issues the first connect.
func (e *TestEnv) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.Monitor.OnSessionStart(func() { e.Refresher.Trigger(ctx) })
	monitorSub := e.Client.Events()
	supervisorSub := e.Client.Events()
	go e.Monitor.Watch(ctx, monitorSub)
	go e.Supervisor.Watch(ctx, supervisorSub)

	if err := e.Refresher.Start(ctx, e.Mapping.RefreshSchedule); err != nil {
		return err
	}
	return e.Supervisor.Start()
}

// Cleanup stops all components in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	if e.cancel != nil {
		e.cancel()
	}
	e.Supervisor.Stop()
	e.Refresher.Stop()
	e.Client.Close()
	e.Server.Stop()
}
