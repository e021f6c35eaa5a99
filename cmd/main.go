// Command hatoolbar keeps a live view of a handful of Home Assistant sensors
// for a menu bar or status widget.
//
// It holds one websocket session to Home Assistant, reconnecting after drops,
// network changes and sleep, backfills readings over REST at the start of
// each session and on a schedule, and serves the result on a small HTTP API.
//
// Signals: SIGHUP reloads the sensors file, SIGUSR1 suspends the connection
// (host going to sleep), SIGUSR2 resumes it, SIGINT and SIGTERM shut down.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"hatoolbar/internal/api"
	"hatoolbar/internal/config"
	"hatoolbar/internal/ha"
	"hatoolbar/internal/metrics"
	"hatoolbar/internal/sensors"
	"hatoolbar/internal/supervisor"
)

func main() {
	var (
		sensorsPath    = pflag.StringP("sensors", "s", "sensors.yaml", "Path to the sensors mapping YAML")
		envFile        = pflag.String("env-file", ".env", "Optional dotenv file with HA_HOST, HA_TOKEN and friends")
		listen         = pflag.StringP("listen", "l", "127.0.0.1:8089", "HTTP API listen address")
		debug          = pflag.Bool("debug", false, "Enable debug logging")
		pingInterval   = pflag.Duration("ping-interval", ha.DefaultPingInterval, "Websocket keepalive interval")
		reconnectDelay = pflag.Duration("reconnect-delay", supervisor.DefaultReconnectDelay, "Delay before reconnecting after a network failure")
		probeInterval  = pflag.Duration("probe-interval", supervisor.DefaultProbeInterval, "Reachability probe interval, 0 disables probing")
	)
	pflag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := godotenv.Load(*envFile); err != nil {
		logger.Warn("No .env file found, using environment variables", zap.String("path", *envFile))
	}

	haConfig, err := config.ConnectionFromEnv(nil)
	if err != nil {
		logger.Fatal("Invalid Home Assistant settings", zap.Error(err))
	}

	loader := config.NewLoader(*sensorsPath, logger)
	if err := loader.Load(); err != nil {
		logger.Fatal("Failed to load sensors config", zap.Error(err))
	}
	mapping := loader.Mapping()

	configured := haConfig.Complete()
	logger.Info("Starting Home Assistant toolbar",
		zap.String("host", haConfig.Host),
		zap.Bool("configured", configured),
		zap.Int("sensors", len(mapping.Sensors)))

	m := metrics.New()
	client := ha.NewClient(haConfig, logger, ha.WithPingInterval(*pingInterval))
	defer client.Close()

	monitor := sensors.NewMonitor(mapping, configured, logger,
		sensors.WithMonitorMetrics(m),
		sensors.WithPingCounter(client))
	refresher := sensors.NewRefresher(client, monitor, logger, m)
	sup := supervisor.New(client, logger,
		supervisor.WithMetrics(m),
		supervisor.WithReconnectDelay(*reconnectDelay))

	server := api.NewServer(monitor, client, m, logger, *listen)
	if err := server.Start(); err != nil {
		logger.Fatal("Failed to start HTTP API", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if configured {
		monitor.OnSessionStart(func() { refresher.Trigger(ctx) })
		monitorSub := client.Events()
		supervisorSub := client.Events()
		go monitor.Watch(ctx, monitorSub)
		go sup.Watch(ctx, supervisorSub)

		if err := refresher.Start(ctx, mapping.RefreshSchedule); err != nil {
			logger.Fatal("Failed to schedule sensor refresh", zap.Error(err))
		}
		if err := sup.Start(); err != nil {
			logger.Fatal("Failed to connect to Home Assistant", zap.Error(err))
		}

		if *probeInterval > 0 {
			probe := supervisor.NewReachability(haConfig.Address(), *probeInterval, logger)
			go probe.Run(ctx, sup.NetworkChanged)
		}
	} else {
		logger.Warn("HA_HOST or HA_TOKEN not set, serving the API without connecting")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)

	logger.Info("Application running. Press Ctrl+C to exit.", zap.String("api", server.Addr()))

loop:
	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			reload(ctx, loader, monitor, refresher, logger)
		case syscall.SIGUSR1:
			sup.Suspend()
		case syscall.SIGUSR2:
			sup.Resume()
		default:
			break loop
		}
	}

	logger.Info("Shutting down gracefully...")
	signal.Stop(sigChan)

	sup.Stop()
	client.Disconnect(ha.UserInitiated())
	cancel()
	refresher.Stop()

	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop HTTP API", zap.Error(err))
	}
	// Let the last log lines flush
	time.Sleep(50 * time.Millisecond)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// reload swaps in a new sensors file. A broken file leaves everything as is.
func reload(ctx context.Context, loader *config.Loader, monitor *sensors.Monitor, refresher *sensors.Refresher, logger *zap.Logger) {
	if err := loader.Reload(); err != nil {
		logger.Error("Failed to reload sensors config, keeping previous", zap.Error(err))
		return
	}
	mapping := loader.Mapping()
	monitor.SetMapping(mapping)
	if err := refresher.Reschedule(mapping.RefreshSchedule); err != nil {
		logger.Warn("Refresh schedule not updated", zap.Error(err))
	}
	if monitor.Connected() {
		refresher.Trigger(ctx)
	}
}
