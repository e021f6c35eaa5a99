// Package metrics exposes connection and sensor telemetry in Prometheus
// format. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hatoolbar"

// connectionStates are the label values of the one-hot connection gauge.
var connectionStates = []string{"disconnected", "connecting", "authenticated", "subscribed"}

// Metrics owns a private registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	connectionState *prometheus.GaugeVec
	sensorValue     *prometheus.GaugeVec
	stateChanges    prometheus.Counter
	pings           prometheus.Counter
	reconnects      *prometheus.CounterVec
	disconnects     *prometheus.CounterVec
	restFetches     *prometheus.CounterVec
	refreshDuration prometheus.Histogram
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current websocket connection state, 0 otherwise",
		}, []string{"state"}),
		sensorValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sensors",
			Name:      "value",
			Help:      "Last known numeric value per configured sensor",
		}, []string{"sensor", "entity_id"}),
		stateChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "state_changed_total",
			Help:      "state_changed events received over the websocket",
		}),
		pings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "pongs_total",
			Help:      "Pong replies received",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts issued by the supervisor",
		}, []string{"trigger"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "disconnects_total",
			Help:      "Transitions to disconnected by reason",
		}, []string{"reason"}),
		restFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "fetches_total",
			Help:      "Entity state fetches by outcome",
		}, []string{"outcome"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rest",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of a full sensor refresh",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	m.registry.MustRegister(collectors.NewBuildInfoCollector())
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(
		m.connectionState,
		m.sensorValue,
		m.stateChanges,
		m.pings,
		m.reconnects,
		m.disconnects,
		m.restFetches,
		m.refreshDuration,
	)

	m.SetConnectionState("disconnected")
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// SetConnectionState sets the gauge for state to 1 and every other state to 0.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ObserveSensor(sensor, entityID string, value float64) {
	if m == nil {
		return
	}
	m.sensorValue.WithLabelValues(sensor, entityID).Set(value)
}

func (m *Metrics) IncStateChanges() {
	if m == nil {
		return
	}
	m.stateChanges.Inc()
}

func (m *Metrics) IncPings() {
	if m == nil {
		return
	}
	m.pings.Inc()
}

func (m *Metrics) IncReconnect(trigger string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(trigger).Inc()
}

func (m *Metrics) IncDisconnect(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncRESTFetch(outcome string) {
	if m == nil {
		return
	}
	m.restFetches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRefresh(seconds float64) {
	if m == nil {
		return
	}
	m.refreshDuration.Observe(seconds)
}
