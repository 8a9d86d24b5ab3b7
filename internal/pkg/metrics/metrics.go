package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides centralized metrics collection for the bridge.
type Metrics struct {
	registry *prometheus.Registry

	tokenRefreshesTotal *prometheus.CounterVec
	apiCallsTotal       *prometheus.CounterVec
	ticksTotal          *prometheus.CounterVec
	commandsTotal       *prometheus.CounterVec
	connectionHealthy   prometheus.Gauge
}

// NewMetrics creates a metrics instance with all collectors registered
func NewMetrics(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		registry: registry,

		tokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_refreshes_total",
				Help: "Total number of token refresh decisions by outcome",
			},
			[]string{"outcome"},
		),
		apiCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "api_calls_total",
				Help: "Total number of upstream API calls by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		ticksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "heartbeat_ticks_total",
				Help: "Total number of heartbeat ticks by outcome",
			},
			[]string{"outcome"},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "commands_total",
				Help: "Total number of dispatched device commands by outcome",
			},
			[]string{"outcome"},
		),
		connectionHealthy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "connection_healthy",
				Help: "Whether the upstream API connection is considered healthy",
			},
		),
	}

	collectors := []prometheus.Collector{
		m.tokenRefreshesTotal,
		m.apiCallsTotal,
		m.ticksTotal,
		m.commandsTotal,
		m.connectionHealthy,
	}

	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	// Start out healthy, matching the gateway
	m.connectionHealthy.Set(1)

	return m, nil
}

// RecordRefresh counts a token refresh decision.
func (m *Metrics) RecordRefresh(outcome string) {
	m.tokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

// RecordCall counts an upstream API call.
func (m *Metrics) RecordCall(op, outcome string) {
	m.apiCallsTotal.WithLabelValues(op, outcome).Inc()
}

// RecordTick counts a heartbeat tick.
func (m *Metrics) RecordTick(outcome string) {
	m.ticksTotal.WithLabelValues(outcome).Inc()
}

// RecordCommand counts a dispatched command.
func (m *Metrics) RecordCommand(outcome string) {
	m.commandsTotal.WithLabelValues(outcome).Inc()
}

// SetConnectionHealthy mirrors the gateway health flag.
func (m *Metrics) SetConnectionHealthy(healthy bool) {
	if healthy {
		m.connectionHealthy.Set(1)
	} else {
		m.connectionHealthy.Set(0)
	}
}

// Handler serves the metrics over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
