// Package observability provides Prometheus metrics, the optional
// metrics/health listener, and OpenTelemetry tracing.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Tool call status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics owns the Prometheus registry and the funnel's instruments.
// All observe methods are safe on a nil receiver, so callers can hold a
// nil *Metrics when metrics are disabled and skip the guard at every
// call site.
type Metrics struct {
	logger   *zap.Logger
	registry *prometheus.Registry

	transitions  *prometheus.CounterVec
	reconnects   *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec

	registryTotal   prometheus.Gauge
	registryExposed prometheus.Gauge
}

// NewMetrics builds a registry with the funnel instruments plus the Go
// runtime and process collectors.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{
		logger:   logger.Named("metrics"),
		registry: prometheus.NewRegistry(),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpfunnel_upstream_state_transitions_total",
				Help: "Connection state transitions per upstream",
			},
			[]string{"upstream", "from", "to"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpfunnel_upstream_reconnect_attempts_total",
				Help: "Scheduled reconnection attempts per upstream",
			},
			[]string{"upstream"},
		),
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpfunnel_tool_calls_total",
				Help: "Tool calls dispatched through the funnel",
			},
			[]string{"upstream", "status"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpfunnel_tool_call_duration_seconds",
				Help:    "Tool call duration in seconds",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"upstream", "status"},
		),
		registryTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpfunnel_registry_tools_total",
			Help: "Tools currently published in the registry",
		}),
		registryExposed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpfunnel_registry_tools_exposed",
			Help: "Tools currently exposed to the downstream client",
		}),
	}

	m.registry.MustRegister(
		m.transitions,
		m.reconnects,
		m.toolCalls,
		m.toolDuration,
		m.registryTotal,
		m.registryExposed,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// ObserveTransition records one connection state change.
func (m *Metrics) ObserveTransition(upstream, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(upstream, from, to).Inc()
}

// ObserveReconnect records one scheduled reconnection attempt.
func (m *Metrics) ObserveReconnect(upstream string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(upstream).Inc()
}

// ObserveToolCall records one dispatched tool call with its outcome.
func (m *Metrics) ObserveToolCall(upstream string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.toolCalls.WithLabelValues(upstream, status).Inc()
	m.toolDuration.WithLabelValues(upstream, status).Observe(duration.Seconds())
}

// SetRegistrySize updates the registry gauges after a catalog change.
func (m *Metrics) SetRegistrySize(total, exposed int) {
	if m == nil {
		return
	}
	m.registryTotal.Set(float64(total))
	m.registryExposed.Set(float64(exposed))
}

// Handler serves the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
