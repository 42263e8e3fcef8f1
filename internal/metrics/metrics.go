// Package metrics provides Prometheus metrics for the gateway.
//
// All Record/Set methods are safe on a nil *Metrics so components can be
// built without a collector.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	AdmissionTotal    *prometheus.CounterVec
	ConnectionStatus  *prometheus.GaugeVec
	ReconnectsTotal   *prometheus.CounterVec
	GatewayClients    prometheus.Gauge
	GatewayRequests   *prometheus.CounterVec
	DeliveryFlushes   *prometheus.CounterVec
	TypingErrors      *prometheus.CounterVec
	AgentRunDuration  *prometheus.HistogramVec
	RoutesPrunedTotal prometheus.Counter
	OutboundThrottled *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		AdmissionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawrelay_admission_total",
				Help: "Inbound messages by channel and admission outcome.",
			},
			[]string{"channel", "outcome"},
		),
		ConnectionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "clawrelay_connection_status",
				Help: "Current connection status per account (0 connecting, 1 open, 2 degraded, 3 closing, 4 closed).",
			},
			[]string{"account"},
		),
		ReconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawrelay_reconnects_total",
				Help: "Reconnect attempts per account.",
			},
			[]string{"account"},
		),
		GatewayClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clawrelay_gateway_clients",
				Help: "Connected gateway WebSocket clients.",
			},
		),
		GatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawrelay_gateway_requests_total",
				Help: "Gateway RPC requests by method and status.",
			},
			[]string{"method", "status"},
		),
		DeliveryFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawrelay_delivery_flushes_total",
				Help: "Draft stream flushes by channel and result.",
			},
			[]string{"channel", "result"},
		),
		TypingErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawrelay_typing_errors_total",
				Help: "Typing indicator failures by channel and phase.",
			},
			[]string{"channel", "phase"},
		),
		AgentRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clawrelay_agent_run_duration_seconds",
				Help:    "Agent run duration by channel.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		RoutesPrunedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clawrelay_routes_pruned_total",
				Help: "Session routes removed by retention sweeps.",
			},
		),
		OutboundThrottled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clawrelay_outbound_throttled_total",
				Help: "Outbound sends that waited on the per-chat rate limiter.",
			},
			[]string{"channel"},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.AdmissionTotal,
		m.ConnectionStatus,
		m.ReconnectsTotal,
		m.GatewayClients,
		m.GatewayRequests,
		m.DeliveryFlushes,
		m.TypingErrors,
		m.AgentRunDuration,
		m.RoutesPrunedTotal,
		m.OutboundThrottled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordAdmission(channel, outcome string) {
	if m == nil {
		return
	}
	m.AdmissionTotal.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) SetConnectionStatus(account string, status int) {
	if m == nil {
		return
	}
	m.ConnectionStatus.WithLabelValues(account).Set(float64(status))
}

func (m *Metrics) RecordReconnect(account string) {
	if m == nil {
		return
	}
	m.ReconnectsTotal.WithLabelValues(account).Inc()
}

func (m *Metrics) SetGatewayClients(n int) {
	if m == nil {
		return
	}
	m.GatewayClients.Set(float64(n))
}

func (m *Metrics) RecordRequest(method, status string) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(method, status).Inc()
}

func (m *Metrics) RecordFlush(channel, result string) {
	if m == nil {
		return
	}
	m.DeliveryFlushes.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) RecordTypingError(channel, phase string) {
	if m == nil {
		return
	}
	m.TypingErrors.WithLabelValues(channel, phase).Inc()
}

// ObserveRun records agent run duration.
func (m *Metrics) ObserveRun(channel string, seconds float64) {
	if m == nil {
		return
	}
	m.AgentRunDuration.WithLabelValues(channel).Observe(seconds)
}

func (m *Metrics) RecordPruned(n int64) {
	if m == nil {
		return
	}
	m.RoutesPrunedTotal.Add(float64(n))
}

func (m *Metrics) RecordThrottled(channel string) {
	if m == nil {
		return
	}
	m.OutboundThrottled.WithLabelValues(channel).Inc()
}
