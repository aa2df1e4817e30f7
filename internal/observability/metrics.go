package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the node's Prometheus collectors
type Metrics struct {
	Registry *prometheus.Registry

	WireMessages       *prometheus.CounterVec
	ProtocolErrors     *prometheus.CounterVec
	GatewayConnected   prometheus.Gauge
	Workflows          *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	Executions         *prometheus.CounterVec
	Forwarded          *prometheus.CounterVec
	OutboxPublished    prometheus.Counter
	ActiveEntities     *prometheus.GaugeVec
	WalletReservations *prometheus.CounterVec
}

// NewMetrics registers every collector on a fresh registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Registry: registry,
		WireMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fix_messages_total",
				Help: "Wire messages sent and received by the gateway.",
			},
			[]string{"direction", "msg_type"},
		),
		ProtocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fix_protocol_errors_total",
				Help: "Protocol errors by classification.",
			},
			[]string{"type"},
		),
		GatewayConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fix_gateway_connected",
			Help: "1 while the gateway session is logged on.",
		}),
		Workflows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_workflows_total",
				Help: "Order workflows by outcome.",
			},
			[]string{"outcome"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "order_workflow_step_duration_seconds",
				Help:    "Workflow step latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"step"},
		),
		Executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_executions_total",
				Help: "Execution events offered to order entities, by result.",
			},
			[]string{"result"},
		),
		Forwarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "node_forwarded_calls_total",
				Help: "Calls forwarded to another node.",
			},
			[]string{"method"},
		),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "journal_outbox_published_total",
			Help: "Outbox events published to Kafka.",
		}),
		ActiveEntities: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sharding_active_entities",
				Help: "Entities resident in each region.",
			},
			[]string{"region"},
		),
		WalletReservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wallet_commands_total",
				Help: "Wallet ledger commands by ledger and outcome.",
			},
			[]string{"ledger", "outcome"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.WireMessages,
		m.ProtocolErrors,
		m.GatewayConnected,
		m.Workflows,
		m.StepDuration,
		m.Executions,
		m.Forwarded,
		m.OutboxPublished,
		m.ActiveEntities,
		m.WalletReservations,
	)
	return m
}

// Handler serves the registry in the exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
