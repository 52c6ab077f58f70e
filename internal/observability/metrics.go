package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics aggregates the service's Prometheus collectors.
type Metrics struct {
	// RunCounter counts agent runs by trigger and final status.
	// Labels: trigger (manual|schedule|chat|api|webhook), status
	RunCounter *prometheus.CounterVec

	// RunDuration measures run wall time in seconds.
	// Labels: trigger
	RunDuration *prometheus.HistogramVec

	// TurnCounter counts ReAct turns by outcome.
	// Labels: status (success|error)
	TurnCounter *prometheus.CounterVec

	// LLMRequestDuration measures provider call latency in seconds.
	// Labels: provider (anthropic|openai), model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks provider-reported token counts.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool latency in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// MonitorDecisions counts roundabout monitor outcomes.
	// Labels: decision (wait|exit|cancel|peek|skip|fallback)
	MonitorDecisions *prometheus.CounterVec

	// NodeCounter counts workflow node executions.
	// Labels: node_type (trigger|tool|agent|conditional), result
	NodeCounter *prometheus.CounterVec

	// ActiveConnections gauges live websocket connections.
	ActiveConnections prometheus.Gauge

	// FunnelEvents counts ingested analytics events.
	// Labels: event_type
	FunnelEvents *prometheus.CounterVec
}

// NewMetrics registers all collectors on a fresh registry and returns the
// metrics alongside an http handler for scraping.
func NewMetrics() (*Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		RunCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_runs_total",
			Help: "Agent runs by trigger and final status.",
		}, []string{"trigger", "status"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_run_duration_seconds",
			Help:    "Run wall time in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"trigger"}),
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_turns_total",
			Help: "ReAct turns by outcome.",
		}, []string{"status"}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_llm_request_duration_seconds",
			Help:    "Provider call latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_llm_tokens_total",
			Help: "Provider-reported token counts.",
		}, []string{"provider", "model", "type"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_tool_executions_total",
			Help: "Tool invocations by name and status.",
		}, []string{"tool_name", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "steward_tool_execution_duration_seconds",
			Help:    "Tool latency in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		MonitorDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_monitor_decisions_total",
			Help: "Roundabout monitor outcomes.",
		}, []string{"decision"}),
		NodeCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_workflow_nodes_total",
			Help: "Workflow node executions by type and result.",
		}, []string{"node_type", "result"}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "steward_ws_connections",
			Help: "Live websocket connections.",
		}),
		FunnelEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "steward_funnel_events_total",
			Help: "Ingested analytics events by type.",
		}, []string{"event_type"}),
	}
	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
