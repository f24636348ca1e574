package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jarvislabs/jarvis/internal/audit"
)

// Metrics collects hub and agent runtime metrics.
//
// Tracked series:
//   - WebSocket client count and frame flow
//   - Hub method latency and outcomes
//   - Bus message flow by subject class
//   - LLM request performance and token consumption
//   - Tool execution patterns and latencies
//   - Task lifecycle transitions
//   - Auth outcomes and dropped audit records
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordMethodCall("tasks.create", "ok", time.Since(start).Seconds())
type Metrics struct {
	// WSClients is the current number of connected dashboard clients.
	WSClients prometheus.Gauge

	// FrameCounter tracks WebSocket frames.
	// Labels: type (req|res|event), direction (inbound|outbound)
	FrameCounter *prometheus.CounterVec

	// MethodDuration measures hub method latency in seconds.
	// Labels: method, status (ok|error)
	MethodDuration *prometheus.HistogramVec

	// BusMessages counts bus messages by subject class.
	// Labels: class (agent|coordination|chat|broadcast|task), direction
	BusMessages *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|error|blocked)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// TaskTransitions counts task status changes.
	// Labels: from, to
	TaskTransitions *prometheus.CounterVec

	// AuthEvents counts authentication outcomes.
	// Labels: result (success|failure|blocked)
	AuthEvents *prometheus.CounterVec

	// AgentsByStatus is the current agent count per status.
	AgentsByStatus *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics with the default registry.
// Call once at process startup; the /metrics endpoint serves them.
func NewMetrics() *Metrics {
	promauto.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "jarvis_audit_dropped_total",
			Help: "Audit records discarded because the write buffer was full",
		},
		func() float64 { return float64(audit.Default().Dropped()) },
	)

	return &Metrics{
		WSClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jarvis_ws_clients",
			Help: "Current number of connected WebSocket clients",
		}),

		FrameCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jarvis_ws_frames_total",
				Help: "Total WebSocket frames by type and direction",
			},
			[]string{"type", "direction"},
		),

		MethodDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jarvis_method_duration_seconds",
				Help:    "Duration of hub method calls in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "status"},
		),

		BusMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jarvis_bus_messages_total",
				Help: "Total bus messages by subject class and direction",
			},
			[]string{"class", "direction"},
		),

		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jarvis_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jarvis_llm_requests_total",
				Help: "Total LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jarvis_llm_tokens_total",
				Help: "Total tokens consumed by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jarvis_tool_executions_total",
				Help: "Total tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),

		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jarvis_tool_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"tool"},
		),

		TaskTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jarvis_task_transitions_total",
				Help: "Total task status transitions",
			},
			[]string{"from", "to"},
		),

		AuthEvents: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jarvis_auth_events_total",
				Help: "Total authentication attempts by result",
			},
			[]string{"result"},
		),

		AgentsByStatus: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "jarvis_agents",
				Help: "Current number of agents per status",
			},
			[]string{"status"},
		),
	}
}

// ClientConnected increments the connected-client gauge.
func (m *Metrics) ClientConnected() { m.WSClients.Inc() }

// ClientDisconnected decrements the connected-client gauge.
func (m *Metrics) ClientDisconnected() { m.WSClients.Dec() }

// RecordFrame counts one WebSocket frame.
func (m *Metrics) RecordFrame(frameType, direction string) {
	m.FrameCounter.WithLabelValues(frameType, direction).Inc()
}

// RecordMethodCall records the outcome and latency of a hub method call.
func (m *Metrics) RecordMethodCall(method, status string, durationSeconds float64) {
	m.MethodDuration.WithLabelValues(method, status).Observe(durationSeconds)
}

// RecordBusMessage counts one bus message.
func (m *Metrics) RecordBusMessage(class, direction string) {
	m.BusMessages.WithLabelValues(class, direction).Inc()
}

// RecordLLMRequest records metrics for one LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokens.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordToolExecution records metrics for one tool execution.
func (m *Metrics) RecordToolExecution(tool, status string, durationSeconds float64) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordTaskTransition counts one task status change.
func (m *Metrics) RecordTaskTransition(from, to string) {
	m.TaskTransitions.WithLabelValues(from, to).Inc()
}

// RecordAuthEvent counts one authentication outcome.
func (m *Metrics) RecordAuthEvent(result string) {
	m.AuthEvents.WithLabelValues(result).Inc()
}

// SetAgentCount sets the gauge for one agent status.
func (m *Metrics) SetAgentCount(status string, n int) {
	m.AgentsByStatus.WithLabelValues(status).Set(float64(n))
}
