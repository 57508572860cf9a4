package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the centralized Prometheus instrumentation for the
// orchestrator.
//
// Tracked signals:
//   - Conversation and turn throughput per coordination pattern
//   - Agent invocation counts and response latency
//   - Tool call volume and failure rates
//   - Per-turn cost and token histograms for capacity planning
//   - Budget headroom and active conversation gauges
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.ConversationStarted("swarm")
//	defer metrics.AgentResponseTime.WithLabelValues("amy_cfo").Observe(time.Since(start).Seconds())
type Metrics struct {
	// ConversationsTotal counts conversations by pattern and outcome.
	// Labels: pattern, status (completed|failed|paused|awaiting_approval)
	ConversationsTotal *prometheus.CounterVec

	// AgentInvocationsTotal counts turns by agent and status.
	// Labels: agent_id, status (ok|failed|cancelled)
	AgentInvocationsTotal *prometheus.CounterVec

	// ToolCallsTotal counts tool invocations.
	// Labels: tool, status (success|error|not_found)
	ToolCallsTotal *prometheus.CounterVec

	// ErrorsTotal counts errors by component and kind.
	// Labels: component, kind
	ErrorsTotal *prometheus.CounterVec

	// ConversationDuration measures whole-conversation wall time.
	// Labels: pattern
	ConversationDuration *prometheus.HistogramVec

	// AgentResponseTime measures model exchange latency per agent.
	// Labels: agent_id
	AgentResponseTime *prometheus.HistogramVec

	// CostPerTurn measures per-turn cost in USD.
	// Labels: model
	CostPerTurn *prometheus.HistogramVec

	// TokensPerTurn measures total tokens per turn.
	// Labels: model
	TokensPerTurn *prometheus.HistogramVec

	// ActiveConversations gauges currently running orchestrations.
	ActiveConversations prometheus.Gauge

	// BudgetRemaining gauges remaining USD per budget scope.
	// Labels: scope (daily|conversation)
	BudgetRemaining *prometheus.GaugeVec

	// MemoryUsageBytes gauges process heap usage, sampled periodically.
	MemoryUsageBytes prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics with the
// default registry. Call once at startup; the /metrics endpoint serves
// the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		ConversationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orch_conversations_total",
				Help: "Total conversations by coordination pattern and terminal status",
			},
			[]string{"pattern", "status"},
		),

		AgentInvocationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orch_agent_invocations_total",
				Help: "Total agent turns by agent and status",
			},
			[]string{"agent_id", "status"},
		),

		ToolCallsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orch_tool_calls_total",
				Help: "Total tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orch_errors_total",
				Help: "Total errors by component and error kind",
			},
			[]string{"component", "kind"},
		),

		ConversationDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orch_conversation_duration_seconds",
				Help:    "Wall-clock duration of conversations",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"pattern"},
		),

		AgentResponseTime: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orch_agent_response_time_seconds",
				Help:    "Model exchange latency per agent turn",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"agent_id"},
		),

		CostPerTurn: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orch_cost_per_turn_usd",
				Help:    "Cost charged per turn in USD",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"model"},
		),

		TokensPerTurn: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orch_tokens_per_turn",
				Help:    "Total tokens consumed per turn",
				Buckets: []float64{100, 500, 1000, 2000, 5000, 10000, 50000, 100000},
			},
			[]string{"model"},
		),

		ActiveConversations: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orch_active_conversations",
				Help: "Conversations currently being orchestrated",
			},
		),

		BudgetRemaining: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orch_budget_remaining_usd",
				Help: "Remaining budget headroom in USD per scope",
			},
			[]string{"scope"},
		),

		MemoryUsageBytes: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "orch_memory_usage_bytes",
				Help: "Process heap in use",
			},
		),
	}
}

// ConversationStarted marks a conversation as active.
func (m *Metrics) ConversationStarted() {
	m.ActiveConversations.Inc()
}

// ConversationEnded records a finished conversation.
func (m *Metrics) ConversationEnded(pattern, status string, durationSeconds float64) {
	m.ActiveConversations.Dec()
	m.ConversationsTotal.WithLabelValues(pattern, status).Inc()
	m.ConversationDuration.WithLabelValues(pattern).Observe(durationSeconds)
}

// RecordTurn records the per-turn signals in one call.
func (m *Metrics) RecordTurn(agentID, model, status string, latencySeconds, costUSD float64, tokens int64) {
	m.AgentInvocationsTotal.WithLabelValues(agentID, status).Inc()
	m.AgentResponseTime.WithLabelValues(agentID).Observe(latencySeconds)
	m.CostPerTurn.WithLabelValues(model).Observe(costUSD)
	m.TokensPerTurn.WithLabelValues(model).Observe(float64(tokens))
}

// RecordToolCall records one tool invocation outcome.
func (m *Metrics) RecordToolCall(tool, status string) {
	m.ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, kind string) {
	m.ErrorsTotal.WithLabelValues(component, kind).Inc()
}
