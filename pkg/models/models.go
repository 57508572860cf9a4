// Package models defines the shared data model for the Orchestra
// multi-agent conversation orchestrator.
//
// Entities here are plain data: components reference each other by ID,
// never by owning pointer. Conversation and Turn are owned by the
// orchestrator, CostRecord by the cost ledger, AgentDescriptor by the
// agent registry, ApprovalRequest by the HITL gate.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConversationStatus is the lifecycle status of a conversation.
type ConversationStatus string

const (
	// ConversationActive means the conversation is accepting turns.
	ConversationActive ConversationStatus = "active"

	// ConversationPaused means the conversation is suspended (e.g. budget).
	ConversationPaused ConversationStatus = "paused"

	// ConversationAwaitingApproval means a HITL gate is holding the loop.
	ConversationAwaitingApproval ConversationStatus = "awaiting_approval"

	// ConversationCompleted is a terminal success state.
	ConversationCompleted ConversationStatus = "completed"

	// ConversationFailed is a terminal failure state.
	ConversationFailed ConversationStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s ConversationStatus) Terminal() bool {
	return s == ConversationCompleted || s == ConversationFailed
}

// CoordinationPattern is the rule by which turns are sequenced across
// participants.
type CoordinationPattern string

const (
	// PatternSingleAgent runs exactly one turn with one agent.
	PatternSingleAgent CoordinationPattern = "single_agent"

	// PatternRoundRobin rotates through a fixed participant list.
	PatternRoundRobin CoordinationPattern = "round_robin_group"

	// PatternWorkflow executes a DAG of agent-bound steps.
	PatternWorkflow CoordinationPattern = "workflow_graph"

	// PatternSwarm selects the speaker dynamically each turn.
	PatternSwarm CoordinationPattern = "swarm"
)

// Conversation is the top-level unit of orchestration state.
type Conversation struct {
	// ID uniquely identifies the conversation.
	ID string `json:"id"`

	// UserID is the requesting user.
	UserID string `json:"user_id"`

	// Status is the current lifecycle status.
	Status ConversationStatus `json:"status"`

	// Pattern is the coordination pattern chosen at creation.
	Pattern CoordinationPattern `json:"pattern"`

	// ParticipantAgentIDs are the agents eligible to speak.
	ParticipantAgentIDs []string `json:"participant_agent_ids,omitempty"`

	// TurnCount is the number of sealed turns. Invariant:
	// TurnCount == len(turn list) at all times.
	TurnCount int `json:"turn_count"`

	// CumulativeCostUSD equals the sum of all turn costs.
	CumulativeCostUSD decimal.Decimal `json:"cumulative_cost_usd"`

	// CumulativeTokens is total input+output tokens across turns.
	CumulativeTokens int64 `json:"cumulative_tokens"`

	// ContextBag carries caller-supplied context values.
	ContextBag map[string]any `json:"context_bag,omitempty"`

	// Version increments on every persisted write; the store uses it
	// for compare-and-set conflict detection.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TurnStatus is the lifecycle status of a single turn.
type TurnStatus string

const (
	TurnRunning   TurnStatus = "running"
	TurnOK        TurnStatus = "ok"
	TurnFailed    TurnStatus = "failed"
	TurnCancelled TurnStatus = "cancelled"
)

// TurnRole identifies who produced a turn.
type TurnRole string

const (
	RoleUser      TurnRole = "user"
	RoleAssistant TurnRole = "assistant"
	RoleTool      TurnRole = "tool"
)

// Turn is one request-response cycle between the orchestrator and a
// single agent, including its tool calls. Sealed turns are immutable.
type Turn struct {
	// ID uniquely identifies the turn.
	ID string `json:"id"`

	// ConversationID is the owning conversation.
	ConversationID string `json:"conversation_id"`

	// Seq is the 1-based dense sequence number within the conversation.
	Seq int `json:"seq"`

	// AgentID is the agent that spoke.
	AgentID string `json:"agent_id"`

	// Role is the role of the turn producer.
	Role TurnRole `json:"role"`

	// InputPrompt is the prompt sent to the model (post-RAG).
	InputPrompt string `json:"input_prompt"`

	// OutputText is the accumulated model output.
	OutputText string `json:"output_text"`

	// ToolCalls are the tool calls the model emitted, in model order.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolResults are the executor results, one per call.
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`

	// CostUSD is the fixed-point cost charged for this turn.
	CostUSD decimal.Decimal `json:"cost_usd"`

	// ModelID is the model that served the turn.
	ModelID string `json:"model_id"`

	// LatencyMs is wall-clock duration of the model exchange.
	LatencyMs int64 `json:"latency_ms"`

	Status    TurnStatus `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`
}

// ToolCall is a single tool invocation request emitted by a model, in
// the standard function-call wire shape.
type ToolCall struct {
	// ID correlates the call with its result.
	ID string `json:"id,omitempty"`

	// Function carries the tool name and JSON-encoded arguments.
	Function FunctionCall `json:"function"`
}

// FunctionCall is the name/arguments pair of a tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolResult is the structured outcome of one tool invocation.
type ToolResult struct {
	// CallID matches ToolCall.ID.
	CallID string `json:"call_id,omitempty"`

	// Name is the tool that ran.
	Name string `json:"name"`

	// Content is the tool output, or a structured error description.
	Content string `json:"content"`

	// IsError marks a failed invocation. A failing tool does not abort
	// the batch unless the decision plan marks it required.
	IsError bool `json:"is_error,omitempty"`

	// DurationMs is how long the invocation took.
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// CostTier buckets models by price for selection tie-breaks.
type CostTier string

const (
	TierCheap   CostTier = "cheap"
	TierMid     CostTier = "mid"
	TierPremium CostTier = "premium"
)

// Score maps a tier to a [0,1] efficiency contribution (cheap is best).
func (t CostTier) Score() float64 {
	switch t {
	case TierCheap:
		return 1.0
	case TierMid:
		return 0.6
	case TierPremium:
		return 0.3
	default:
		return 0.5
	}
}

// AgentDescriptor describes a specialized agent loaded from the agents
// directory. Descriptors are immutable at runtime except via registry
// reload.
type AgentDescriptor struct {
	// ID is the unique agent identifier (file-derived).
	ID string `json:"id"`

	// DisplayName is the human-readable name.
	DisplayName string `json:"display_name"`

	// SystemPrompt is the agent's base system prompt.
	SystemPrompt string `json:"system_prompt"`

	// CapabilityTags describe what the agent is good at; the speaker
	// selector scores these against message keywords.
	CapabilityTags []string `json:"capability_tags,omitempty"`

	// ToolIDs lists the tools this agent may invoke.
	ToolIDs []string `json:"tool_ids,omitempty"`

	// DefaultModel is the model used when the request does not override.
	DefaultModel string `json:"default_model"`

	// Tier is the agent's cost tier.
	Tier CostTier `json:"cost_tier"`
}

// HasTool reports whether the agent may invoke the named tool.
func (a *AgentDescriptor) HasTool(name string) bool {
	for _, id := range a.ToolIDs {
		if id == name {
			return true
		}
	}
	return false
}

// PricingEntry is one row of the append-only pricing table. The active
// entry for (provider, model) at time t is the one whose window contains t.
type PricingEntry struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`

	// InputPer1K and OutputPer1K are USD per 1000 tokens.
	InputPer1K  decimal.Decimal `json:"input_per_1k"`
	OutputPer1K decimal.Decimal `json:"output_per_1k"`

	// PerRequest is an optional flat per-request charge.
	PerRequest decimal.Decimal `json:"per_request,omitempty"`

	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
}

// ActiveAt reports whether the entry is active at t.
func (p *PricingEntry) ActiveAt(t time.Time) bool {
	if t.Before(p.EffectiveFrom) {
		return false
	}
	return p.EffectiveTo == nil || t.Before(*p.EffectiveTo)
}

// CostRecord is the append-only audit record for one turn's cost.
type CostRecord struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	TurnID         string          `json:"turn_id"`
	Provider       string          `json:"provider"`
	Model          string          `json:"model"`
	AgentID        string          `json:"agent_id"`
	InputTokens    int64           `json:"input_tokens"`
	OutputTokens   int64           `json:"output_tokens"`
	InputCostUSD   decimal.Decimal `json:"input_cost_usd"`
	OutputCostUSD  decimal.Decimal `json:"output_cost_usd"`
	TotalCostUSD   decimal.Decimal `json:"total_cost_usd"`
	CreatedAt      time.Time       `json:"created_at"`
}

// BudgetStatus classifies spend against a limit.
type BudgetStatus string

const (
	BudgetHealthy  BudgetStatus = "healthy"
	BudgetWarning  BudgetStatus = "warning"
	BudgetCritical BudgetStatus = "critical"
	BudgetExceeded BudgetStatus = "exceeded"
)

// BudgetState is the derived per-scope aggregate, recomputed on each
// cost write.
type BudgetState struct {
	// ScopeKey identifies the scope, e.g. "daily:2026-08-24" or
	// "conv:<id>" or "provider:openai".
	ScopeKey string `json:"scope_key"`

	TotalCostUSD decimal.Decimal `json:"total_cost_usd"`
	LimitUSD     decimal.Decimal `json:"limit_usd"`
	Status       BudgetStatus    `json:"status"`
}

// ApprovalStatus is the lifecycle of a human-in-the-loop request.
// Transitions are monotonic: pending may move to approved or denied,
// and final states are terminal.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// ApprovalRequest pauses a conversation until a human decides.
type ApprovalRequest struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Action         string         `json:"action"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Status         ApprovalStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Fact is one retrieved memory item used for per-turn context injection.
type Fact struct {
	// ID identifies the fact in the memory store.
	ID string `json:"id"`

	// Text is the fact content.
	Text string `json:"text"`

	// Score is the retrieval similarity score in [0,1].
	Score float64 `json:"score"`

	// CreatedAt is when the fact was stored; recency weighting uses it.
	CreatedAt time.Time `json:"created_at"`
}

// ContextBlock is the ephemeral product of per-turn RAG for one
// (conversation, turn, agent). It lives only in the injector cache.
type ContextBlock struct {
	Facts          []Fact    `json:"facts"`
	AgentFocusHint string    `json:"agent_focus_hint,omitempty"`
	ProducedAt     time.Time `json:"produced_at"`
}
