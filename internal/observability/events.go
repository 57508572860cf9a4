package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is the fixed enumeration of orchestration event names.
// Every turn, tool call, cost write, and policy decision emits one of
// these; consumers (stream subscribers, metrics, audit) rely on the set
// being closed.
type EventType string

const (
	EventConversationStart EventType = "conversation.start"
	EventConversationEnd   EventType = "conversation.end"
	EventAgentInvocation   EventType = "agent.invocation"
	EventAgentResponse     EventType = "agent.response"
	EventToolCall          EventType = "tool.call"
	EventToolResult        EventType = "tool.result"
	EventDecisionMade      EventType = "decision.made"
	EventToolInvoked       EventType = "tool.invoked"
	EventBudgetEvent       EventType = "budget.event"
	EventWorkflowStart     EventType = "workflow.start"
	EventWorkflowStep      EventType = "workflow.step"
	EventWorkflowEnd       EventType = "workflow.end"
	EventCostTracked       EventType = "cost.tracked"
	EventBudgetWarning     EventType = "budget.warning"
	EventBudgetExceeded    EventType = "budget.exceeded"
	EventMemoryAccess      EventType = "memory.access"
	EventMemoryUpdate      EventType = "memory.update"
	EventSelectionDecision EventType = "selection.decision"
	EventStreamingStart    EventType = "streaming.start"
	EventStreamingChunk    EventType = "streaming.chunk"
	EventStreamingEnd      EventType = "streaming.end"
	EventErrorOccurred     EventType = "error.occurred"
	EventPerfDegradation   EventType = "performance.degradation"
	EventSecurityEvent     EventType = "security.event"
	EventPricingFallback   EventType = "pricing_fallback"
	EventSlowConsumer      EventType = "slow_consumer"
	EventHITLRequired      EventType = "hitl.approval_required"
	EventHITLGranted       EventType = "hitl.approval_granted"
	EventHITLDenied        EventType = "hitl.approval_denied"
)

// Event is one structured orchestration event. Events reference entities
// by ID only; they never hold pointers into live state.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	ConversationID string         `json:"conversation_id,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	AgentID        string         `json:"agent_id,omitempty"`
	TurnID         string         `json:"turn_id,omitempty"`
	TurnSeq        int            `json:"turn_seq,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// EventSink receives recorded events. The streaming hub and the audit
// log both implement this.
type EventSink interface {
	Consume(ctx context.Context, e Event)
}

// SinkFunc adapts a function to an EventSink.
type SinkFunc func(ctx context.Context, e Event)

// Consume implements EventSink.
func (f SinkFunc) Consume(ctx context.Context, e Event) { f(ctx, e) }

// Recorder builds events from context correlation and fans them out to
// registered sinks. Sink registration happens during startup wiring;
// Record is safe for concurrent use afterwards.
type Recorder struct {
	mu     sync.RWMutex
	sinks  []EventSink
	logger *Logger
}

// NewRecorder creates an event recorder. A nil logger disables the
// debug trail.
func NewRecorder(logger *Logger) *Recorder {
	if logger == nil {
		logger = NopLogger()
	}
	return &Recorder{logger: logger}
}

// AddSink registers a sink for all subsequent events.
func (r *Recorder) AddSink(s EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Record constructs an event, filling correlation IDs from ctx, and
// delivers it to every sink in registration order.
func (r *Recorder) Record(ctx context.Context, t EventType, data map[string]any) Event {
	e := Event{
		ID:             uuid.NewString(),
		Type:           t,
		Timestamp:      time.Now().UTC(),
		ConversationID: ConversationIDFrom(ctx),
		UserID:         UserIDFrom(ctx),
		AgentID:        AgentIDFrom(ctx),
		TurnID:         TurnIDFrom(ctx),
		Data:           data,
	}
	r.deliver(ctx, e)
	return e
}

// RecordError records an error-carrying event.
func (r *Recorder) RecordError(ctx context.Context, t EventType, err error, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	e := Event{
		ID:             uuid.NewString(),
		Type:           t,
		Timestamp:      time.Now().UTC(),
		ConversationID: ConversationIDFrom(ctx),
		UserID:         UserIDFrom(ctx),
		AgentID:        AgentIDFrom(ctx),
		TurnID:         TurnIDFrom(ctx),
		Data:           data,
		Error:          err.Error(),
	}
	r.deliver(ctx, e)
	return e
}

func (r *Recorder) deliver(ctx context.Context, e Event) {
	r.logger.Debug(ctx, "event recorded", "event_type", string(e.Type), "event_id", e.ID)

	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()

	for _, s := range sinks {
		s.Consume(ctx, e)
	}
}
