// Package turn executes a single agent turn end to end.
//
// The pipeline per turn:
//
//  1. Resolve agent, model, and system prompt.
//  2. Enhance the message through per-turn RAG when the flag allows.
//  3. Ask the circuit breaker for admission.
//  4. Stream the completion, forwarding chunks through the hub.
//  5. Run tool calls and feed results back for bounded continuations.
//  6. Record cost and budget state.
//  7. Emit events in order: tool.invoked* < cost.tracked < budget.* <
//     turn end.
//  8. Persist the sealed Turn.
//
// Transient model errors retry with backoff and jitter; partial chunks
// already streamed are never retracted. A cancelled turn is still
// persisted with status cancelled and its cost, if any, recorded.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchlabs/orch/internal/backoff"
	"github.com/orchlabs/orch/internal/breaker"
	"github.com/orchlabs/orch/internal/costledger"
	"github.com/orchlabs/orch/internal/flags"
	"github.com/orchlabs/orch/internal/modelclient"
	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/internal/rag"
	"github.com/orchlabs/orch/internal/statestore"
	"github.com/orchlabs/orch/internal/streaming"
	"github.com/orchlabs/orch/internal/tools"
	"github.com/orchlabs/orch/pkg/models"
)

var (
	// ErrCircuitOpen reports that the breaker refused admission.
	ErrCircuitOpen = errors.New("turn: circuit open")

	// ErrBudgetExceeded reports that this turn pushed a budget scope
	// over its limit.
	ErrBudgetExceeded = errors.New("turn: budget exceeded")
)

// RAGFlag gates per-turn context injection.
const RAGFlag = "per_turn_rag"

// Config tunes the runner.
type Config struct {
	// DefaultModel serves agents without a model of their own.
	DefaultModel string

	// MaxToolContinuations bounds feed-the-results-back loops.
	MaxToolContinuations int

	// Timeout bounds one turn end to end. Zero means the caller's
	// context governs alone.
	Timeout time.Duration

	// Retry is the backoff policy for transient model errors.
	Retry backoff.Policy

	// MaxTokens is passed through to the model request.
	MaxTokens int
}

func (c Config) withDefaults() Config {
	if c.MaxToolContinuations <= 0 {
		c.MaxToolContinuations = 3
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = backoff.DefaultPolicy()
	}
	return c
}

// Runner executes turns. All collaborators are required except tracer,
// metrics, and hub, which may be nil.
type Runner struct {
	config   Config
	flags    *flags.Manager
	rag      *rag.Injector
	breaker  *breaker.Breaker
	clients  *modelclient.Registry
	tools    *tools.Executor
	ledger   *costledger.Ledger
	store    statestore.Store
	hub      *streaming.Hub
	recorder *observability.Recorder
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *observability.Logger

	nowFn func() time.Time
}

// Deps bundles the runner's collaborators.
type Deps struct {
	Flags    *flags.Manager
	RAG      *rag.Injector
	Breaker  *breaker.Breaker
	Clients  *modelclient.Registry
	Tools    *tools.Executor
	Ledger   *costledger.Ledger
	Store    statestore.Store
	Hub      *streaming.Hub
	Recorder *observability.Recorder
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   *observability.Logger
}

// NewRunner creates a turn runner.
func NewRunner(config Config, deps Deps) *Runner {
	if deps.Recorder == nil {
		deps.Recorder = observability.NewRecorder(deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	return &Runner{
		config:   config.withDefaults(),
		flags:    deps.Flags,
		rag:      deps.RAG,
		breaker:  deps.Breaker,
		clients:  deps.Clients,
		tools:    deps.Tools,
		ledger:   deps.Ledger,
		store:    deps.Store,
		hub:      deps.Hub,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		logger:   deps.Logger,
		nowFn:    time.Now,
	}
}

// Input describes one turn to run.
type Input struct {
	// Conversation is the owning conversation; the runner updates its
	// aggregates and persists it after the turn.
	Conversation *models.Conversation

	// Agent is the speaker.
	Agent *models.AgentDescriptor

	// Seq is the dense 1-based sequence this turn takes.
	Seq int

	// Message is the user-visible input for this turn (pre-RAG).
	Message string

	// History is the conversation's prior turns, seq order.
	History []*models.Turn

	// ModelOverride forces a model instead of the agent default.
	ModelOverride string

	// Plan optionally shapes tool execution order and requirements.
	Plan *tools.DecisionPlan
}

// Result is a completed turn.
type Result struct {
	Turn *models.Turn

	// Charge is the cost outcome; nil when the turn never reached the
	// model.
	Charge *costledger.TurnCharge
}

// Run executes one turn. The turn record is persisted with its final
// status even on failure and cancellation; only admission denial leaves
// no record, since nothing ran.
func (r *Runner) Run(ctx context.Context, in Input) (*Result, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	model := in.ModelOverride
	if model == "" {
		model = in.Agent.DefaultModel
	}
	if model == "" {
		model = r.config.DefaultModel
	}

	turnID := uuid.NewString()
	ctx = observability.WithConversationID(ctx, in.Conversation.ID)
	ctx = observability.WithUserID(ctx, in.Conversation.UserID)
	ctx = observability.WithAgentID(ctx, in.Agent.ID)
	ctx = observability.WithTurnID(ctx, turnID)

	client, err := r.clients.ForModel(model)
	if err != nil {
		return nil, fmt.Errorf("resolve model client: %w", err)
	}
	provider := client.Provider()

	// RAG enhancement is flag-gated per user.
	prompt := in.Message
	ragApplied := false
	if r.flags != nil && r.rag != nil &&
		r.flags.IsEnabled(ctx, RAGFlag, flags.Subject{UserID: in.Conversation.UserID}) {
		enhanced, ragErr := r.rag.InjectContext(ctx, in.Conversation.ID, in.Conversation.UserID,
			in.Agent, in.Seq, in.Message, in.History)
		if ragErr != nil {
			// Retrieval trouble degrades to the raw message.
			r.logger.Warn(ctx, "context injection failed", "error", ragErr)
		} else {
			ragApplied = enhanced != in.Message
			prompt = enhanced
		}
	}

	if r.breaker != nil {
		if admitErr := r.breaker.ShouldAdmit(ctx, provider, in.Agent.ID); admitErr != nil {
			r.recorder.Record(ctx, observability.EventBudgetEvent, map[string]any{
				"decision": "blocked",
				"reason":   admitErr.Error(),
				"provider": provider,
			})
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, admitErr)
		}
	}

	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.StartTurn(ctx, turnID, in.Agent.ID, in.Seq)
		defer func() { observability.EndSpan(span, nil) }()
	}

	t := &models.Turn{
		ID:             turnID,
		ConversationID: in.Conversation.ID,
		Seq:            in.Seq,
		AgentID:        in.Agent.ID,
		Role:           models.RoleAssistant,
		InputPrompt:    prompt,
		ModelID:        model,
		Status:         models.TurnRunning,
		StartedAt:      r.nowFn().UTC(),
	}

	r.recorder.Record(ctx, observability.EventAgentInvocation, map[string]any{
		"model": model,
		"seq":   in.Seq,
	})
	r.recorder.Record(ctx, observability.EventDecisionMade, map[string]any{
		"model":    model,
		"agent_id": in.Agent.ID,
		"provider": provider,
	})
	if r.hub != nil {
		r.hub.PublishEvent(streaming.ConversationTopic(in.Conversation.ID), observability.Event{
			Type:           observability.EventStreamingStart,
			ConversationID: in.Conversation.ID,
			AgentID:        in.Agent.ID,
			TurnID:         turnID,
			Timestamp:      r.nowFn().UTC(),
		})
	}

	runErr := r.exchange(ctx, client, in, t, prompt)

	switch {
	case runErr == nil:
		t.Status = models.TurnOK
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		t.Status = models.TurnCancelled
	default:
		t.Status = models.TurnFailed
	}
	t.EndedAt = r.nowFn().UTC()
	t.LatencyMs = t.EndedAt.Sub(t.StartedAt).Milliseconds()

	if runErr != nil {
		// Subscribers already saw partial chunks; tell them the turn
		// broke rather than pretending nothing happened.
		r.recorder.RecordError(ctx, observability.EventErrorOccurred, runErr, map[string]any{
			"model": model,
		})
		if r.breaker != nil && t.Status == models.TurnFailed {
			r.breaker.RecordFailure(ctx)
		}
	} else if r.breaker != nil {
		r.breaker.RecordSuccess(ctx)
	}

	if ragApplied && runErr == nil {
		r.rag.RecordGrounding(ctx, in.Conversation.ID, t.OutputText)
	}

	// Cost is recorded for any turn that consumed tokens, cancelled
	// included.
	var charge *costledger.TurnCharge
	var budgetErr error
	if t.InputTokens > 0 || t.OutputTokens > 0 {
		charge, budgetErr = r.ledger.RecordTurn(ctx, t, provider)
		if budgetErr != nil {
			r.logger.Error(ctx, "cost recording failed", "error", budgetErr)
		} else {
			t.CostUSD = charge.Record.TotalCostUSD
			if r.breaker != nil {
				r.breaker.ObserveBudget(ctx, charge.Daily.Status)
			}
		}
	}

	r.finalize(ctx, in, t)

	if r.metrics != nil {
		cost, _ := t.CostUSD.Float64()
		r.metrics.RecordTurn(in.Agent.ID, model, string(t.Status),
			float64(t.LatencyMs)/1000.0, cost, t.InputTokens+t.OutputTokens)
	}
	r.recorder.Record(ctx, observability.EventAgentResponse, map[string]any{
		"status":     string(t.Status),
		"seq":        t.Seq,
		"latency_ms": t.LatencyMs,
		"cost_usd":   t.CostUSD.String(),
	})
	if r.hub != nil {
		r.hub.PublishEvent(streaming.ConversationTopic(in.Conversation.ID), observability.Event{
			Type:           observability.EventStreamingEnd,
			ConversationID: in.Conversation.ID,
			AgentID:        in.Agent.ID,
			TurnID:         turnID,
			TurnSeq:        t.Seq,
			Timestamp:      r.nowFn().UTC(),
		})
	}

	if runErr != nil {
		return &Result{Turn: t, Charge: charge}, runErr
	}
	if charge != nil && charge.Daily.Status == models.BudgetExceeded {
		return &Result{Turn: t, Charge: charge}, fmt.Errorf("%w: daily", ErrBudgetExceeded)
	}
	if charge != nil && charge.Conversation.Status == models.BudgetExceeded {
		return &Result{Turn: t, Charge: charge}, fmt.Errorf("%w: conversation", ErrBudgetExceeded)
	}
	return &Result{Turn: t, Charge: charge}, nil
}

// exchange drives the model conversation including tool continuations,
// accumulating output and token usage onto t.
func (r *Runner) exchange(ctx context.Context, client modelclient.Client, in Input, t *models.Turn, prompt string) error {
	messages := historyMessages(in.History)
	messages = append(messages, modelclient.Message{Role: modelclient.RoleUser, Content: prompt})

	var defs []modelclient.ToolDefinition
	if r.tools != nil {
		for _, info := range r.tools.Definitions(in.Agent.ToolIDs) {
			defs = append(defs, modelclient.ToolDefinition{
				Name:        info.Name,
				Description: info.Description,
				Schema:      info.Schema,
			})
		}
	}

	var output strings.Builder
	onChunk := func(text string) {
		output.WriteString(text)
		if r.hub != nil {
			r.hub.PublishChunk(in.Conversation.ID, text)
		}
	}

	for round := 0; ; round++ {
		req := modelclient.Request{
			Model:        t.ModelID,
			SystemPrompt: in.Agent.SystemPrompt,
			Messages:     messages,
			Tools:        defs,
			MaxTokens:    r.config.MaxTokens,
		}

		resp, err := backoff.Retry(ctx, r.config.Retry, modelclient.Retryable,
			func(int) (*modelclient.Response, error) {
				return client.Complete(ctx, req, onChunk)
			})
		if err != nil {
			// Whatever streamed before the failure stays on the turn,
			// with token usage estimated since none arrived.
			t.OutputText = output.String()
			if t.OutputTokens == 0 {
				t.OutputTokens = estimateTokens(t.OutputText)
			}
			return err
		}

		t.InputTokens += resp.InputTokens
		t.OutputTokens += resp.OutputTokens
		t.OutputText = output.String()

		if len(resp.ToolCalls) == 0 {
			return nil
		}
		t.ToolCalls = append(t.ToolCalls, resp.ToolCalls...)

		if r.tools == nil {
			return nil
		}
		results, execErr := r.tools.Execute(ctx, in.Agent, resp.ToolCalls, in.Plan)
		t.ToolResults = append(t.ToolResults, results...)
		if execErr != nil {
			return execErr
		}

		if round >= r.config.MaxToolContinuations {
			r.logger.Warn(ctx, "tool continuation bound reached",
				"rounds", round, "conversation_id", in.Conversation.ID)
			return nil
		}

		messages = append(messages, modelclient.Message{
			Role:      modelclient.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, res := range results {
			messages = append(messages, modelclient.Message{
				Role:       modelclient.RoleTool,
				Content:    res.Content,
				ToolCallID: res.CallID,
			})
		}
	}
}

// finalize persists the turn and the updated conversation aggregates.
func (r *Runner) finalize(ctx context.Context, in Input, t *models.Turn) {
	if err := r.store.AppendTurn(ctx, t); err != nil {
		r.logger.Error(ctx, "turn persistence failed", "error", err, "seq", t.Seq)
		return
	}

	conv := in.Conversation
	conv.TurnCount = t.Seq
	conv.CumulativeCostUSD = conv.CumulativeCostUSD.Add(t.CostUSD)
	conv.CumulativeTokens += t.InputTokens + t.OutputTokens
	conv.UpdatedAt = r.nowFn().UTC()
	if err := r.store.SaveConversation(ctx, conv); err != nil {
		if errors.Is(err, statestore.ErrConflict) {
			r.logger.Error(ctx, "conversation version conflict", "conversation_id", conv.ID)
		} else {
			r.logger.Error(ctx, "conversation persistence failed", "error", err)
		}
	}
}

// historyMessages maps persisted turns to chat messages.
func historyMessages(history []*models.Turn) []modelclient.Message {
	msgs := make([]modelclient.Message, 0, len(history)*2)
	for _, h := range history {
		if h.Role == models.RoleUser {
			msgs = append(msgs, modelclient.Message{Role: modelclient.RoleUser, Content: h.InputPrompt})
			continue
		}
		if h.InputPrompt != "" {
			msgs = append(msgs, modelclient.Message{Role: modelclient.RoleUser, Content: h.InputPrompt})
		}
		if h.OutputText != "" {
			msgs = append(msgs, modelclient.Message{Role: modelclient.RoleAssistant, Content: h.OutputText})
		}
	}
	return msgs
}

// estimateTokens approximates output tokens for a turn that failed
// before usage arrived. Word count is close enough for cost accounting
// of partial output.
func estimateTokens(text string) int64 {
	return int64(len(strings.Fields(text)))
}
