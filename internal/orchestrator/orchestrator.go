// Package orchestrator sequences multi-agent conversations.
//
// One entry point, Orchestrate, drives four coordination patterns:
// single_agent, round_robin_group, workflow_graph, and swarm. Expected
// outcomes (circuit open, budget exceeded, approval required, invalid
// input, cancellation) come back as tagged result kinds rather than
// errors; only genuinely unexpected failures return an error.
//
// Within a conversation, turns are strictly sequential: turn N+1 never
// begins before turn N is persisted and its cost accounted. A
// per-conversation lock owns the conversation for the whole Orchestrate
// call, so no per-turn locking is needed anywhere below.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchlabs/orch/internal/flags"
	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/internal/registry"
	"github.com/orchlabs/orch/internal/selector"
	"github.com/orchlabs/orch/internal/statestore"
	"github.com/orchlabs/orch/internal/streaming"
	"github.com/orchlabs/orch/internal/turn"
	"github.com/orchlabs/orch/pkg/models"
)

// Kind tags an orchestration outcome.
type Kind string

const (
	KindOK               Kind = "ok"
	KindCircuitOpen      Kind = "circuit_open"
	KindBudgetExceeded   Kind = "budget_exceeded"
	KindApprovalRequired Kind = "approval_required"
	KindInvalidInput     Kind = "invalid_input"
	KindCancelled        Kind = "cancelled"
	KindInternal         Kind = "internal"
)

// HITLFlag gates the human-in-the-loop approval path.
const HITLFlag = "hitl_approval"

// DefaultTerminator ends a round-robin group when it appears in an
// agent's output.
const DefaultTerminator = "TERMINATE"

// convergenceWindow is how many consecutive turns without new decisions
// or tool activity end a swarm.
const convergenceWindow = 2

// Request is one orchestration request.
type Request struct {
	// Message is the user input driving this orchestration.
	Message string

	// UserID is the requesting user. Required.
	UserID string

	// ConversationID resumes an existing conversation when set.
	ConversationID string

	// Pattern selects the coordination pattern. Defaults to
	// single_agent.
	Pattern models.CoordinationPattern

	// AgentID pins the speaker for single_agent.
	AgentID string

	// Participants are agent IDs eligible to speak.
	Participants []string

	// Context is copied into the conversation's context bag. The key
	// "requiresApproval" (bool) arms the HITL gate; "mission_phase"
	// overrides the derived selection phase.
	Context map[string]any

	// Workflow describes the DAG for the workflow_graph pattern.
	Workflow *Workflow

	// ApprovalID resumes a conversation held at a HITL gate.
	ApprovalID string

	// ModelOverride forces a model for every turn of this request.
	ModelOverride string
}

// Result is the outcome of one Orchestrate call.
type Result struct {
	Kind Kind

	// Reason explains non-ok kinds in human terms.
	Reason string

	Conversation *models.Conversation

	// Turns are the turns this call produced, in seq order.
	Turns []*models.Turn

	// FinalText is the last (or joined final-stage) agent output.
	FinalText string

	// Approval is set for KindApprovalRequired.
	Approval *models.ApprovalRequest
}

// Workflow is a DAG of agent-bound steps.
type Workflow struct {
	Steps []WorkflowStep

	// MaxParallel bounds concurrent steps within a stage. Default 5.
	MaxParallel int
}

// WorkflowStep binds one agent to one sub-prompt.
type WorkflowStep struct {
	// ID names the step within the workflow.
	ID string

	// AgentID is the agent that runs the step.
	AgentID string

	// Prompt is the step's sub-prompt; empty means the request message.
	Prompt string

	// DependsOn lists step IDs that must complete first. Their outputs
	// are appended to this step's prompt.
	DependsOn []string

	// OnlyIf makes the step conditional on a previous step's output.
	OnlyIf *StepCondition
}

// StepCondition is a conditional edge: the step runs only when the
// named step's output contains the substring.
type StepCondition struct {
	StepID   string
	Contains string
}

// Config tunes the orchestrator.
type Config struct {
	// MaxTurns bounds round-robin and swarm loops. Default 12.
	MaxTurns int

	// Terminator ends a round-robin group. Default "TERMINATE".
	Terminator string

	// MaxParallel bounds workflow stage concurrency. Default 5.
	MaxParallel int
}

func (c Config) withDefaults() Config {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 12
	}
	if c.Terminator == "" {
		c.Terminator = DefaultTerminator
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 5
	}
	return c
}

// Orchestrator is the coordination core.
type Orchestrator struct {
	config   Config
	registry *registry.Registry
	selector *selector.Selector
	runner   *turn.Runner
	store    statestore.Store
	flags    *flags.Manager
	hub      *streaming.Hub
	recorder *observability.Recorder
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	logger   *observability.Logger

	// locks serializes orchestration per conversation.
	locks sync.Map

	nowFn func() time.Time
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Registry *registry.Registry
	Selector *selector.Selector
	Runner   *turn.Runner
	Store    statestore.Store
	Flags    *flags.Manager
	Hub      *streaming.Hub
	Recorder *observability.Recorder
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
	Logger   *observability.Logger
}

// New creates an orchestrator.
func New(config Config, deps Deps) *Orchestrator {
	if deps.Recorder == nil {
		deps.Recorder = observability.NewRecorder(deps.Logger)
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	return &Orchestrator{
		config:   config.withDefaults(),
		registry: deps.Registry,
		selector: deps.Selector,
		runner:   deps.Runner,
		store:    deps.Store,
		flags:    deps.Flags,
		hub:      deps.Hub,
		recorder: deps.Recorder,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		logger:   deps.Logger,
		nowFn:    time.Now,
	}
}

// lockConversation takes the per-conversation lock, returning the
// unlock.
func (o *Orchestrator) lockConversation(id string) func() {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Orchestrate runs one orchestration request to a terminal or held
// state. Expected outcomes are reported through Result.Kind with a nil
// error.
func (o *Orchestrator) Orchestrate(ctx context.Context, req Request) (*Result, error) {
	if req.ApprovalID != "" {
		return o.resume(ctx, req)
	}
	if req.UserID == "" {
		return &Result{Kind: KindInvalidInput, Reason: "userID is required"}, nil
	}
	if strings.TrimSpace(req.Message) == "" {
		return &Result{Kind: KindInvalidInput, Reason: "message is empty"}, nil
	}
	if req.Pattern == "" {
		req.Pattern = models.PatternSingleAgent
	}
	if reason := o.validate(req); reason != "" {
		return &Result{Kind: KindInvalidInput, Reason: reason}, nil
	}

	conv, created, err := o.loadOrCreate(ctx, req)
	if err != nil {
		return &Result{Kind: KindInternal, Reason: err.Error()}, err
	}

	unlock := o.lockConversation(conv.ID)
	defer unlock()

	ctx = observability.WithConversationID(ctx, conv.ID)
	ctx = observability.WithUserID(ctx, conv.UserID)

	if created {
		o.recorder.Record(ctx, observability.EventConversationStart, map[string]any{
			"pattern":      string(conv.Pattern),
			"participants": conv.ParticipantAgentIDs,
		})
	} else {
		if conv.Status == models.ConversationAwaitingApproval {
			return &Result{
				Kind:         KindApprovalRequired,
				Reason:       "conversation is awaiting approval",
				Conversation: conv,
			}, nil
		}
		conv.Status = models.ConversationActive
	}

	// HITL gate: hold before the first turn when the caller asked for
	// approval and the flag admits the path.
	if created && o.requiresApproval(ctx, req) {
		return o.hold(ctx, conv, req.Message)
	}

	return o.drive(ctx, conv, req.Message, req)
}

// validate checks agents and workflow shape before any state exists.
func (o *Orchestrator) validate(req Request) string {
	ids := append([]string{}, req.Participants...)
	if req.AgentID != "" {
		ids = append(ids, req.AgentID)
	}
	for _, id := range ids {
		if _, err := o.registry.Get(id); err != nil {
			return fmt.Sprintf("unknown agent %q", id)
		}
	}
	switch req.Pattern {
	case models.PatternSingleAgent, models.PatternRoundRobin, models.PatternSwarm:
	case models.PatternWorkflow:
		if req.Workflow == nil || len(req.Workflow.Steps) == 0 {
			return "workflow_graph requires a workflow"
		}
		if _, reason := buildStages(req.Workflow.Steps); reason != "" {
			return reason
		}
		for _, s := range req.Workflow.Steps {
			if _, err := o.registry.Get(s.AgentID); err != nil {
				return fmt.Sprintf("workflow step %q binds unknown agent %q", s.ID, s.AgentID)
			}
		}
	default:
		return fmt.Sprintf("unknown pattern %q", req.Pattern)
	}
	if req.Pattern == models.PatternRoundRobin && len(req.Participants) == 0 {
		return "round_robin_group requires participants"
	}
	if req.Pattern == models.PatternSwarm && len(req.Participants) == 0 {
		return "swarm requires participants"
	}
	return ""
}

func (o *Orchestrator) loadOrCreate(ctx context.Context, req Request) (*models.Conversation, bool, error) {
	if req.ConversationID != "" {
		conv, err := o.store.GetConversation(ctx, req.ConversationID)
		if err == nil {
			return conv, false, nil
		}
		if !errors.Is(err, statestore.ErrNotFound) {
			return nil, false, err
		}
	}

	now := o.nowFn().UTC()
	conv := &models.Conversation{
		ID:                  req.ConversationID,
		UserID:              req.UserID,
		Status:              models.ConversationActive,
		Pattern:             req.Pattern,
		ParticipantAgentIDs: req.Participants,
		ContextBag:          req.Context,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if err := o.store.SaveConversation(ctx, conv); err != nil {
		return nil, false, fmt.Errorf("create conversation: %w", err)
	}
	return conv, true, nil
}

func (o *Orchestrator) requiresApproval(ctx context.Context, req Request) bool {
	want, _ := req.Context["requiresApproval"].(bool)
	if !want || o.flags == nil {
		return false
	}
	return o.flags.IsEnabled(ctx, HITLFlag, flags.Subject{UserID: req.UserID})
}

// hold parks the conversation at the HITL gate without running a turn.
func (o *Orchestrator) hold(ctx context.Context, conv *models.Conversation, message string) (*Result, error) {
	approval := &models.ApprovalRequest{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Action:         "orchestrate",
		Metadata:       map[string]any{"message": message},
		Status:         models.ApprovalPending,
		CreatedAt:      o.nowFn().UTC(),
		UpdatedAt:      o.nowFn().UTC(),
	}
	if err := o.store.SaveApproval(ctx, approval); err != nil {
		return &Result{Kind: KindInternal, Reason: err.Error()}, err
	}

	conv.Status = models.ConversationAwaitingApproval
	if err := o.saveConversation(ctx, conv); err != nil {
		return &Result{Kind: KindInternal, Reason: err.Error()}, err
	}

	o.recorder.Record(ctx, observability.EventHITLRequired, map[string]any{
		"approval_id": approval.ID,
		"action":      approval.Action,
	})
	o.announceFinal(conv)
	return &Result{
		Kind:         KindApprovalRequired,
		Reason:       "human approval required before the first turn",
		Conversation: conv,
		Approval:     approval,
	}, nil
}

// ResolveApproval grants or denies a pending approval. Final states are
// terminal; resolving a settled approval is an error.
func (o *Orchestrator) ResolveApproval(ctx context.Context, id string, approve bool) (*models.ApprovalRequest, error) {
	approval, err := o.store.GetApproval(ctx, id)
	if err != nil {
		return nil, err
	}
	if approval.Status != models.ApprovalPending {
		return nil, fmt.Errorf("approval %s already %s", id, approval.Status)
	}
	if approve {
		approval.Status = models.ApprovalApproved
	} else {
		approval.Status = models.ApprovalDenied
	}
	approval.UpdatedAt = o.nowFn().UTC()
	if err := o.store.SaveApproval(ctx, approval); err != nil {
		return nil, err
	}

	ctx = observability.WithConversationID(ctx, approval.ConversationID)
	ctx = observability.WithUserID(ctx, approval.UserID)
	eventType := observability.EventHITLGranted
	if !approve {
		eventType = observability.EventHITLDenied
	}
	o.recorder.Record(ctx, eventType, map[string]any{"approval_id": id})
	return approval, nil
}

// resume continues a conversation held at the HITL gate.
func (o *Orchestrator) resume(ctx context.Context, req Request) (*Result, error) {
	approval, err := o.store.GetApproval(ctx, req.ApprovalID)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return &Result{Kind: KindInvalidInput, Reason: "unknown approval id"}, nil
		}
		return &Result{Kind: KindInternal, Reason: err.Error()}, err
	}

	conv, err := o.store.GetConversation(ctx, approval.ConversationID)
	if err != nil {
		return &Result{Kind: KindInternal, Reason: err.Error()}, err
	}

	unlock := o.lockConversation(conv.ID)
	defer unlock()

	ctx = observability.WithConversationID(ctx, conv.ID)
	ctx = observability.WithUserID(ctx, conv.UserID)

	switch approval.Status {
	case models.ApprovalPending:
		return &Result{
			Kind:         KindApprovalRequired,
			Reason:       "approval still pending",
			Conversation: conv,
			Approval:     approval,
		}, nil
	case models.ApprovalDenied:
		conv.Status = models.ConversationFailed
		if err := o.saveConversation(ctx, conv); err != nil {
			return &Result{Kind: KindInternal, Reason: err.Error()}, err
		}
		o.announceFinal(conv)
		return &Result{
			Kind:         KindCancelled,
			Reason:       "approval denied",
			Conversation: conv,
			Approval:     approval,
		}, nil
	}

	message, _ := approval.Metadata["message"].(string)
	conv.Status = models.ConversationActive

	restored := Request{
		Message:       message,
		UserID:        conv.UserID,
		Pattern:       conv.Pattern,
		Participants:  conv.ParticipantAgentIDs,
		ModelOverride: req.ModelOverride,
		Workflow:      req.Workflow,
	}
	return o.drive(ctx, conv, message, restored)
}

// drive runs the conversation's pattern to completion and seals the
// conversation record.
func (o *Orchestrator) drive(ctx context.Context, conv *models.Conversation, message string, req Request) (*Result, error) {
	start := o.nowFn()
	if o.metrics != nil {
		o.metrics.ConversationStarted()
	}
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartConversation(ctx, conv.ID, conv.UserID, string(conv.Pattern))
		defer func() { observability.EndSpan(span, nil) }()
	}

	var (
		turns   []*models.Turn
		final   string
		loopErr error
	)
	switch conv.Pattern {
	case models.PatternSingleAgent:
		turns, final, loopErr = o.runSingle(ctx, conv, message, req)
	case models.PatternRoundRobin:
		turns, final, loopErr = o.runRoundRobin(ctx, conv, message, req)
	case models.PatternWorkflow:
		turns, final, loopErr = o.runWorkflow(ctx, conv, message, req)
	case models.PatternSwarm:
		turns, final, loopErr = o.runSwarm(ctx, conv, message, req)
	default:
		return &Result{Kind: KindInvalidInput, Reason: fmt.Sprintf("unknown pattern %q", conv.Pattern)}, nil
	}

	result := &Result{Conversation: conv, Turns: turns, FinalText: final}
	var internalErr error
	switch {
	case loopErr == nil:
		result.Kind = KindOK
		conv.Status = models.ConversationCompleted
	case errors.Is(loopErr, turn.ErrCircuitOpen):
		result.Kind = KindCircuitOpen
		result.Reason = loopErr.Error()
		conv.Status = models.ConversationPaused
	case errors.Is(loopErr, turn.ErrBudgetExceeded):
		result.Kind = KindBudgetExceeded
		result.Reason = loopErr.Error()
		conv.Status = models.ConversationPaused
	case errors.Is(loopErr, context.Canceled) || errors.Is(loopErr, context.DeadlineExceeded):
		result.Kind = KindCancelled
		result.Reason = loopErr.Error()
		conv.Status = models.ConversationPaused
	default:
		result.Kind = KindInternal
		result.Reason = loopErr.Error()
		conv.Status = models.ConversationFailed
		internalErr = loopErr
	}

	if err := o.saveConversation(ctx, conv); err != nil {
		o.logger.Error(ctx, "conversation seal failed", "error", err)
	}

	o.recorder.Record(ctx, observability.EventConversationEnd, map[string]any{
		"status":   string(conv.Status),
		"turns":    conv.TurnCount,
		"cost_usd": conv.CumulativeCostUSD.String(),
		"kind":     string(result.Kind),
	})
	if o.metrics != nil {
		o.metrics.ConversationEnded(string(conv.Pattern), string(conv.Status),
			o.nowFn().Sub(start).Seconds())
	}
	o.announceFinal(conv)
	return result, internalErr
}

// saveConversation retries once on a version conflict by rebasing onto
// the stored version; the orchestrator owns the conversation, so a
// conflict means only that another process refreshed the same record.
func (o *Orchestrator) saveConversation(ctx context.Context, conv *models.Conversation) error {
	err := o.store.SaveConversation(ctx, conv)
	if !errors.Is(err, statestore.ErrConflict) {
		return err
	}
	stored, getErr := o.store.GetConversation(ctx, conv.ID)
	if getErr != nil {
		return err
	}
	conv.Version = stored.Version
	return o.store.SaveConversation(ctx, conv)
}

// announceFinal closes the conversation's stream with its settled
// status. Callers publish it after their last recorded event so the
// frame's sequence number exceeds every event before it.
func (o *Orchestrator) announceFinal(conv *models.Conversation) {
	if o.hub == nil {
		return
	}
	switch conv.Status {
	case models.ConversationCompleted, models.ConversationFailed,
		models.ConversationPaused, models.ConversationAwaitingApproval:
		o.hub.PublishFinal(conv.ID, string(conv.Status))
	}
}

// runTurn executes one turn through the runner with shared bookkeeping.
func (o *Orchestrator) runTurn(ctx context.Context, conv *models.Conversation, agent *models.AgentDescriptor, message string, req Request) (*models.Turn, error) {
	history, err := o.store.ListTurns(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	res, err := o.runner.Run(ctx, turn.Input{
		Conversation:  conv,
		Agent:         agent,
		Seq:           conv.TurnCount + 1,
		Message:       message,
		History:       history,
		ModelOverride: req.ModelOverride,
	})
	if res != nil && res.Turn != nil {
		return res.Turn, err
	}
	return nil, err
}

func (o *Orchestrator) runSingle(ctx context.Context, conv *models.Conversation, message string, req Request) ([]*models.Turn, string, error) {
	agent, reasonErr := o.resolveSingleAgent(ctx, conv, message, req)
	if reasonErr != nil {
		return nil, "", reasonErr
	}
	t, err := o.runTurn(ctx, conv, agent, message, req)
	if t == nil {
		return nil, "", err
	}
	return []*models.Turn{t}, t.OutputText, err
}

func (o *Orchestrator) resolveSingleAgent(ctx context.Context, conv *models.Conversation, message string, req Request) (*models.AgentDescriptor, error) {
	if req.AgentID != "" {
		return o.registry.Get(req.AgentID)
	}
	pool := o.participants(conv)
	if len(pool) == 0 {
		pool = o.registry.List()
	}
	agent, _ := o.selector.Select(ctx, message, pool, o.phase(conv), "")
	if agent == nil {
		return nil, errors.New("no agent available")
	}
	return agent, nil
}

// runRoundRobin consults the selector only for the first speaker; the
// rest of the group rotates in participant order. A group of one
// degenerates to a single-agent exchange.
func (o *Orchestrator) runRoundRobin(ctx context.Context, conv *models.Conversation, message string, req Request) ([]*models.Turn, string, error) {
	pool := o.participants(conv)
	if len(pool) == 1 {
		return o.runSingle(ctx, conv, message, req)
	}

	first, rationale := o.selector.Select(ctx, message, pool, o.phase(conv), "")
	if first == nil {
		return nil, "", errors.New("no participants resolved")
	}
	o.logger.Debug(ctx, "round robin opened", "first", first.ID, "reason", string(rationale.Reason))

	start := 0
	for i, a := range pool {
		if a.ID == first.ID {
			start = i
			break
		}
	}

	var turns []*models.Turn
	var final string
	input := message
	for i := 0; i < o.config.MaxTurns; i++ {
		if err := ctx.Err(); err != nil {
			return turns, final, err
		}
		agent := pool[(start+i)%len(pool)]
		t, err := o.runTurn(ctx, conv, agent, input, req)
		if t != nil {
			turns = append(turns, t)
			final = t.OutputText
		}
		if err != nil {
			return turns, final, err
		}
		if strings.Contains(t.OutputText, o.config.Terminator) {
			final = strings.TrimSpace(strings.ReplaceAll(t.OutputText, o.config.Terminator, ""))
			return turns, final, nil
		}
		// Later speakers react to the running transcript, not the
		// original message.
		input = t.OutputText
	}
	return turns, final, nil
}

// runSwarm selects the speaker dynamically each turn and stops once the
// group converges: two consecutive turns with no new decisions and no
// tool activity.
func (o *Orchestrator) runSwarm(ctx context.Context, conv *models.Conversation, message string, req Request) ([]*models.Turn, string, error) {
	pool := o.participants(conv)
	if len(pool) == 0 {
		return nil, "", errors.New("no participants resolved")
	}

	var (
		turns         []*models.Turn
		final         string
		lastSpeaker   string
		quietTurns    int
		seenDecisions = map[string]bool{}
	)
	input := message
	for i := 0; i < o.config.MaxTurns; i++ {
		if err := ctx.Err(); err != nil {
			return turns, final, err
		}
		agent, rationale := o.selector.Select(ctx, input, pool, o.phase(conv), lastSpeaker)
		if agent == nil {
			break
		}
		o.logger.Debug(ctx, "swarm speaker", "agent", agent.ID, "reason", string(rationale.Reason))

		t, err := o.runTurn(ctx, conv, agent, input, req)
		if t != nil {
			turns = append(turns, t)
			final = t.OutputText
			lastSpeaker = agent.ID
		}
		if err != nil {
			return turns, final, err
		}

		if len(t.ToolCalls) > 0 || newDecisions(seenDecisions, t.OutputText) > 0 {
			quietTurns = 0
		} else {
			quietTurns++
			if quietTurns >= convergenceWindow {
				o.logger.Info(ctx, "swarm converged", "turns", len(turns))
				break
			}
		}
		input = t.OutputText
	}
	return turns, final, nil
}

// newDecisions counts DECISION: lines not seen in earlier turns and
// marks them seen.
func newDecisions(seen map[string]bool, output string) int {
	fresh := 0
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "DECISION:") {
			continue
		}
		if !seen[line] {
			seen[line] = true
			fresh++
		}
	}
	return fresh
}

// runWorkflow executes the DAG stage by stage. Steps within a stage fan
// out up to MaxParallel and join before the next stage; turn execution
// itself stays strictly serialized per conversation, so fan-out
// overlaps step scheduling, never turn persistence.
func (o *Orchestrator) runWorkflow(ctx context.Context, conv *models.Conversation, message string, req Request) ([]*models.Turn, string, error) {
	wf := req.Workflow
	if wf == nil || len(wf.Steps) == 0 {
		return nil, "", errors.New("workflow_graph requires a workflow definition")
	}
	stages, reason := buildStages(wf.Steps)
	if reason != "" {
		return nil, "", errors.New(reason)
	}
	maxParallel := wf.MaxParallel
	if maxParallel <= 0 {
		maxParallel = o.config.MaxParallel
	}
	steps := map[string]WorkflowStep{}
	for _, s := range wf.Steps {
		steps[s.ID] = s
	}

	o.recorder.Record(ctx, observability.EventWorkflowStart, map[string]any{
		"steps":  len(wf.Steps),
		"stages": len(stages),
	})

	var (
		mu      sync.Mutex
		turnMu  sync.Mutex
		outputs = map[string]string{}
		turns   []*models.Turn
		runErr  error
	)
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, maxParallel)
	for _, stage := range stages {
		var wg sync.WaitGroup
		for _, stepID := range stage {
			step := steps[stepID]
			wg.Add(1)
			go func() {
				defer wg.Done()

				select {
				case sem <- struct{}{}:
				case <-execCtx.Done():
					return
				}
				defer func() { <-sem }()

				mu.Lock()
				skip := step.OnlyIf != nil && !strings.Contains(outputs[step.OnlyIf.StepID], step.OnlyIf.Contains)
				prompt := stepPrompt(step, message, outputs)
				mu.Unlock()

				if skip {
					o.recorder.Record(execCtx, observability.EventWorkflowStep, map[string]any{
						"step": step.ID, "status": "skipped",
					})
					return
				}

				agent, err := o.registry.Get(step.AgentID)
				if err == nil {
					// Turns serialize per conversation even across
					// fan-out goroutines.
					turnMu.Lock()
					var t *models.Turn
					t, err = o.runTurn(execCtx, conv, agent, prompt, req)
					if t != nil {
						mu.Lock()
						turns = append(turns, t)
						outputs[step.ID] = t.OutputText
						mu.Unlock()
					}
					turnMu.Unlock()
				}

				status := "ok"
				if err != nil {
					status = "failed"
					mu.Lock()
					if runErr == nil {
						runErr = fmt.Errorf("step %s: %w", step.ID, err)
						cancel()
					}
					mu.Unlock()
				}
				o.recorder.Record(execCtx, observability.EventWorkflowStep, map[string]any{
					"step": step.ID, "agent_id": step.AgentID, "status": status,
				})
			}()
		}
		wg.Wait()
		if execCtx.Err() != nil && runErr == nil {
			runErr = ctx.Err()
		}
		if runErr != nil {
			break
		}
	}

	sort.Slice(turns, func(i, j int) bool { return turns[i].Seq < turns[j].Seq })
	final := joinStageOutputs(stages, outputs)
	o.recorder.Record(ctx, observability.EventWorkflowEnd, map[string]any{
		"turns":  len(turns),
		"failed": runErr != nil,
	})
	return turns, final, runErr
}

// stepPrompt builds a step's prompt from its sub-prompt and dependency
// outputs. Caller holds the outputs lock.
func stepPrompt(step WorkflowStep, message string, outputs map[string]string) string {
	prompt := step.Prompt
	if prompt == "" {
		prompt = message
	}
	var inputs []string
	for _, dep := range step.DependsOn {
		if out, ok := outputs[dep]; ok && out != "" {
			inputs = append(inputs, fmt.Sprintf("[%s]\n%s", dep, out))
		}
	}
	if len(inputs) == 0 {
		return prompt
	}
	return prompt + "\n\nInputs from earlier steps:\n" + strings.Join(inputs, "\n\n")
}

// joinStageOutputs returns the final stage's outputs joined in step
// order.
func joinStageOutputs(stages [][]string, outputs map[string]string) string {
	for i := len(stages) - 1; i >= 0; i-- {
		var parts []string
		for _, stepID := range stages[i] {
			if out, ok := outputs[stepID]; ok && out != "" {
				parts = append(parts, out)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n\n")
		}
	}
	return ""
}

// buildStages computes the stage-ordered execution plan from step
// dependencies. Steps with no unmet dependencies share a stage and may
// fan out. A cycle or unknown dependency is reported as a reason
// string.
func buildStages(steps []WorkflowStep) ([][]string, string) {
	byID := make(map[string]WorkflowStep, len(steps))
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))

	for _, s := range steps {
		if s.ID == "" {
			return nil, "workflow step id cannot be empty"
		}
		if _, dup := byID[s.ID]; dup {
			return nil, fmt.Sprintf("duplicate workflow step %q", s.ID)
		}
		byID[s.ID] = s
		indegree[s.ID] = 0
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep)
			}
			indegree[s.ID]++
			dependents[dep] = append(dependents[dep], s.ID)
		}
		if s.OnlyIf != nil {
			if _, ok := byID[s.OnlyIf.StepID]; !ok {
				return nil, fmt.Sprintf("step %q conditional on unknown step %q", s.ID, s.OnlyIf.StepID)
			}
		}
	}

	ready := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	processed := 0
	var stages [][]string
	for len(ready) > 0 {
		stage := append([]string(nil), ready...)
		stages = append(stages, stage)

		next := make([]string, 0)
		for _, id := range stage {
			processed++
			for _, dep := range dependents[id] {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		ready = next
	}
	if processed != len(byID) {
		return nil, "workflow contains a dependency cycle"
	}
	return stages, ""
}

// participants resolves the conversation's participant descriptors,
// dropping IDs that vanished from the registry since creation.
func (o *Orchestrator) participants(conv *models.Conversation) []*models.AgentDescriptor {
	out := make([]*models.AgentDescriptor, 0, len(conv.ParticipantAgentIDs))
	for _, id := range conv.ParticipantAgentIDs {
		if a, err := o.registry.Get(id); err == nil {
			out = append(out, a)
		}
	}
	return out
}

// phase derives the mission phase: an explicit context override wins,
// otherwise the phase advances with conversation progress.
func (o *Orchestrator) phase(conv *models.Conversation) selector.Phase {
	if v, ok := conv.ContextBag["mission_phase"].(string); ok && v != "" {
		return selector.Phase(v)
	}
	switch {
	case conv.TurnCount < 2:
		return selector.PhaseDiscovery
	case conv.TurnCount < 5:
		return selector.PhaseAnalysis
	case conv.TurnCount < 8:
		return selector.PhaseDecision
	default:
		return selector.PhaseExecution
	}
}
