package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orchlabs/orch/internal/breaker"
	"github.com/orchlabs/orch/internal/costledger"
	"github.com/orchlabs/orch/internal/flags"
	"github.com/orchlabs/orch/internal/modelclient"
	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/internal/registry"
	"github.com/orchlabs/orch/internal/selector"
	"github.com/orchlabs/orch/internal/statestore"
	"github.com/orchlabs/orch/internal/streaming"
	"github.com/orchlabs/orch/internal/turn"
	"github.com/orchlabs/orch/pkg/models"
)

var agentFiles = map[string]string{
	"amy_cfo.agent": `name: Amy
capabilities: finance, budget, runway
model: gpt-4o-mini
tier: cheap
---
You are Amy, the CFO.`,
	"sam_cto.agent": `name: Sam
capabilities: strategy, roadmap, plan
model: gpt-4o-mini
tier: mid
---
You are Sam, the CTO.`,
	"vera_ciso.agent": `name: Vera
capabilities: security, risk, compliance
model: gpt-4o-mini
tier: mid
---
You are Vera, the CISO.`,
}

type fixture struct {
	orch  *Orchestrator
	store *statestore.MemoryStore
	mock  *modelclient.Mock
	brk   *breaker.Breaker
	hub   *streaming.Hub

	mu     sync.Mutex
	events []observability.Event
}

type fixtureOpts struct {
	script []modelclient.MockTurn
	limits costledger.Limits
	flags  []*flags.Flag
	config Config
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	dir := t.TempDir()
	for name, body := range agentFiles {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	reg, err := registry.New(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store: statestore.NewMemory(),
		mock:  modelclient.NewMock(opts.script...),
	}
	recorder := observability.NewRecorder(nil)
	recorder.AddSink(observability.SinkFunc(func(_ context.Context, e observability.Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	}))

	f.hub = streaming.NewHub(streaming.Config{SubscriberBuffer: 64}, recorder, nil)
	t.Cleanup(f.hub.Close)
	recorder.AddSink(f.hub.Sink())

	f.brk = breaker.New(breaker.Config{FailureThreshold: 3}, recorder, nil)
	ledger := costledger.New(f.store, nil, opts.limits, recorder, nil, nil)
	flagMgr := flags.NewManager(opts.flags)

	runner := turn.NewRunner(turn.Config{}, turn.Deps{
		Flags:    flagMgr,
		Breaker:  f.brk,
		Clients:  modelclient.NewRegistry(f.mock),
		Ledger:   ledger,
		Store:    f.store,
		Recorder: recorder,
	})

	f.orch = New(opts.config, Deps{
		Registry: reg,
		Selector: selector.New(reg.Priority, recorder),
		Runner:   runner,
		Store:    f.store,
		Flags:    flagMgr,
		Hub:      f.hub,
		Recorder: recorder,
	})
	return f
}

func (f *fixture) eventTypes() []observability.EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]observability.EventType, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

func (f *fixture) snapshot() []observability.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]observability.Event(nil), f.events...)
}

func hasEvent(types []observability.EventType, want observability.EventType) bool {
	for _, ty := range types {
		if ty == want {
			return true
		}
	}
	return false
}

func TestSingleAgent(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{{Text: "runway is eighteen months"}},
	})

	res, err := f.orch.Orchestrate(context.Background(), Request{
		Message: "how long is our runway",
		UserID:  "u1",
		AgentID: "amy_cfo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindOK {
		t.Fatalf("kind = %s (%s)", res.Kind, res.Reason)
	}
	if len(res.Turns) != 1 || res.Turns[0].AgentID != "amy_cfo" {
		t.Fatalf("turns = %+v", res.Turns)
	}
	if res.FinalText != "runway is eighteen months" {
		t.Errorf("final = %q", res.FinalText)
	}
	if res.Conversation.Status != models.ConversationCompleted {
		t.Errorf("status = %s", res.Conversation.Status)
	}
	types := f.eventTypes()
	if !hasEvent(types, observability.EventConversationStart) || !hasEvent(types, observability.EventConversationEnd) {
		t.Errorf("missing conversation lifecycle events: %v", types)
	}
}

func TestInvalidInputs(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	cases := []struct {
		name string
		req  Request
	}{
		{"empty message", Request{UserID: "u1"}},
		{"missing user", Request{Message: "hi"}},
		{"unknown agent", Request{Message: "hi", UserID: "u1", AgentID: "nobody"}},
		{"round robin without participants", Request{Message: "hi", UserID: "u1",
			Pattern: models.PatternRoundRobin}},
		{"workflow without steps", Request{Message: "hi", UserID: "u1",
			Pattern: models.PatternWorkflow}},
		{"workflow cycle", Request{Message: "hi", UserID: "u1",
			Pattern: models.PatternWorkflow,
			Workflow: &Workflow{Steps: []WorkflowStep{
				{ID: "a", AgentID: "amy_cfo", DependsOn: []string{"b"}},
				{ID: "b", AgentID: "sam_cto", DependsOn: []string{"a"}},
			}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.orch.Orchestrate(context.Background(), tc.req)
			if err != nil {
				t.Fatal(err)
			}
			if res.Kind != KindInvalidInput {
				t.Errorf("kind = %s, want invalid_input (%s)", res.Kind, res.Reason)
			}
		})
	}
}

func TestRoundRobinTerminator(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{
			{Text: "initial take on the budget"},
			{Text: "counterpoint on the plan"},
			{Text: "agreed, closing this out. TERMINATE"},
		},
	})

	res, err := f.orch.Orchestrate(context.Background(), Request{
		Message:      "review the budget plan",
		UserID:       "u1",
		Pattern:      models.PatternRoundRobin,
		Participants: []string{"amy_cfo", "sam_cto", "vera_ciso"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindOK {
		t.Fatalf("kind = %s (%s)", res.Kind, res.Reason)
	}
	if len(res.Turns) != 3 {
		t.Fatalf("turns = %d, want 3", len(res.Turns))
	}
	if strings.Contains(res.FinalText, "TERMINATE") {
		t.Errorf("terminator leaked into final text: %q", res.FinalText)
	}

	// Speakers must rotate: three turns, three distinct agents.
	seen := map[string]bool{}
	for _, tn := range res.Turns {
		seen[tn.AgentID] = true
	}
	if len(seen) != 3 {
		t.Errorf("rotation broke: speakers %v", seen)
	}
}

func TestRoundRobinMaxTurns(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{{Text: "still discussing the budget"}},
		config: Config{MaxTurns: 4},
	})

	res, err := f.orch.Orchestrate(context.Background(), Request{
		Message:      "discuss the budget",
		UserID:       "u1",
		Pattern:      models.PatternRoundRobin,
		Participants: []string{"amy_cfo", "sam_cto"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindOK {
		t.Fatalf("kind = %s", res.Kind)
	}
	if len(res.Turns) != 4 {
		t.Errorf("turns = %d, want max 4", len(res.Turns))
	}
}

func TestRoundRobinGroupOfOne(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{{Text: "monologue on the budget"}},
		config: Config{MaxTurns: 4},
	})

	res, err := f.orch.Orchestrate(context.Background(), Request{
		Message:      "discuss the budget",
		UserID:       "u1",
		Pattern:      models.PatternRoundRobin,
		Participants: []string{"amy_cfo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindOK {
		t.Fatalf("kind = %s (%s)", res.Kind, res.Reason)
	}
	// A group of one behaves like single_agent: one turn, then done.
	if len(res.Turns) != 1 || res.Turns[0].AgentID != "amy_cfo" {
		t.Fatalf("turns = %+v", res.Turns)
	}
	if res.Conversation.Status != models.ConversationCompleted {
		t.Errorf("status = %s", res.Conversation.Status)
	}
}

func TestFinalFrameClosesConversationStream(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{{Text: "all wrapped up"}},
	})

	convID := "conv-stream-close"
	sub := f.hub.Subscribe(streaming.ConversationTopic(convID))
	defer sub.Close()

	res, err := f.orch.Orchestrate(context.Background(), Request{
		Message:        "wrap this up",
		UserID:         "u1",
		AgentID:        "amy_cfo",
		ConversationID: convID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindOK {
		t.Fatalf("kind = %s (%s)", res.Kind, res.Reason)
	}

	var frames []streaming.Message
	for {
		select {
		case m := <-sub.C:
			frames = append(frames, m)
		case <-time.After(time.Second):
			t.Fatalf("no final frame, got %d frames", len(frames))
		}
		if frames[len(frames)-1].Kind == streaming.KindFinal {
			break
		}
	}

	final := frames[len(frames)-1]
	if final.Status != string(models.ConversationCompleted) {
		t.Errorf("final status = %q", final.Status)
	}
	for _, m := range frames[:len(frames)-1] {
		if m.Kind == streaming.KindFinal {
			t.Fatal("duplicate final frame")
		}
		if m.Seq >= final.Seq {
			t.Errorf("frame seq %d not below final seq %d", m.Seq, final.Seq)
		}
	}
	if len(frames) < 2 {
		t.Errorf("expected conversation events before the final frame, got %d frames", len(frames))
	}
}

func TestSwarmConvergence(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{
			{Text: "DECISION: reduce cloud spend by 20 percent"},
			{Text: "nothing further from me"},
			{Text: "no objections"},
		},
	})

	res, err := f.orch.Orchestrate(context.Background(), Request{
		Message:      "should we cut the budget or invest in security",
		UserID:       "u1",
		Pattern:      models.PatternSwarm,
		Participants: []string{"amy_cfo", "sam_cto", "vera_ciso"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindOK {
		t.Fatalf("kind = %s (%s)", res.Kind, res.Reason)
	}
	// One decisive turn, then two quiet turns trigger convergence.
	if len(res.Turns) != 3 {
		t.Errorf("turns = %d, want 3", len(res.Turns))
	}
	if res.Conversation.Status != models.ConversationCompleted {
		t.Errorf("status = %s", res.Conversation.Status)
	}
}

func TestWorkflowStagesAndJoin(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{{Text: "step output"}},
	})

	res, err := f.orch.Orchestrate(context.Background(), Request{
		Message: "produce the quarterly review",
		UserID:  "u1",
		Pattern: models.PatternWorkflow,
		Workflow: &Workflow{Steps: []WorkflowStep{
			{ID: "research", AgentID: "amy_cfo"},
			{ID: "assess", AgentID: "vera_ciso", DependsOn: []string{"research"}},
			{ID: "plan", AgentID: "sam_cto", DependsOn: []string{"research"}},
			{ID: "summary", AgentID: "amy_cfo", DependsOn: []string{"assess", "plan"}},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindOK {
		t.Fatalf("kind = %s (%s)", res.Kind, res.Reason)
	}
	if len(res.Turns) != 4 {
		t.Fatalf("turns = %d, want 4", len(res.Turns))
	}
	// Turn seqs stay dense despite the parallel middle stage.
	for i, tn := range res.Turns {
		if tn.Seq != i+1 {
			t.Errorf("seq[%d] = %d", i, tn.Seq)
		}
	}

	// The summary step must have received its dependencies' outputs.
	last := f.mock.Requests[len(f.mock.Requests)-1]
	prompt := last.Messages[len(last.Messages)-1].Content
	if !strings.Contains(prompt, "Inputs from earlier steps:") {
		t.Errorf("fan-in prompt missing dependency outputs: %q", prompt)
	}

	types := f.eventTypes()
	if !hasEvent(types, observability.EventWorkflowStart) ||
		!hasEvent(types, observability.EventWorkflowStep) ||
		!hasEvent(types, observability.EventWorkflowEnd) {
		t.Errorf("missing workflow events: %v", types)
	}
}

func TestWorkflowConditionalEdgeSkips(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{{Text: "all clear, nothing unusual"}},
	})

	res, err := f.orch.Orchestrate(context.Background(), Request{
		Message: "triage the incident report",
		UserID:  "u1",
		Pattern: models.PatternWorkflow,
		Workflow: &Workflow{Steps: []WorkflowStep{
			{ID: "triage", AgentID: "vera_ciso"},
			{ID: "escalate", AgentID: "sam_cto", DependsOn: []string{"triage"},
				OnlyIf: &StepCondition{StepID: "triage", Contains: "ESCALATE"}},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindOK {
		t.Fatalf("kind = %s", res.Kind)
	}
	if len(res.Turns) != 1 {
		t.Errorf("turns = %d, conditional step should have been skipped", len(res.Turns))
	}

	var skipped bool
	for _, e := range f.snapshot() {
		if e.Type == observability.EventWorkflowStep && e.Data["status"] == "skipped" {
			skipped = true
		}
	}
	if !skipped {
		t.Error("no skipped workflow.step event")
	}
}

func TestHITLGateAndResume(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{{Text: "approved work done"}},
		flags:  []*flags.Flag{{Name: HITLFlag, Enabled: true, Strategy: flags.StrategyOn}},
	})
	ctx := context.Background()

	res, err := f.orch.Orchestrate(ctx, Request{
		Message: "wire the payment",
		UserID:  "u1",
		AgentID: "amy_cfo",
		Context: map[string]any{"requiresApproval": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindApprovalRequired || res.Approval == nil {
		t.Fatalf("kind = %s, approval = %v", res.Kind, res.Approval)
	}
	if res.Conversation.Status != models.ConversationAwaitingApproval {
		t.Errorf("status = %s", res.Conversation.Status)
	}
	if f.mock.Calls() != 0 {
		t.Error("a turn ran before approval")
	}

	// Resuming while still pending holds again.
	pending, err := f.orch.Orchestrate(ctx, Request{ApprovalID: res.Approval.ID})
	if err != nil {
		t.Fatal(err)
	}
	if pending.Kind != KindApprovalRequired {
		t.Errorf("pending resume kind = %s", pending.Kind)
	}

	if _, err := f.orch.ResolveApproval(ctx, res.Approval.ID, true); err != nil {
		t.Fatal(err)
	}
	resumed, err := f.orch.Orchestrate(ctx, Request{ApprovalID: res.Approval.ID})
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Kind != KindOK {
		t.Fatalf("resumed kind = %s (%s)", resumed.Kind, resumed.Reason)
	}
	if resumed.FinalText != "approved work done" {
		t.Errorf("final = %q", resumed.FinalText)
	}
	// The original message survives the gate round-trip.
	if got := f.mock.Requests[0].Messages[0].Content; got != "wire the payment" {
		t.Errorf("resumed message = %q", got)
	}

	types := f.eventTypes()
	if !hasEvent(types, observability.EventHITLRequired) || !hasEvent(types, observability.EventHITLGranted) {
		t.Errorf("missing HITL events: %v", types)
	}
}

func TestHITLDenied(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		flags: []*flags.Flag{{Name: HITLFlag, Enabled: true, Strategy: flags.StrategyOn}},
	})
	ctx := context.Background()

	res, err := f.orch.Orchestrate(ctx, Request{
		Message: "delete all production data",
		UserID:  "u1",
		AgentID: "sam_cto",
		Context: map[string]any{"requiresApproval": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.ResolveApproval(ctx, res.Approval.ID, false); err != nil {
		t.Fatal(err)
	}

	denied, err := f.orch.Orchestrate(ctx, Request{ApprovalID: res.Approval.ID})
	if err != nil {
		t.Fatal(err)
	}
	if denied.Kind != KindCancelled {
		t.Errorf("kind = %s", denied.Kind)
	}
	if denied.Conversation.Status != models.ConversationFailed {
		t.Errorf("status = %s", denied.Conversation.Status)
	}
	if f.mock.Calls() != 0 {
		t.Error("denied conversation still ran a turn")
	}

	// Settled approvals cannot be flipped.
	if _, err := f.orch.ResolveApproval(ctx, res.Approval.ID, true); err == nil {
		t.Error("re-resolving a settled approval succeeded")
	}
}

func TestHITLFlagOffSkipsGate(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{{Text: "done"}},
	})

	res, err := f.orch.Orchestrate(context.Background(), Request{
		Message: "wire the payment",
		UserID:  "u1",
		AgentID: "amy_cfo",
		Context: map[string]any{"requiresApproval": true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindOK {
		t.Errorf("kind = %s, gate should be flag-gated off", res.Kind)
	}
}

func TestCircuitOpenOutcome(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{{Text: "never"}},
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.brk.RecordFailure(ctx)
	}

	res, err := f.orch.Orchestrate(ctx, Request{
		Message: "hello",
		UserID:  "u1",
		AgentID: "amy_cfo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindCircuitOpen {
		t.Fatalf("kind = %s", res.Kind)
	}
	if res.Conversation.Status != models.ConversationPaused {
		t.Errorf("status = %s", res.Conversation.Status)
	}
}

func TestBudgetExceededPausesLoop(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{{Text: strings.Repeat("expensive words ", 40)}},
		limits: costledger.Limits{DailyUSD: decimal.RequireFromString("0.00001")},
		config: Config{MaxTurns: 6},
	})

	res, err := f.orch.Orchestrate(context.Background(), Request{
		Message:      "talk at length",
		UserID:       "u1",
		Pattern:      models.PatternRoundRobin,
		Participants: []string{"amy_cfo", "sam_cto"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindBudgetExceeded {
		t.Fatalf("kind = %s (%s)", res.Kind, res.Reason)
	}
	// The overspending turn itself completed and is kept.
	if len(res.Turns) != 1 {
		t.Errorf("turns = %d, want 1", len(res.Turns))
	}
	if res.Conversation.Status != models.ConversationPaused {
		t.Errorf("status = %s", res.Conversation.Status)
	}
}

func TestCancelledBetweenTurns(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{{Text: "partial"}},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orch.Orchestrate(ctx, Request{
		Message: "hello",
		UserID:  "u1",
		AgentID: "amy_cfo",
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindCancelled {
		t.Fatalf("kind = %s", res.Kind)
	}
	if res.Conversation.Status != models.ConversationPaused {
		t.Errorf("status = %s", res.Conversation.Status)
	}
}

func TestConversationContinuation(t *testing.T) {
	f := newFixture(t, fixtureOpts{
		script: []modelclient.MockTurn{{Text: "first answer"}, {Text: "second answer"}},
	})
	ctx := context.Background()

	first, err := f.orch.Orchestrate(ctx, Request{
		Message: "first question about the budget",
		UserID:  "u1",
		AgentID: "amy_cfo",
	})
	if err != nil {
		t.Fatal(err)
	}

	second, err := f.orch.Orchestrate(ctx, Request{
		Message:        "follow up question",
		UserID:         "u1",
		AgentID:        "amy_cfo",
		ConversationID: first.Conversation.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.Kind != KindOK {
		t.Fatalf("kind = %s (%s)", second.Kind, second.Reason)
	}
	if second.Conversation.TurnCount != 2 {
		t.Errorf("turn count = %d", second.Conversation.TurnCount)
	}
	// The second request's model call sees the first exchange.
	req := f.mock.Requests[1]
	var sawHistory bool
	for _, m := range req.Messages {
		if m.Role == modelclient.RoleAssistant && m.Content == "first answer" {
			sawHistory = true
		}
	}
	if !sawHistory {
		t.Error("continuation request missing history")
	}
}
