package modelclient

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/orchlabs/orch/pkg/models"
)

func TestMockStreamsAndCounts(t *testing.T) {
	m := NewMock(MockTurn{Text: "the runway is eighteen months"})
	var chunks []string
	resp, err := m.Complete(context.Background(), Request{
		Model:        "gpt-4o-mini",
		SystemPrompt: "You are Amy.",
		Messages:     []Message{{Role: RoleUser, Content: "how long is the runway"}},
	}, func(text string) { chunks = append(chunks, text) })
	if err != nil {
		t.Fatal(err)
	}
	if resp.Text != "the runway is eighteen months" {
		t.Errorf("text = %q", resp.Text)
	}
	if joined := strings.Join(chunks, ""); joined != resp.Text {
		t.Errorf("chunks %q != text %q", joined, resp.Text)
	}
	if resp.OutputTokens != 5 {
		t.Errorf("output tokens = %d, want 5", resp.OutputTokens)
	}
	if resp.InputTokens != 8 {
		t.Errorf("input tokens = %d, want 8 (3 system + 5 user)", resp.InputTokens)
	}
}

func TestMockScriptReplay(t *testing.T) {
	m := NewMock(
		MockTurn{Text: "first"},
		MockTurn{Text: "second", ToolCalls: []models.ToolCall{{
			ID:       "call_1",
			Function: models.FunctionCall{Name: "calculator", Arguments: `{"expr":"1+1"}`},
		}}},
	)
	ctx := context.Background()
	req := Request{Messages: []Message{{Role: RoleUser, Content: "go"}}}

	r1, _ := m.Complete(ctx, req, nil)
	r2, _ := m.Complete(ctx, req, nil)
	r3, _ := m.Complete(ctx, req, nil)
	if r1.Text != "first" || r2.Text != "second" || r3.Text != "second" {
		t.Errorf("replay = %q, %q, %q", r1.Text, r2.Text, r3.Text)
	}
	if len(r2.ToolCalls) != 1 || r2.ToolCalls[0].Function.Name != "calculator" {
		t.Errorf("tool calls = %v", r2.ToolCalls)
	}
	if m.Calls() != 3 {
		t.Errorf("calls = %d", m.Calls())
	}
}

func TestMockCancellation(t *testing.T) {
	m := NewMock(MockTurn{Text: "a b c"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Complete(ctx, Request{}, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRetryableClassification(t *testing.T) {
	if Retryable(nil) {
		t.Error("nil is not retryable")
	}
	if Retryable(context.Canceled) {
		t.Error("cancellation is not retryable")
	}
	if Retryable(errors.Join(ErrNotRetryable, errors.New("bad auth"))) {
		t.Error("ErrNotRetryable must fail fast")
	}
	if !Retryable(errors.New("connection reset")) {
		t.Error("generic transport errors are retryable")
	}
}

func TestRegistryRoutesByModelName(t *testing.T) {
	oa := NewMock()
	// The registry keys on Provider(); wrap mocks to impersonate both.
	reg := NewRegistry(providerMock{oa, ProviderOpenAI}, providerMock{NewMock(), ProviderAnthropic})

	c, err := reg.ForModel("claude-sonnet-4-5")
	if err != nil {
		t.Fatal(err)
	}
	if c.Provider() != ProviderAnthropic {
		t.Errorf("claude model routed to %s", c.Provider())
	}
	c, err = reg.ForModel("gpt-4o-mini")
	if err != nil {
		t.Fatal(err)
	}
	if c.Provider() != ProviderOpenAI {
		t.Errorf("gpt model routed to %s", c.Provider())
	}

	// A single registered client serves everything.
	solo := NewRegistry(providerMock{NewMock(), ProviderOpenAI})
	if _, err := solo.ForModel("claude-sonnet-4-5"); err != nil {
		t.Errorf("single-client fallback failed: %v", err)
	}
}

type providerMock struct {
	*Mock
	provider string
}

func (p providerMock) Provider() string { return p.provider }
