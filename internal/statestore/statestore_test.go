package statestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orchlabs/orch/pkg/models"
)

func TestSaveConversationVersioning(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	conv := &models.Conversation{ID: "c1", UserID: "u1", Status: models.ConversationActive}
	if err := store.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if conv.Version != 1 {
		t.Fatalf("version = %d, want 1", conv.Version)
	}

	// Save again from the fresh copy succeeds.
	if err := store.SaveConversation(ctx, conv); err != nil {
		t.Fatalf("second save: %v", err)
	}

	// A writer holding a stale version must get ErrConflict.
	stale := &models.Conversation{ID: "c1", Version: 1}
	err := store.SaveConversation(ctx, stale)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("stale save err = %v, want ErrConflict", err)
	}
}

func TestAppendTurnDenseSeq(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	t1 := &models.Turn{ID: "t1", ConversationID: "c1", Seq: 1, AgentID: "amy_cfo"}
	if err := store.AppendTurn(ctx, t1); err != nil {
		t.Fatalf("seq 1: %v", err)
	}

	// A gap or repeat must be rejected.
	if err := store.AppendTurn(ctx, &models.Turn{ID: "t3", ConversationID: "c1", Seq: 3}); !errors.Is(err, ErrConflict) {
		t.Fatalf("gap seq err = %v, want ErrConflict", err)
	}
	if err := store.AppendTurn(ctx, &models.Turn{ID: "t1b", ConversationID: "c1", Seq: 1}); !errors.Is(err, ErrConflict) {
		t.Fatalf("repeat seq err = %v, want ErrConflict", err)
	}

	if err := store.AppendTurn(ctx, &models.Turn{ID: "t2", ConversationID: "c1", Seq: 2}); err != nil {
		t.Fatalf("seq 2: %v", err)
	}

	turns, err := store.ListTurns(ctx, "c1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != i+1 {
			t.Errorf("turns[%d].Seq = %d, want %d", i, turn.Seq, i+1)
		}
	}
}

func TestAddCostAggregates(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	rec := func(conv string, usd string, tokens int64) *models.CostRecord {
		return &models.CostRecord{
			ConversationID: conv,
			TotalCostUSD:   decimal.RequireFromString(usd),
			InputTokens:    tokens / 2,
			OutputTokens:   tokens - tokens/2,
			CreatedAt:      now,
		}
	}

	if _, err := store.AddCost(ctx, rec("c1", "0.012345", 1000)); err != nil {
		t.Fatal(err)
	}
	total, err := store.AddCost(ctx, rec("c2", "0.007655", 500))
	if err != nil {
		t.Fatal(err)
	}
	if got := total.String(); got != "0.02" {
		t.Errorf("daily total = %s, want 0.02", got)
	}

	agg, err := store.DailyCost(ctx, "2026-08-24")
	if err != nil {
		t.Fatal(err)
	}
	if agg.Turns != 2 || agg.Tokens != 1500 {
		t.Errorf("agg = %+v, want 2 turns / 1500 tokens", agg)
	}

	c1, err := store.ConversationCost(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got := c1.String(); got != "0.012345" {
		t.Errorf("c1 cost = %s, want 0.012345", got)
	}

	// Unknown scopes read as zero, not errors.
	zero, err := store.ConversationCost(ctx, "nope")
	if err != nil || !zero.IsZero() {
		t.Errorf("unknown conv = %v, %v; want 0, nil", zero, err)
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	store := NewMemory()
	ctx := context.Background()

	req := &models.ApprovalRequest{
		ID:             "ap1",
		ConversationID: "c1",
		Action:         "wire_transfer",
		Status:         models.ApprovalPending,
	}
	if err := store.SaveApproval(ctx, req); err != nil {
		t.Fatal(err)
	}
	got, err := store.GetApproval(ctx, "ap1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.ApprovalPending || got.Action != "wire_transfer" {
		t.Errorf("got %+v", got)
	}

	if _, err := store.GetApproval(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing approval err = %v, want ErrNotFound", err)
	}
}

func TestTransientInjection(t *testing.T) {
	store := NewMemory()
	store.FailNext = true
	err := store.AppendTurn(context.Background(), &models.Turn{ConversationID: "c1", Seq: 1})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("err = %v, want ErrTransient", err)
	}
	// The failure is one-shot.
	if err := store.AppendTurn(context.Background(), &models.Turn{ConversationID: "c1", Seq: 1}); err != nil {
		t.Fatalf("second attempt: %v", err)
	}
}

func TestMicroRoundTrip(t *testing.T) {
	cases := []string{"0", "0.000001", "0.001", "1.5", "12.345678"}
	for _, c := range cases {
		d := decimal.RequireFromString(c)
		if got := fromMicro(micro(d)); !got.Equal(d) {
			t.Errorf("round trip %s -> %s", c, got)
		}
	}
}
