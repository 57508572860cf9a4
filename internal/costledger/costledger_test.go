package costledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/internal/statestore"
	"github.com/orchlabs/orch/pkg/models"
)

func testPricing() []models.PricingEntry {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cutover := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	return []models.PricingEntry{
		{
			Provider:      "openai",
			Model:         "gpt-4o-mini",
			InputPer1K:    decimal.RequireFromString("0.00015"),
			OutputPer1K:   decimal.RequireFromString("0.0006"),
			EffectiveFrom: from,
			EffectiveTo:   &cutover,
		},
		{
			Provider:      "openai",
			Model:         "gpt-4o-mini",
			InputPer1K:    decimal.RequireFromString("0.0003"),
			OutputPer1K:   decimal.RequireFromString("0.0012"),
			EffectiveFrom: cutover,
		},
	}
}

func newTestLedger(limits Limits) (*Ledger, *statestore.MemoryStore, *[]observability.Event) {
	store := statestore.NewMemory()
	recorder := observability.NewRecorder(nil)
	var events []observability.Event
	recorder.AddSink(observability.SinkFunc(func(_ context.Context, e observability.Event) {
		events = append(events, e)
	}))
	l := New(store, testPricing(), limits, recorder, nil, nil)
	return l, store, &events
}

func TestPriceUsesActiveWindow(t *testing.T) {
	l, _, _ := newTestLedger(Limits{})
	ctx := context.Background()

	// Before the cutover the old rates apply.
	_, _, old := l.Price(ctx, "openai", "gpt-4o-mini", 1000, 1000, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	if got := old.String(); got != "0.00075" {
		t.Errorf("pre-cutover total = %s, want 0.00075", got)
	}

	// After the cutover the new rates apply: historical prices are
	// reproducible because old rows are never mutated.
	_, _, cur := l.Price(ctx, "openai", "gpt-4o-mini", 1000, 1000, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	if got := cur.String(); got != "0.0015" {
		t.Errorf("post-cutover total = %s, want 0.0015", got)
	}
}

func TestPriceFallbackEmitsEvent(t *testing.T) {
	l, _, events := newTestLedger(Limits{})
	ctx := context.Background()

	_, _, total := l.Price(ctx, "openai", "unknown-model", 2000, 1000, time.Now())
	// 2000 * 0.001/1K + 1000 * 0.002/1K = 0.004
	if got := total.String(); got != "0.004" {
		t.Errorf("fallback total = %s, want 0.004", got)
	}

	found := false
	for _, e := range *events {
		if e.Type == observability.EventPricingFallback {
			found = true
			if e.Data["model"] != "unknown-model" {
				t.Errorf("fallback event model = %v", e.Data["model"])
			}
		}
	}
	if !found {
		t.Error("expected pricing_fallback event")
	}
}

func TestClassifyThresholds(t *testing.T) {
	l, _, _ := newTestLedger(Limits{DailyUSD: decimal.NewFromInt(10)})
	limit := decimal.NewFromInt(10)

	cases := []struct {
		total string
		want  models.BudgetStatus
	}{
		{"0", models.BudgetHealthy},
		{"7.49", models.BudgetHealthy},
		{"7.50", models.BudgetWarning},
		{"8.99", models.BudgetWarning},
		{"9.00", models.BudgetCritical},
		{"9.99", models.BudgetCritical},
		{"10.00", models.BudgetExceeded},
		{"15.00", models.BudgetExceeded},
	}
	for _, c := range cases {
		got := l.Classify(decimal.RequireFromString(c.total), limit)
		if got != c.want {
			t.Errorf("Classify(%s) = %s, want %s", c.total, got, c.want)
		}
	}

	// Zero limit means unlimited.
	if got := l.Classify(decimal.NewFromInt(999), decimal.Zero); got != models.BudgetHealthy {
		t.Errorf("zero limit = %s, want healthy", got)
	}
}

func TestRecordTurnBudgetDegradation(t *testing.T) {
	l, _, events := newTestLedger(Limits{
		DailyUSD:        decimal.RequireFromString("0.005"),
		ConversationUSD: decimal.RequireFromString("1.00"),
	})
	ctx := context.Background()

	turn := &models.Turn{
		ID:             "t1",
		ConversationID: "c1",
		AgentID:        "amy_cfo",
		ModelID:        "gpt-4o-mini",
		InputTokens:    1000,
		OutputTokens:   1000,
	}
	l.nowFn = func() time.Time { return time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC) }

	// 0.0015 per call against a 0.005 daily limit: the fourth call
	// crosses the limit.
	var last *TurnCharge
	for i := 0; i < 4; i++ {
		charge, err := l.RecordTurn(ctx, turn, "openai")
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		last = charge
	}
	if last.Daily.Status != models.BudgetExceeded {
		t.Fatalf("daily status = %s, want exceeded (total %s)", last.Daily.Status, last.Daily.TotalCostUSD)
	}

	var exceeded, tracked int
	for _, e := range *events {
		switch e.Type {
		case observability.EventBudgetExceeded:
			exceeded++
		case observability.EventCostTracked:
			tracked++
		}
	}
	if tracked != 4 {
		t.Errorf("cost.tracked events = %d, want 4", tracked)
	}
	if exceeded == 0 {
		t.Error("expected at least one budget.exceeded event")
	}
}

func TestConversationAnalytics(t *testing.T) {
	l, store, _ := newTestLedger(Limits{ConversationUSD: decimal.NewFromInt(1)})
	ctx := context.Background()

	turns := []*models.Turn{
		{ID: "t1", ConversationID: "c1", Seq: 1, AgentID: "amy_cfo", ModelID: "gpt-4o-mini", CostUSD: decimal.RequireFromString("0.01"), InputTokens: 500, OutputTokens: 500},
		{ID: "t2", ConversationID: "c1", Seq: 2, AgentID: "sam_ciso", ModelID: "gpt-4o-mini", CostUSD: decimal.RequireFromString("0.03"), InputTokens: 700, OutputTokens: 300},
		{ID: "t3", ConversationID: "c1", Seq: 3, AgentID: "amy_cfo", ModelID: "gpt-4o-mini", CostUSD: decimal.RequireFromString("0.02"), InputTokens: 600, OutputTokens: 400},
	}
	for _, turn := range turns {
		if err := store.AppendTurn(ctx, turn); err != nil {
			t.Fatal(err)
		}
	}

	a, err := l.ConversationAnalytics(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got := a.TotalCostUSD.String(); got != "0.06" {
		t.Errorf("total = %s, want 0.06", got)
	}
	if a.Turns != 3 || a.TotalTokens != 3000 {
		t.Errorf("turns/tokens = %d/%d, want 3/3000", a.Turns, a.TotalTokens)
	}
	if got := a.AvgCostPerTurn.String(); got != "0.02" {
		t.Errorf("avg cost per turn = %s, want 0.02", got)
	}
	if got := a.ByAgent["amy_cfo"].String(); got != "0.03" {
		t.Errorf("amy_cfo spend = %s, want 0.03", got)
	}
	if got := a.ByModel["gpt-4o-mini"].String(); got != "0.06" {
		t.Errorf("model spend = %s, want 0.06", got)
	}
	if a.EfficiencyScore <= 0 || a.EfficiencyScore > 1 {
		t.Errorf("efficiency = %f, want (0,1]", a.EfficiencyScore)
	}
	if a.Trend != TrendStable {
		t.Errorf("trend = %s, want stable for 3 turns", a.Trend)
	}
}

func TestCostTrend(t *testing.T) {
	mk := func(costs ...string) []*models.Turn {
		turns := make([]*models.Turn, len(costs))
		for i, c := range costs {
			turns[i] = &models.Turn{Seq: i + 1, CostUSD: decimal.RequireFromString(c)}
		}
		return turns
	}
	if got := costTrend(mk("0.01", "0.01", "0.03", "0.03")); got != TrendIncreasing {
		t.Errorf("rising trend = %s", got)
	}
	if got := costTrend(mk("0.03", "0.03", "0.01", "0.01")); got != TrendDecreasing {
		t.Errorf("falling trend = %s", got)
	}
	if got := costTrend(mk("0.02", "0.02", "0.02", "0.02")); got != TrendStable {
		t.Errorf("flat trend = %s", got)
	}
	if got := costTrend(mk("0.01", "0.09")); got != TrendStable {
		t.Errorf("short history trend = %s, want stable", got)
	}
}

func TestTurnEfficiencyClamped(t *testing.T) {
	turn := &models.Turn{
		InputTokens:  1000,
		OutputTokens: 10000,
		OutputText:   string(make([]byte, 5000)),
		CostUSD:      decimal.RequireFromString("2"),
	}
	// Both the balance and volume signals exceed 1 and must clamp.
	if got := TurnEfficiency(turn, models.TierCheap); got != 1.0 {
		t.Errorf("efficiency = %f, want 1.0", got)
	}
	if got := TurnEfficiency(&models.Turn{}, models.TierPremium); got <= 0 || got > 1 {
		t.Errorf("empty turn efficiency = %f, want (0,1]", got)
	}
}
