// Package costledger prices turns, accumulates spend, and classifies
// budget state.
//
// All money is fixed-point decimal quantized to 6 fractional digits;
// floats never touch a price. The pricing table is append-only: price
// changes are new rows with effective windows, so historical records
// stay reproducible.
package costledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/internal/statestore"
	"github.com/orchlabs/orch/pkg/models"
)

// Quantization: 6 fractional digits, round half up.
const moneyPlaces = 6

// Fallback per-1K rates used when no pricing row matches. Conservative
// on purpose so unknown models never undercount spend.
var (
	fallbackInputPer1K  = decimal.RequireFromString("0.001")
	fallbackOutputPer1K = decimal.RequireFromString("0.002")
	per1K               = decimal.NewFromInt(1000)
)

// Limits are the budget caps the ledger classifies against.
type Limits struct {
	// DailyUSD caps the process-wide daily spend.
	DailyUSD decimal.Decimal

	// ConversationUSD caps one conversation's spend.
	ConversationUSD decimal.Decimal

	// WarningRatio and CriticalRatio are the classification thresholds.
	WarningRatio  float64
	CriticalRatio float64
}

// Ledger prices turns and tracks spend against budgets.
type Ledger struct {
	store    statestore.Store
	recorder *observability.Recorder
	metrics  *observability.Metrics
	logger   *observability.Logger
	limits   Limits

	mu      sync.RWMutex
	pricing []models.PricingEntry

	nowFn func() time.Time
}

// New creates a ledger over the given store with an initial pricing
// table. Recorder and metrics may be nil.
func New(store statestore.Store, pricing []models.PricingEntry, limits Limits, recorder *observability.Recorder, metrics *observability.Metrics, logger *observability.Logger) *Ledger {
	if logger == nil {
		logger = observability.NopLogger()
	}
	if recorder == nil {
		recorder = observability.NewRecorder(logger)
	}
	if limits.WarningRatio <= 0 {
		limits.WarningRatio = 0.75
	}
	if limits.CriticalRatio <= 0 {
		limits.CriticalRatio = 0.90
	}
	l := &Ledger{
		store:    store,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
		limits:   limits,
		nowFn:    time.Now,
	}
	l.AddPricing(pricing...)
	return l
}

// AddPricing appends rows to the pricing table. Existing rows are never
// mutated or removed.
func (l *Ledger) AddPricing(entries ...models.PricingEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pricing = append(l.pricing, entries...)
	// Newest effective window first so lookup picks the latest match.
	sort.SliceStable(l.pricing, func(i, j int) bool {
		return l.pricing[i].EffectiveFrom.After(l.pricing[j].EffectiveFrom)
	})
}

// activeEntry finds the pricing row for (provider, model) active at t.
func (l *Ledger) activeEntry(provider, model string, t time.Time) (models.PricingEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, e := range l.pricing {
		if e.Provider == provider && e.Model == model && e.ActiveAt(t) {
			return e, true
		}
	}
	return models.PricingEntry{}, false
}

// Price computes the cost of a turn at time t. When no pricing row
// matches, fallback rates apply and a pricing_fallback event is
// recorded so the gap is visible.
func (l *Ledger) Price(ctx context.Context, provider, model string, inputTokens, outputTokens int64, t time.Time) (inCost, outCost, total decimal.Decimal) {
	entry, ok := l.activeEntry(provider, model, t)
	inRate, outRate := entry.InputPer1K, entry.OutputPer1K
	perReq := entry.PerRequest
	if !ok {
		inRate, outRate = fallbackInputPer1K, fallbackOutputPer1K
		perReq = decimal.Zero
		l.recorder.Record(ctx, observability.EventPricingFallback, map[string]any{
			"provider": provider,
			"model":    model,
		})
		l.logger.Warn(ctx, "no pricing entry, using fallback rates", "provider", provider, "model", model)
	}

	inCost = decimal.NewFromInt(inputTokens).Mul(inRate).Div(per1K).Round(moneyPlaces)
	outCost = decimal.NewFromInt(outputTokens).Mul(outRate).Div(per1K).Round(moneyPlaces)
	total = inCost.Add(outCost).Add(perReq).Round(moneyPlaces)
	return inCost, outCost, total
}

// TurnCharge is the outcome of recording one turn's cost.
type TurnCharge struct {
	Record *models.CostRecord

	// Daily and Conversation are the post-write budget states.
	Daily        models.BudgetState
	Conversation models.BudgetState
}

// RecordTurn prices the turn, appends the audit record, updates the
// aggregates, and classifies both budget scopes. Budget events
// (budget.warning, budget.exceeded) are emitted on state degradation.
func (l *Ledger) RecordTurn(ctx context.Context, turn *models.Turn, provider string) (*TurnCharge, error) {
	now := l.nowFn().UTC()
	inCost, outCost, total := l.Price(ctx, provider, turn.ModelID, turn.InputTokens, turn.OutputTokens, now)

	rec := &models.CostRecord{
		ID:             uuid.NewString(),
		ConversationID: turn.ConversationID,
		TurnID:         turn.ID,
		Provider:       provider,
		Model:          turn.ModelID,
		AgentID:        turn.AgentID,
		InputTokens:    turn.InputTokens,
		OutputTokens:   turn.OutputTokens,
		InputCostUSD:   inCost,
		OutputCostUSD:  outCost,
		TotalCostUSD:   total,
		CreatedAt:      now,
	}

	dailyTotal, err := l.store.AddCost(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("record turn cost: %w", err)
	}
	convTotal, err := l.store.ConversationCost(ctx, turn.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("read conversation cost: %w", err)
	}

	charge := &TurnCharge{
		Record: rec,
		Daily: models.BudgetState{
			ScopeKey:     "daily:" + now.Format("2006-01-02"),
			TotalCostUSD: dailyTotal,
			LimitUSD:     l.limits.DailyUSD,
			Status:       l.Classify(dailyTotal, l.limits.DailyUSD),
		},
		Conversation: models.BudgetState{
			ScopeKey:     "conv:" + turn.ConversationID,
			TotalCostUSD: convTotal,
			LimitUSD:     l.limits.ConversationUSD,
			Status:       l.Classify(convTotal, l.limits.ConversationUSD),
		},
	}

	l.recorder.Record(ctx, observability.EventCostTracked, map[string]any{
		"cost_usd":      total.String(),
		"input_tokens":  turn.InputTokens,
		"output_tokens": turn.OutputTokens,
		"model":         turn.ModelID,
	})
	l.emitBudget(ctx, charge.Daily)
	l.emitBudget(ctx, charge.Conversation)

	if l.metrics != nil {
		f, _ := total.Float64()
		l.metrics.CostPerTurn.WithLabelValues(turn.ModelID).Observe(f)
		if !l.limits.DailyUSD.IsZero() {
			remaining, _ := l.limits.DailyUSD.Sub(dailyTotal).Float64()
			l.metrics.BudgetRemaining.WithLabelValues("daily").Set(remaining)
		}
	}
	return charge, nil
}

// emitBudget records warning or exceeded events for a degraded scope.
func (l *Ledger) emitBudget(ctx context.Context, state models.BudgetState) {
	data := map[string]any{
		"scope":  state.ScopeKey,
		"total":  state.TotalCostUSD.String(),
		"limit":  state.LimitUSD.String(),
		"status": string(state.Status),
	}
	switch state.Status {
	case models.BudgetWarning, models.BudgetCritical:
		l.recorder.Record(ctx, observability.EventBudgetWarning, data)
	case models.BudgetExceeded:
		l.recorder.Record(ctx, observability.EventBudgetExceeded, data)
		l.logger.Warn(ctx, "budget exceeded", "scope", state.ScopeKey, "total", state.TotalCostUSD.String())
	}
}

// Classify maps spend against a limit to a budget status. A zero limit
// means unlimited and always reads healthy.
func (l *Ledger) Classify(total, limit decimal.Decimal) models.BudgetStatus {
	if limit.IsZero() {
		return models.BudgetHealthy
	}
	ratio, _ := total.Div(limit).Float64()
	switch {
	case ratio >= 1.0:
		return models.BudgetExceeded
	case ratio >= l.limits.CriticalRatio:
		return models.BudgetCritical
	case ratio >= l.limits.WarningRatio:
		return models.BudgetWarning
	default:
		return models.BudgetHealthy
	}
}

// DailyBudget returns the budget state for the given date
// (YYYY-MM-DD); empty date means today.
func (l *Ledger) DailyBudget(ctx context.Context, date string) (models.BudgetState, statestore.DailyAggregate, error) {
	if date == "" {
		date = l.nowFn().UTC().Format("2006-01-02")
	}
	agg, err := l.store.DailyCost(ctx, date)
	if err != nil {
		return models.BudgetState{}, statestore.DailyAggregate{}, err
	}
	return models.BudgetState{
		ScopeKey:     "daily:" + date,
		TotalCostUSD: agg.TotalUSD,
		LimitUSD:     l.limits.DailyUSD,
		Status:       l.Classify(agg.TotalUSD, l.limits.DailyUSD),
	}, agg, nil
}

// Trend classifies the direction of per-turn cost within a
// conversation.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// Analytics summarizes one conversation's spend. Efficiency and
// recommendations are advisory signals only.
type Analytics struct {
	ConversationID string          `json:"conversation_id"`
	TotalCostUSD   decimal.Decimal `json:"total_cost_usd"`
	TotalTokens    int64           `json:"total_tokens"`
	Turns          int             `json:"turns"`

	// AvgCostPerTurn is the mean turn cost.
	AvgCostPerTurn decimal.Decimal `json:"avg_cost_per_turn"`

	// ByModel and ByAgent group spend by model and agent ID.
	ByModel map[string]decimal.Decimal `json:"by_model"`
	ByAgent map[string]decimal.Decimal `json:"by_agent"`

	// Trend compares the later half of turns against the earlier half.
	Trend Trend `json:"trend"`

	// EfficiencyScore is the mean per-turn efficiency in [0,1].
	EfficiencyScore float64 `json:"efficiency_score"`

	// Recommendations are human-readable cost hints.
	Recommendations []string `json:"recommendations,omitempty"`
}

// ConversationAnalytics computes the spend summary for a conversation
// from its sealed turns.
func (l *Ledger) ConversationAnalytics(ctx context.Context, conversationID string) (*Analytics, error) {
	turns, err := l.store.ListTurns(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation analytics: %w", err)
	}

	a := &Analytics{
		ConversationID: conversationID,
		TotalCostUSD:   decimal.Zero,
		AvgCostPerTurn: decimal.Zero,
		ByModel:        map[string]decimal.Decimal{},
		ByAgent:        map[string]decimal.Decimal{},
		Trend:          TrendStable,
	}
	var effSum float64
	for _, t := range turns {
		a.TotalCostUSD = a.TotalCostUSD.Add(t.CostUSD)
		a.TotalTokens += t.InputTokens + t.OutputTokens
		a.Turns++
		a.ByModel[t.ModelID] = a.ByModel[t.ModelID].Add(t.CostUSD)
		a.ByAgent[t.AgentID] = a.ByAgent[t.AgentID].Add(t.CostUSD)
		effSum += TurnEfficiency(t, tierOf(t))
	}
	if a.Turns > 0 {
		a.AvgCostPerTurn = a.TotalCostUSD.Div(decimal.NewFromInt(int64(a.Turns))).Round(moneyPlaces)
		a.EfficiencyScore = effSum / float64(a.Turns)
	}
	a.Trend = costTrend(turns)
	a.Recommendations = l.recommend(a)
	return a, nil
}

// tierOf infers a cost tier from the turn's model name. Descriptors are
// not available here; the heuristic only feeds the advisory score.
func tierOf(t *models.Turn) models.CostTier {
	switch {
	case strings.Contains(t.ModelID, "mini") || strings.Contains(t.ModelID, "haiku"):
		return models.TierCheap
	case strings.Contains(t.ModelID, "opus") || strings.Contains(t.ModelID, "o1"):
		return models.TierPremium
	default:
		return models.TierMid
	}
}

// TurnEfficiency scores one turn in [0,1] as the mean of three clamped
// signals: the model tier score, output/input token balance, and output
// volume per dollar.
func TurnEfficiency(t *models.Turn, tier models.CostTier) float64 {
	tierScore := tier.Score()

	balance := 1.0
	if t.InputTokens > 0 {
		balance = clamp01(float64(t.OutputTokens) / (2 * float64(t.InputTokens)))
	}

	volume := 1.0
	if t.CostUSD.IsPositive() {
		cost, _ := t.CostUSD.Float64()
		volume = clamp01(float64(len(t.OutputText)) / 1000.0 * cost)
	}

	return (tierScore + balance + volume) / 3
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// costTrend compares the mean cost of the later half of turns against
// the earlier half, with a 20% dead band.
func costTrend(turns []*models.Turn) Trend {
	if len(turns) < 4 {
		return TrendStable
	}
	mid := len(turns) / 2
	mean := func(ts []*models.Turn) decimal.Decimal {
		sum := decimal.Zero
		for _, t := range ts {
			sum = sum.Add(t.CostUSD)
		}
		return sum.Div(decimal.NewFromInt(int64(len(ts))))
	}
	early, late := mean(turns[:mid]), mean(turns[mid:])
	if early.IsZero() {
		if late.IsPositive() {
			return TrendIncreasing
		}
		return TrendStable
	}
	ratio, _ := late.Div(early).Float64()
	switch {
	case ratio > 1.2:
		return TrendIncreasing
	case ratio < 0.8:
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// recommend derives cost hints from the summary.
func (l *Ledger) recommend(a *Analytics) []string {
	var recs []string
	if a.Trend == TrendIncreasing {
		recs = append(recs, "per-turn cost is rising; consider a cheaper model for later turns")
	}
	if !l.limits.ConversationUSD.IsZero() &&
		l.Classify(a.TotalCostUSD, l.limits.ConversationUSD) != models.BudgetHealthy {
		recs = append(recs, "conversation is near its budget limit; reduce max turns or switch tiers")
	}
	if a.EfficiencyScore > 0 && a.EfficiencyScore < 0.4 {
		recs = append(recs, "low efficiency score; prompts may be oversized for the output produced")
	}
	return recs
}
