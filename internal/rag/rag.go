// Package rag injects retrieved memory context into agent prompts
// before each turn.
//
// Retrieval blends the store's similarity score with a recency factor
// whose weight grows over the conversation (0.3 on early turns up to
// 0.4 later), on the theory that long conversations drift toward
// recently stored facts. Results are cached per (conversation, turn,
// agent, message hash) so repeated prompt builds within one turn never
// re-query the memory store.
package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orchlabs/orch/internal/memorystore"
	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/pkg/models"
)

// Recency weight ramp across turn sequence.
const (
	recencyWeightEarly = 0.3
	recencyWeightLate  = 0.4
	// rampTurns is the seq at which the late weight is fully reached.
	rampTurns = 10

	// historyMinSeq is the first turn that includes condensed history.
	historyMinSeq = 3

	// historyTailTurns bounds the condensed history view.
	historyTailTurns = 4
)

// Config tunes the injector.
type Config struct {
	// TopK is how many facts are retrieved. Default 5.
	TopK int

	// MinScore excludes weakly matching facts.
	MinScore float64

	// CacheTTL bounds context block reuse.
	CacheTTL time.Duration
}

// Stats counts injector activity for the grounding-lift metric.
type Stats struct {
	FactsInjected   int64 `json:"facts_injected"`
	HistoryInjected int64 `json:"history_injected"`
	Grounded        int64 `json:"grounded"`
	Injections      int64 `json:"injections"`
}

// Injector builds enhanced prompts from memory retrieval.
type Injector struct {
	store    memorystore.Store
	config   Config
	recorder *observability.Recorder

	mu    sync.Mutex
	cache map[string]cacheEntry
	stats Stats

	// lastFacts remembers the facts injected per conversation so
	// grounding can be detected against the model output later.
	lastFacts map[string][]models.Fact

	nowFn func() time.Time
}

type cacheEntry struct {
	block   models.ContextBlock
	expires time.Time
}

// New creates an injector.
func New(store memorystore.Store, config Config, recorder *observability.Recorder) *Injector {
	if config.TopK <= 0 {
		config.TopK = 5
	}
	if config.MinScore <= 0 {
		config.MinScore = 0.35
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = 90 * time.Second
	}
	if recorder == nil {
		recorder = observability.NewRecorder(nil)
	}
	return &Injector{
		store:     store,
		config:    config,
		recorder:  recorder,
		cache:     map[string]cacheEntry{},
		lastFacts: map[string][]models.Fact{},
		nowFn:     time.Now,
	}
}

// InjectContext returns the message extended with a "Relevant Context:"
// block and an agent focus hint. With no matching facts and no history
// to condense, the message is returned unchanged.
func (inj *Injector) InjectContext(ctx context.Context, conversationID, userID string, agent *models.AgentDescriptor, turnSeq int, message string, history []*models.Turn) (string, error) {
	block, cached, err := inj.contextBlock(ctx, conversationID, userID, agent, turnSeq, message)
	if err != nil {
		return message, err
	}
	if !cached {
		inj.recorder.Record(ctx, observability.EventMemoryAccess, map[string]any{
			"facts":    len(block.Facts),
			"turn_seq": turnSeq,
		})
	}

	var condensed string
	if turnSeq >= historyMinSeq && len(history) > 0 {
		condensed = condenseHistory(history)
	}
	if len(block.Facts) == 0 && condensed == "" {
		return message, nil
	}

	inj.mu.Lock()
	inj.stats.Injections++
	inj.stats.FactsInjected += int64(len(block.Facts))
	if condensed != "" {
		inj.stats.HistoryInjected++
	}
	inj.lastFacts[conversationID] = block.Facts
	inj.mu.Unlock()

	var b strings.Builder
	b.WriteString(message)
	if len(block.Facts) > 0 {
		b.WriteString("\n\nRelevant Context:\n")
		for _, f := range block.Facts {
			fmt.Fprintf(&b, "- %s\n", f.Text)
		}
	}
	if condensed != "" {
		b.WriteString("\nConversation so far:\n")
		b.WriteString(condensed)
	}
	if block.AgentFocusHint != "" {
		b.WriteString("\n")
		b.WriteString(block.AgentFocusHint)
	}
	return b.String(), nil
}

// contextBlock returns the cached block for the turn, querying the
// memory store at most once per (conv, turn, agent, message).
func (inj *Injector) contextBlock(ctx context.Context, conversationID, userID string, agent *models.AgentDescriptor, turnSeq int, message string) (models.ContextBlock, bool, error) {
	key := cacheKey(conversationID, turnSeq, agent.ID, message)
	now := inj.nowFn()

	inj.mu.Lock()
	if entry, ok := inj.cache[key]; ok && now.Before(entry.expires) {
		inj.mu.Unlock()
		return entry.block, true, nil
	}
	inj.mu.Unlock()

	facts, err := inj.store.Search(ctx, userID, message, inj.config.TopK, inj.config.MinScore)
	if err != nil {
		return models.ContextBlock{}, false, fmt.Errorf("memory search: %w", err)
	}
	facts = reweightByRecency(facts, turnSeq, now)

	block := models.ContextBlock{
		Facts:          facts,
		AgentFocusHint: focusHint(agent),
		ProducedAt:     now.UTC(),
	}

	inj.mu.Lock()
	inj.cache[key] = cacheEntry{block: block, expires: now.Add(inj.config.CacheTTL)}
	// Opportunistic eviction keeps the cache from growing unbounded.
	for k, e := range inj.cache {
		if !now.Before(e.expires) {
			delete(inj.cache, k)
		}
	}
	inj.mu.Unlock()
	return block, false, nil
}

// reweightByRecency blends similarity with fact age and re-sorts.
// weight(turnSeq) ramps linearly from 0.3 at turn 1 to 0.4 at turn 10.
func reweightByRecency(facts []models.Fact, turnSeq int, now time.Time) []models.Fact {
	w := recencyWeight(turnSeq)
	for i := range facts {
		age := now.Sub(facts[i].CreatedAt)
		// Half-life of 7 days: a week-old fact scores half recency.
		recency := math.Exp2(-age.Hours() / (7 * 24))
		facts[i].Score = (1-w)*facts[i].Score + w*recency
	}
	sort.SliceStable(facts, func(i, j int) bool {
		return facts[i].Score > facts[j].Score
	})
	return facts
}

func recencyWeight(turnSeq int) float64 {
	if turnSeq <= 1 {
		return recencyWeightEarly
	}
	if turnSeq >= rampTurns {
		return recencyWeightLate
	}
	frac := float64(turnSeq-1) / float64(rampTurns-1)
	return recencyWeightEarly + frac*(recencyWeightLate-recencyWeightEarly)
}

// condenseHistory renders the last few turns as one line each.
func condenseHistory(history []*models.Turn) string {
	start := 0
	if len(history) > historyTailTurns {
		start = len(history) - historyTailTurns
	}
	var b strings.Builder
	for _, t := range history[start:] {
		line := t.OutputText
		if len(line) > 160 {
			line = line[:160] + "..."
		}
		line = strings.ReplaceAll(line, "\n", " ")
		fmt.Fprintf(&b, "[%s] %s\n", t.AgentID, line)
	}
	return b.String()
}

// focusHint derives a one-line steer from the agent's capabilities.
func focusHint(agent *models.AgentDescriptor) string {
	if len(agent.CapabilityTags) == 0 {
		return ""
	}
	return fmt.Sprintf("Focus: answer from your %s perspective.", strings.Join(agent.CapabilityTags, "/"))
}

// RecordGrounding checks whether any injected fact surfaced in the
// model output, by keyword substring match, and updates the grounding
// counter. Call it after the turn completes.
func (inj *Injector) RecordGrounding(ctx context.Context, conversationID, output string) bool {
	inj.mu.Lock()
	facts := inj.lastFacts[conversationID]
	delete(inj.lastFacts, conversationID)
	inj.mu.Unlock()
	if len(facts) == 0 {
		return false
	}

	lower := strings.ToLower(output)
	grounded := false
	for _, f := range facts {
		for _, word := range strings.Fields(strings.ToLower(f.Text)) {
			if len(word) >= 5 && strings.Contains(lower, word) {
				grounded = true
				break
			}
		}
		if grounded {
			break
		}
	}
	if grounded {
		inj.mu.Lock()
		inj.stats.Grounded++
		inj.mu.Unlock()
		inj.recorder.Record(ctx, observability.EventMemoryUpdate, map[string]any{
			"grounded": true,
		})
	}
	return grounded
}

// StatsSnapshot returns a copy of the injector counters.
func (inj *Injector) StatsSnapshot() Stats {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return inj.stats
}

// cacheKey hashes the message so long prompts stay cheap map keys.
func cacheKey(conversationID string, turnSeq int, agentID, message string) string {
	sum := sha256.Sum256([]byte(message))
	return fmt.Sprintf("%s:%d:%s:%s", conversationID, turnSeq, agentID, hex.EncodeToString(sum[:8]))
}
