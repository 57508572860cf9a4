// Package selector chooses the next speaker for a multi-agent turn.
//
// Selection scores each participant's capability tags against the
// message keywords with phase-dependent weights, applies registry
// priority pins, penalizes the agent that just spoke unless the message
// continues its thread, and breaks ties by cheapest cost tier then
// lexicographic agent ID. Every decision carries a rationale with the
// top scores and a reason code, so selections are auditable after the
// fact.
package selector

import (
	"context"
	"sort"
	"strings"

	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/pkg/models"
)

// Phase is the mission phase driving keyword weights.
type Phase string

const (
	PhaseDiscovery Phase = "discovery"
	PhaseAnalysis  Phase = "analysis"
	PhaseDecision  Phase = "decision"
	PhaseExecution Phase = "execution"
)

// ReasonCode explains why an agent was chosen.
type ReasonCode string

const (
	ReasonFinanceKeywords  ReasonCode = "finance_keywords"
	ReasonSecurityKeywords ReasonCode = "security_keywords"
	ReasonStrategyKeywords ReasonCode = "strategy_keywords"
	ReasonContinuation     ReasonCode = "continuation"
	ReasonDefaultFirst     ReasonCode = "default_first"
	ReasonRegistryPriority ReasonCode = "registry_priority"
)

// keywordDomains groups trigger keywords by capability domain. A hit in
// a domain contributes that domain's phase weight for every matching
// capability tag.
var keywordDomains = map[ReasonCode][]string{
	ReasonFinanceKeywords: {
		"budget", "cost", "runway", "revenue", "cash", "finance", "burn",
		"forecast", "margin", "pricing", "invoice", "spend",
	},
	ReasonSecurityKeywords: {
		"security", "breach", "vulnerability", "compliance", "audit",
		"encryption", "incident", "risk", "threat", "access", "credential",
	},
	ReasonStrategyKeywords: {
		"strategy", "roadmap", "vision", "market", "competitor", "growth",
		"plan", "priorit", "launch", "expansion", "partnership",
	},
}

// phaseWeights tunes how much each keyword domain matters per phase.
// Analysis leans financial, decision leans strategic, execution leans
// security/operational.
var phaseWeights = map[Phase]map[ReasonCode]float64{
	PhaseDiscovery: {ReasonFinanceKeywords: 1.0, ReasonSecurityKeywords: 1.0, ReasonStrategyKeywords: 1.2},
	PhaseAnalysis:  {ReasonFinanceKeywords: 1.5, ReasonSecurityKeywords: 1.0, ReasonStrategyKeywords: 0.8},
	PhaseDecision:  {ReasonFinanceKeywords: 1.0, ReasonSecurityKeywords: 0.8, ReasonStrategyKeywords: 1.5},
	PhaseExecution: {ReasonFinanceKeywords: 0.8, ReasonSecurityKeywords: 1.5, ReasonStrategyKeywords: 1.0},
}

// justSpokePenalty is subtracted from the previous speaker's score
// unless the message continues its thread.
const justSpokePenalty = 0.5

// registryPriorityWeight converts a registry priority pin into score.
const registryPriorityWeight = 0.25

// Score is one participant's scored candidacy.
type Score struct {
	AgentID string     `json:"agent_id"`
	Value   float64    `json:"value"`
	Reason  ReasonCode `json:"reason"`
}

// Rationale explains one selection decision.
type Rationale struct {
	Chosen    string     `json:"chosen"`
	Reason    ReasonCode `json:"reason"`
	TopScores []Score    `json:"top_scores"`
	Phase     Phase      `json:"phase"`
}

// PriorityFn resolves a registry priority pin for an agent.
type PriorityFn func(agentID string) int

// Selector scores and picks speakers.
type Selector struct {
	priority PriorityFn
	recorder *observability.Recorder
}

// New creates a selector. priority may be nil; recorder may be nil.
func New(priority PriorityFn, recorder *observability.Recorder) *Selector {
	if priority == nil {
		priority = func(string) int { return 0 }
	}
	if recorder == nil {
		recorder = observability.NewRecorder(nil)
	}
	return &Selector{priority: priority, recorder: recorder}
}

// Select chooses the next speaker from participants. lastSpeaker is the
// agent that produced the previous turn ("" for the first turn). The
// returned rationale names the chosen agent, its reason code, and the
// top three scores.
func (s *Selector) Select(ctx context.Context, message string, participants []*models.AgentDescriptor, phase Phase, lastSpeaker string) (*models.AgentDescriptor, Rationale) {
	if len(participants) == 0 {
		return nil, Rationale{Phase: phase}
	}

	weights, ok := phaseWeights[phase]
	if !ok {
		weights = phaseWeights[PhaseDiscovery]
	}
	msg := strings.ToLower(message)
	continuation := lastSpeaker != "" && continuesThread(msg, lastSpeaker, participants)

	scores := make([]Score, 0, len(participants))
	for _, agent := range participants {
		value, domain := s.scoreAgent(msg, agent, weights)
		reason := domain
		if prio := s.priority(agent.ID); prio > 0 {
			value += float64(prio) * registryPriorityWeight
			if domain == "" {
				reason = ReasonRegistryPriority
			}
		}
		if agent.ID == lastSpeaker {
			if continuation {
				value += justSpokePenalty
				reason = ReasonContinuation
			} else {
				value -= justSpokePenalty
			}
		}
		if reason == "" {
			reason = ReasonDefaultFirst
		}
		scores = append(scores, Score{AgentID: agent.ID, Value: value, Reason: reason})
	}

	// Rank: score descending, then cheapest tier, then agent ID.
	tier := map[string]models.CostTier{}
	for _, a := range participants {
		tier[a.ID] = a.Tier
	}
	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Value != scores[j].Value {
			return scores[i].Value > scores[j].Value
		}
		ti, tj := tier[scores[i].AgentID].Score(), tier[scores[j].AgentID].Score()
		if ti != tj {
			return ti > tj
		}
		return scores[i].AgentID < scores[j].AgentID
	})

	top := scores
	if len(top) > 3 {
		top = top[:3]
	}
	chosen := scores[0]
	rationale := Rationale{
		Chosen:    chosen.AgentID,
		Reason:    chosen.Reason,
		TopScores: append([]Score(nil), top...),
		Phase:     phase,
	}
	s.recorder.Record(ctx, observability.EventSelectionDecision, map[string]any{
		"chosen": rationale.Chosen,
		"reason": string(rationale.Reason),
		"phase":  string(phase),
	})

	for _, agent := range participants {
		if agent.ID == rationale.Chosen {
			return agent, rationale
		}
	}
	return participants[0], rationale
}

// scoreAgent sums phase-weighted keyword hits across the agent's
// capability tags, returning the score and the dominant domain.
func (s *Selector) scoreAgent(msg string, agent *models.AgentDescriptor, weights map[ReasonCode]float64) (float64, ReasonCode) {
	var total float64
	var best ReasonCode
	var bestScore float64

	for domain, keywords := range keywordDomains {
		var hits float64
		for _, kw := range keywords {
			if strings.Contains(msg, kw) && tagsMatchDomain(agent.CapabilityTags, kw, domain) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := hits * weights[domain]
		total += score
		if score > bestScore {
			bestScore = score
			best = domain
		}
	}

	// Direct tag mentions count even outside the curated domains.
	for _, tag := range agent.CapabilityTags {
		if strings.Contains(msg, strings.ToLower(tag)) {
			total += 0.5
			if best == "" {
				best = ReasonDefaultFirst
			}
		}
	}
	if best == ReasonDefaultFirst {
		best = ""
	}
	return total, best
}

// tagsMatchDomain reports whether an agent's tags put it in a domain:
// either the tag literally contains the keyword, or the tag matches
// another keyword of the same domain.
func tagsMatchDomain(tags []string, keyword string, domain ReasonCode) bool {
	for _, tag := range tags {
		lower := strings.ToLower(tag)
		if strings.Contains(lower, keyword) {
			return true
		}
		for _, kw := range keywordDomains[domain] {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	return false
}

// continuesThread reports whether the message addresses the previous
// speaker directly, by ID, display name, or a follow-up cue.
func continuesThread(msg, lastSpeaker string, participants []*models.AgentDescriptor) bool {
	if strings.Contains(msg, strings.ToLower(lastSpeaker)) {
		return true
	}
	for _, a := range participants {
		if a.ID == lastSpeaker && a.DisplayName != "" &&
			strings.Contains(msg, strings.ToLower(a.DisplayName)) {
			return true
		}
	}
	for _, cue := range []string{"you said", "follow up", "elaborate", "go on", "continue", "tell me more"} {
		if strings.Contains(msg, cue) {
			return true
		}
	}
	return false
}
