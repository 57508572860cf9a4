// Package memorystore holds per-user facts and serves similarity
// queries for context injection.
//
// The in-memory implementation scores by keyword overlap (a Jaccard
// ratio over lowercased word sets), which keeps retrieval deterministic
// and dependency-free. The Store interface is what the RAG layer
// depends on, so a vector-backed implementation can replace this one
// without touching the injector.
package memorystore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchlabs/orch/pkg/models"
)

// Store is the retrieval interface the RAG injector depends on.
type Store interface {
	// AddFact stores a fact for a user.
	AddFact(ctx context.Context, userID, text string) (*models.Fact, error)

	// Search returns up to k facts for the query, highest score first,
	// excluding facts scoring below minScore.
	Search(ctx context.Context, userID, query string, k int, minScore float64) ([]models.Fact, error)
}

type storedFact struct {
	fact  models.Fact
	words map[string]bool
}

// InMemory is the keyword-overlap Store.
type InMemory struct {
	mu    sync.RWMutex
	facts map[string][]storedFact

	nowFn func() time.Time
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		facts: map[string][]storedFact{},
		nowFn: time.Now,
	}
}

// AddFact implements Store.
func (s *InMemory) AddFact(_ context.Context, userID, text string) (*models.Fact, error) {
	fact := models.Fact{
		ID:        uuid.NewString(),
		Text:      text,
		CreatedAt: s.nowFn().UTC(),
	}
	s.mu.Lock()
	s.facts[userID] = append(s.facts[userID], storedFact{fact: fact, words: tokenize(text)})
	s.mu.Unlock()
	return &fact, nil
}

// Search implements Store.
func (s *InMemory) Search(_ context.Context, userID, query string, k int, minScore float64) ([]models.Fact, error) {
	queryWords := tokenize(query)
	if len(queryWords) == 0 || k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	candidates := s.facts[userID]
	scored := make([]models.Fact, 0, len(candidates))
	for _, c := range candidates {
		score := overlap(queryWords, c.words)
		if score < minScore {
			continue
		}
		f := c.fact
		f.Score = score
		scored = append(scored, f)
	}
	s.mu.RUnlock()

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		// Newer facts first on equal relevance.
		return scored[i].CreatedAt.After(scored[j].CreatedAt)
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// stopwords are excluded from overlap scoring.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true,
	"have": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "our": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "we": true,
	"what": true, "will": true, "with": true, "you": true,
}

// tokenize lowercases and splits text into a stopword-free word set.
func tokenize(text string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(w) > 1 && !stopwords[w] {
			words[w] = true
		}
	}
	return words
}

// overlap is |query ∩ fact| / |query|: the share of query words the
// fact covers.
func overlap(query, fact map[string]bool) float64 {
	if len(query) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if fact[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}
