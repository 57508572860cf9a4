package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/orchlabs/orch/pkg/models"
)

// MemoryStore is an in-process Store used by tests and by `orch serve
// --dev` when no Redis is reachable. It applies the same versioning and
// dense-seq rules as the Redis store but ignores TTLs.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]byte
	versions      map[string]int64
	turns         map[string][][]byte
	daily         map[string]*DailyAggregate
	convCost      map[string]decimal.Decimal
	approvals     map[string][]byte

	// FailNext, when set, makes the next operation return ErrTransient.
	// Tests use it to drive retry paths.
	FailNext bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		conversations: map[string][]byte{},
		versions:      map[string]int64{},
		turns:         map[string][][]byte{},
		daily:         map[string]*DailyAggregate{},
		convCost:      map[string]decimal.Decimal{},
		approvals:     map[string][]byte{},
	}
}

func (m *MemoryStore) failNext() error {
	if m.FailNext {
		m.FailNext = false
		return fmt.Errorf("injected: %w", ErrTransient)
	}
	return nil
}

// SaveConversation implements Store.
func (m *MemoryStore) SaveConversation(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if stored, ok := m.versions[conv.ID]; ok && stored != conv.Version {
		return fmt.Errorf("save conversation %s: %w", conv.ID, ErrConflict)
	}
	conv.Version++
	data, err := json.Marshal(conv)
	if err != nil {
		conv.Version--
		return err
	}
	m.conversations[conv.ID] = data
	m.versions[conv.ID] = conv.Version
	return nil
}

// GetConversation implements Store.
func (m *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.conversations[id]
	if !ok {
		return nil, fmt.Errorf("get conversation %s: %w", id, ErrNotFound)
	}
	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, err
	}
	return &conv, nil
}

// AppendTurn implements Store.
func (m *MemoryStore) AppendTurn(_ context.Context, turn *models.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	list := m.turns[turn.ConversationID]
	if turn.Seq != len(list)+1 {
		return fmt.Errorf("append turn %s seq %d: out of order: %w", turn.ConversationID, turn.Seq, ErrConflict)
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	m.turns[turn.ConversationID] = append(list, data)
	return nil
}

// ListTurns implements Store.
func (m *MemoryStore) ListTurns(_ context.Context, conversationID string) ([]*models.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.turns[conversationID]
	turns := make([]*models.Turn, 0, len(list))
	for _, data := range list {
		var t models.Turn
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		turns = append(turns, &t)
	}
	return turns, nil
}

// AddCost implements Store.
func (m *MemoryStore) AddCost(_ context.Context, rec *models.CostRecord) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return decimal.Zero, err
	}
	date := rec.CreatedAt.UTC().Format("2006-01-02")
	agg, ok := m.daily[date]
	if !ok {
		agg = &DailyAggregate{Date: date, TotalUSD: decimal.Zero}
		m.daily[date] = agg
	}
	// Round-trip through micro-USD so totals match the Redis store bit
	// for bit.
	agg.TotalUSD = fromMicro(micro(agg.TotalUSD) + micro(rec.TotalCostUSD))
	agg.Turns++
	agg.Tokens += rec.InputTokens + rec.OutputTokens

	cur := m.convCost[rec.ConversationID]
	m.convCost[rec.ConversationID] = fromMicro(micro(cur) + micro(rec.TotalCostUSD))

	return agg.TotalUSD, nil
}

// DailyCost implements Store.
func (m *MemoryStore) DailyCost(_ context.Context, date string) (DailyAggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if agg, ok := m.daily[date]; ok {
		return *agg, nil
	}
	return DailyAggregate{Date: date, TotalUSD: decimal.Zero}, nil
}

// ConversationCost implements Store.
func (m *MemoryStore) ConversationCost(_ context.Context, conversationID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.convCost[conversationID]; ok {
		return c, nil
	}
	return decimal.Zero, nil
}

// SaveApproval implements Store.
func (m *MemoryStore) SaveApproval(_ context.Context, req *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	m.approvals[req.ID] = data
	return nil
}

// GetApproval implements Store.
func (m *MemoryStore) GetApproval(_ context.Context, id string) (*models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.approvals[id]
	if !ok {
		return nil, fmt.Errorf("get approval %s: %w", id, ErrNotFound)
	}
	var req models.ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Ping implements Store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
