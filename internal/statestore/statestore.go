// Package statestore persists conversations, turns, cost aggregates,
// and approval records in Redis.
//
// Key layout:
//
//	conv:{id}            conversation JSON, TTL 1h (refreshed on write)
//	turnlist:{convID}    list of turn seqs, TTL 1h
//	turn:{convID}:{seq}  turn JSON, TTL 30d
//	cost:daily:{date}    hash of micro-USD counters, TTL 7d
//	cost:conv:{convID}   hash of micro-USD counters, TTL 1h
//	approval:{id}        approval request JSON, TTL 1h
//
// Money is stored as integer micro-USD so Redis INCRBY stays exact;
// the decimal boundary is crossed only at read/write time.
package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/pkg/models"
)

var (
	// ErrNotFound reports a missing record.
	ErrNotFound = errors.New("statestore: not found")

	// ErrConflict reports a concurrent modification detected by a
	// compare-and-set write.
	ErrConflict = errors.New("statestore: version conflict")

	// ErrTransient wraps connectivity and timeout failures that are
	// worth retrying.
	ErrTransient = errors.New("statestore: transient")
)

// micro converts USD decimal to integer micro-USD.
func micro(d decimal.Decimal) int64 {
	return d.Shift(6).IntPart()
}

// fromMicro converts integer micro-USD back to USD decimal.
func fromMicro(n int64) decimal.Decimal {
	return decimal.NewFromInt(n).Shift(-6)
}

// Store is the persistence interface the rest of the orchestrator
// depends on. The Redis implementation is the production backing; tests
// use the in-memory fake.
type Store interface {
	// SaveConversation persists the conversation, bumping its version.
	// A version mismatch with the stored copy returns ErrConflict.
	SaveConversation(ctx context.Context, conv *models.Conversation) error

	// GetConversation loads a conversation by ID.
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)

	// AppendTurn persists a turn and records its seq in the
	// conversation's turn list. Seqs must arrive dense and ascending.
	AppendTurn(ctx context.Context, turn *models.Turn) error

	// ListTurns returns all turns of a conversation in seq order.
	ListTurns(ctx context.Context, conversationID string) ([]*models.Turn, error)

	// AddCost atomically adds a turn's cost to the conversation and
	// daily aggregates, returning the new daily total.
	AddCost(ctx context.Context, rec *models.CostRecord) (decimal.Decimal, error)

	// DailyCost returns the aggregate spend for a date (YYYY-MM-DD).
	DailyCost(ctx context.Context, date string) (DailyAggregate, error)

	// ConversationCost returns the aggregate spend for a conversation.
	ConversationCost(ctx context.Context, conversationID string) (decimal.Decimal, error)

	// SaveApproval persists a pending approval request.
	SaveApproval(ctx context.Context, req *models.ApprovalRequest) error

	// GetApproval loads an approval request by ID.
	GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection.
	Close() error
}

// DailyAggregate is the summed spend for one calendar date.
type DailyAggregate struct {
	Date     string          `json:"date"`
	TotalUSD decimal.Decimal `json:"total_usd"`
	Turns    int64           `json:"turns"`
	Tokens   int64           `json:"tokens"`
}

// TTLs holds the key lifetimes the store applies.
type TTLs struct {
	Conversation   time.Duration
	DailyAggregate time.Duration
	TurnDetail     time.Duration
}

// DefaultTTLs are applied when a zero TTLs is given.
func DefaultTTLs() TTLs {
	return TTLs{
		Conversation:   time.Hour,
		DailyAggregate: 7 * 24 * time.Hour,
		TurnDetail:     30 * 24 * time.Hour,
	}
}

// RedisStore is the Redis-backed Store.
type RedisStore struct {
	client *redis.Client
	ttls   TTLs
	logger *observability.Logger
}

// NewRedis connects to Redis using a redis:// URL and verifies the
// connection.
func NewRedis(ctx context.Context, url string, ttls TTLs, logger *observability.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	zero := TTLs{}
	if ttls == zero {
		ttls = DefaultTTLs()
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrTransient, err)
	}
	return &RedisStore{client: client, ttls: ttls, logger: logger}, nil
}

func convKey(id string) string         { return "conv:" + id }
func turnListKey(convID string) string { return "turnlist:" + convID }
func turnKey(convID string, seq int) string {
	return fmt.Sprintf("turn:%s:%d", convID, seq)
}
func dailyCostKey(date string) string  { return "cost:daily:" + date }
func convCostKey(convID string) string { return "cost:conv:" + convID }
func approvalKey(id string) string     { return "approval:" + id }

// wrapErr classifies a go-redis error into the store taxonomy.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrTransient, err)
}

// saveConversationScript performs a versioned compare-and-set: the
// write succeeds only if the stored version matches the caller's prior
// version (or the key is absent for version 1).
var saveConversationScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local obj = cjson.decode(cur)
  if obj.version ~= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// SaveConversation implements Store.
func (s *RedisStore) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	prior := conv.Version
	conv.Version++
	conv.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(conv)
	if err != nil {
		conv.Version = prior
		return fmt.Errorf("marshal conversation: %w", err)
	}

	ok, err := saveConversationScript.Run(ctx, s.client,
		[]string{convKey(conv.ID)},
		string(data), prior, s.ttls.Conversation.Milliseconds(),
	).Int()
	if err != nil {
		conv.Version = prior
		return wrapErr("save conversation", err)
	}
	if ok != 1 {
		conv.Version = prior
		return fmt.Errorf("save conversation %s: %w", conv.ID, ErrConflict)
	}
	return nil
}

// GetConversation implements Store.
func (s *RedisStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	data, err := s.client.Get(ctx, convKey(id)).Bytes()
	if err != nil {
		return nil, wrapErr("get conversation", err)
	}
	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("unmarshal conversation %s: %w", id, err)
	}
	return &conv, nil
}

// appendTurnScript appends a seq to the turn list only if it extends the
// list densely (seq == current length + 1).
var appendTurnScript = redis.NewScript(`
local len = redis.call('LLEN', KEYS[1])
if tonumber(ARGV[1]) ~= len + 1 then
  return 0
end
redis.call('RPUSH', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[4])
return 1
`)

// AppendTurn implements Store.
func (s *RedisStore) AppendTurn(ctx context.Context, turn *models.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	ok, err := appendTurnScript.Run(ctx, s.client,
		[]string{turnListKey(turn.ConversationID), turnKey(turn.ConversationID, turn.Seq)},
		turn.Seq, string(data),
		s.ttls.Conversation.Milliseconds(), s.ttls.TurnDetail.Milliseconds(),
	).Int()
	if err != nil {
		return wrapErr("append turn", err)
	}
	if ok != 1 {
		return fmt.Errorf("append turn %s seq %d: out of order: %w", turn.ConversationID, turn.Seq, ErrConflict)
	}
	return nil
}

// ListTurns implements Store.
func (s *RedisStore) ListTurns(ctx context.Context, conversationID string) ([]*models.Turn, error) {
	seqs, err := s.client.LRange(ctx, turnListKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, wrapErr("list turns", err)
	}
	if len(seqs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(seqs))
	for i, seq := range seqs {
		keys[i] = "turn:" + conversationID + ":" + seq
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapErr("list turns", err)
	}

	turns := make([]*models.Turn, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Detail expired ahead of the list; skip.
			continue
		}
		var t models.Turn
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("unmarshal turn %s: %w", keys[i], err)
		}
		turns = append(turns, &t)
	}
	return turns, nil
}

// addCostScript increments the daily and conversation cost hashes in
// one round trip and returns the new daily micro-USD total.
var addCostScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], 'micro_usd', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'turns', 1)
redis.call('HINCRBY', KEYS[1], 'tokens', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('HINCRBY', KEYS[2], 'micro_usd', ARGV[1])
redis.call('HINCRBY', KEYS[2], 'turns', 1)
redis.call('HINCRBY', KEYS[2], 'tokens', ARGV[2])
redis.call('PEXPIRE', KEYS[2], ARGV[4])
return redis.call('HGET', KEYS[1], 'micro_usd')
`)

// AddCost implements Store.
func (s *RedisStore) AddCost(ctx context.Context, rec *models.CostRecord) (decimal.Decimal, error) {
	date := rec.CreatedAt.UTC().Format("2006-01-02")
	total, err := addCostScript.Run(ctx, s.client,
		[]string{dailyCostKey(date), convCostKey(rec.ConversationID)},
		micro(rec.TotalCostUSD), rec.InputTokens+rec.OutputTokens,
		s.ttls.DailyAggregate.Milliseconds(), s.ttls.Conversation.Milliseconds(),
	).Int64()
	if err != nil {
		return decimal.Zero, wrapErr("add cost", err)
	}
	return fromMicro(total), nil
}

// DailyCost implements Store.
func (s *RedisStore) DailyCost(ctx context.Context, date string) (DailyAggregate, error) {
	fields, err := s.client.HGetAll(ctx, dailyCostKey(date)).Result()
	if err != nil {
		return DailyAggregate{}, wrapErr("daily cost", err)
	}
	agg := DailyAggregate{Date: date, TotalUSD: decimal.Zero}
	if v, ok := fields["micro_usd"]; ok {
		var n int64
		fmt.Sscan(v, &n)
		agg.TotalUSD = fromMicro(n)
	}
	if v, ok := fields["turns"]; ok {
		fmt.Sscan(v, &agg.Turns)
	}
	if v, ok := fields["tokens"]; ok {
		fmt.Sscan(v, &agg.Tokens)
	}
	return agg, nil
}

// ConversationCost implements Store.
func (s *RedisStore) ConversationCost(ctx context.Context, conversationID string) (decimal.Decimal, error) {
	v, err := s.client.HGet(ctx, convCostKey(conversationID), "micro_usd").Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, nil
		}
		return decimal.Zero, wrapErr("conversation cost", err)
	}
	return fromMicro(v), nil
}

// SaveApproval implements Store.
func (s *RedisStore) SaveApproval(ctx context.Context, req *models.ApprovalRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal approval: %w", err)
	}
	if err := s.client.Set(ctx, approvalKey(req.ID), data, s.ttls.Conversation).Err(); err != nil {
		return wrapErr("save approval", err)
	}
	return nil
}

// GetApproval implements Store.
func (s *RedisStore) GetApproval(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	data, err := s.client.Get(ctx, approvalKey(id)).Bytes()
	if err != nil {
		return nil, wrapErr("get approval", err)
	}
	var req models.ApprovalRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshal approval %s: %w", id, err)
	}
	return &req, nil
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	return wrapErr("ping", s.client.Ping(ctx).Err())
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
