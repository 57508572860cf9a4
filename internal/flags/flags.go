// Package flags evaluates feature flags with deterministic per-user
// bucketing.
//
// Bucketing hashes "flag:user" with FNV-128a and maps the low 64 bits
// onto [0,100); the same (flag, user) pair always lands in the same
// bucket, so rollout percentages are stable across restarts and
// processes. Flag tables are replaced atomically by snapshot swap, so
// evaluation never observes a half-updated table.
package flags

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Strategy is a flag rollout strategy.
type Strategy string

const (
	StrategyOff            Strategy = "off"
	StrategyOn             Strategy = "on"
	StrategyPercentage     Strategy = "percentage"
	StrategyUserWhitelist  Strategy = "user_whitelist"
	StrategyGroupWhitelist Strategy = "group_whitelist"
	StrategyGradual        Strategy = "gradual"
	StrategyCanary         Strategy = "canary"
	StrategyAB             Strategy = "ab_test"
)

// Errors.
var (
	ErrUnknownFlag     = errors.New("flags: unknown flag")
	ErrUnknownStrategy = errors.New("flags: unknown strategy")
)

// Flag is one feature flag definition.
type Flag struct {
	Name     string
	Enabled  bool
	Strategy Strategy

	// Percentage applies to percentage, gradual, and canary strategies.
	Percentage float64

	// Users and Groups are the whitelist strategies' membership sets.
	Users  []string
	Groups []string

	// GradualStart and GradualDuration ramp gradual rollouts from 0 to
	// Percentage linearly over the window.
	GradualStart    time.Time
	GradualDuration time.Duration

	// Variants holds AB test arms as name -> weight.
	Variants map[string]int

	// DependsOn lists flags that must evaluate true first.
	DependsOn []string

	// ConflictsWith lists flags that force this one off when true.
	ConflictsWith []string
}

// Subject identifies who a flag is evaluated for.
type Subject struct {
	UserID string
	Groups []string
}

// Usage counts evaluations per flag.
type Usage struct {
	Evaluations int64 `json:"evaluations"`
	Enabled     int64 `json:"enabled"`
}

type usageCounter struct {
	evaluations atomic.Int64
	enabled     atomic.Int64
}

// Manager evaluates flags against an atomically swapped table.
type Manager struct {
	table atomic.Pointer[map[string]*Flag]

	mu    sync.Mutex
	usage map[string]*usageCounter

	nowFn func() time.Time
}

// NewManager creates a manager with the initial flag table.
func NewManager(flags []*Flag) *Manager {
	m := &Manager{
		usage: map[string]*usageCounter{},
		nowFn: time.Now,
	}
	m.Replace(flags)
	return m
}

// Replace swaps in a whole new flag table atomically.
func (m *Manager) Replace(flags []*Flag) {
	table := make(map[string]*Flag, len(flags))
	for _, f := range flags {
		table[f.Name] = f
	}
	m.table.Store(&table)
}

// Set upserts a single flag, copying the current table.
func (m *Manager) Set(f *Flag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := *m.table.Load()
	table := make(map[string]*Flag, len(old)+1)
	for k, v := range old {
		table[k] = v
	}
	table[f.Name] = f
	m.table.Store(&table)
}

// Get returns a flag definition.
func (m *Manager) Get(name string) (*Flag, bool) {
	f, ok := (*m.table.Load())[name]
	return f, ok
}

// List returns all flag names.
func (m *Manager) List() []string {
	table := *m.table.Load()
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	return names
}

// IsEnabled evaluates a flag for the subject. Unknown flags read as
// false. Dependency and conflict edges are applied before the flag's
// own strategy.
func (m *Manager) IsEnabled(ctx context.Context, name string, sub Subject) bool {
	enabled := m.eval(ctx, name, sub, map[string]bool{})
	m.count(name, enabled)
	return enabled
}

// eval is the recursive core. seen breaks dependency cycles: a flag
// revisited during its own resolution reads as false.
func (m *Manager) eval(_ context.Context, name string, sub Subject, seen map[string]bool) bool {
	if seen[name] {
		return false
	}
	seen[name] = true

	f, ok := (*m.table.Load())[name]
	if !ok || !f.Enabled {
		return false
	}

	for _, dep := range f.DependsOn {
		if !m.eval(nil, dep, sub, seen) {
			return false
		}
	}
	for _, conflict := range f.ConflictsWith {
		if m.eval(nil, conflict, sub, seen) {
			return false
		}
	}

	switch f.Strategy {
	case StrategyOff:
		return false
	case StrategyOn:
		return true
	case StrategyPercentage:
		return bucket(f.Name, sub.UserID) < f.Percentage
	case StrategyCanary:
		// Canary admits the whitelist regardless of the rollout bucket.
		for _, u := range f.Users {
			if u == sub.UserID {
				return true
			}
		}
		return bucket(f.Name, sub.UserID) < f.Percentage
	case StrategyGradual:
		return bucket(f.Name, sub.UserID) < m.gradualPercentage(f)
	case StrategyUserWhitelist:
		for _, u := range f.Users {
			if u == sub.UserID {
				return true
			}
		}
		return false
	case StrategyGroupWhitelist:
		for _, g := range f.Groups {
			for _, sg := range sub.Groups {
				if g == sg {
					return true
				}
			}
		}
		return false
	case StrategyAB:
		// AB participation means any arm assignment succeeded.
		_, ok := m.variant(f, sub)
		return ok
	default:
		return false
	}
}

// gradualPercentage ramps linearly from 0 at GradualStart to the target
// percentage after GradualDuration.
func (m *Manager) gradualPercentage(f *Flag) float64 {
	if f.GradualDuration <= 0 {
		return f.Percentage
	}
	elapsed := m.nowFn().Sub(f.GradualStart)
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= f.GradualDuration {
		return f.Percentage
	}
	return f.Percentage * float64(elapsed) / float64(f.GradualDuration)
}

// GetVariant returns the AB test arm assigned to the subject. The
// second return is false for unknown flags, non-AB flags, or subjects
// outside the test.
func (m *Manager) GetVariant(ctx context.Context, name string, sub Subject) (string, bool) {
	f, ok := (*m.table.Load())[name]
	if !ok || !f.Enabled || f.Strategy != StrategyAB {
		return "", false
	}
	if !m.eval(ctx, name, sub, map[string]bool{}) {
		return "", false
	}
	return m.variant(f, sub)
}

// variant assigns an arm by weighted deterministic hash.
func (m *Manager) variant(f *Flag, sub Subject) (string, bool) {
	total := 0
	names := make([]string, 0, len(f.Variants))
	for name := range f.Variants {
		names = append(names, name)
	}
	// Map iteration order is random; sort for determinism.
	sort.Strings(names)
	for _, name := range names {
		if f.Variants[name] > 0 {
			total += f.Variants[name]
		}
	}
	if total == 0 {
		return "", false
	}
	pick := int(hash128(f.Name+":variant", sub.UserID) % uint64(total))
	for _, name := range names {
		w := f.Variants[name]
		if w <= 0 {
			continue
		}
		if pick < w {
			return name, true
		}
		pick -= w
	}
	return "", false
}

// UsageSnapshot returns evaluation counters per flag.
func (m *Manager) UsageSnapshot() map[string]Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Usage, len(m.usage))
	for name, c := range m.usage {
		out[name] = Usage{
			Evaluations: c.evaluations.Load(),
			Enabled:     c.enabled.Load(),
		}
	}
	return out
}

func (m *Manager) count(name string, enabled bool) {
	m.mu.Lock()
	c, ok := m.usage[name]
	if !ok {
		c = &usageCounter{}
		m.usage[name] = c
	}
	m.mu.Unlock()

	c.evaluations.Add(1)
	if enabled {
		c.enabled.Add(1)
	}
}

// bucket maps (flag, user) to [0,100).
func bucket(flag, userID string) float64 {
	return float64(hash128(flag, userID) % 10000) / 100.0
}

// hash128 hashes "flag:user" with FNV-128a and folds the digest to 64
// bits.
func hash128(flag, userID string) uint64 {
	h := fnv.New128a()
	_, _ = h.Write([]byte(flag + ":" + userID))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[8:])
}

// ParseStrategy validates a strategy string from config or CLI.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyOff, StrategyOn, StrategyPercentage, StrategyUserWhitelist,
		StrategyGroupWhitelist, StrategyGradual, StrategyCanary, StrategyAB:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}
