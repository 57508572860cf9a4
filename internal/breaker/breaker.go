// Package breaker guards model spend and provider health with a
// circuit breaker.
//
// The breaker is the single admission oracle for new turns: the
// orchestrator asks ShouldAdmit before every model call. It opens on
// consecutive provider failures or on budget exhaustion, probes through
// half_open after the recovery timeout, and supports HMAC-signed
// emergency overrides plus per-scope suspensions with auto-resume.
package breaker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orchlabs/orch/internal/observability"
	"github.com/orchlabs/orch/pkg/models"
)

// State is a circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker errors.
var (
	// ErrOpen is returned when the circuit rejects an admission.
	ErrOpen = errors.New("breaker: circuit open")

	// ErrSuspended is returned when the requested scope is suspended.
	ErrSuspended = errors.New("breaker: scope suspended")

	// ErrBadOverride is returned for an invalid override code.
	ErrBadOverride = errors.New("breaker: invalid override code")
)

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the consecutive failure count that opens the
	// circuit.
	FailureThreshold int

	// SuccessThreshold is the consecutive success count in half_open
	// that closes it.
	SuccessThreshold int

	// RecoveryTimeout is how long the circuit stays open before
	// admitting probes.
	RecoveryTimeout time.Duration

	// HalfOpenMaxCalls bounds in-flight probes while half_open.
	HalfOpenMaxCalls int

	// OverrideSecret signs emergency override codes. Empty disables
	// overrides.
	OverrideSecret string

	// OverrideWindow bounds how old an override code may be.
	OverrideWindow time.Duration

	// MaxOverrideDuration caps how long one override may force the
	// circuit closed.
	MaxOverrideDuration time.Duration
}

// Breaker is the admission oracle.
type Breaker struct {
	config   Config
	recorder *observability.Recorder
	logger   *observability.Logger

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenInUse   int
	lastStateChange time.Time

	// suspensions maps scope keys ("provider:openai", "agent:amy_cfo")
	// to resume deadlines.
	suspensions map[string]time.Time

	// budgetExceeded latches until the budget recovers or an override
	// arrives.
	budgetExceeded bool

	// overrideUntil forces the circuit closed while in the future.
	overrideUntil time.Time

	nowFn func() time.Time
}

// New creates a breaker in the closed state.
func New(config Config, recorder *observability.Recorder, logger *observability.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 2
	}
	if config.OverrideWindow <= 0 {
		config.OverrideWindow = 5 * time.Minute
	}
	if config.MaxOverrideDuration <= 0 {
		config.MaxOverrideDuration = time.Hour
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if recorder == nil {
		recorder = observability.NewRecorder(logger)
	}
	return &Breaker{
		config:          config,
		recorder:        recorder,
		logger:          logger,
		state:           StateClosed,
		suspensions:     map[string]time.Time{},
		lastStateChange: time.Now(),
		nowFn:           time.Now,
	}
}

// State returns the current circuit state, applying any due
// open -> half_open transition first.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeProbe()
	return b.state
}

// ShouldAdmit decides whether a new turn for (provider, agent) may
// proceed. It checks, in order: scope suspensions, the budget latch,
// and the circuit state. half_open admits up to HalfOpenMaxCalls
// concurrent probes.
func (b *Breaker) ShouldAdmit(ctx context.Context, provider, agentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	if b.overrideActive(ctx, now) {
		return nil
	}
	for _, scope := range []string{"provider:" + provider, "agent:" + agentID} {
		if until, ok := b.suspensions[scope]; ok {
			if now.Before(until) {
				return fmt.Errorf("%w: %s until %s", ErrSuspended, scope, until.UTC().Format(time.RFC3339))
			}
			delete(b.suspensions, scope)
			b.logger.Info(ctx, "suspension expired", "scope", scope)
		}
	}

	if b.budgetExceeded {
		return fmt.Errorf("%w: budget exceeded", ErrOpen)
	}

	b.maybeProbe()
	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.halfOpenInUse >= b.config.HalfOpenMaxCalls {
			return ErrOpen
		}
		b.halfOpenInUse++
		return nil
	default:
		return ErrOpen
	}
}

// overrideActive reports whether an override window is in force. An
// expired window re-evaluates the budget latch: the circuit reopens
// when spend is still exceeded. Caller holds the lock.
func (b *Breaker) overrideActive(ctx context.Context, now time.Time) bool {
	if b.overrideUntil.IsZero() {
		return false
	}
	if now.Before(b.overrideUntil) {
		return true
	}
	b.overrideUntil = time.Time{}
	if b.budgetExceeded {
		b.transition(ctx, StateOpen, "override expired with budget still exceeded")
	} else {
		b.logger.Info(ctx, "override expired")
	}
	return false
}

// maybeProbe moves open to half_open once the recovery timeout elapses.
// Caller holds the lock.
func (b *Breaker) maybeProbe() {
	if b.state == StateOpen && b.nowFn().Sub(b.lastStateChange) >= b.config.RecoveryTimeout {
		b.transition(context.Background(), StateHalfOpen, "recovery timeout elapsed")
	}
}

// RecordSuccess reports a completed turn.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if b.halfOpenInUse > 0 {
			b.halfOpenInUse--
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(ctx, StateClosed, "probe successes reached threshold")
		}
	case StateClosed:
		b.failures = 0
	}
}

// RecordFailure reports a failed turn. In half_open a single failure
// reopens the circuit.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		if b.halfOpenInUse > 0 {
			b.halfOpenInUse--
		}
		b.transition(ctx, StateOpen, "probe failed")
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transition(ctx, StateOpen, "failure threshold reached")
		}
	}
}

// ObserveBudget feeds the latest budget classification into the
// breaker. An exceeded budget opens the circuit from ANY state,
// including half_open; recovery to a non-exceeded status releases the
// latch but leaves the circuit to recover through its normal path.
func (b *Breaker) ObserveBudget(ctx context.Context, status models.BudgetStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if status == models.BudgetExceeded {
		if !b.budgetExceeded {
			b.budgetExceeded = true
			b.transition(ctx, StateOpen, "budget exceeded")
		}
		return
	}
	if b.budgetExceeded {
		b.budgetExceeded = false
		b.logger.Info(ctx, "budget latch released", "status", string(status))
	}
}

// Suspend blocks a scope ("provider:openai" or "agent:amy_cfo") until
// the deadline. Suspensions auto-resume on the next admission check
// after the deadline.
func (b *Breaker) Suspend(ctx context.Context, scope string, until time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspensions[scope] = until
	b.recorder.Record(ctx, observability.EventSecurityEvent, map[string]any{
		"action": "suspend",
		"scope":  scope,
		"until":  until.UTC().Format(time.RFC3339),
	})
}

// Suspensions returns a snapshot of active suspensions.
func (b *Breaker) Suspensions() map[string]time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]time.Time, len(b.suspensions))
	now := b.nowFn()
	for k, v := range b.suspensions {
		if now.Before(v) {
			out[k] = v
		}
	}
	return out
}

// Check re-evaluates timed transitions. The server runs it on a cron
// cadence so an idle breaker still leaves open state on schedule.
func (b *Breaker) Check(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.nowFn()
	b.overrideActive(ctx, now)
	b.maybeProbe()
	for scope, until := range b.suspensions {
		if !now.Before(until) {
			delete(b.suspensions, scope)
			b.logger.Info(ctx, "suspension expired", "scope", scope)
		}
	}
}

// OverrideCode computes the override code for the given unix minute.
// Operators generate codes out of band with the shared secret.
func OverrideCode(secret string, minute int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "override:%d", minute)
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// Override force-closes the circuit for the given duration when the
// code verifies. Codes are HMAC-SHA256 over the current unix minute,
// valid within OverrideWindow. The budget latch is not cleared: when
// the override window ends the circuit re-evaluates against the
// current budget state.
func (b *Breaker) Override(ctx context.Context, code string, d time.Duration) error {
	if b.config.OverrideSecret == "" {
		return fmt.Errorf("%w: overrides disabled", ErrBadOverride)
	}
	code = strings.TrimSpace(code)

	now := b.nowFn()
	window := int64(b.config.OverrideWindow / time.Minute)
	valid := false
	for back := int64(0); back <= window; back++ {
		want := OverrideCode(b.config.OverrideSecret, now.Unix()/60-back)
		if hmac.Equal([]byte(code), []byte(want)) {
			valid = true
			break
		}
	}
	if !valid {
		b.recorder.Record(ctx, observability.EventSecurityEvent, map[string]any{
			"action": "override_rejected",
		})
		return ErrBadOverride
	}

	if d <= 0 {
		d = 15 * time.Minute
	}
	if d > b.config.MaxOverrideDuration {
		d = b.config.MaxOverrideDuration
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrideUntil = now.Add(d)
	b.transition(ctx, StateClosed, "emergency override")
	b.recorder.Record(ctx, observability.EventSecurityEvent, map[string]any{
		"action": "override_accepted",
		"until":  b.overrideUntil.UTC().Format(time.RFC3339),
	})
	return nil
}

// transition moves to a new state. Caller holds the lock.
func (b *Breaker) transition(ctx context.Context, to State, reason string) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.halfOpenInUse = 0
	b.lastStateChange = b.nowFn()

	b.logger.Info(ctx, "circuit state change",
		"from", string(from), "to", string(to), "reason", reason)
	b.recorder.Record(ctx, observability.EventDecisionMade, map[string]any{
		"component": "breaker",
		"from":      string(from),
		"to":        string(to),
		"reason":    reason,
	})
}

// ParseScope validates a suspension scope string.
func ParseScope(s string) (string, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", fmt.Errorf("breaker: scope must be provider:<name> or agent:<id>, got %q", s)
	}
	switch parts[0] {
	case "provider", "agent":
		return s, nil
	default:
		return "", fmt.Errorf("breaker: unknown scope kind %q", parts[0])
	}
}

// FormatMinute is a CLI helper exposing the current override minute.
func FormatMinute(t time.Time) string {
	return strconv.FormatInt(t.Unix()/60, 10)
}
