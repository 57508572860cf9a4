package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orchlabs/orch/pkg/models"
)

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	b := New(cfg, nil, nil)
	b.nowFn = func() time.Time { return now }
	b.lastStateChange = now
	return b, &now
}

func TestOpensAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b.RecordFailure(ctx)
		if err := b.ShouldAdmit(ctx, "openai", "amy_cfo"); err != nil {
			t.Fatalf("admit after %d failures: %v", i+1, err)
		}
	}
	b.RecordFailure(ctx)
	if err := b.ShouldAdmit(ctx, "openai", "amy_cfo"); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestHalfOpenProbeLifecycle(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		RecoveryTimeout:  time.Minute,
		HalfOpenMaxCalls: 1,
	})
	ctx := context.Background()

	b.RecordFailure(ctx)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	// Before the recovery timeout nothing is admitted.
	if err := b.ShouldAdmit(ctx, "openai", "a"); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}

	*now = now.Add(time.Minute + time.Second)
	if err := b.ShouldAdmit(ctx, "openai", "a"); err != nil {
		t.Fatalf("probe admit: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}

	// Only one concurrent probe is allowed.
	if err := b.ShouldAdmit(ctx, "openai", "a"); !errors.Is(err, ErrOpen) {
		t.Fatalf("second probe err = %v, want ErrOpen", err)
	}

	b.RecordSuccess(ctx)
	if b.State() != StateHalfOpen {
		t.Fatalf("one success should not close, state = %s", b.State())
	}
	if err := b.ShouldAdmit(ctx, "openai", "a"); err != nil {
		t.Fatalf("second probe admit: %v", err)
	}
	b.RecordSuccess(ctx)
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed after %d successes", b.State(), 2)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	b.RecordFailure(ctx)
	*now = now.Add(2 * time.Minute)
	if err := b.ShouldAdmit(ctx, "openai", "a"); err != nil {
		t.Fatal(err)
	}
	b.RecordFailure(ctx)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
}

func TestBudgetExceededOpensFromHalfOpen(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Minute})
	ctx := context.Background()

	b.RecordFailure(ctx)
	*now = now.Add(2 * time.Minute)
	if err := b.ShouldAdmit(ctx, "openai", "a"); err != nil {
		t.Fatal(err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want half_open", b.State())
	}

	b.ObserveBudget(ctx, models.BudgetExceeded)
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open after budget exceeded", b.State())
	}

	// Even after the recovery timeout, the budget latch blocks probes.
	*now = now.Add(2 * time.Minute)
	if err := b.ShouldAdmit(ctx, "openai", "a"); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen while budget latched", err)
	}

	// Releasing the latch lets the normal recovery path run.
	b.ObserveBudget(ctx, models.BudgetHealthy)
	if err := b.ShouldAdmit(ctx, "openai", "a"); err != nil {
		t.Fatalf("post-release admit: %v", err)
	}
}

func TestSuspensionAutoResume(t *testing.T) {
	b, now := newTestBreaker(Config{})
	ctx := context.Background()

	b.Suspend(ctx, "provider:openai", now.Add(10*time.Minute))
	if err := b.ShouldAdmit(ctx, "openai", "a"); !errors.Is(err, ErrSuspended) {
		t.Fatalf("err = %v, want ErrSuspended", err)
	}
	// Other providers are unaffected.
	if err := b.ShouldAdmit(ctx, "anthropic", "a"); err != nil {
		t.Fatalf("other provider: %v", err)
	}

	b.Suspend(ctx, "agent:amy_cfo", now.Add(10*time.Minute))
	if err := b.ShouldAdmit(ctx, "anthropic", "amy_cfo"); !errors.Is(err, ErrSuspended) {
		t.Fatalf("agent scope err = %v, want ErrSuspended", err)
	}

	*now = now.Add(11 * time.Minute)
	if err := b.ShouldAdmit(ctx, "openai", "amy_cfo"); err != nil {
		t.Fatalf("after deadline: %v", err)
	}
	if len(b.Suspensions()) != 0 {
		t.Errorf("suspensions = %v, want empty", b.Suspensions())
	}
}

func TestOverride(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold: 1,
		OverrideSecret:   "shh",
		OverrideWindow:   5 * time.Minute,
	})
	ctx := context.Background()

	b.RecordFailure(ctx)
	b.ObserveBudget(ctx, models.BudgetExceeded)

	if err := b.Override(ctx, "not-a-code", 10*time.Minute); !errors.Is(err, ErrBadOverride) {
		t.Fatalf("bad code err = %v, want ErrBadOverride", err)
	}
	if b.State() != StateOpen {
		t.Fatal("bad code must not change state")
	}

	// A code minted two minutes ago is still within the window.
	code := OverrideCode("shh", now.Add(-2*time.Minute).Unix()/60)
	if err := b.Override(ctx, code, 10*time.Minute); err != nil {
		t.Fatalf("override: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
	if err := b.ShouldAdmit(ctx, "openai", "a"); err != nil {
		t.Fatalf("post-override admit: %v", err)
	}
}

func TestOverrideExpiryReevaluatesBudget(t *testing.T) {
	b, now := newTestBreaker(Config{
		FailureThreshold: 1,
		OverrideSecret:   "shh",
	})
	ctx := context.Background()

	b.ObserveBudget(ctx, models.BudgetExceeded)
	code := OverrideCode("shh", now.Unix()/60)
	if err := b.Override(ctx, code, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := b.ShouldAdmit(ctx, "openai", "a"); err != nil {
		t.Fatalf("admit during override: %v", err)
	}

	// The window ends with the budget still exceeded; the circuit
	// reopens.
	*now = now.Add(11 * time.Minute)
	if err := b.ShouldAdmit(ctx, "openai", "a"); !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen after expiry", err)
	}

	// A second override with the budget recovered stays closed after
	// expiry.
	code = OverrideCode("shh", now.Unix()/60)
	if err := b.Override(ctx, code, 10*time.Minute); err != nil {
		t.Fatal(err)
	}
	b.ObserveBudget(ctx, models.BudgetHealthy)
	*now = now.Add(11 * time.Minute)
	if err := b.ShouldAdmit(ctx, "openai", "a"); err != nil {
		t.Fatalf("admit after clean expiry: %v", err)
	}
}

func TestOverrideDurationCapped(t *testing.T) {
	b, now := newTestBreaker(Config{
		OverrideSecret:      "shh",
		MaxOverrideDuration: 30 * time.Minute,
	})
	ctx := context.Background()

	code := OverrideCode("shh", now.Unix()/60)
	if err := b.Override(ctx, code, 6*time.Hour); err != nil {
		t.Fatal(err)
	}
	if want := now.Add(30 * time.Minute); !b.overrideUntil.Equal(want) {
		t.Errorf("overrideUntil = %v, want %v", b.overrideUntil, want)
	}
}

func TestParseScope(t *testing.T) {
	for _, ok := range []string{"provider:openai", "agent:amy_cfo"} {
		if _, err := ParseScope(ok); err != nil {
			t.Errorf("ParseScope(%q): %v", ok, err)
		}
	}
	for _, bad := range []string{"openai", "model:gpt", "provider:", ""} {
		if _, err := ParseScope(bad); err == nil {
			t.Errorf("ParseScope(%q): expected error", bad)
		}
	}
}
