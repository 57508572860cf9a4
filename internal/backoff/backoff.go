// Package backoff provides exponential backoff with jitter for the
// retry discipline applied to transient model and store errors.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrAttemptsExhausted is returned when all retry attempts failed.
var ErrAttemptsExhausted = errors.New("max retry attempts exhausted")

// Policy defines exponential backoff parameters.
type Policy struct {
	// Initial is the first delay.
	Initial time.Duration
	// Max caps any single delay.
	Max time.Duration
	// MaxTotal caps the summed delay across all attempts; zero means
	// no cap.
	MaxTotal time.Duration
	// Factor is the exponential growth factor per attempt.
	Factor float64
	// Jitter is the randomization fraction (0.0 to 1.0) added to each
	// delay.
	Jitter float64
	// MaxAttempts bounds the number of tries.
	MaxAttempts int
}

// DefaultPolicy matches the orchestrator's retry discipline for
// transient errors: 3 attempts, 200ms initial, capped total delay.
func DefaultPolicy() Policy {
	return Policy{
		Initial:     200 * time.Millisecond,
		Max:         5 * time.Second,
		MaxTotal:    15 * time.Second,
		Factor:      2,
		Jitter:      0.2,
		MaxAttempts: 3,
	}
}

// Delay computes the delay before retrying after the given attempt
// (1-indexed). The formula is initial * factor^(attempt-1) plus up to
// Jitter of that as random slack, clamped to Max.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no crypto randomness
}

// delayWithRand is the deterministic core, used directly by tests.
func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep waits for d, respecting context cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs fn up to MaxAttempts times with backoff between failures.
// The retryable predicate decides whether an error is worth another
// attempt; non-retryable errors surface immediately. The cumulative
// sleep never exceeds MaxTotal.
func Retry[T any](ctx context.Context, p Policy, retryable func(error) bool, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error
	var slept time.Duration

	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		if retryable != nil && !retryable(err) {
			return zero, err
		}
		lastErr = err

		if attempt < attempts {
			d := p.Delay(attempt)
			if p.MaxTotal > 0 && slept+d > p.MaxTotal {
				d = p.MaxTotal - slept
			}
			if d <= 0 {
				break
			}
			if err := Sleep(ctx, d); err != nil {
				return zero, err
			}
			slept += d
		}
	}

	return zero, errors.Join(ErrAttemptsExhausted, lastErr)
}
