// Package retry provides backoff policies for optimistic-concurrency append
// loops, subscription polling and other transient-failure retries.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy defines retry behavior.
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Zero or negative means retry until the context ends.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries. Zero means uncapped.
	MaxDelay time.Duration

	// Multiplier is the backoff multiplier applied after each retry.
	Multiplier float64

	// Jitter is a random factor (0-1) applied to the delay.
	// 0.1 spreads each delay over [0.9d, 1.1d].
	Jitter float64
}

// Default returns a general purpose policy:
// 3 attempts, 1 second initial delay, 30 second max, 2x multiplier, 10% jitter.
func Default() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// Conflict returns a policy for re-reading a stream and retrying an append
// after a concurrency conflict. Delays are short since the competing writer
// has already committed.
func Conflict() *Policy {
	return &Policy{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     500 * time.Millisecond,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Poll returns an unbounded policy for background loops such as
// subscriptions, backing off from 100ms to 5s.
func Poll() *Policy {
	return &Policy{
		MaxAttempts:  0,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// NoRetry returns a policy that doesn't retry.
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1, Multiplier: 1.0}
}

// NextDelay calculates the delay before retry number attempt.
// Attempt is 1-indexed (attempt 1 is the first retry, after the initial try).
// Returns 0 for attempt 0 or negative attempts.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}

	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	// attempt n -> InitialDelay * Multiplier^(n-1)
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		delay *= 1 - p.Jitter + 2*p.Jitter*rand.Float64()
	}
	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt should follow the failed
// attempt number attempt (1-indexed). Permanent errors and context
// cancellation are never retried.
func (p *Policy) ShouldRetry(attempt int, err error) bool {
	if err != nil && (IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return false
	}
	if p.MaxAttempts <= 0 {
		return true
	}
	return attempt < p.MaxAttempts
}

// Wait sleeps for NextDelay(attempt) or until ctx is done.
func (p *Policy) Wait(ctx context.Context, attempt int) error {
	d := p.NextDelay(attempt)
	if d <= 0 {
		return ctx.Err()
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

// Do calls fn until it succeeds, ShouldRetry says stop, or ctx ends.
// The last error is returned.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !p.ShouldRetry(attempt, err) {
			return unwrapPermanent(err)
		}
		if werr := p.Wait(ctx, attempt); werr != nil {
			return err
		}
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

func unwrapPermanent(err error) error {
	var pe *permanentError
	if errors.As(err, &pe) && pe == err {
		return pe.err
	}
	return err
}
