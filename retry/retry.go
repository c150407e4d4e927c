// Package retry provides a small bounded-retry policy with exponential
// backoff, used by the event emitter for transient delivery failures.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default delivery policy values.
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 50 * time.Millisecond
	DefaultMultiplier     = 2.0
)

// Permanent wraps err so a Policy stops retrying immediately. Use it for
// failures that cannot succeed on a later attempt, such as a payload that
// does not serialize.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Policy bounds how many times an operation is attempted and how long to
// wait between attempts. The zero value is not usable; use DefaultPolicy or
// fill every field.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration
	// Multiplier scales the backoff after each failed attempt.
	Multiplier float64
	// Sleep is stubbed in tests; nil means a context-aware time.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the bounded delivery policy: 3 attempts with 50ms
// backoff doubling between attempts (50ms, 100ms).
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		Multiplier:     DefaultMultiplier,
	}
}

// Do runs fn until it succeeds, the attempt budget is exhausted, fn returns a
// Permanent error, or ctx is cancelled. It returns nil on success; otherwise
// the last error from fn, annotated with the attempt count when the budget
// ran out.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	backoff := p.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		if err := sleep(ctx, backoff); err != nil {
			return lastErr
		}
		if p.Multiplier > 0 {
			backoff = time.Duration(float64(backoff) * p.Multiplier)
		}
	}

	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
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
