// Package backoff retries vendor calls with exponential backoff and jitter.
package backoff

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is returned when every attempt failed with a retryable error.
var ErrExhausted = errors.New("max retries exceeded")

// Policy shapes the delay between attempts.
type Policy struct {
	// Initial is the delay after the first failure.
	Initial time.Duration
	// Max caps a single delay.
	Max time.Duration
	// Factor multiplies the delay after each failure.
	Factor float64
	// Jitter adds up to this fraction of the delay at random.
	Jitter float64
}

// DefaultPolicy returns the vendor client policy.
// Initial: 1s, Max: 30s, Factor: 2, Jitter: 10%
func DefaultPolicy() Policy {
	return Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay returns the wait before attempt+1, for attempts starting at 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, math.Max(float64(attempt-1), 0))
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(total, float64(p.Max))
	}
	return time.Duration(total)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

// PermanentError marks an error that retry must not repeat.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "non-retryable error: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Retry calls op up to attempts times. An error rejected by retryable stops
// the loop and is returned as a *PermanentError; running out of attempts
// returns ErrExhausted joined with the last error.
func Retry(ctx context.Context, p Policy, attempts int, retryable func(error) bool, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = op()
		if last == nil {
			return nil
		}
		if retryable != nil && !retryable(last) {
			return &PermanentError{Err: last}
		}
		if attempt == attempts {
			break
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return errors.Join(ErrExhausted, last)
}
