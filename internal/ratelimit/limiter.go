// Package ratelimit throttles outgoing model requests.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures request throttling.
type Config struct {
	// MaxRequestsPerMinute caps outgoing requests. 0 disables throttling.
	MaxRequestsPerMinute int `yaml:"max_requests_per_minute"`
}

// DefaultConfig returns the default configuration (throttling disabled).
func DefaultConfig() Config {
	return Config{MaxRequestsPerMinute: 0}
}

// Interval returns the minimum spacing between calls for a per-minute limit.
func Interval(perMinute int) time.Duration {
	if perMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(perMinute)
}

// Throttle spaces calls at least 60s/limit apart. It is a bucket of one:
// a call made within the interval of the previous one blocks for the
// remainder, idle time never accumulates into bursts.
type Throttle struct {
	mu        sync.Mutex
	perMinute int
	limiter   *rate.Limiter
}

// NewThrottle creates a throttle for perMinute requests (0 = disabled).
func NewThrottle(perMinute int) *Throttle {
	t := &Throttle{}
	t.SetLimit(perMinute)
	return t
}

// SetLimit changes the limit; 0 disables throttling.
func (t *Throttle) SetLimit(perMinute int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if perMinute == t.perMinute && (perMinute <= 0) == (t.limiter == nil) {
		return
	}
	t.perMinute = perMinute
	if perMinute <= 0 {
		t.limiter = nil
		return
	}
	t.limiter = rate.NewLimiter(rate.Every(Interval(perMinute)), 1)
}

// Limit returns the configured requests per minute.
func (t *Throttle) Limit() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.perMinute
}

// Wait blocks until the next call is allowed and returns how long it
// waited. It returns early with ctx.Err() if ctx is done first.
func (t *Throttle) Wait(ctx context.Context) (time.Duration, error) {
	t.mu.Lock()
	limiter := t.limiter
	t.mu.Unlock()
	if limiter == nil {
		return 0, nil
	}

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return time.Since(start), err
	}
	return time.Since(start), nil
}
