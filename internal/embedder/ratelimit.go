package embedder

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiter paces requests to a hosted provider with a token bucket and holds
// all requests back after a 429 until the server's retry window passes.
// A nil limiter never waits.
type limiter struct {
	mu      sync.Mutex
	bucket  *rate.Limiter
	retryAt time.Time
}

// newLimiter allows rps requests per second with a burst of the same size,
// at least 1. rps <= 0 disables pacing.
func newLimiter(rps float64) *limiter {
	if rps <= 0 {
		return nil
	}
	return &limiter{bucket: rate.NewLimiter(rate.Limit(rps), max(1, int(rps)))}
}

func (l *limiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	retryAt := l.retryAt
	l.mu.Unlock()

	if d := time.Until(retryAt); d > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return l.bucket.Wait(ctx)
}

// Penalize blocks new requests for d. Zero d is ignored.
func (l *limiter) Penalize(d time.Duration) {
	if l == nil || d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if at := time.Now().Add(d); at.After(l.retryAt) {
		l.retryAt = at
	}
}
