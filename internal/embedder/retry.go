package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"
)

const (
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// withRetry calls fn until it succeeds, fails with something other than a
// rate limit, or runs out of attempts. The wait doubles each attempt unless
// the server said how long to wait.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := range attempts {
		err := fn()
		if err == nil {
			return nil
		}
		var rl *rateLimitError
		if !errors.As(err, &rl) {
			return err
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}

		backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
		if rl.retryAfter > 0 {
			backoff = rl.retryAfter
		}
		backoff = min(backoff, maxBackoff)
		slog.Default().Warn("embedding provider rate limited", "attempt", attempt+1, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("rate limited after %d attempts: %w", attempts, lastErr)
}
