package store

import (
	"context"
	"math/rand/v2"
	"time"
)

// WithRetry executes fn, retrying up to maxRetries times while fn returns a
// retriable error. Retries use jittered exponential backoff starting at baseDelay.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	var err error
	for attempt := range maxRetries + 1 {
		err = fn()
		if err == nil || !IsRetriable(err) {
			return err
		}
		if attempt == maxRetries {
			break
		}
		delay := baseDelay
		if baseDelay > 0 {
			delay += time.Duration(rand.Int64N(int64(baseDelay))) //nolint:gosec // jitter only
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		baseDelay *= 2
	}
	return err
}
