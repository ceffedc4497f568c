package embedkit

import (
	"context"
	"errors"
	"time"
)

// IsRetryable reports whether err is a transient condition that may clear
// on its own: an overlapping operation, a saturated pool, or an engine lock
// or statement timeout.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsBusy(err) || IsPoolExhausted(err) {
		return true
	}
	return categoryOf(err) == CategoryTimeout
}

// Retry calls fn up to maxRetries times while it fails with a retryable
// error, backing off briefly between attempts.
//
// Usage:
//
//	err := embedkit.Retry(ctx, 3, func() error {
//	    return pool.WithTransaction(ctx, func(tx *embedkit.Tx) error {
//	        return tx.Exec(ctx, "UPDATE counters SET n = n + 1")
//	    })
//	})
func Retry(ctx context.Context, maxRetries int, fn func() error) error {
	var lastErr error
	backoff := 10 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		lastErr = err

		if i == maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
