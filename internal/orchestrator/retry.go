package orchestrator

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// #region constants

const (
	maxRetries   = 2 // max 2 retries = 3 total attempts
	retryBackoff = 50 * time.Millisecond
)

// #endregion

// #region should-retry

// retryable reports whether err is a transient transport failure worth
// another attempt. Deadline and cancellation are final.
func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

// #endregion

// #region with-retry

// withRetry runs fn until it succeeds, fails permanently, runs out of
// attempts or ctx ends. Backoff doubles between attempts.
func withRetry[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var (
		out T
		err error
	)
	wait := retryBackoff
	for attempt := 0; attempt <= maxRetries; attempt++ {
		out, err = fn(ctx)
		if err == nil || !retryable(err) || attempt == maxRetries {
			return out, err
		}
		select {
		case <-ctx.Done():
			return out, err
		case <-time.After(wait):
		}
		wait *= 2
	}
	return out, err
}

// #endregion
