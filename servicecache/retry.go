package servicecache

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/goliatone/go-entity-cache/cache"
)

// WithRetry wraps fetch with exponential backoff, giving up after
// maxRetries additional attempts or when ctx is done. The cache itself never
// retries a fetch; this is the composable way to opt in.
//
// Use backoff.Permanent inside fetch to mark errors that should not be
// retried (e.g. "not found").
func WithRetry[T any](maxRetries uint64, fetch cache.FetchFn[T]) cache.FetchFn[T] {
	return func(ctx context.Context) (T, error) {
		var out T
		operation := func() error {
			v, err := fetch(ctx)
			if err != nil {
				return err
			}
			out = v
			return nil
		}

		policy := backoff.WithContext(
			backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
		if err := backoff.Retry(operation, policy); err != nil {
			var zero T
			return zero, err
		}
		return out, nil
	}
}

// WithTimeout bounds each invocation of fetch. The cache never applies a
// timeout of its own; a hung fetch otherwise blocks its key until the
// in-flight watchdog clears it.
func WithTimeout[T any](timeout time.Duration, fetch cache.FetchFn[T]) cache.FetchFn[T] {
	return func(ctx context.Context) (T, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fetch(ctx)
	}
}
