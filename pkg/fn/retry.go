package fn

import (
	"context"
	"math/rand"
	"time"
)

// RetryOpts configures retry behavior. MaxAttempts <= 1 means a single call.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Jitter      bool
	// Retryable filters which errors are retried. nil retries every error.
	Retryable func(error) bool
	// Sleep replaces the context-aware timer, for tests.
	Sleep func(context.Context, time.Duration) error
}

// Retry retries f up to MaxAttempts times with exponential backoff.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var result Result[T]
	wait := opts.InitialWait
	for attempt := 0; attempt < attempts; attempt++ {
		result = f(ctx)
		if result.IsOk() {
			return result
		}
		if attempt == attempts-1 {
			break
		}
		if opts.Retryable != nil && !opts.Retryable(result.err) {
			break
		}
		if err := ctx.Err(); err != nil {
			return Err[T](err)
		}

		d := wait
		if opts.Jitter {
			d = time.Duration(float64(wait) * (0.5 + rand.Float64()))
		}
		if opts.MaxWait > 0 && d > opts.MaxWait {
			d = opts.MaxWait
		}
		if err := sleep(ctx, d); err != nil {
			return Err[T](err)
		}

		wait *= 2
		if opts.MaxWait > 0 && wait > opts.MaxWait {
			wait = opts.MaxWait
		}
	}
	return result
}

// RetryPair is Retry for functions returning (T, error).
func RetryPair[T any](ctx context.Context, opts RetryOpts, f func(context.Context) (T, error)) (T, error) {
	return Retry(ctx, opts, func(ctx context.Context) Result[T] {
		return FromPair(f(ctx))
	}).Unwrap()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
