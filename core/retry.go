package core

import (
	"context"
	"math"
	"time"
)

const (
	DefaultMaxRetries        = 3
	DefaultRetryBaseDelay    = time.Second
	DefaultBackoffMultiplier = 2.0
)

// RetryOptions configures WithRetry. A nil Retryable retries every error.
type RetryOptions struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	Retryable         func(error) bool
	// OnRetry is called before each wait with the zero-based retry index.
	OnRetry func(retry int, delay time.Duration, err error)
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		MaxRetries:        DefaultMaxRetries,
		BaseDelay:         DefaultRetryBaseDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

func (o RetryOptions) normalized() RetryOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.BaseDelay < 0 {
		o.BaseDelay = 0
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return o
}

// Delay returns the wait before retry n, counting from zero.
func (o RetryOptions) Delay(retry int) time.Duration {
	o = o.normalized()
	if retry < 0 {
		retry = 0
	}
	delay := float64(o.BaseDelay) * math.Pow(o.BackoffMultiplier, float64(retry))
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// WithRetry runs op up to MaxRetries+1 times. When attempts run out, or the
// error is not retryable, the last error is returned as-is.
func WithRetry[T any](ctx context.Context, op func(ctx context.Context) (T, error), options RetryOptions) (T, error) {
	options = options.normalized()
	if ctx == nil {
		ctx = context.Background()
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= options.MaxRetries; attempt++ {
		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt == options.MaxRetries {
			break
		}
		if options.Retryable != nil && !options.Retryable(err) {
			break
		}
		delay := options.Delay(attempt)
		if options.OnRetry != nil {
			options.OnRetry(attempt, delay, err)
		}
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			break
		}
	}
	return zero, lastErr
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
