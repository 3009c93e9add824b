package producer

import (
	"context"
	"time"
)

// RetryPolicy bounds handler retries. Only errors classified retryable are
// retried; a provider-requested backoff takes precedence over the computed
// delay.
type RetryPolicy struct {
	// MaxAttempts caps total invocations, including the first.
	MaxAttempts int
	// BaseDelay seeds the exponential backoff.
	BaseDelay time.Duration
	// MaxDelay caps a single backoff wait.
	MaxDelay time.Duration
}

// DefaultRetryPolicy returns the executor's standard policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
}

// Retry invokes fn up to the policy's attempt budget. fn receives the attempt
// number starting at 1. Non-retryable errors and context cancellation return
// immediately; exhaustion returns the last error.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		pe, ok := AsError(err)
		if !ok || !pe.Retryable() || attempt == policy.MaxAttempts {
			return err
		}
		delay := policy.BaseDelay << (attempt - 1)
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
		if ra := pe.RetryAfter(); ra > 0 {
			delay = ra
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
