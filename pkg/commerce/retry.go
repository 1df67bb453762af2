package commerce

import (
	"context"
	"time"
)

func (policy RetryPolicy) normalized() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if policy.Attempts <= 0 {
		policy.Attempts = defaults.Attempts
	}
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = defaults.InitialBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.CallTimeout <= 0 {
		policy.CallTimeout = defaults.CallTimeout
	}
	return policy
}

// withRetry runs call under a per-attempt timeout, retrying transient failures
// with exponential backoff until the policy's attempts are spent.
func withRetry[T any](ctx context.Context, policy RetryPolicy, call func(ctx context.Context) (T, error)) (T, error) {
	backoff := policy.InitialBackoff
	var (
		value T
		err   error
	)
	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		value, err = callWithTimeout(ctx, policy.CallTimeout, call)
		if err == nil || !IsTransient(err) || attempt == policy.Attempts {
			return value, err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}
	return value, err
}

func callWithTimeout[T any](ctx context.Context, timeout time.Duration, call func(ctx context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return call(callCtx)
}
