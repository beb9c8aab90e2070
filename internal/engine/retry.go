package engine

import (
	"context"
	"errors"
	"time"

	"github.com/pipewright/pipewright/pkg/schema"
)

// Backoff strategy names accepted in a retry policy.
const (
	BackoffNone        = "none"
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

const (
	defaultRetryDelay = 1 * time.Second
	defaultMaxDelay   = 30 * time.Second
)

// IsRetryableError reports whether a step failure qualifies for retry.
// Only processing and timeout failures do; schema, shape and identity
// errors are deterministic and retrying them cannot succeed.
func IsRetryableError(err error) bool {
	var opErr *schema.Error
	if errors.As(err, &opErr) {
		return opErr.IsRetryable()
	}
	return false
}

// ComputeBackoff returns the wait before the given 1-based retry attempt.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || attempt < 1 {
		return 0
	}

	delay := defaultRetryDelay
	if policy.Delay != "" {
		if d, err := time.ParseDuration(policy.Delay); err == nil {
			delay = d
		}
	}
	maxDelay := defaultMaxDelay
	if policy.MaxDelay != "" {
		if d, err := time.ParseDuration(policy.MaxDelay); err == nil {
			maxDelay = d
		}
	}

	var wait time.Duration
	switch policy.Backoff {
	case BackoffNone:
		return 0
	case BackoffLinear:
		wait = delay * time.Duration(attempt)
	case BackoffExponential:
		wait = delay
		for i := 1; i < attempt; i++ {
			wait *= 2
			if wait > maxDelay {
				break
			}
		}
	default: // constant
		wait = delay
	}

	if wait > maxDelay {
		wait = maxDelay
	}
	return wait
}

// WaitForBackoff sleeps for the computed backoff, returning early with a
// CANCELLED error if the context is done.
func WaitForBackoff(ctx context.Context, policy *schema.RetryPolicy, attempt int) error {
	wait := ComputeBackoff(policy, attempt)
	if wait <= 0 {
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run cancelled during retry backoff").
				WithCause(err)
		}
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "run cancelled during retry backoff").
			WithCause(ctx.Err())
	case <-timer.C:
		return nil
	}
}
