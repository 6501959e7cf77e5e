package errors

import (
	"context"
	"time"
)

// RetryPolicy defines the retry behavior applied to a specific error kind.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of retry attempts (0 means no retry).
	MaxAttempts int `yaml:"max_attempts"`

	// InitialDelay is the starting backoff duration.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// MaxDelay is the maximum backoff duration.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Multiplier is the backoff multiplier (default: 2.0).
	Multiplier float64 `yaml:"multiplier"`

	// JitterPercent is the jitter percentage (default: 0.1 for 10%).
	JitterPercent float64 `yaml:"jitter_percent"`
}

// DefaultRetryPolicies returns the default retry policies per error kind.
// Conflict retries happen at cycle scope; the policy here bounds the
// attempts and spaces them so competing writers interleave.
func DefaultRetryPolicies() map[Kind]*RetryPolicy {
	return map[Kind]*RetryPolicy{
		KindTransient:      defaultTransientPolicy(),
		KindConflict:       defaultConflictPolicy(),
		KindPermanent:      defaultNoRetryPolicy(),
		KindInfrastructure: defaultNoRetryPolicy(),
		KindDrift:          defaultNoRetryPolicy(),
	}
}

func defaultTransientPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0.1,
	}
}

func defaultConflictPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		Multiplier:    2.0,
		JitterPercent: 0.2,
	}
}

func defaultNoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{}
}

// GetRetryPolicy returns the default retry policy for a given error kind.
func GetRetryPolicy(kind Kind) *RetryPolicy {
	policies := DefaultRetryPolicies()
	if policy, ok := policies[kind]; ok {
		return policy
	}
	return defaultNoRetryPolicy()
}

// RetryExecutor executes operations with retry logic based on error kinds.
type RetryExecutor struct {
	policies map[Kind]*RetryPolicy
}

// NewRetryExecutor creates a RetryExecutor with the given policies.
// A nil map uses the defaults.
func NewRetryExecutor(policies map[Kind]*RetryPolicy) *RetryExecutor {
	if policies == nil {
		policies = DefaultRetryPolicies()
	}
	return &RetryExecutor{policies: policies}
}

// Execute runs fn with the retry policy of the given kind.
// Returns the last error if all attempts fail.
func (e *RetryExecutor) Execute(ctx context.Context, kind Kind, fn func() error) error {
	policy := e.getPolicy(kind)
	if policy.MaxAttempts <= 0 {
		return fn()
	}
	return e.executeWithRetry(ctx, policy, fn)
}

// ExecuteClassified runs fn and reclassifies the error on every attempt:
// the retry only continues while the returned error's own kind is
// retryable at operation scope. A transient store error that turns
// permanent mid-way stops retrying immediately.
func (e *RetryExecutor) ExecuteClassified(ctx context.Context, fn func() error) error {
	policy := e.getPolicy(KindTransient)
	var lastErr error

	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		behavior := BehaviorFor(lastErr)
		if !behavior.ShouldRetry || behavior.Scope != ScopeOperation {
			return lastErr
		}
		if attempt >= policy.MaxAttempts {
			return lastErr
		}

		delay := AddJitter(CalculateDelay(attempt, policy), policy.JitterPercent)
		if err := waitBeforeRetry(ctx, delay); err != nil {
			return lastErr
		}
	}

	return lastErr
}

func (e *RetryExecutor) getPolicy(kind Kind) *RetryPolicy {
	if policy, ok := e.policies[kind]; ok {
		return policy
	}
	return defaultNoRetryPolicy()
}

func (e *RetryExecutor) executeWithRetry(ctx context.Context, policy *RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt >= policy.MaxAttempts {
			return lastErr
		}

		delay := AddJitter(CalculateDelay(attempt, policy), policy.JitterPercent)
		if err := waitBeforeRetry(ctx, delay); err != nil {
			return lastErr
		}
	}

	return lastErr
}

// waitBeforeRetry waits for the delay or returns early on context cancel.
func waitBeforeRetry(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
