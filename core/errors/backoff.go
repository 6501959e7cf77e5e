package errors

import (
	"math"
	"math/rand"
	"time"
)

// CalculateDelay computes the backoff delay for a given attempt using
// exponential backoff: delay = initial * (multiplier ^ attempt), capped at
// the policy's max delay.
func CalculateDelay(attempt int, policy *RetryPolicy) time.Duration {
	if policy == nil {
		return 0
	}

	multiplier := policy.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	factor := math.Pow(multiplier, float64(attempt))
	delay := time.Duration(float64(policy.InitialDelay) * factor)

	return capDelay(delay, policy.MaxDelay)
}

func capDelay(delay, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

// AddJitter applies a random jitter of ±jitterPercent to the delay so
// colliding retries spread out.
func AddJitter(delay time.Duration, jitterPercent float64) time.Duration {
	if jitterPercent <= 0 {
		return delay
	}

	jitterRange := float64(delay) * jitterPercent
	offset := (rand.Float64()*2 - 1) * jitterRange
	jittered := time.Duration(float64(delay) + offset)

	if jittered < time.Millisecond {
		return time.Millisecond
	}
	return jittered
}
