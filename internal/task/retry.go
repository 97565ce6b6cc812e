package task

import "time"

// RetryPolicy decides whether and when a transiently failed task is
// redispatched. The zero value never retries, which is the default for
// shell-command submissions; AI-request submissions typically opt in to
// a small number of retries with multiplier 2.
type RetryPolicy struct {
	// MaxRetries bounds the number of redispatch attempts. Zero means no
	// automatic retry.
	MaxRetries int

	// BackoffMultiplier scales the delay per attempt. Values below 1 are
	// treated as 1 (constant delay).
	BackoffMultiplier float64

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
}

// NextDelay returns the backoff delay before the attempt following
// retryCount completed attempts, and whether a retry is allowed at all.
// The delay grows as BaseDelay * BackoffMultiplier^retryCount.
func (p RetryPolicy) NextDelay(retryCount int) (time.Duration, bool) {
	if retryCount >= p.MaxRetries {
		return 0, false
	}

	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.BaseDelay)
	for i := 0; i < retryCount; i++ {
		delay *= mult
	}
	return time.Duration(delay), true
}
