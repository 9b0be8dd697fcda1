package nodeflow

import "time"

// RetryPolicy is the execution policy of a task-producing node. Delays are
// stored with whole-second precision.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Delay is the wait before the first retry.
	Delay time.Duration
	// Exponential doubles Delay on every further retry.
	Exponential bool
}

// RetryBuilder provides a fluent way to construct RetryPolicy values
// for use with WithRetry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder allowing maxRetries retries.
//
// maxRetries < 0 is treated as 0 (no retries).
func Retry(maxRetries int) RetryBuilder {
	return RetryBuilder{policy: RetryPolicy{MaxRetries: max(maxRetries, 0)}}
}

// WithConstantBackoff waits delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	p := r.policy
	p.Delay = delay
	p.Exponential = false
	return RetryBuilder{policy: p}
}

// WithExponentialBackoff waits initial before the first retry and doubles the
// wait on each one after it. The engine caps the wait at its maximum backoff.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(10 * time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration) RetryBuilder {
	p := r.policy
	p.Delay = initial
	p.Exponential = true
	return RetryBuilder{policy: p}
}

// Immediate makes a retried task claimable again right away.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.Delay = 0
	p.Exponential = false
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy to be passed to WithRetry.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

func (p RetryPolicy) delaySeconds() int {
	if p.Delay <= 0 {
		return 0
	}
	return int((p.Delay + time.Second - 1) / time.Second)
}
