package sync

import "time"

// Backoff parameters for PushStrategy retries.
const (
	baseRetryDelay = 30 * time.Second
	maxBackoff     = 5 * time.Hour

	// MaxRetries before a PendingOperation is marked FAILED.
	MaxRetries = 10

	// AutoResetFailed is how long a FAILED op waits before one more
	// attempt, retryCount preserved.
	AutoResetFailed = 24 * time.Hour

	// OperationLifetime bounds how long an op can sit unresolved before
	// being discarded outright.
	OperationLifetime = 30 * 24 * time.Hour
)

// CalculateRetryDelay is deterministic and pure: exponential doubling from
// baseRetryDelay, capped at maxBackoff. Negative retryCount coerces to 0 so
// a caller can never produce a zero or negative delay by miscounting.
func CalculateRetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := baseRetryDelay
	for i := 0; i < retryCount; i++ {
		if delay >= maxBackoff {
			return maxBackoff
		}
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}
