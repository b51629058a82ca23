package session

import (
	"fmt"
	"math"
	"time"
)

// RetryPolicy bounds the attempts made for a chunk whose transcription
// failed with a retryable error.
type RetryPolicy struct {
	// MaxAttempts counts the first attempt, so 1 disables retries
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy returns three attempts with 1s, 2s backoff capped at 30s
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Validate checks the policy bounds
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 {
		return fmt.Errorf("initial backoff cannot be negative, got %s", p.InitialBackoff)
	}
	if p.MaxBackoff < p.InitialBackoff {
		return fmt.Errorf("max backoff %s is below initial backoff %s", p.MaxBackoff, p.InitialBackoff)
	}
	return nil
}

// Backoff returns the wait after the given failed attempt (1-based):
// InitialBackoff doubled per attempt, capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 32 {
		return p.MaxBackoff
	}
	wait := time.Duration(float64(p.InitialBackoff) * math.Pow(2, float64(attempt-1)))
	if wait > p.MaxBackoff || wait < 0 {
		wait = p.MaxBackoff
	}
	return wait
}
