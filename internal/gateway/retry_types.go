package gateway

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines backoff behavior for transient network failures.
type RetryPolicy struct {
	MaxNetworkAttempts int           // Total attempts including the first (e.g. 3)
	BaseBackoff        time.Duration // Delay before the first retry
	MaxBackoff         time.Duration // Cap on the backoff growth
	BackoffMultiplier  float64       // Growth factor between retries (e.g. 2.0)
	JitterFraction     float64       // Random spread applied to each delay (e.g. 0.25)
}

// DefaultRetryPolicy returns the reference policy: up to three attempts with
// exponential backoff and ±25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxNetworkAttempts: 3,
		BaseBackoff:        500 * time.Millisecond,
		MaxBackoff:         5 * time.Second,
		BackoffMultiplier:  2.0,
		JitterFraction:     0.25,
	}
}

// Backoff computes the delay before retry number retryCount (1-based).
// Jitter spreads concurrent retries so they do not hit the backend in
// lockstep.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := float64(p.BaseBackoff) * math.Pow(p.BackoffMultiplier, float64(retryCount-1))
	if max := float64(p.MaxBackoff); delay > max {
		delay = max
	}
	if p.JitterFraction > 0 {
		spread := delay * p.JitterFraction
		delay = delay - spread + rand.Float64()*2*spread
	}
	return time.Duration(delay)
}

// retryState tracks what has already been tried within one request, so each
// failure category is bounded independently.
type retryState struct {
	correlationID string

	authRetried    bool
	sessionRetried bool
	networkRetries int

	// retries counts every recorded retry across categories; the ordinal
	// becomes part of the retry id joining attempts in logs and audit.
	retries int

	// partialOutputSent blocks further retries once response bytes have
	// reached the caller; replaying the operation would duplicate output.
	partialOutputSent func() bool
}

func (r *retryState) outputSent() bool {
	return r.partialOutputSent != nil && r.partialOutputSent()
}
