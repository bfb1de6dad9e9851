// Package credential resolves and caches per-user backend credentials.
//
// A Coordinator sits in front of a Service (the thing that actually mints
// tokens) and guarantees that concurrent requests for the same audience
// trigger at most one upstream exchange.
package credential

import (
	"context"
	"time"
)

// Credential is a bearer token scoped to one backend audience.
type Credential struct {
	Token     string
	Audience  string
	ExpiresAt time.Time
}

// Expired reports whether the credential is unusable at now, treating
// anything within skew of expiry as already expired so in-flight requests
// do not race the deadline. Zero ExpiresAt means the credential never
// expires.
func (c Credential) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// Service mints a credential for a user against one audience.
type Service interface {
	Exchange(ctx context.Context, subjectToken, audience string) (Credential, error)
}
