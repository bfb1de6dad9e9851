package credential

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingService records how many exchanges each audience triggered.
type countingService struct {
	mu        sync.Mutex
	exchanges map[string]int
	ttl       time.Duration
	err       error
}

func newCountingService() *countingService {
	return &countingService{exchanges: make(map[string]int), ttl: time.Hour}
}

func (s *countingService) Exchange(_ context.Context, _, audience string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Credential{}, s.err
	}
	s.exchanges[audience]++
	return Credential{
		Token:     audience + "-token",
		Audience:  audience,
		ExpiresAt: time.Now().Add(s.ttl),
	}, nil
}

func (s *countingService) count(audience string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchanges[audience]
}

func TestCoordinatorCachesCredential(t *testing.T) {
	svc := newCountingService()
	c := NewCoordinator(svc, nil)

	for i := 0; i < 5; i++ {
		cred, err := c.Get(context.Background(), "u1", "subject", "aud-a")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if cred.Token != "aud-a-token" {
			t.Fatalf("Token = %q, want aud-a-token", cred.Token)
		}
	}

	if got := svc.count("aud-a"); got != 1 {
		t.Errorf("exchanges = %d, want 1", got)
	}
}

func TestCoordinatorSingleFlightUnderConcurrency(t *testing.T) {
	svc := newCountingService()
	c := NewCoordinator(svc, nil)

	var wg sync.WaitGroup
	var errCount atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), "u1", "subject", "aud-a"); err != nil {
				errCount.Add(1)
			}
		}()
	}
	wg.Wait()

	if errCount.Load() != 0 {
		t.Fatalf("%d concurrent Gets failed", errCount.Load())
	}
	if got := svc.count("aud-a"); got != 1 {
		t.Errorf("exchanges = %d, want 1 for 16 concurrent callers", got)
	}
}

func TestCoordinatorEvictScopedToUserAndAudience(t *testing.T) {
	svc := newCountingService()
	c := NewCoordinator(svc, nil)
	ctx := context.Background()

	mustGet := func(user, aud string) {
		t.Helper()
		if _, err := c.Get(ctx, user, "subject", aud); err != nil {
			t.Fatalf("Get(%s, %s) error = %v", user, aud, err)
		}
	}

	mustGet("u1", "aud-a")
	mustGet("u1", "aud-b")
	mustGet("u2", "aud-a")

	c.Evict("u1", "aud-a")

	// Only the evicted pair re-exchanges.
	mustGet("u1", "aud-a")
	mustGet("u1", "aud-b")
	mustGet("u2", "aud-a")

	if got := svc.count("aud-a"); got != 3 {
		t.Errorf("aud-a exchanges = %d, want 3 (u1 initial, u2 initial, u1 re-mint)", got)
	}
	if got := svc.count("aud-b"); got != 1 {
		t.Errorf("aud-b exchanges = %d, want 1 (untouched by eviction)", got)
	}
}

func TestCoordinatorRefreshesNearExpiry(t *testing.T) {
	svc := newCountingService()
	svc.ttl = time.Minute
	c := NewCoordinator(svc, nil)

	base := time.Now()
	c.now = func() time.Time { return base }

	if _, err := c.Get(context.Background(), "u1", "subject", "aud-a"); err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	// Within the expiry skew window the cached credential counts as stale.
	c.now = func() time.Time { return base.Add(time.Minute - 10*time.Second) }
	if _, err := c.Get(context.Background(), "u1", "subject", "aud-a"); err != nil {
		t.Fatalf("Get() near expiry error = %v", err)
	}

	if got := svc.count("aud-a"); got != 2 {
		t.Errorf("exchanges = %d, want 2 after expiry-window refresh", got)
	}
}

func TestCoordinatorPropagatesExchangeError(t *testing.T) {
	svc := newCountingService()
	svc.err = errors.New("exchange down")
	c := NewCoordinator(svc, nil)

	if _, err := c.Get(context.Background(), "u1", "subject", "aud-a"); err == nil {
		t.Fatal("Get() succeeded, want error")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0 after failed exchange", c.Len())
	}
}

func TestCredentialExpired(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{"no expiry", Credential{Token: "t"}, false},
		{"fresh", Credential{Token: "t", ExpiresAt: now.Add(time.Hour)}, false},
		{"inside skew", Credential{Token: "t", ExpiresAt: now.Add(10 * time.Second)}, true},
		{"past expiry", Credential{Token: "t", ExpiresAt: now.Add(-time.Second)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.Expired(now, 30*time.Second); got != tt.want {
				t.Errorf("Expired() = %v, want %v", got, tt.want)
			}
		})
	}
}
