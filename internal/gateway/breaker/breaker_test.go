package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kestrelops/mcpgate/internal/gateway/errs"
)

func testConfig() Config {
	return Config{
		FailureThreshold:    3,
		SuccessThreshold:    2,
		HalfOpenMaxProbes:   2,
		BaseRecoveryTimeout: 60 * time.Second,
		MaxRecoveryTimeout:  300 * time.Second,
		RecoveryMultiplier:  2.0,
	}
}

// testClock drives a breaker's view of time.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T) (*Breaker, *testClock) {
	t.Helper()
	b := NewBreaker("srv", testConfig(), nil)
	clock := newTestClock()
	b.now = clock.Now
	return b, clock
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(func() error { return errors.New("connection refused") })
	}
}

func TestBreakerStartsClosed(t *testing.T) {
	b, _ := newTestBreaker(t)

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed", got)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute() error = %v, want nil", err)
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(t)

	failN(b, 2)
	if got := b.State(); got != StateClosed {
		t.Fatalf("State() after 2 failures = %v, want closed", got)
	}

	failN(b, 1)
	if got := b.State(); got != StateOpen {
		t.Errorf("State() after 3 failures = %v, want open", got)
	}
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(t)
	failN(b, 3)

	called := false
	err := b.Execute(func() error {
		called = true
		return nil
	})

	if called {
		t.Error("Execute() invoked fn while open")
	}
	if !errs.IsKind(err, errs.KindCircuitOpen) {
		t.Errorf("Execute() error kind = %v, want circuit_open", errs.KindOf(err))
	}
	var gerr *errs.Error
	if errors.As(err, &gerr) {
		if gerr.RetryAfter <= 0 || gerr.RetryAfter > 60*time.Second {
			t.Errorf("RetryAfter = %v, want in (0, 60s]", gerr.RetryAfter)
		}
	} else {
		t.Error("expected *errs.Error")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(t)

	failN(b, 2)
	_ = b.Execute(func() error { return nil })
	failN(b, 2)

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed after interleaved success", got)
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b, clock := newTestBreaker(t)
	failN(b, 3)

	clock.Advance(61 * time.Second)

	called := false
	_ = b.Execute(func() error {
		called = true
		return errors.New("connection refused")
	})

	if !called {
		t.Error("probe was not admitted after cooldown")
	}
}

func TestBreakerClosesAfterSuccessfulProbes(t *testing.T) {
	b, clock := newTestBreaker(t)
	failN(b, 3)
	clock.Advance(61 * time.Second)

	for i := 0; i < 2; i++ {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d rejected: %v", i, err)
		}
	}

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed after %d successes", got, 2)
	}
}

func TestBreakerFailedProbeDoublesCooldown(t *testing.T) {
	b, clock := newTestBreaker(t)
	failN(b, 3)

	// First probe fails: cooldown grows 60s -> 120s.
	clock.Advance(61 * time.Second)
	_ = b.Execute(func() error { return errors.New("connection refused") })
	if got := b.State(); got != StateOpen {
		t.Fatalf("State() after failed probe = %v, want open", got)
	}

	// 61s later the old cooldown would have elapsed, the doubled one has not.
	clock.Advance(61 * time.Second)
	called := false
	_ = b.Execute(func() error { called = true; return nil })
	if called {
		t.Error("call admitted before doubled cooldown elapsed")
	}

	clock.Advance(60 * time.Second)
	_ = b.Execute(func() error { called = true; return nil })
	if !called {
		t.Error("probe not admitted after doubled cooldown")
	}
}

func TestBreakerCooldownCapped(t *testing.T) {
	b, clock := newTestBreaker(t)
	failN(b, 3)

	// Fail probes repeatedly: 60 -> 120 -> 240 -> 300 (capped) -> 300.
	for i := 0; i < 4; i++ {
		clock.Advance(301 * time.Second)
		_ = b.Execute(func() error { return errors.New("connection refused") })
	}

	if got := b.Stats().RecoveryTimeout; got != 300*time.Second {
		t.Errorf("RecoveryTimeout = %v, want capped at 300s", got)
	}
}

func TestBreakerIgnoresClientScopedFailures(t *testing.T) {
	b, _ := newTestBreaker(t)

	for i := 0; i < 10; i++ {
		_ = b.Execute(func() error { return errs.AuthFailure("srv", errors.New("denied")) })
		_ = b.Execute(func() error { return errs.SessionExpired("srv", errors.New("gone")) })
	}

	if got := b.State(); got != StateClosed {
		t.Errorf("State() = %v, want closed; auth/session errors must not trip", got)
	}
}

func TestBreakerHalfOpenProbeLimit(t *testing.T) {
	b, clock := newTestBreaker(t)
	failN(b, 3)
	clock.Advance(61 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = b.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Second probe fits under the limit of 2, third does not.
	admitted := 0
	for i := 0; i < 2; i++ {
		err := b.allow()
		if err == nil {
			admitted++
		} else if !errs.IsKind(err, errs.KindCircuitOpen) {
			t.Errorf("allow() error kind = %v, want circuit_open", errs.KindOf(err))
		}
	}
	if admitted != 1 {
		t.Errorf("admitted %d extra probes, want 1", admitted)
	}
	close(release)
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(t)
	failN(b, 3)

	b.Reset()

	if got := b.State(); got != StateClosed {
		t.Errorf("State() after Reset = %v, want closed", got)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute() after Reset error = %v", err)
	}
}

func TestBreakerStats(t *testing.T) {
	b, _ := newTestBreaker(t)
	failN(b, 3)

	stats := b.Stats()
	if stats.ServerID != "srv" {
		t.Errorf("ServerID = %q, want srv", stats.ServerID)
	}
	if stats.State != StateOpen {
		t.Errorf("State = %v, want open", stats.State)
	}
	if stats.TotalTrips != 1 {
		t.Errorf("TotalTrips = %d, want 1", stats.TotalTrips)
	}
	if stats.CooldownRemaining <= 0 {
		t.Errorf("CooldownRemaining = %v, want positive", stats.CooldownRemaining)
	}
}

func TestRegistryIsolatesServers(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	clock := newTestClock()
	r.Get("srv-a").now = clock.Now
	r.Get("srv-b").now = clock.Now

	for i := 0; i < 3; i++ {
		_ = r.Execute("srv-a", func() error { return errors.New("connection refused") })
	}

	if got := r.Get("srv-a").State(); got != StateOpen {
		t.Errorf("srv-a state = %v, want open", got)
	}
	if got := r.Get("srv-b").State(); got != StateClosed {
		t.Errorf("srv-b state = %v, want closed", got)
	}
}

func TestRegistryGetReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(testConfig(), nil)

	var wg sync.WaitGroup
	results := make([]*Breaker, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.Get("srv")
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(results); i++ {
		if results[i] != results[0] {
			t.Fatal("concurrent Get returned distinct breakers for one server")
		}
	}
}

func TestRegistryAllStats(t *testing.T) {
	r := NewRegistry(testConfig(), nil)
	_ = r.Execute("srv-a", func() error { return nil })
	_ = r.Execute("srv-b", func() error { return errors.New("connection refused") })

	stats := r.AllStats()
	if len(stats) != 2 {
		t.Fatalf("AllStats() len = %d, want 2", len(stats))
	}
	if stats["srv-b"].ConsecutiveFailures != 1 {
		t.Errorf("srv-b failures = %d, want 1", stats["srv-b"].ConsecutiveFailures)
	}
}
