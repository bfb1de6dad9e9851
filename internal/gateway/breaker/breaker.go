// Package breaker implements per-server circuit breaking for backend calls.
//
// One breaker exists per backend server identity. Failures on one server
// never affect the breaker of another.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelops/mcpgate/internal/gateway/errs"
)

// State is the circuit breaker state machine position.
type State string

const (
	// StateClosed passes operations through and counts failures.
	StateClosed State = "closed"
	// StateOpen fails every call fast without touching the transport.
	StateOpen State = "open"
	// StateHalfOpen admits limited probe traffic to test recovery.
	StateHalfOpen State = "half_open"
)

// Config holds the tunable parameters of a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the circuit again.
	SuccessThreshold int
	// HalfOpenMaxProbes caps concurrent probe traffic while half-open.
	HalfOpenMaxProbes int
	// BaseRecoveryTimeout is the initial open-state cooldown.
	BaseRecoveryTimeout time.Duration
	// MaxRecoveryTimeout caps the exponential cooldown growth.
	MaxRecoveryTimeout time.Duration
	// RecoveryMultiplier grows the cooldown on each consecutive trip.
	RecoveryMultiplier float64
}

// DefaultConfig returns the reference breaker configuration
// (60s cooldown doubling up to 300s).
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		HalfOpenMaxProbes:   3,
		BaseRecoveryTimeout: 60 * time.Second,
		MaxRecoveryTimeout:  300 * time.Second,
		RecoveryMultiplier:  2.0,
	}
}

// Breaker is one failure-isolation state machine for one backend server.
type Breaker struct {
	serverID string
	cfg      Config
	logger   *slog.Logger

	mu                   sync.Mutex
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenProbes       int
	trippedAt            time.Time
	recoveryTimeout      time.Duration
	totalTrips           int
	lastFailureAt        time.Time

	// now is injectable for tests.
	now func() time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(serverID string, cfg Config, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		serverID:        serverID,
		cfg:             cfg,
		logger:          logger,
		state:           StateClosed,
		recoveryTimeout: cfg.BaseRecoveryTimeout,
		now:             time.Now,
	}
}

// Execute runs fn guarded by the breaker. When open it returns
// errs.CircuitOpen without invoking fn; otherwise fn runs and its outcome
// is recorded before the error (if any) is returned unchanged.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil {
		b.recordFailure(err)
		return err
	}
	b.recordSuccess()
	return nil
}

// allow decides whether a call may proceed, handling the open→half-open
// transition when the cooldown has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(b.trippedAt)
		if elapsed < b.recoveryTimeout {
			return errs.CircuitOpen(b.serverID, b.recoveryTimeout-elapsed)
		}
		b.toHalfOpen()
		b.halfOpenProbes++
		return nil
	case StateHalfOpen:
		if b.halfOpenProbes >= b.cfg.HalfOpenMaxProbes {
			return errs.CircuitOpen(b.serverID, b.recoveryTimeout)
		}
		b.halfOpenProbes++
		return nil
	}
	return nil
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.state = StateClosed
		b.halfOpenProbes = 0
		b.recoveryTimeout = b.cfg.BaseRecoveryTimeout
		b.logger.Info("circuit breaker closed after recovery",
			"server_id", b.serverID,
			"successes", b.consecutiveSuccesses,
		)
	}
}

func (b *Breaker) recordFailure(err error) {
	// Client-scoped failures (rejected credential, stale session) say nothing
	// about server health and must not trip the breaker.
	switch errs.KindOf(err) {
	case errs.KindAuth, errs.KindSession:
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	b.lastFailureAt = b.now()

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.trip(false)
		}
	case StateHalfOpen:
		// Failed probe: back to open with the next backoff step.
		b.trip(true)
	}
}

// trip opens the circuit. extendCooldown advances the recovery timeout to
// the next exponential step, capped at MaxRecoveryTimeout.
func (b *Breaker) trip(extendCooldown bool) {
	if extendCooldown {
		next := time.Duration(float64(b.recoveryTimeout) * b.cfg.RecoveryMultiplier)
		if next > b.cfg.MaxRecoveryTimeout {
			next = b.cfg.MaxRecoveryTimeout
		}
		b.recoveryTimeout = next
	}
	b.state = StateOpen
	b.trippedAt = b.now()
	b.totalTrips++
	b.halfOpenProbes = 0
	b.consecutiveSuccesses = 0

	b.logger.Warn("circuit breaker opened",
		"server_id", b.serverID,
		"consecutive_failures", b.consecutiveFailures,
		"recovery_timeout", b.recoveryTimeout,
		"total_trips", b.totalTrips,
	)
}

// toHalfOpen must be called with b.mu held.
func (b *Breaker) toHalfOpen() {
	b.state = StateHalfOpen
	b.halfOpenProbes = 0
	b.consecutiveSuccesses = 0
	b.logger.Info("circuit breaker half-open, probing recovery",
		"server_id", b.serverID,
		"max_probes", b.cfg.HalfOpenMaxProbes,
	)
}

// Reset forces the breaker back to closed with counters cleared.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenProbes = 0
	b.recoveryTimeout = b.cfg.BaseRecoveryTimeout
	b.logger.Info("circuit breaker manually reset", "server_id", b.serverID)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	ServerID             string        `json:"server_id"`
	State                State         `json:"state"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	TotalTrips           int           `json:"total_trips"`
	RecoveryTimeout      time.Duration `json:"recovery_timeout"`
	CooldownRemaining    time.Duration `json:"cooldown_remaining"`
	LastFailureAt        time.Time     `json:"last_failure_at"`
}

// Stats snapshots the breaker for monitoring.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	var remaining time.Duration
	if b.state == StateOpen {
		if d := b.recoveryTimeout - b.now().Sub(b.trippedAt); d > 0 {
			remaining = d
		}
	}
	return Stats{
		ServerID:             b.serverID,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		TotalTrips:           b.totalTrips,
		RecoveryTimeout:      b.recoveryTimeout,
		CooldownRemaining:    remaining,
		LastFailureAt:        b.lastFailureAt,
	}
}
