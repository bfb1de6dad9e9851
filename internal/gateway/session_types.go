package gateway

import (
	"sync"
	"time"

	"github.com/kestrelops/mcpgate/internal/gateway/transport"
)

// Key identifies one session: one caller talking to one backend server.
// Two callers hitting the same server hold distinct sessions.
type Key struct {
	ClientID string
	ServerID string
}

// Session is one live backend connection owned by one caller.
type Session struct {
	Key       Key
	Transport *transport.Transport
	CreatedAt time.Time

	mu                sync.Mutex
	lastUsedAt        time.Time
	heartbeatFailures int
}

// Touch records activity, resetting the idle clock.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastUsedAt = now
	s.mu.Unlock()
}

// LastUsedAt returns the time of last activity.
func (s *Session) LastUsedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsedAt
}

// IdleSince reports how long the session has been unused at now.
func (s *Session) IdleSince(now time.Time) time.Duration {
	return now.Sub(s.LastUsedAt())
}

// recordHeartbeat updates the consecutive failure count after a health
// probe and returns the new count. A successful probe resets it.
func (s *Session) recordHeartbeat(ok bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.heartbeatFailures = 0
	} else {
		s.heartbeatFailures++
	}
	return s.heartbeatFailures
}

// SessionInfo is a read-only snapshot of one session for monitoring.
type SessionInfo struct {
	ClientID         string    `json:"client_id"`
	ServerID         string    `json:"server_id"`
	BackendSessionID string    `json:"backend_session_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	LastUsedAt       time.Time `json:"last_used_at"`
}
