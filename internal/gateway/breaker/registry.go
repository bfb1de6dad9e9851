package breaker

import (
	"log/slog"
	"sync"
)

// Registry lazily creates and holds one Breaker per server identity.
type Registry struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry; breakers are created on first use.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for serverID, creating it on first access.
func (r *Registry) Get(serverID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[serverID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[serverID]; ok {
		return b
	}
	b = NewBreaker(serverID, r.cfg, r.logger)
	r.breakers[serverID] = b
	return b
}

// Execute runs fn under the breaker for serverID.
func (r *Registry) Execute(serverID string, fn func() error) error {
	return r.Get(serverID).Execute(fn)
}

// Reset clears the breaker for serverID if one exists.
func (r *Registry) Reset(serverID string) {
	r.mu.RLock()
	b, ok := r.breakers[serverID]
	r.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// AllStats snapshots every known breaker, keyed by server identity.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Stats, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.Stats()
	}
	return out
}
