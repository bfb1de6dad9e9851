package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kestrelops/mcpgate/internal/gateway/errs"
	"github.com/kestrelops/mcpgate/internal/gateway/transport"
)

// Opener turns a descriptor plus credential into a live transport. The
// production implementation is *transport.Factory.
type Opener interface {
	Open(desc transport.Descriptor, bearerToken string) (*transport.Transport, error)
}

// DescriptorResolver maps a server id to its connection descriptor.
type DescriptorResolver func(serverID string) (transport.Descriptor, error)

// StoreConfig tunes the session store.
type StoreConfig struct {
	TTL               time.Duration
	SweepInterval     time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	HeartbeatFailures int
	MaxSessions       int
}

// Store owns every live session. Lookups are lock-free-ish (read lock);
// creation is serialized per key so a burst of requests for the same
// (client, server) pair produces exactly one backend connection.
type Store struct {
	cfg     StoreConfig
	opener  Opener
	resolve DescriptorResolver
	logger  *slog.Logger
	metrics *Metrics

	mu       sync.RWMutex
	sessions map[Key]*Session

	lockMu      sync.Mutex
	createLocks map[Key]*sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// now is injectable for tests.
	now func() time.Time
}

// NewStore creates a session store. Start must be called to begin the TTL
// sweep and heartbeat loops.
func NewStore(cfg StoreConfig, opener Opener, resolve DescriptorResolver, metrics *Metrics, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		cfg:         cfg,
		opener:      opener,
		resolve:     resolve,
		logger:      logger,
		metrics:     metrics,
		sessions:    make(map[Key]*Session),
		createLocks: make(map[Key]*sync.Mutex),
		done:        make(chan struct{}),
		now:         time.Now,
	}
}

// Start launches the background sweep and heartbeat loops.
func (st *Store) Start() {
	st.wg.Add(1)
	go st.sweepLoop()
	if st.cfg.HeartbeatInterval > 0 {
		st.wg.Add(1)
		go st.heartbeatLoop()
	}
}

// Stop terminates the background loops and closes every session.
func (st *Store) Stop() {
	st.stopOnce.Do(func() {
		close(st.done)
	})
	st.wg.Wait()

	st.mu.Lock()
	sessions := st.sessions
	st.sessions = make(map[Key]*Session)
	st.mu.Unlock()

	for _, s := range sessions {
		st.closeSession(s, "shutdown")
	}
}

// Get returns the live session for key, if any.
func (st *Store) Get(key Key) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[key]
	return s, ok
}

// GetOrCreate returns the session for key, creating and handshaking a new
// one when none exists. Concurrent callers for the same key block on a
// per-key lock; exactly one performs the creation and the rest receive the
// session it made.
func (st *Store) GetOrCreate(ctx context.Context, key Key, bearerToken string) (*Session, error) {
	if s, ok := st.Get(key); ok {
		s.Touch(st.now())
		return s, nil
	}

	lock := st.createLock(key)
	lock.Lock()
	defer lock.Unlock()

	// The winner of the race has usually populated the map by now.
	if s, ok := st.Get(key); ok {
		s.Touch(st.now())
		return s, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s, err := st.create(ctx, key, bearerToken)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	st.sessions[key] = s
	st.mu.Unlock()

	if st.metrics != nil {
		st.metrics.SessionsCreated.Inc()
		st.metrics.SessionsActive.Inc()
	}
	st.logger.Info("session created",
		"client_id", key.ClientID,
		"server_id", key.ServerID,
		"backend_session_id", s.Transport.BackendSessionID(),
	)
	return s, nil
}

func (st *Store) create(ctx context.Context, key Key, bearerToken string) (*Session, error) {
	st.evictForCapacity()

	desc, err := st.resolve(key.ServerID)
	if err != nil {
		return nil, errs.Transport(key.ServerID, err)
	}

	tr, err := st.opener.Open(desc, bearerToken)
	if err != nil {
		return nil, err
	}

	start := st.now()
	if err := st.handshake(ctx, key.ServerID, tr); err != nil {
		_ = tr.Close()
		return nil, err
	}
	if st.metrics != nil {
		st.metrics.HandshakeDuration.Observe(st.now().Sub(start).Seconds())
	}

	now := st.now()
	return &Session{
		Key:        key,
		Transport:  tr,
		CreatedAt:  now,
		lastUsedAt: now,
	}, nil
}

// handshake runs the MCP initialize exchange under its own deadline. The
// client sends the initialized notification itself after a successful
// initialize response.
func (st *Store) handshake(ctx context.Context, serverID string, tr *transport.Transport) error {
	hctx, cancel := context.WithTimeout(ctx, st.cfg.HandshakeTimeout)
	defer cancel()

	_, err := tr.Conn().Initialize(hctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "mcpgate",
				Version: Version,
			},
		},
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return errs.HandshakeTimeout(serverID,
				fmt.Errorf("initialize did not complete within %s", st.cfg.HandshakeTimeout))
		}
		return errs.Transport(serverID, fmt.Errorf("initialize: %w", err))
	}
	return nil
}

// Invalidate removes and closes the session for key, if present. It takes
// the per-key creation lock, so an invalidation racing an in-flight create
// waits for the create to finish and then removes the fresh session instead
// of missing it.
func (st *Store) Invalidate(key Key, reason string) {
	lock := st.createLock(key)
	lock.Lock()
	defer lock.Unlock()
	st.removeAndClose(key, reason)
}

// InvalidateServer removes every session to serverID, typically after the
// backend restarted.
func (st *Store) InvalidateServer(serverID, reason string) int {
	st.mu.RLock()
	var keys []Key
	for key := range st.sessions {
		if key.ServerID == serverID {
			keys = append(keys, key)
		}
	}
	st.mu.RUnlock()

	n := 0
	for _, key := range keys {
		lock := st.createLock(key)
		lock.Lock()
		if st.removeAndClose(key, reason) {
			n++
		}
		lock.Unlock()
	}
	return n
}

// removeAndClose drops key from the map and closes its session. The caller
// must hold the key's creation lock.
func (st *Store) removeAndClose(key Key, reason string) bool {
	st.mu.Lock()
	s, ok := st.sessions[key]
	if ok {
		delete(st.sessions, key)
	}
	st.mu.Unlock()
	if ok {
		st.closeSession(s, reason)
	}
	return ok
}

// Len reports the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

// List snapshots every live session for monitoring.
func (st *Store) List() []SessionInfo {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]SessionInfo, 0, len(st.sessions))
	for key, s := range st.sessions {
		out = append(out, SessionInfo{
			ClientID:         key.ClientID,
			ServerID:         key.ServerID,
			BackendSessionID: s.Transport.BackendSessionID(),
			CreatedAt:        s.CreatedAt,
			LastUsedAt:       s.LastUsedAt(),
		})
	}
	return out
}

func (st *Store) createLock(key Key) *sync.Mutex {
	st.lockMu.Lock()
	defer st.lockMu.Unlock()
	lock, ok := st.createLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		st.createLocks[key] = lock
	}
	return lock
}

// evictForCapacity closes the least-recently-used session when the store is
// at its cap, making room for the one about to be created.
func (st *Store) evictForCapacity() {
	if st.cfg.MaxSessions <= 0 {
		return
	}

	st.mu.Lock()
	if len(st.sessions) < st.cfg.MaxSessions {
		st.mu.Unlock()
		return
	}
	var (
		oldestKey Key
		oldest    *Session
	)
	for key, s := range st.sessions {
		if oldest == nil || s.LastUsedAt().Before(oldest.LastUsedAt()) {
			oldestKey, oldest = key, s
		}
	}
	delete(st.sessions, oldestKey)
	st.mu.Unlock()

	st.logger.Warn("session cap reached, evicting least recently used",
		"client_id", oldestKey.ClientID,
		"server_id", oldestKey.ServerID,
		"max_sessions", st.cfg.MaxSessions,
	)
	st.closeSession(oldest, "capacity")
}

func (st *Store) sweepLoop() {
	defer st.wg.Done()
	ticker := time.NewTicker(st.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st.sweep()
		case <-st.done:
			return
		}
	}
}

// sweep closes sessions idle longer than the TTL. Each victim is removed
// under its creation lock and re-checked there, so a session touched or
// recreated between the scan and the removal survives.
func (st *Store) sweep() {
	now := st.now()

	st.mu.RLock()
	var candidates []Key
	for key, s := range st.sessions {
		if s.IdleSince(now) > st.cfg.TTL {
			candidates = append(candidates, key)
		}
	}
	st.mu.RUnlock()

	for _, key := range candidates {
		lock := st.createLock(key)
		lock.Lock()
		st.mu.Lock()
		s, ok := st.sessions[key]
		if ok && s.IdleSince(now) > st.cfg.TTL {
			delete(st.sessions, key)
		} else {
			ok = false
		}
		st.mu.Unlock()
		if ok {
			st.logger.Info("session expired",
				"client_id", key.ClientID,
				"server_id", key.ServerID,
				"idle", s.IdleSince(now),
			)
			st.closeSession(s, "expired")
		}
		lock.Unlock()
	}
}

func (st *Store) heartbeatLoop() {
	defer st.wg.Done()
	ticker := time.NewTicker(st.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st.heartbeat()
		case <-st.done:
			return
		}
	}
}

// heartbeat pings every session; one that fails HeartbeatFailures times in
// a row is closed so the next request builds a fresh connection instead of
// inheriting a dead one.
func (st *Store) heartbeat() {
	st.mu.RLock()
	sessions := make([]*Session, 0, len(st.sessions))
	for _, s := range st.sessions {
		sessions = append(sessions, s)
	}
	st.mu.RUnlock()

	for _, s := range sessions {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.Transport.Conn().Ping(ctx)
		cancel()

		failures := s.recordHeartbeat(err == nil)
		if err == nil {
			continue
		}
		st.logger.Warn("session heartbeat failed",
			"client_id", s.Key.ClientID,
			"server_id", s.Key.ServerID,
			"consecutive_failures", failures,
			"error", err,
		)
		if failures >= st.cfg.HeartbeatFailures {
			st.Invalidate(s.Key, "heartbeat")
		}
	}
}

func (st *Store) closeSession(s *Session, reason string) {
	if err := s.Transport.Close(); err != nil {
		st.logger.Warn("session close failed",
			"client_id", s.Key.ClientID,
			"server_id", s.Key.ServerID,
			"reason", reason,
			"error", err,
		)
	}
	if st.metrics != nil {
		st.metrics.SessionsActive.Dec()
		st.metrics.SessionsClosed.WithLabelValues(reason).Inc()
	}
}
