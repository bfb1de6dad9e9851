package credential

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultExpirySkew is how long before nominal expiry a cached credential is
// treated as stale.
const defaultExpirySkew = 30 * time.Second

// Coordinator caches credentials keyed by (user, audience) and serializes
// refreshes per audience: when N requests need the same audience at once,
// one performs the exchange and the rest reuse its result.
type Coordinator struct {
	svc    Service
	logger *slog.Logger
	skew   time.Duration

	mu    sync.RWMutex
	cache map[cacheKey]Credential

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	// now is injectable for tests.
	now func() time.Time
}

type cacheKey struct {
	userID   string
	audience string
}

// NewCoordinator wraps svc with caching and refresh coordination.
func NewCoordinator(svc Service, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		svc:    svc,
		logger: logger,
		skew:   defaultExpirySkew,
		cache:  make(map[cacheKey]Credential),
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

// Get returns a valid credential for the user against audience, minting one
// through the underlying service when the cache has nothing usable.
func (c *Coordinator) Get(ctx context.Context, userID, subjectToken, audience string) (Credential, error) {
	key := cacheKey{userID: userID, audience: audience}

	if cred, ok := c.lookup(key); ok {
		return cred, nil
	}

	lock := c.audienceLock(audience)
	lock.Lock()
	defer lock.Unlock()

	// Another goroutine may have refreshed while we waited on the lock.
	if cred, ok := c.lookup(key); ok {
		return cred, nil
	}

	cred, err := c.svc.Exchange(ctx, subjectToken, audience)
	if err != nil {
		return Credential{}, err
	}

	c.mu.Lock()
	c.cache[key] = cred
	c.mu.Unlock()

	c.logger.Debug("minted backend credential",
		"audience", audience,
		"expires_at", cred.ExpiresAt,
	)
	return cred, nil
}

// Evict drops the cached credential for one (user, audience) pair. Other
// audiences held by the same user are untouched.
func (c *Coordinator) Evict(userID, audience string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, cacheKey{userID: userID, audience: audience})
}

// Len reports the number of cached credentials.
func (c *Coordinator) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *Coordinator) lookup(key cacheKey) (Credential, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cred, ok := c.cache[key]
	if !ok || cred.Expired(c.now(), c.skew) {
		return Credential{}, false
	}
	return cred, true
}

func (c *Coordinator) audienceLock(audience string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()
	lock, ok := c.locks[audience]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[audience] = lock
	}
	return lock
}
