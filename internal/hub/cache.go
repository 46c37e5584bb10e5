package hub

import (
	"context"
	"sync"
	"time"
)

// CachedContextProvider serves a topology snapshot for up to TTL before
// fetching again. A zero TTL disables caching. Failed fetches are never
// cached, and a failure does not fall back to a stale snapshot.
type CachedContextProvider struct {
	next ContextProvider
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	snap    Topology
	fetched time.Time
}

var _ ContextProvider = (*CachedContextProvider)(nil)

// NewCachedContextProvider wraps next with a TTL cache.
func NewCachedContextProvider(next ContextProvider, ttl time.Duration) *CachedContextProvider {
	return &CachedContextProvider{next: next, ttl: ttl, now: time.Now}
}

// Fetch implements [ContextProvider].
func (c *CachedContextProvider) Fetch(ctx context.Context) (Topology, error) {
	if c.ttl <= 0 {
		return c.next.Fetch(ctx)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap != nil && c.now().Sub(c.fetched) < c.ttl {
		return c.snap, nil
	}
	t, err := c.next.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	c.snap, c.fetched = t, c.now()
	return t, nil
}

// Invalidate drops the cached snapshot.
func (c *CachedContextProvider) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = nil
}
