package cache

import (
	"context"
	"sync"
	"time"

	"github.com/example/trip-tracking/internal/models"
)

// DefaultTTL is how long a trip's last known location stays current.
const DefaultTTL = 30 * time.Second

// LocationCache holds the latest location per trip with passive expiry.
type LocationCache interface {
	// Set overwrites the entry for loc.TripID and restarts its expiry.
	Set(ctx context.Context, loc models.CachedLocation, ttl time.Duration) error
	// Get returns the entry if present and not expired.
	Get(ctx context.Context, tripID string) (models.CachedLocation, bool, error)
}

// MemoryCache is an in-process LocationCache.
type MemoryCache struct {
	mu    sync.RWMutex
	store map[string]models.CachedLocation
	now   func() time.Time
}

// NewMemoryCache creates an empty cache. now may be nil.
func NewMemoryCache(now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{store: make(map[string]models.CachedLocation), now: now}
}

func (c *MemoryCache) Set(_ context.Context, loc models.CachedLocation, ttl time.Duration) error {
	loc.ExpiresAt = c.now().Add(ttl)
	c.mu.Lock()
	c.store[loc.TripID] = loc
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Get(_ context.Context, tripID string) (models.CachedLocation, bool, error) {
	c.mu.RLock()
	e, ok := c.store[tripID]
	c.mu.RUnlock()
	if !ok {
		return models.CachedLocation{}, false, nil
	}
	if !c.now().Before(e.ExpiresAt) {
		c.mu.Lock()
		// only drop it if nobody refreshed it meanwhile
		if cur, ok := c.store[tripID]; ok && cur.ExpiresAt.Equal(e.ExpiresAt) {
			delete(c.store, tripID)
		}
		c.mu.Unlock()
		return models.CachedLocation{}, false, nil
	}
	return e, true, nil
}

// Len reports the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}
