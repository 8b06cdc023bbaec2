package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/userprofile-service/internal/models"
)

// Cache defines the interface for user profile caching implementations.
// Get returns cached data if present and not expired, Set stores data with TTL,
// Delete drops the entry so the next Get misses.
type Cache interface {
	Get(ctx context.Context, id int64) (models.UserProfile, bool, error)
	Set(ctx context.Context, id int64, value models.UserProfile, ttl time.Duration) error
	Delete(ctx context.Context, id int64) error
}

// InMemoryCache implements Cache using an in-memory map with TTL-based expiration.
// Expired entries are removed on access. Safe for concurrent use.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[int64]cacheEntry
}

// cacheEntry stores a cached profile with expiration timestamp.
type cacheEntry struct {
	value     models.UserProfile
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[int64]cacheEntry),
	}
}

// Get retrieves the cached profile for id if present and not expired.
// Returns (data, true, nil) on cache hit, (zero, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, id int64) (models.UserProfile, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[id]
	if !ok {
		return models.UserProfile{}, false, nil
	}

	if time.Now().After(entry.expiresAt) {
		delete(c.data, id)
		return models.UserProfile{}, false, nil
	}

	return entry.value.WithID(id), true, nil
}

// Set stores the profile with the specified TTL duration.
func (c *InMemoryCache) Set(ctx context.Context, id int64, value models.UserProfile, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[id] = cacheEntry{
		value:     value.WithID(id),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete removes id from the cache. Missing entries are not an error.
func (c *InMemoryCache) Delete(ctx context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, id)
	return nil
}

// NoopCache never stores anything. Used when caching is disabled.
type NoopCache struct{}

func (NoopCache) Get(ctx context.Context, id int64) (models.UserProfile, bool, error) {
	return models.UserProfile{}, false, nil
}

func (NoopCache) Set(ctx context.Context, id int64, value models.UserProfile, ttl time.Duration) error {
	return nil
}

func (NoopCache) Delete(ctx context.Context, id int64) error {
	return nil
}
