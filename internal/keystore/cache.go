package keystore

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rpcfleet/rpc_router/internal/monitoring"
)

// cachedKey holds a cached lookup with its insertion timestamp.
// A nil info records a known-absent or inactive key, so repeated probes
// with a bad key skip the remote round-trip too.
type cachedKey struct {
	info     *KeyInfo
	cachedAt time.Time
}

// Cache is an LRU cache for key lookups with a per-entry TTL.
// Thread-safe, uses hashicorp/golang-lru under the hood.
//
// Caching auth is safe, caching quota is not: callers must still charge
// the rate bucket on every request regardless of a cache hit.
type Cache struct {
	cache *lru.Cache[string, *cachedKey]
	ttl   time.Duration
	mu    sync.RWMutex
}

// NewCache creates a new key cache.
func NewCache(maxSize int, ttl time.Duration) (*Cache, error) {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if ttl <= 0 {
		ttl = 60 * time.Second
	}

	cache, err := lru.New[string, *cachedKey](maxSize)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to create key cache: %w", err)
	}

	return &Cache{
		cache: cache,
		ttl:   ttl,
	}, nil
}

// Get retrieves a key from cache.
// Returns nil, false if the key is not cached or the entry's TTL expired.
// Returns nil, true for a cached negative entry (unknown or inactive key).
func (c *Cache) Get(key string) (*KeyInfo, bool) {
	if c == nil || c.cache == nil {
		return nil, false
	}

	c.mu.RLock()
	cached, ok := c.cache.Get(key)
	c.mu.RUnlock()

	if !ok {
		monitoring.KeyCacheMisses.Inc()
		return nil, false
	}

	if time.Since(cached.cachedAt) > c.ttl {
		// TTL expired - re-check under write lock to avoid evicting a fresh
		// entry that another goroutine may have Set() between RUnlock and Lock.
		c.mu.Lock()
		current, stillExists := c.cache.Get(key)
		if stillExists && time.Since(current.cachedAt) > c.ttl {
			c.cache.Remove(key)
		}
		c.mu.Unlock()
		monitoring.KeyCacheMisses.Inc()
		return nil, false
	}

	monitoring.KeyCacheHits.Inc()
	return cached.info, true
}

// Set adds a key lookup result to cache. info may be nil for negative entries.
func (c *Cache) Set(key string, info *KeyInfo) {
	if c == nil || c.cache == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, &cachedKey{
		info:     info,
		cachedAt: time.Now().UTC(),
	})
}

// Invalidate removes a key from cache.
func (c *Cache) Invalidate(key string) {
	if c == nil || c.cache == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(key)
}

// Len returns current cache size.
func (c *Cache) Len() int {
	if c == nil || c.cache == nil {
		return 0
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache.Len()
}
