package registry

import (
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/arbiterml/modelplane/pkg/models"
)

// resolveCache is a size-bounded TTL cache for resolution results. The
// underlying LRU is safe for concurrent use; only the stat counters need
// atomics.
type resolveCache struct {
	entries *lru.Cache[string, *cacheEntry]
	ttl     time.Duration
	hits    atomic.Uint64
	misses  atomic.Uint64
}

type cacheEntry struct {
	config    *models.EffectiveConfig
	expiresAt time.Time
}

func newResolveCache(size int, ttl time.Duration) (*resolveCache, error) {
	entries, err := lru.New[string, *cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &resolveCache{entries: entries, ttl: ttl}, nil
}

// tenantKey caches the tenant's base resolution. versionKey caches a pinned
// version resolution, used for autoswitch fallbacks and rollout candidates.
func tenantKey(tenantID string) string {
	return "t|" + tenantID
}

func versionKey(tenantID, versionID string) string {
	return "v|" + tenantID + "|" + versionID
}

func (c *resolveCache) get(key string) (*models.EffectiveConfig, bool) {
	entry, ok := c.entries.Get(key)
	if !ok || time.Now().After(entry.expiresAt) {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return entry.config, true
}

func (c *resolveCache) put(key string, config *models.EffectiveConfig) {
	c.entries.Add(key, &cacheEntry{
		config:    config,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// invalidateTenant drops every cached resolution for the tenant. Called
// synchronously from the override write paths.
func (c *resolveCache) invalidateTenant(tenantID string) {
	base := tenantKey(tenantID)
	prefix := "v|" + tenantID + "|"
	for _, key := range c.entries.Keys() {
		if key == base || strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
}

func (c *resolveCache) purge() {
	c.entries.Purge()
}

func (c *resolveCache) stats() (hits, misses uint64, size int) {
	return c.hits.Load(), c.misses.Load(), c.entries.Len()
}
