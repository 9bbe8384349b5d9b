package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

const (
	tenantCacheTTL     = 5 * time.Minute
	negativeCacheTTL   = 30 * time.Second
	maxCacheEntries    = 10000
	cacheCleanupPeriod = 60 * time.Second
)

// missMarker is the tenantID value recorded for a lookup that found nothing.
const missMarker = "\x00miss"

var errCachedNotFound = errors.New("tenant not found (cached)")

type cachedTenant struct {
	tenantID string
	storedAt time.Time
}

func (ct cachedTenant) isMiss() bool {
	return ct.tenantID == missMarker
}

// ttl is short for misses so a freshly provisioned key becomes usable
// within seconds, and long for hits.
func (ct cachedTenant) ttl() time.Duration {
	if ct.isMiss() {
		return negativeCacheTTL
	}
	return tenantCacheTTL
}

// cacheKey hashes the API key before it is used as a map key. Raw keys
// never sit in process memory longer than the request that carried them.
func cacheKey(apiKey string) string {
	h := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(h[:])
}

// CachedTenantLookup fronts a TenantLookup with a bounded in-memory cache,
// keeping per-event authentication off the database on the hot path.
type CachedTenantLookup struct {
	inner TenantLookup
	mu    sync.RWMutex
	cache map[string]cachedTenant
}

// NewCachedTenantLookup wraps inner with caching. The context bounds the
// background eviction goroutine.
func NewCachedTenantLookup(ctx context.Context, inner TenantLookup) *CachedTenantLookup {
	c := &CachedTenantLookup{
		inner: inner,
		cache: make(map[string]cachedTenant),
	}
	go c.evictLoop(ctx)
	return c
}

func (c *CachedTenantLookup) evictLoop(ctx context.Context) {
	ticker := time.NewTicker(cacheCleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for k, v := range c.cache {
				if now.Sub(v.storedAt) >= v.ttl() {
					delete(c.cache, k)
				}
			}
			c.mu.Unlock()
		}
	}
}

// GetTenantByAPIKey resolves an API key to a tenant id, consulting the cache
// first. Misses are cached too, so an attacker cycling bogus keys cannot turn
// the auth path into a database hammer.
func (c *CachedTenantLookup) GetTenantByAPIKey(ctx context.Context, apiKey string) (string, error) {
	hk := cacheKey(apiKey)

	c.mu.RLock()
	entry, ok := c.cache[hk]
	if ok && time.Since(entry.storedAt) < entry.ttl() {
		c.mu.RUnlock()
		if entry.isMiss() {
			return "", errCachedNotFound
		}
		return entry.tenantID, nil
	}
	c.mu.RUnlock()

	tenantID, err := c.inner.GetTenantByAPIKey(ctx, apiKey)
	if err != nil {
		c.mu.Lock()
		c.cache[hk] = cachedTenant{tenantID: missMarker, storedAt: time.Now()}
		c.mu.Unlock()
		return "", err
	}

	c.mu.Lock()
	if len(c.cache) >= maxCacheEntries {
		// Drop expired entries first; if the cache is still full, shed
		// arbitrary entries until there is room. Map iteration order is
		// random enough for that.
		now := time.Now()
		for k, v := range c.cache {
			if now.Sub(v.storedAt) >= v.ttl() {
				delete(c.cache, k)
			}
		}
		for k := range c.cache {
			if len(c.cache) < maxCacheEntries {
				break
			}
			delete(c.cache, k)
		}
	}
	c.cache[hk] = cachedTenant{tenantID: tenantID, storedAt: time.Now()}
	c.mu.Unlock()

	return tenantID, nil
}
