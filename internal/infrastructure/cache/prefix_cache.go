// Package cache provides caching of organization numbering prefixes with
// PostgreSQL LISTEN/NOTIFY invalidation.
package cache

import (
	"context"
	"time"

	goCache "github.com/patrickmn/go-cache"

	"faktura/internal/core/id"
	"faktura/internal/core/numerator"
)

// DefaultCleanupInterval is how often expired prefixes are removed.
const DefaultCleanupInterval = 10 * time.Minute

// PrefixCache is a numerator.PrefixSource that remembers prefixes of a
// slower source for ttl.
//
// Only the first allocation of a year reads the prefix, so a stale entry can
// at worst stamp the previous prefix onto a new year's counter; invalidate on
// change to avoid that.
type PrefixCache struct {
	source numerator.PrefixSource
	cache  *goCache.Cache
}

var _ numerator.PrefixSource = (*PrefixCache)(nil)

// NewPrefixCache wraps source.
func NewPrefixCache(source numerator.PrefixSource, ttl time.Duration) *PrefixCache {
	return &PrefixCache{
		source: source,
		cache:  goCache.New(ttl, DefaultCleanupInterval),
	}
}

// Prefix implements numerator.PrefixSource.
func (c *PrefixCache) Prefix(ctx context.Context, orgID id.ID) (string, error) {
	key := orgID.String()
	if v, ok := c.cache.Get(key); ok {
		return v.(string), nil
	}

	prefix, err := c.source.Prefix(ctx, orgID)
	if err != nil {
		return "", err
	}
	c.cache.SetDefault(key, prefix)
	return prefix, nil
}

// Invalidate drops the cached prefix of one organization.
func (c *PrefixCache) Invalidate(orgID id.ID) {
	c.cache.Delete(orgID.String())
}

// InvalidateAll drops every cached prefix.
func (c *PrefixCache) InvalidateAll() {
	c.cache.Flush()
}

// Len returns the number of cached entries, expired ones included.
func (c *PrefixCache) Len() int {
	return c.cache.ItemCount()
}
