package core

import (
	"time"

	lru "github.com/hashicorp/golang-lru"
)

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// ttlCache is a bounded LRU whose entries also expire after ttl.
type ttlCache struct {
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

func newTTLCache(maxSize int, ttl time.Duration) (*ttlCache, error) {
	cache, err := lru.New(maxSize)
	if err != nil {
		return nil, err
	}
	return &ttlCache{cache: cache, ttl: ttl, now: time.Now}, nil
}

func (c *ttlCache) get(key string) (any, bool) {
	val, found := c.cache.Get(key)
	if !found {
		return nil, false
	}
	e := val.(cacheEntry)
	if c.now().After(e.expiresAt) {
		c.cache.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (c *ttlCache) set(key string, value any) {
	c.cache.Add(key, cacheEntry{value: value, expiresAt: c.now().Add(c.ttl)})
}

func (c *ttlCache) remove(key string) {
	c.cache.Remove(key)
}
