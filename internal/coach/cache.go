package coach

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// resultCache holds remote classifications keyed by normalized question text.
// One instance per Manager; flushed on Reset.
type resultCache struct {
	c *cache.Cache
}

func newResultCache(ttl time.Duration) *resultCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	// Purge expired entries at twice the TTL.
	return &resultCache{c: cache.New(ttl, 2*ttl)}
}

func (rc *resultCache) Get(key string) (Result, bool) {
	if x, found := rc.c.Get(key); found {
		return x.(Result), true
	}
	return Result{}, false
}

func (rc *resultCache) Set(key string, r Result) {
	rc.c.Set(key, r, cache.DefaultExpiration)
}

func (rc *resultCache) Len() int { return rc.c.ItemCount() }

func (rc *resultCache) Flush() { rc.c.Flush() }
