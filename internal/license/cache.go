package license

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/patrickmn/go-cache"

	"isxlicense/internal/credential"
)

// resultCache remembers signature verification results so periodic
// rechecks of an unchanged credential skip the Ed25519 verify. Only
// authenticity is cached; expiry is always evaluated fresh.
type resultCache struct {
	entries *cache.Cache
}

func newResultCache(ttl time.Duration) *resultCache {
	return &resultCache{entries: cache.New(ttl, 2*ttl)}
}

func cacheKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// verify returns the cached result for token or runs v.Verify and caches
// it. hit reports whether the cache answered.
func (c *resultCache) verify(v *credential.Verifier, token string) (res credential.Result, hit bool) {
	key := cacheKey(token)
	if cached, ok := c.entries.Get(key); ok {
		return cached.(credential.Result), true
	}
	res = v.Verify(token)
	c.entries.SetDefault(key, res)
	return res, false
}

func (c *resultCache) flush() {
	c.entries.Flush()
}
