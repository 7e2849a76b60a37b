package seal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// keyCache holds unwrapped data keys so that repeated reads of one paste do
// not round-trip to the provider. Evicted keys are zeroed.
type keyCache struct {
	provider Provider
	lru      *expirable.LRU[string, []byte]
	group    singleflight.Group
}

func newKeyCache(p Provider, size int, ttl time.Duration) *keyCache {
	return &keyCache{
		provider: p,
		lru: expirable.NewLRU[string, []byte](size, func(_ string, dek []byte) {
			wipe(dek)
		}, ttl),
	}
}

// unwrap shares one provider call between concurrent readers of a key. The
// call is detached from the first caller's cancellation so waiters are not
// failed by it.
func (c *keyCache) unwrap(ctx context.Context, wrapped, aad []byte) ([]byte, error) {
	key := cacheKey(wrapped, aad)
	if dek, ok := c.lru.Get(key); ok {
		return clone(dek), nil
	}
	shared := context.WithoutCancel(ctx)
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if dek, ok := c.lru.Get(key); ok {
			return clone(dek), nil
		}
		dek, err := c.provider.Unwrap(shared, wrapped, aad)
		if err != nil {
			return nil, err
		}
		c.lru.Add(key, clone(dek))
		return dek, nil
	})
	if err != nil {
		return nil, err
	}
	return clone(v.([]byte)), nil
}

func (c *keyCache) len() int {
	return c.lru.Len()
}

func (c *keyCache) purge() {
	c.lru.Purge()
}

func cacheKey(wrapped, aad []byte) string {
	h := sha256.New()
	h.Write(aad)
	h.Write([]byte{0})
	h.Write(wrapped)
	return hex.EncodeToString(h.Sum(nil))
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
