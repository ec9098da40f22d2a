// Package cache memoizes expensive check results by content hash.
//
// Two concurrent requests for the same key trigger at most one
// underlying call: the second caller attaches to the first's in-flight
// computation via singleflight instead of paying for a duplicate.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xaenox/sentinel-bot/internal/metrics"
	"github.com/xaenox/sentinel-bot/internal/models"
)

// Key builds a deterministic cache key from the given parts. Parts are
// length-prefixed before hashing so ("ab","c") and ("a","bc"), or a
// caption and an identical OCR text, can never collide.
func Key(parts ...string) string {
	h := sha256.New()
	var buf [binary.MaxVarintLen64]byte
	for _, part := range parts {
		n := binary.PutUvarint(buf[:], uint64(len(part)))
		h.Write(buf[:n])
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Cache is a TTL map of serialized CheckResults with single-flight
// stampede protection. Safe for concurrent use.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
}

func New(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]entry),
	}
}

// GetOrDo returns the cached result for key, or runs fn exactly once
// across concurrent callers and caches its result. The second return
// value reports whether the result came from the cache or a shared
// in-flight call rather than a fresh execution of fn.
//
// Abstained results are never cached: they represent failures or
// opt-outs that must stay retryable.
func (c *Cache) GetOrDo(ctx context.Context, key string, fn func(context.Context) (models.CheckResult, error)) (models.CheckResult, bool, error) {
	if res, ok := c.get(key); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return res, true, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		// A racing caller may have populated the entry while this one
		// was queued behind the flight lock.
		if res, ok := c.get(key); ok {
			return res, nil
		}

		res, err := fn(ctx)
		if err != nil {
			return models.CheckResult{}, err
		}
		if !res.Abstained {
			c.set(key, res)
		}
		return res, nil
	})
	if err != nil {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return models.CheckResult{}, false, err
	}

	if shared {
		metrics.CacheLookups.WithLabelValues("shared").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	}
	return v.(models.CheckResult), shared, nil
}

// Run sweeps expired entries until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweep(now)
		}
	}
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) get(key string) (models.CheckResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return models.CheckResult{}, false
	}

	var res models.CheckResult
	if err := json.Unmarshal(e.value, &res); err != nil {
		return models.CheckResult{}, false
	}
	return res, true
}

func (c *Cache) set(key string, res models.CheckResult) {
	value, err := json.Marshal(res)
	if err != nil {
		return
	}

	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cache) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
}
