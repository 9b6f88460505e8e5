// Package requestcache is a process-scoped TTL + LRU cache keyed by
// normalized request identity. It exists to avoid repeating recently
// answered (or recently failed) upstream calls; every site integration
// shares one instance.
package requestcache

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type entry struct {
	payload   string
	cachedAt  time.Time
	expiresAt time.Time
}

type Options struct {
	MaxSize    int
	DefaultTTL time.Duration
}

type Cache struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, entry]
	defaultTTL time.Duration
	maxSize    int

	hits      int64
	misses    int64
	evictions int64
	// suppresses the eviction counter while we remove expired entries
	expiring bool

	now func() time.Time
}

func New(opts Options) *Cache {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 5 * time.Minute
	}

	c := &Cache{
		defaultTTL: opts.DefaultTTL,
		maxSize:    opts.MaxSize,
		now:        time.Now,
	}
	// the callback fires under c.mu, from Add and Remove
	lru, err := simplelru.NewLRU[string, entry](opts.MaxSize, func(key string, _ entry) {
		if !c.expiring {
			c.evictions++
		}
	})
	if err != nil {
		// only possible with a non-positive size, which is normalized above
		panic(err)
	}
	c.lru = lru
	return c
}

// Key normalizes a request identity into a cache key: endpoint class, URL
// and sorted query parameters. Callers needing segregation by class embed it
// here rather than in the payload.
func Key(class, rawURL string, params map[string]string) string {
	var b strings.Builder
	if class != "" {
		b.WriteString(class)
		b.WriteString(":")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		b.WriteString(rawURL)
	} else {
		merged := u.Query()
		for k, v := range params {
			merged.Set(k, v)
		}
		u.RawQuery = ""
		u.Fragment = ""
		b.WriteString(u.String())

		if len(merged) > 0 {
			keys := make([]string, 0, len(merged))
			for k := range merged {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			b.WriteString("?")
			for i, k := range keys {
				if i > 0 {
					b.WriteString("&")
				}
				fmt.Fprintf(&b, "%s=%s", k, merged.Get(k))
			}
		}
	}
	return b.String()
}

// Get returns the cached payload if present and unexpired. An expired entry
// is removed and counts as a miss. A hit refreshes the entry's recency.
func (c *Cache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key) // Get also moves the entry to most recently used
	if !ok {
		c.misses++
		return "", false
	}
	if c.now().After(e.expiresAt) {
		c.expiring = true
		c.lru.Remove(key)
		c.expiring = false
		c.misses++
		return "", false
	}

	c.hits++
	return e.payload, true
}

// Set stores a payload under key. ttl <= 0 uses the default. Inserting into
// a full cache evicts the least recently used entry.
func (c *Cache) Set(key, payload string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.lru.Add(key, entry{
		payload:   payload,
		cachedAt:  now,
		expiresAt: now.Add(ttl),
	})
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.expiring = true
	c.lru.Purge()
	c.expiring = false
	slog.Info("request cache cleared")
}

// SweepExpired removes expired entries, returning how many were dropped.
// Called by the background maintenance loop.
func (c *Cache) SweepExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []string
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && now.After(e.expiresAt) {
			expired = append(expired, key)
		}
	}

	c.expiring = true
	for _, key := range expired {
		c.lru.Remove(key)
	}
	c.expiring = false

	if len(expired) > 0 {
		slog.Debug("swept expired cache entries", "count", len(expired))
	}
	return len(expired)
}

// Run sweeps expired entries on a fixed interval until ctx is canceled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.SweepExpired()
		}
	}
}

type Stats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
}

func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.lru.Len(),
		MaxSize:   c.maxSize,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
