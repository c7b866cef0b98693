// Package cache keeps recent responses for a small allow-list of read-only
// methods so transient backend unavailability can be masked.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mcpgate/mcpgate/internal/jsonrpc"
	"github.com/mcpgate/mcpgate/internal/logx"
	"github.com/mcpgate/mcpgate/internal/metrics"
)

// Cache stores responses keyed by (backend target, method). Entries expire
// after the TTL; there is no other invalidation and nothing is shared across
// processes.
type Cache struct {
	target string

	mu      sync.RWMutex
	lru     *expirable.LRU[string, *jsonrpc.Response]
	allowed map[string]struct{}
	ttl     time.Duration
	cap     int
}

// New builds a cache for one backend target with the given method allow-list.
func New(target string, methods []string, ttl time.Duration, capacity int) *Cache {
	c := &Cache{
		target:  target,
		lru:     expirable.NewLRU[string, *jsonrpc.Response](capacity, nil, ttl),
		allowed: allowSet(methods),
		ttl:     ttl,
		cap:     capacity,
	}
	return c
}

// Cacheable reports whether responses for method may be cached.
func (c *Cache) Cacheable(method string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.allowed[method]
	return ok
}

// Lookup returns a fresh cached response for method, if one exists. The
// caller re-stamps the id before writing it out.
func (c *Cache) Lookup(method string) (*jsonrpc.Response, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.allowed[method]; !ok {
		return nil, false
	}
	resp, ok := c.lru.Get(c.key(method))
	if ok {
		metrics.RecordCacheHit()
	} else {
		metrics.RecordCacheMiss()
	}
	return resp, ok
}

// Store records a successful response for an allow-listed method. Error
// responses and calls for other methods are ignored.
func (c *Cache) Store(method string, resp *jsonrpc.Response) {
	if resp == nil || resp.Err() != nil {
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.allowed[method]; !ok {
		return
	}
	c.lru.Add(c.key(method), resp)
}

// SetPolicy swaps the allow-list and TTL. Changing the TTL rebuilds the
// underlying store and drops existing entries.
func (c *Cache) SetPolicy(methods []string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowed = allowSet(methods)
	if ttl != c.ttl {
		logx.Log.Info().Dur("ttl", ttl).Msg("response cache rebuilt with new ttl")
		c.lru = expirable.NewLRU[string, *jsonrpc.Response](c.cap, nil, ttl)
		c.ttl = ttl
	}
}

// Len returns the number of live entries, for status reporting.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lru.Len()
}

func (c *Cache) key(method string) string {
	return c.target + "|" + method
}

func allowSet(methods []string) map[string]struct{} {
	set := make(map[string]struct{}, len(methods))
	for _, m := range methods {
		set[m] = struct{}{}
	}
	return set
}
