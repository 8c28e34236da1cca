package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/rideshare/internal/geo"
)

// Cache is a tiny in-memory cache for route lookups keyed by the full stop
// list.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(points []geo.Point) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lon)
	}
	return strings.Join(parts, "->")
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(points []geo.Point) (Route, bool) {
	k := keyFor(points)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(points []geo.Point, v Route) {
	k := keyFor(points)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Cached answers from the cache when it can and remembers successful
// lookups of Next.
type Cached struct {
	Next  Router
	Cache *Cache
}

func (c *Cached) ComputeRoute(ctx context.Context, origin, destination geo.Point, waypoints ...geo.Point) (Route, error) {
	pts := stops(origin, destination, waypoints)
	if rt, ok := c.Cache.Get(pts); ok {
		return rt, nil
	}
	rt, err := c.Next.ComputeRoute(ctx, origin, destination, waypoints...)
	if err != nil {
		return Route{}, err
	}
	c.Cache.Set(pts, rt)
	return rt, nil
}
