package maps

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/example/rideshare/internal/models"
)

// Cache is a tiny in-memory TTL cache.
type Cache[V any] struct {
	mu    sync.RWMutex
	store map[string]cacheEntry[V]
	ttl   time.Duration
}

type cacheEntry[V any] struct {
	v  V
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{store: make(map[string]cacheEntry[V]), ttl: ttl}
}

// Get returns cached value and true if present and not expired.
func (c *Cache[V]) Get(k string) (V, bool) {
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache[V]) Set(k string, v V) {
	c.mu.Lock()
	c.store[k] = cacheEntry[V]{v: v, ts: time.Now()}
	c.mu.Unlock()
}

func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.store)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Cached memoizes successful geocodes and routes and collapses concurrent
// identical lookups into one provider call. Failures are never cached.
type Cached struct {
	next     Navigator
	geocodes *Cache[models.Coord]
	routes   *Cache[Route]
	group    singleflight.Group
}

func NewCached(next Navigator, geocodeTTL, routeTTL time.Duration) *Cached {
	return &Cached{next: next, geocodes: NewCache[models.Coord](geocodeTTL), routes: NewCache[Route](routeTTL)}
}

func (c *Cached) Geocode(ctx context.Context, address string) (models.Coord, error) {
	key := "g:" + strings.ToLower(strings.TrimSpace(address))
	if v, ok := c.geocodes.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.next.Geocode(ctx, address)
	})
	if err != nil {
		return models.Coord{}, err
	}
	coord := v.(models.Coord)
	c.geocodes.Set(key, coord)
	return coord, nil
}

func (c *Cached) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	key := "r:" + fmtCoord(from) + "->" + fmtCoord(to)
	if v, ok := c.routes.Get(key); ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.next.Route(ctx, from, to)
	})
	if err != nil {
		return Route{}, err
	}
	r := v.(Route)
	c.routes.Set(key, r)
	return r, nil
}
