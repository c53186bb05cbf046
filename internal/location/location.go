// Package location is the boundary to the external location services:
// geocoding of free-text places and road distance between two points.
package location

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/truck-booking/internal/geo"
	"github.com/example/truck-booking/internal/models"
)

// Router returns the travel distance between two points in kilometers.
type Router interface {
	Distance(ctx context.Context, from, to models.Coord) (float64, error)
}

// Geocoder resolves a free-text query to a named point.
type Geocoder interface {
	Resolve(ctx context.Context, query string) (models.Location, error)
}

// Haversine is the straight-line Router used when no routing engine is configured.
type Haversine struct{}

func (Haversine) Distance(_ context.Context, from, to models.Coord) (float64, error) {
	return geo.DistanceKm(from, to), nil
}

// Cache is a tiny in-memory cache for distance lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// EstimateSeconds is a naive ETA: distance / speed.
func EstimateSeconds(distanceKm, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	return distanceKm * 1000 / speedMps
}
