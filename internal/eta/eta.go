package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is a routing backend that can estimate drive time.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
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

// rounded to ~11m so a driver creeping forward still hits the cache
func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.4f,%.4f", c.Lat, c.Lon)
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

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Minutes is the straight-line estimate: distance at a constant average
// speed, rounded, never below floor.
func Minutes(distanceKm, speedKmh float64, floor int) int {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	m := int(math.Round(distanceKm / speedKmh * 60))
	if m < floor {
		return floor
	}
	return m
}

const (
	DefaultSpeedKmh   = 40.0
	DefaultMinMinutes = 2
)

// Estimator produces the driver-to-pickup ETA shown to riders. It is
// informational only; a routing failure falls back to the straight-line
// estimate instead of failing the assignment.
type Estimator struct {
	Client     Client // optional OSRM client
	Cache      *Cache // optional ETA cache
	SpeedKmh   float64
	MinMinutes int
}

func NewEstimator(speedKmh float64, minMinutes int) *Estimator {
	return &Estimator{SpeedKmh: speedKmh, MinMinutes: minMinutes}
}

func (e *Estimator) Minutes(ctx context.Context, from, to models.Coord) int {
	if e.Client != nil {
		if secs, ok := e.routed(ctx, from, to); ok {
			m := int(math.Round(secs / 60))
			if m < e.MinMinutes {
				return e.MinMinutes
			}
			return m
		}
	}
	return Minutes(geo.Distance(from, to), e.SpeedKmh, e.MinMinutes)
}

func (e *Estimator) routed(ctx context.Context, from, to models.Coord) (float64, bool) {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v, true
		}
	}
	v, err := e.Client.EstimateSeconds(ctx, from, to)
	if err != nil {
		return 0, false
	}
	if e.Cache != nil {
		e.Cache.Set(from, to, v)
	}
	return v, true
}
