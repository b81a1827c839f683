package eta

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Estimator is the opaque distance/ETA provider consumed for display only.
// Matching never depends on it; haversine is authoritative there.
type Estimator interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// Naive estimates travel time as straight-line distance over a flat city
// speed. Good enough as a fallback when no routing backend is configured.
type Naive struct {
	SpeedMps float64
}

func (n Naive) EstimateSeconds(from, to models.Coord) (float64, error) {
	speed := n.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	return haversine(from.Lat, from.Lon, to.Lat, to.Lon) / speed, nil
}

// Cached wraps an Estimator with a TTL cache keyed by the coordinate pair.
type Cached struct {
	Inner Estimator

	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCached(inner Estimator, ttl time.Duration) *Cached {
	return &Cached{Inner: inner, store: make(map[string]cacheEntry), ttl: ttl}
}

func (c *Cached) EstimateSeconds(from, to models.Coord) (float64, error) {
	k := keyFor(from, to)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if ok && time.Since(e.ts) <= c.ttl {
		return e.v, nil
	}
	v, err := c.Inner.EstimateSeconds(from, to)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
	return v, nil
}

func keyFor(a, b models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

// local haversine to avoid an import cycle with the geo package
func haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(deg float64) float64 { return deg * math.Pi / 180.0 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
