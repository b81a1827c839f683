package presence

import (
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// ErrUnknownDriver is returned for heartbeat/offline calls against a driver
// that never went online this session. Permanent; surfaced as 404.
var ErrUnknownDriver = errors.New("unknown driver")

// Tracker records each driver's online flag, last position and last
// heartbeat, and derives effective liveness from heartbeat recency at read
// time. The stored flag alone is never authoritative.
type Tracker struct {
	mu         sync.RWMutex
	drivers    map[string]models.Driver
	geo        geo.Geo
	intervals  *IntervalLedger
	staleAfter time.Duration
	now        func() time.Time
}

func NewTracker(g geo.Geo, intervals *IntervalLedger, staleAfter time.Duration) *Tracker {
	return &Tracker{
		drivers:    make(map[string]models.Driver),
		geo:        g,
		intervals:  intervals,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// SetOnline opens a presence session. Idempotent: repeated calls refresh the
// position and heartbeat timestamp. Seat count comes from the client's
// profile and is clamped here.
func (t *Tracker) SetOnline(driverID string, seats int, loc models.Coord) models.Driver {
	now := t.now()
	d := models.Driver{
		ID:       driverID,
		Seats:    models.ClampSeats(seats),
		Loc:      loc,
		Online:   true,
		LastSeen: now,
	}
	t.mu.Lock()
	t.drivers[driverID] = d
	t.mu.Unlock()

	t.geo.Upsert(d)
	t.intervals.Extend(driverID, now)
	return d
}

// SetOffline closes the presence session. The driver record is kept (with
// online=false) so a stale poll still resolves the id.
func (t *Tracker) SetOffline(driverID string) (models.Driver, error) {
	now := t.now()
	t.mu.Lock()
	d, ok := t.drivers[driverID]
	if !ok {
		t.mu.Unlock()
		return models.Driver{}, ErrUnknownDriver
	}
	d.Online = false
	d.LastSeen = now
	t.drivers[driverID] = d
	t.mu.Unlock()

	t.geo.Remove(driverID)
	t.intervals.Extend(driverID, now)
	return d, nil
}

// Heartbeat refreshes position and liveness. Safe to call every ~20s with
// jitter; idempotent for identical payloads.
func (t *Tracker) Heartbeat(driverID string, loc models.Coord) (models.Driver, error) {
	now := t.now()
	t.mu.Lock()
	d, ok := t.drivers[driverID]
	if !ok {
		t.mu.Unlock()
		return models.Driver{}, ErrUnknownDriver
	}
	d.Loc = loc
	d.LastSeen = now
	t.drivers[driverID] = d
	t.mu.Unlock()

	if d.Online {
		t.geo.Upsert(d)
		t.intervals.Extend(driverID, now)
	}
	return d, nil
}

// Get returns the stored record. Callers needing liveness must go through
// EffectiveOnline rather than trust the Online flag.
func (t *Tracker) Get(driverID string) (models.Driver, error) {
	t.mu.RLock()
	d, ok := t.drivers[driverID]
	t.mu.RUnlock()
	if !ok {
		return models.Driver{}, ErrUnknownDriver
	}
	return d, nil
}

// EffectiveOnline derives liveness at read time: the stored flag must be set
// and the last heartbeat must be within the staleness threshold.
func (t *Tracker) EffectiveOnline(driverID string) bool {
	t.mu.RLock()
	d, ok := t.drivers[driverID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return d.Online && t.now().Sub(d.LastSeen) < t.staleAfter
}

// StaleAfter exposes the staleness threshold for read-time filters elsewhere.
func (t *Tracker) StaleAfter() time.Duration { return t.staleAfter }

// SweepStale flips the stored online flag for drivers whose heartbeat aged
// out. Optional hygiene only: matching already excludes stale drivers at
// read time without this.
func (t *Tracker) SweepStale() int {
	cutoff := t.now().Add(-t.staleAfter)
	var stale []string
	t.mu.Lock()
	for id, d := range t.drivers {
		if d.Online && d.LastSeen.Before(cutoff) {
			d.Online = false
			t.drivers[id] = d
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()
	for _, id := range stale {
		t.geo.Remove(id)
	}
	return len(stale)
}
