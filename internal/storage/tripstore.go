package storage

import (
	"errors"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var now = time.Now

var (
	// ErrNotFound is returned for an unknown trip id.
	ErrNotFound = errors.New("trip not found")
	// ErrConflict means a compare-and-swap transition lost: the trip was no
	// longer in the expected status at commit time. Expected under
	// concurrent claims; never a fault.
	ErrConflict = errors.New("trip status conflict")
)

// TripStore defines persistence for trips. Transition is the only mutating
// call after Create and must be atomic per trip: it re-checks the current
// status immediately before commit so exactly one of two racing writers wins.
type TripStore interface {
	Create(t models.Trip) error
	Get(id string) (models.Trip, error)
	// Transition moves id from->to. driverID, when non-empty, assigns the
	// driver; assignment sticks — a trip that already carries a different
	// driver id rejects the move with ErrConflict. cancelledBy is recorded
	// only when to is cancelled.
	Transition(id string, from, to models.Status, driverID string, cancelledBy models.CancelActor) (models.Trip, error)
	ActiveByRider(riderID string) (models.Trip, error)
	ActiveByDriver(driverID string) ([]models.Trip, error)
	Pending() ([]models.Trip, error)
}

type tripBox struct {
	mu   sync.Mutex
	trip models.Trip
}

// MemoryStore keeps trips in a map. The registry mutex only guards the map
// itself; status writes lock the individual trip, so two claims on different
// trips never contend.
type MemoryStore struct {
	mu    sync.RWMutex
	trips map[string]*tripBox
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{trips: make(map[string]*tripBox)}
}

func (m *MemoryStore) Create(t models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = &tripBox{trip: t}
	return nil
}

func (m *MemoryStore) Get(id string) (models.Trip, error) {
	m.mu.RLock()
	b, ok := m.trips[id]
	m.mu.RUnlock()
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trip, nil
}

func (m *MemoryStore) Transition(id string, from, to models.Status, driverID string, cancelledBy models.CancelActor) (models.Trip, error) {
	m.mu.RLock()
	b, ok := m.trips[id]
	m.mu.RUnlock()
	if !ok {
		return models.Trip{}, ErrNotFound
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trip.Status != from {
		return models.Trip{}, ErrConflict
	}
	if driverID != "" && b.trip.DriverID != "" && b.trip.DriverID != driverID {
		return models.Trip{}, ErrConflict
	}
	b.trip.Status = to
	if driverID != "" && b.trip.DriverID == "" {
		b.trip.DriverID = driverID
	}
	if to == models.StatusCancelled {
		b.trip.CancelledBy = cancelledBy
	}
	b.trip.UpdatedAt = now()
	return b.trip, nil
}

func (m *MemoryStore) ActiveByRider(riderID string) (models.Trip, error) {
	for _, t := range m.snapshot() {
		if t.RiderID == riderID && !t.Status.Terminal() {
			return t, nil
		}
	}
	return models.Trip{}, ErrNotFound
}

func (m *MemoryStore) ActiveByDriver(driverID string) ([]models.Trip, error) {
	var out []models.Trip
	for _, t := range m.snapshot() {
		if t.DriverID == driverID && !t.Status.Terminal() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) Pending() ([]models.Trip, error) {
	var out []models.Trip
	for _, t := range m.snapshot() {
		if t.Status == models.StatusPending {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *MemoryStore) snapshot() []models.Trip {
	m.mu.RLock()
	boxes := make([]*tripBox, 0, len(m.trips))
	for _, b := range m.trips {
		boxes = append(boxes, b)
	}
	m.mu.RUnlock()
	out := make([]models.Trip, 0, len(boxes))
	for _, b := range boxes {
		b.mu.Lock()
		out = append(out, b.trip)
		b.mu.Unlock()
	}
	return out
}
