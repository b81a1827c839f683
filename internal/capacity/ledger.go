package capacity

import (
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrCapacityExceeded is the admission-race rejection. It is an expected
	// steady-state outcome, not a fault; callers refresh and retry elsewhere.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrUnknownDriver means no ledger entry exists, i.e. the driver never
	// went online this session.
	ErrUnknownDriver = errors.New("unknown driver")
)

// Ledger tracks committed seats per driver and answers admission-control
// queries. Each driver has its own lock; there is no global mutex on the
// admission path, only a short registry lookup.
type Ledger struct {
	mu     sync.RWMutex
	states map[string]*driverState
}

type driverState struct {
	mu         sync.Mutex
	total      int
	used       int
	lockedSolo bool
	holds      map[string]int // tripID -> committed seats, keyed for idempotent release
	soloTrip   string
}

func NewLedger() *Ledger {
	return &Ledger{states: make(map[string]*driverState)}
}

// Open creates or refreshes the ledger entry at the online transition. It is
// idempotent: committed holds from an interrupted session survive a
// reconnect, and the seat total never drops below what is already in use.
func (l *Ledger) Open(driverID string, seats int) models.CapacityState {
	seats = models.ClampSeats(seats)
	l.mu.Lock()
	st, ok := l.states[driverID]
	if !ok {
		st = &driverState{holds: make(map[string]int)}
		l.states[driverID] = st
	}
	l.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.total = seats
	if st.total < st.used {
		st.total = st.used
	}
	return st.snapshot(driverID)
}

// Close zeroes the entry at the offline transition. Historical trips are
// untouched; only the live seat accounting resets.
func (l *Ledger) Close(driverID string) {
	l.mu.RLock()
	st, ok := l.states[driverID]
	l.mu.RUnlock()
	if !ok {
		return
	}
	st.mu.Lock()
	st.used = 0
	st.lockedSolo = false
	st.soloTrip = ""
	st.holds = make(map[string]int)
	st.mu.Unlock()
}

// Admit applies the admission rule atomically for one driver:
//
//	lockedSolo        -> reject everything until the solo trip terminates
//	solo request      -> requires used == 0, then takes the whole vehicle
//	classic/group     -> requires used + partySize <= total
//
// On success the seats are committed under the trip id so a later release is
// idempotent.
func (l *Ledger) Admit(driverID, tripID string, t models.TripType, partySize int) (models.CapacityState, error) {
	l.mu.RLock()
	st, ok := l.states[driverID]
	l.mu.RUnlock()
	if !ok {
		return models.CapacityState{}, ErrUnknownDriver
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.heal()

	if _, dup := st.holds[tripID]; dup {
		// already committed; treat the retry as a no-op success
		return st.snapshot(driverID), nil
	}
	if st.lockedSolo {
		return st.snapshot(driverID), ErrCapacityExceeded
	}
	switch t {
	case models.TripSolo:
		if st.used != 0 {
			return st.snapshot(driverID), ErrCapacityExceeded
		}
		st.used = st.total
		st.lockedSolo = true
		st.soloTrip = tripID
		st.holds[tripID] = st.total
	default:
		if partySize < 1 || st.used+partySize > st.total {
			return st.snapshot(driverID), ErrCapacityExceeded
		}
		st.used += partySize
		st.holds[tripID] = partySize
	}
	return st.snapshot(driverID), nil
}

// Release returns a trip's seats at termination. Releasing a trip that was
// never committed, or releasing twice, is a no-op.
func (l *Ledger) Release(driverID, tripID string) models.CapacityState {
	l.mu.RLock()
	st, ok := l.states[driverID]
	l.mu.RUnlock()
	if !ok {
		return models.CapacityState{}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	seats, held := st.holds[tripID]
	if !held {
		return st.snapshot(driverID)
	}
	delete(st.holds, tripID)
	if st.soloTrip == tripID {
		st.used = 0
		st.lockedSolo = false
		st.soloTrip = ""
	} else {
		st.used -= seats
	}
	st.heal()
	return st.snapshot(driverID)
}

// CanAdmit answers the non-committing pre-filter used by queue listings.
func (l *Ledger) CanAdmit(driverID string, t models.TripType, partySize int) bool {
	l.mu.RLock()
	st, ok := l.states[driverID]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.heal()
	if st.lockedSolo {
		return false
	}
	if t == models.TripSolo {
		return st.used == 0
	}
	return partySize >= 1 && st.used+partySize <= st.total
}

// Snapshot reads the current state without committing anything.
func (l *Ledger) Snapshot(driverID string) (models.CapacityState, bool) {
	l.mu.RLock()
	st, ok := l.states[driverID]
	l.mu.RUnlock()
	if !ok {
		return models.CapacityState{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.heal()
	return st.snapshot(driverID), true
}

// heal clamps corrupted counters instead of failing; a negative used count
// self-repairs on the next read.
func (st *driverState) heal() {
	if st.used < 0 {
		st.used = 0
	}
	if st.used > st.total {
		st.used = st.total
	}
}

func (st *driverState) snapshot(driverID string) models.CapacityState {
	return models.CapacityState{
		DriverID:   driverID,
		Total:      st.total,
		Used:       st.used,
		LockedSolo: st.lockedSolo,
	}
}
