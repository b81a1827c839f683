package matcher

import (
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/capacity"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

// ErrAlreadyTaken is the clean rejection for a claim on a trip that vanished
// between listing and claim: claimed by someone else, cancelled, or expired.
// Clients silently refresh the queue on this signal.
var ErrAlreadyTaken = errors.New("trip already taken")

// ErrBadRequest covers malformed submissions (bad trip type, party size < 1).
var ErrBadRequest = errors.New("bad trip request")

// Hinter pushes a poll-now nudge to a connected driver. Delivery is
// best-effort; polling remains the source of truth for every state change.
type Hinter interface {
	Hint(driverID string, event string, tripID string) error
}

// Settler is the optional payment hook set: hold at assignment, capture at
// completion, void at cancellation. Fare stays an opaque input either way.
type Settler interface {
	HoldForTrip(t models.Trip)
	CaptureTrip(tripID string)
	VoidTrip(tripID string)
}

// Service wires the presence tracker, capacity ledger and trip store into
// the two matching modes: push match at submission and pull claims from the
// waiting queue.
type Service struct {
	Geo      geo.Geo
	Presence *presence.Tracker
	Capacity *capacity.Ledger
	Store    storage.TripStore
	Hints    Hinter
	Settle   Settler
	ETA      eta.Estimator
	Logger   *slog.Logger

	TopN           int
	QueueRadiusKm  float64
	PendingTimeout time.Duration

	now func() time.Time
}

func (s *Service) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Submit creates the trip and attempts an immediate push match against the
// nearest eligible driver. When nobody can take it the trip stays pending
// and the waiting queue takes over — never an error for "no driver now".
func (s *Service) Submit(id string, req models.TripRequest) (models.Trip, error) {
	if req.RiderID == "" || !req.Type.Valid() || req.PartySize < 1 {
		return models.Trip{}, ErrBadRequest
	}
	now := s.clock()
	t := models.Trip{
		ID:            id,
		RiderID:       req.RiderID,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		Fare:          req.Fare,
		PaymentMethod: req.PaymentMethod,
		Notes:         req.Notes,
		Type:          req.Type,
		PartySize:     req.PartySize,
		Status:        models.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Store.Create(t); err != nil {
		return models.Trip{}, err
	}
	observability.TripsSubmitted.Inc()

	if matched, ok := s.pushMatch(t); ok {
		return matched, nil
	}
	s.log().Debug("no eligible driver, trip queued", "trip_id", t.ID)
	return t, nil
}

// pushMatch walks eligible drivers nearest-first and commits against the
// first one that passes admission and wins the status CAS. Losing either
// race just moves on to the next candidate.
func (s *Service) pushMatch(t models.Trip) (models.Trip, bool) {
	topN := s.TopN
	if topN <= 0 {
		topN = 8
	}
	cands := s.Geo.Nearby(t.Pickup.Lat, t.Pickup.Lon, topN, s.Presence.StaleAfter())
	for _, d := range cands {
		if !s.Presence.EffectiveOnline(d.ID) {
			continue
		}
		if _, err := s.Capacity.Admit(d.ID, t.ID, t.Type, t.PartySize); err != nil {
			continue
		}
		updated, err := s.Store.Transition(t.ID, models.StatusPending, models.StatusAccepted, d.ID, "")
		if err != nil {
			// admission committed but the trip moved under us; give the seats back
			s.Capacity.Release(d.ID, t.ID)
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return models.Trip{}, false
		}
		observability.MatchesTotal.Inc()
		s.notifyAssigned(d.ID, updated.ID)
		if s.Settle != nil {
			s.Settle.HoldForTrip(updated)
		}
		return updated, true
	}
	return models.Trip{}, false
}

// Queue lists pending trips near a point as anonymized previews, pre-filtered
// to what this driver could actually admit. Expired pending trips are lazily
// cancelled on the way through. Ordering is nearest first, FIFO among
// distance ties.
func (s *Service) Queue(driverID string, lat, lon, radiusKm float64) ([]models.QueueEntry, error) {
	if _, err := s.Presence.Get(driverID); err != nil {
		return nil, err
	}
	if !s.Presence.EffectiveOnline(driverID) {
		return nil, capacity.ErrCapacityExceeded
	}
	if radiusKm <= 0 {
		radiusKm = s.QueueRadiusKm
	}
	pending, err := s.Store.Pending()
	if err != nil {
		return nil, err
	}
	now := s.clock()
	entries := make([]models.QueueEntry, 0, len(pending))
	created := make(map[string]time.Time, len(pending))
	for _, t := range pending {
		if s.expireIfStale(t, now) {
			continue
		}
		if !s.Capacity.CanAdmit(driverID, t.Type, t.PartySize) {
			continue
		}
		distKm := geo.HaversineKm(lat, lon, t.Pickup.Lat, t.Pickup.Lon)
		if distKm > radiusKm {
			continue
		}
		entries = append(entries, models.QueueEntry{
			TripID:     t.ID,
			Pickup:     roundCoord(t.Pickup),
			Fare:       t.Fare,
			Type:       t.Type,
			PartySize:  t.PartySize,
			DistanceKm: distKm,
			AgeSeconds: int64(now.Sub(t.CreatedAt).Seconds()),
		})
		created[t.ID] = t.CreatedAt
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].DistanceKm != entries[j].DistanceKm {
			return entries[i].DistanceKm < entries[j].DistanceKm
		}
		return created[entries[i].TripID].Before(created[entries[j].TripID])
	})
	return entries, nil
}

// Claim commits a pull match: same admission-and-CAS as push match, so N
// concurrent claimants on one trip produce exactly one winner.
func (s *Service) Claim(tripID, driverID string) (models.Trip, error) {
	if _, err := s.Presence.Get(driverID); err != nil {
		return models.Trip{}, err
	}
	if !s.Presence.EffectiveOnline(driverID) {
		return models.Trip{}, capacity.ErrCapacityExceeded
	}
	t, err := s.Store.Get(tripID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// vanished from under the listing; not worth alarming the driver
			return models.Trip{}, ErrAlreadyTaken
		}
		return models.Trip{}, err
	}
	if t.Status != models.StatusPending {
		return models.Trip{}, ErrAlreadyTaken
	}
	if s.expireIfStale(t, s.clock()) {
		return models.Trip{}, ErrAlreadyTaken
	}
	if _, err := s.Capacity.Admit(driverID, tripID, t.Type, t.PartySize); err != nil {
		observability.ClaimConflicts.Inc()
		return models.Trip{}, err
	}
	updated, err := s.Store.Transition(tripID, models.StatusPending, models.StatusAccepted, driverID, "")
	if err != nil {
		s.Capacity.Release(driverID, tripID)
		observability.ClaimConflicts.Inc()
		if errors.Is(err, storage.ErrConflict) {
			return models.Trip{}, ErrAlreadyTaken
		}
		return models.Trip{}, err
	}
	observability.ClaimsTotal.Inc()
	if s.Settle != nil {
		s.Settle.HoldForTrip(updated)
	}
	return updated, nil
}

// Advance drives the forward lifecycle on behalf of the driver client:
// picked_up, payment_pending, completed. Re-applying the current status is a
// no-op so one-tick-stale pollers do not error.
func (s *Service) Advance(tripID string, target models.Status) (models.Trip, error) {
	t, err := s.Store.Get(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if t.Status == target {
		return t, nil
	}
	if !models.CanTransition(t.Status, target) {
		return models.Trip{}, models.ErrIllegalTransition
	}
	updated, err := s.Store.Transition(tripID, t.Status, target, "", "")
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// lost to a concurrent writer; the client's next poll resolves it
			return models.Trip{}, models.ErrIllegalTransition
		}
		return models.Trip{}, err
	}
	observability.Transitions.WithLabelValues(string(target)).Inc()
	if target == models.StatusCompleted {
		s.Capacity.Release(updated.DriverID, updated.ID)
		if s.Settle != nil {
			s.Settle.CaptureTrip(updated.ID)
		}
	}
	return updated, nil
}

// Cancel terminates a trip with attribution. Riders may only cancel before
// pickup; drivers and the system may cancel any non-terminal trip. Cancelling
// an already-cancelled trip is a no-op.
func (s *Service) Cancel(tripID string, by models.CancelActor) (models.Trip, error) {
	t, err := s.Store.Get(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if t.Status == models.StatusCancelled {
		return t, nil
	}
	if t.Status == models.StatusCompleted {
		return models.Trip{}, models.ErrIllegalTransition
	}
	if by == models.CancelledByRider && t.Status != models.StatusPending && t.Status != models.StatusAccepted {
		return models.Trip{}, models.ErrIllegalTransition
	}
	updated, err := s.Store.Transition(tripID, t.Status, models.StatusCancelled, "", by)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return models.Trip{}, models.ErrIllegalTransition
		}
		return models.Trip{}, err
	}
	observability.Transitions.WithLabelValues(string(models.StatusCancelled)).Inc()
	if updated.DriverID != "" {
		s.Capacity.Release(updated.DriverID, updated.ID)
	}
	if s.Settle != nil {
		s.Settle.VoidTrip(updated.ID)
	}
	return updated, nil
}

// Snapshot is the rider/driver poll target for one trip. Pending expiry is
// applied on the way through so pollers observe the system cancellation
// without any background sweep.
func (s *Service) Snapshot(tripID string) (models.Trip, error) {
	t, err := s.Store.Get(tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if s.expireIfStale(t, s.clock()) {
		return s.Store.Get(tripID)
	}
	return t, nil
}

// ActiveForRider resolves the rider's current non-terminal trip.
func (s *Service) ActiveForRider(riderID string) (models.Trip, error) {
	t, err := s.Store.ActiveByRider(riderID)
	if err != nil {
		return models.Trip{}, err
	}
	if s.expireIfStale(t, s.clock()) {
		return s.Store.Get(t.ID)
	}
	return t, nil
}

// IncomingTrip decorates a driver's assigned trip with pickup distance and a
// display-only ETA from the external estimator.
type IncomingTrip struct {
	models.Trip
	PickupDistanceKm float64 `json:"pickup_distance_km"`
	PickupETASeconds float64 `json:"pickup_eta_seconds,omitempty"`
}

// Incoming returns the push-match outcomes a driver polls for: every
// non-terminal trip currently assigned to it.
func (s *Service) Incoming(driverID string) ([]IncomingTrip, error) {
	d, err := s.Presence.Get(driverID)
	if err != nil {
		return nil, err
	}
	trips, err := s.Store.ActiveByDriver(driverID)
	if err != nil {
		return nil, err
	}
	out := make([]IncomingTrip, 0, len(trips))
	for _, t := range trips {
		it := IncomingTrip{Trip: t}
		it.PickupDistanceKm = geo.HaversineKm(d.Loc.Lat, d.Loc.Lon, t.Pickup.Lat, t.Pickup.Lon)
		if s.ETA != nil {
			if sec, err := s.ETA.EstimateSeconds(d.Loc, t.Pickup); err == nil {
				it.PickupETASeconds = sec
			}
		}
		out = append(out, it)
	}
	return out, nil
}

// ExpirePending sweeps pending trips past the timeout into
// cancelled(system). The same check runs lazily on queue and claim paths, so
// this ticker exists only for hygiene on idle deployments.
func (s *Service) ExpirePending() int {
	pending, err := s.Store.Pending()
	if err != nil {
		return 0
	}
	now := s.clock()
	n := 0
	for _, t := range pending {
		if s.expireIfStale(t, now) {
			n++
		}
	}
	return n
}

func (s *Service) expireIfStale(t models.Trip, now time.Time) bool {
	timeout := s.PendingTimeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if t.Status != models.StatusPending || now.Sub(t.CreatedAt) < timeout {
		return false
	}
	if _, err := s.Store.Transition(t.ID, models.StatusPending, models.StatusCancelled, "", models.CancelledBySystem); err != nil {
		// someone claimed or cancelled it first; nothing to do
		return false
	}
	observability.TripsExpired.Inc()
	s.log().Debug("pending trip timed out", "trip_id", t.ID)
	return true
}

func (s *Service) notifyAssigned(driverID, tripID string) {
	if s.Hints == nil {
		return
	}
	if err := s.Hints.Hint(driverID, "trip_assigned", tripID); err != nil {
		// hint channel is advisory; the incoming-feed poll will catch up
		s.log().Debug("assignment hint not delivered", "driver_id", driverID, "trip_id", tripID)
	}
}

// roundCoord blurs a pickup to ~1.1km precision for queue previews.
func roundCoord(c models.Coord) models.Coord {
	return models.Coord{
		Lat: math.Round(c.Lat*100) / 100,
		Lon: math.Round(c.Lon*100) / 100,
	}
}
