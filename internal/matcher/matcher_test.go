package matcher

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/capacity"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/storage"
)

func newTestService(staleAfter time.Duration) *Service {
	g := geo.NewIndex()
	tr := presence.NewTracker(g, presence.NewIntervalLedger(10*time.Minute), staleAfter)
	return &Service{
		Geo:            g,
		Presence:       tr,
		Capacity:       capacity.NewLedger(),
		Store:          storage.NewMemoryStore(),
		TopN:           8,
		QueueRadiusKm:  5,
		PendingTimeout: 10 * time.Minute,
	}
}

func (s *Service) driverOnline(id string, seats int, loc models.Coord) {
	d := s.Presence.SetOnline(id, seats, loc)
	s.Capacity.Open(id, d.Seats)
}

func classicReq(rider string, pickup models.Coord) models.TripRequest {
	return models.TripRequest{
		RiderID:   rider,
		Pickup:    pickup,
		Type:      models.TripClassic,
		PartySize: 1,
		Fare:      12.5,
	}
}

func TestPushMatchPicksNearest(t *testing.T) {
	s := newTestService(time.Minute)
	s.driverOnline("far", 4, models.Coord{Lat: 0.5, Lon: 0})
	s.driverOnline("near", 4, models.Coord{Lat: 0.01, Lon: 0})

	trip, err := s.Submit("t1", classicReq("r1", models.Coord{Lat: 0, Lon: 0}))
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusAccepted || trip.DriverID != "near" {
		t.Fatalf("expected near driver accepted, got %+v", trip)
	}
	if st, _ := s.Capacity.Snapshot("near"); st.Used != 1 {
		t.Fatalf("seat not committed: %+v", st)
	}
}

func TestSubmitQueuesWhenNoDrivers(t *testing.T) {
	s := newTestService(time.Minute)
	trip, err := s.Submit("t1", classicReq("r1", models.Coord{}))
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusPending || trip.DriverID != "" {
		t.Fatalf("expected unassigned pending trip, got %+v", trip)
	}
}

func TestSubmitValidation(t *testing.T) {
	s := newTestService(time.Minute)
	bad := []models.TripRequest{
		{RiderID: "", Type: models.TripClassic, PartySize: 1},
		{RiderID: "r1", Type: "limo", PartySize: 1},
		{RiderID: "r1", Type: models.TripGroup, PartySize: 0},
	}
	for i, req := range bad {
		if _, err := s.Submit(fmt.Sprintf("t%d", i), req); !errors.Is(err, ErrBadRequest) {
			t.Errorf("case %d: expected ErrBadRequest, got %v", i, err)
		}
	}
}

func TestPushMatchSkipsFullDriver(t *testing.T) {
	s := newTestService(time.Minute)
	s.driverOnline("full", 1, models.Coord{Lat: 0.01, Lon: 0})
	s.driverOnline("free", 4, models.Coord{Lat: 0.1, Lon: 0})
	if _, err := s.Capacity.Admit("full", "other", models.TripClassic, 1); err != nil {
		t.Fatal(err)
	}

	trip, err := s.Submit("t1", classicReq("r1", models.Coord{}))
	if err != nil {
		t.Fatal(err)
	}
	if trip.DriverID != "free" {
		t.Fatalf("expected fallback to free driver, got %+v", trip)
	}
}

func TestStaleDriverNeverMatches(t *testing.T) {
	s := newTestService(30 * time.Millisecond)
	s.driverOnline("d1", 4, models.Coord{Lat: 0.01, Lon: 0})
	time.Sleep(50 * time.Millisecond)

	trip, err := s.Submit("t1", classicReq("r1", models.Coord{}))
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusPending {
		t.Fatalf("stale driver matched: %+v", trip)
	}

	// and the stale driver cannot claim from the queue either
	if _, err := s.Claim("t1", "d1"); !errors.Is(err, capacity.ErrCapacityExceeded) {
		t.Fatalf("expected capacity rejection for stale driver, got %v", err)
	}
}

func TestQueueListingAndClaim(t *testing.T) {
	s := newTestService(time.Minute)
	if _, err := s.Submit("t1", classicReq("r1", models.Coord{Lat: 0.00123, Lon: 0.00456})); err != nil {
		t.Fatal(err)
	}
	s.driverOnline("d1", 4, models.Coord{Lat: 0.01, Lon: 0})

	entries, err := s.Queue("d1", 0.01, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.TripID != "t1" || e.Fare != 12.5 {
		t.Fatalf("unexpected entry: %+v", e)
	}
	// pickup is blurred to two decimals
	if e.Pickup.Lat != 0.0 || e.Pickup.Lon != 0.0 {
		t.Fatalf("pickup not anonymized: %+v", e.Pickup)
	}

	trip, err := s.Claim("t1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusAccepted || trip.DriverID != "d1" {
		t.Fatalf("claim result: %+v", trip)
	}

	// the claimed trip disappears from subsequent listings
	entries, _ = s.Queue("d1", 0.01, 0, 5)
	if len(entries) != 0 {
		t.Fatalf("claimed trip still listed: %+v", entries)
	}
}

func TestQueueRadiusFilter(t *testing.T) {
	s := newTestService(time.Minute)
	if _, err := s.Submit("t1", classicReq("r1", models.Coord{Lat: 1, Lon: 0})); err != nil {
		t.Fatal(err)
	}
	s.driverOnline("d1", 4, models.Coord{})

	entries, err := s.Queue("d1", 0, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("trip ~111km away listed inside 5km radius: %+v", entries)
	}
}

func TestQueueExcludesUnadmittable(t *testing.T) {
	s := newTestService(time.Minute)
	if _, err := s.Submit("t1", classicReq("r1", models.Coord{})); err != nil {
		t.Fatal(err)
	}
	s.driverOnline("d1", 4, models.Coord{})
	if _, err := s.Capacity.Admit("d1", "solo", models.TripSolo, 1); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Queue("d1", 0, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("solo-locked driver saw queue entries: %+v", entries)
	}
}

func TestQueueFIFOAmongTies(t *testing.T) {
	s := newTestService(time.Minute)
	store := s.Store.(*storage.MemoryStore)
	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"older", "newer"} {
		_ = store.Create(models.Trip{
			ID: id, RiderID: "r" + id, Type: models.TripClassic, PartySize: 1,
			Status: models.StatusPending, CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	s.driverOnline("d1", 4, models.Coord{})

	entries, err := s.Queue("d1", 0, 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 || entries[0].TripID != "older" || entries[1].TripID != "newer" {
		t.Fatalf("expected FIFO among equal distances, got %+v", entries)
	}
}

func TestClaimRaceExclusivity(t *testing.T) {
	s := newTestService(time.Minute)
	if _, err := s.Submit("t1", classicReq("r1", models.Coord{})); err != nil {
		t.Fatal(err)
	}

	const n = 8
	for i := 0; i < n; i++ {
		s.driverOnline(fmt.Sprintf("d%d", i), 4, models.Coord{})
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Claim("t1", fmt.Sprintf("d%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	wins, taken := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyTaken):
			taken++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || taken != n-1 {
		t.Fatalf("expected 1 winner and %d clean rejections, got %d/%d", n-1, wins, taken)
	}

	// losers hold no seats
	trip, _ := s.Store.Get("t1")
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("d%d", i)
		st, _ := s.Capacity.Snapshot(id)
		if id == trip.DriverID {
			if st.Used != 1 {
				t.Fatalf("winner seat not committed: %+v", st)
			}
		} else if st.Used != 0 {
			t.Fatalf("loser %s holds seats: %+v", id, st)
		}
	}
}

func TestClaimVanishedTrip(t *testing.T) {
	s := newTestService(time.Minute)
	s.driverOnline("d1", 4, models.Coord{})
	if _, err := s.Claim("ghost", "d1"); !errors.Is(err, ErrAlreadyTaken) {
		t.Fatalf("expected ErrAlreadyTaken for vanished trip, got %v", err)
	}
}

func TestAdvanceLifecycle(t *testing.T) {
	s := newTestService(time.Minute)
	s.driverOnline("d1", 4, models.Coord{Lat: 0.01, Lon: 0})
	trip, err := s.Submit("t1", classicReq("r1", models.Coord{}))
	if err != nil || trip.Status != models.StatusAccepted {
		t.Fatalf("setup: %+v err=%v", trip, err)
	}

	// skipping an edge is illegal
	if _, err := s.Advance("t1", models.StatusCompleted); !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	for _, target := range []models.Status{models.StatusPickedUp, models.StatusPaymentPending, models.StatusCompleted} {
		if trip, err = s.Advance("t1", target); err != nil {
			t.Fatalf("advance to %s: %v", target, err)
		}
		if trip.Status != target {
			t.Fatalf("expected %s, got %s", target, trip.Status)
		}
	}

	// re-applying the final status is a no-op for one-tick-stale pollers
	if trip, err = s.Advance("t1", models.StatusCompleted); err != nil || trip.Status != models.StatusCompleted {
		t.Fatalf("idempotent re-apply failed: %+v err=%v", trip, err)
	}

	if st, _ := s.Capacity.Snapshot("d1"); st.Used != 0 {
		t.Fatalf("seats not released on completion: %+v", st)
	}
}

func TestCancelReleasesCapacityAndAttributes(t *testing.T) {
	s := newTestService(time.Minute)
	s.driverOnline("d1", 4, models.Coord{Lat: 0.01, Lon: 0})
	if _, err := s.Submit("t1", classicReq("r1", models.Coord{})); err != nil {
		t.Fatal(err)
	}

	trip, err := s.Cancel("t1", models.CancelledByRider)
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusCancelled || trip.CancelledBy != models.CancelledByRider {
		t.Fatalf("cancel result: %+v", trip)
	}
	if st, _ := s.Capacity.Snapshot("d1"); st.Used != 0 {
		t.Fatalf("seats not released on cancel: %+v", st)
	}

	// cancelling again is a no-op
	if trip, err = s.Cancel("t1", models.CancelledByDriver); err != nil || trip.CancelledBy != models.CancelledByRider {
		t.Fatalf("second cancel must not overwrite attribution: %+v err=%v", trip, err)
	}
}

func TestRiderCannotCancelAfterPickup(t *testing.T) {
	s := newTestService(time.Minute)
	s.driverOnline("d1", 4, models.Coord{Lat: 0.01, Lon: 0})
	if _, err := s.Submit("t1", classicReq("r1", models.Coord{})); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Advance("t1", models.StatusPickedUp); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Cancel("t1", models.CancelledByRider); !errors.Is(err, models.ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	// the driver still can
	if trip, err := s.Cancel("t1", models.CancelledByDriver); err != nil || trip.CancelledBy != models.CancelledByDriver {
		t.Fatalf("driver cancel: %+v err=%v", trip, err)
	}
}

func TestPendingTimeout(t *testing.T) {
	s := newTestService(time.Minute)
	if _, err := s.Submit("t1", classicReq("r1", models.Coord{})); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	if n := s.ExpirePending(); n != 1 {
		t.Fatalf("expected 1 expiry, got %d", n)
	}
	trip, _ := s.Store.Get("t1")
	if trip.Status != models.StatusCancelled || trip.CancelledBy != models.CancelledBySystem {
		t.Fatalf("expected system cancellation, got %+v", trip)
	}
}

func TestSnapshotAppliesLazyExpiry(t *testing.T) {
	s := newTestService(time.Minute)
	if _, err := s.Submit("t1", classicReq("r1", models.Coord{})); err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	trip, err := s.Snapshot("t1")
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.StatusCancelled || trip.CancelledBy != models.CancelledBySystem {
		t.Fatalf("poller should observe the timeout, got %+v", trip)
	}
}

func TestExpiredTripRejectsClaims(t *testing.T) {
	s := newTestService(time.Minute)
	if _, err := s.Submit("t1", classicReq("r1", models.Coord{})); err != nil {
		t.Fatal(err)
	}
	s.driverOnline("d1", 4, models.Coord{})
	s.now = func() time.Time { return time.Now().Add(11 * time.Minute) }

	if _, err := s.Claim("t1", "d1"); !errors.Is(err, ErrAlreadyTaken) {
		t.Fatalf("expected ErrAlreadyTaken on expired trip, got %v", err)
	}
	if st, _ := s.Capacity.Snapshot("d1"); st.Used != 0 {
		t.Fatalf("expired claim committed seats: %+v", st)
	}
}

func TestIncomingFeed(t *testing.T) {
	s := newTestService(time.Minute)
	s.driverOnline("d1", 4, models.Coord{Lat: 0.01, Lon: 0})
	if _, err := s.Submit("t1", classicReq("r1", models.Coord{})); err != nil {
		t.Fatal(err)
	}

	trips, err := s.Incoming("d1")
	if err != nil {
		t.Fatal(err)
	}
	if len(trips) != 1 || trips[0].ID != "t1" {
		t.Fatalf("incoming feed: %+v", trips)
	}
	if trips[0].PickupDistanceKm <= 0 {
		t.Fatalf("expected pickup distance, got %+v", trips[0])
	}
}
