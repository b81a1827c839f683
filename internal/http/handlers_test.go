package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
)

func newTestServer() *Server {
	cfg := config.ServerConfig{
		MatcherTopN:         8,
		DefaultSpeedMps:     10,
		HeartbeatStaleAfter: time.Minute,
		PendingTimeout:      10 * time.Minute,
		PresenceMergeGap:    10 * time.Minute,
		QueueRadiusKm:       5,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, logger)
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	out := map[string]json.RawMessage{}
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &out)
	}
	return rec, out
}

func driverOnline(t *testing.T, srv *Server, id string, seats int, lat, lon float64) {
	t.Helper()
	rec, _ := doJSON(t, srv, "POST", "/api/v1/drivers/"+id+"/status", map[string]any{
		"online": true,
		"seats":  seats,
		"loc":    models.Coord{Lat: lat, Lon: lon},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("driver online: %d %s", rec.Code, rec.Body.String())
	}
}

func submitTrip(t *testing.T, srv *Server, rider string) models.Trip {
	t.Helper()
	rec, out := doJSON(t, srv, "POST", "/api/v1/trips", models.TripRequest{
		RiderID:   rider,
		Pickup:    models.Coord{Lat: 0, Lon: 0},
		Type:      models.TripClassic,
		PartySize: 1,
		Fare:      10,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("submit: %d %s", rec.Code, rec.Body.String())
	}
	var trip models.Trip
	if err := json.Unmarshal(out["trip"], &trip); err != nil {
		t.Fatal(err)
	}
	return trip
}

func errorCode(t *testing.T, out map[string]json.RawMessage) string {
	t.Helper()
	var code string
	_ = json.Unmarshal(out["error"], &code)
	return code
}

func TestSubmitMatchesOnlineDriver(t *testing.T) {
	srv := newTestServer()
	driverOnline(t, srv, "d1", 4, 0.01, 0)

	trip := submitTrip(t, srv, "r1")
	if trip.Status != models.StatusAccepted || trip.DriverID != "d1" {
		t.Fatalf("expected immediate match, got %+v", trip)
	}

	// rider poll sees the same trip plus the driver's live position
	rec, out := doJSON(t, srv, "GET", "/api/v1/riders/r1/active", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rider poll: %d", rec.Code)
	}
	if _, ok := out["driver_location"]; !ok {
		t.Fatalf("expected driver_location in %s", rec.Body.String())
	}
}

func TestSubmitWithoutDriversStaysPending(t *testing.T) {
	srv := newTestServer()
	trip := submitTrip(t, srv, "r1")
	if trip.Status != models.StatusPending || trip.DriverID != "" {
		t.Fatalf("expected pending fallback, got %+v", trip)
	}
}

func TestQueueAndClaimRace(t *testing.T) {
	srv := newTestServer()
	trip := submitTrip(t, srv, "r1")
	driverOnline(t, srv, "d1", 4, 0.01, 0)
	driverOnline(t, srv, "d2", 4, 0.01, 0)

	rec, out := doJSON(t, srv, "GET", "/api/v1/queue?lat=0.01&lon=0&driver_id=d1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("queue: %d %s", rec.Code, rec.Body.String())
	}
	var entries []models.QueueEntry
	if err := json.Unmarshal(out["entries"], &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].TripID != trip.ID {
		t.Fatalf("queue entries: %+v", entries)
	}

	claimPath := fmt.Sprintf("/api/v1/trips/%s/claim", trip.ID)
	rec, _ = doJSON(t, srv, "POST", claimPath, map[string]string{"driver_id": "d1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("first claim: %d %s", rec.Code, rec.Body.String())
	}

	rec, out = doJSON(t, srv, "POST", claimPath, map[string]string{"driver_id": "d2"})
	if rec.Code != http.StatusConflict || errorCode(t, out) != "already_taken" {
		t.Fatalf("second claim: %d %s", rec.Code, rec.Body.String())
	}

	// and the trip is gone from d2's listing
	rec, out = doJSON(t, srv, "GET", "/api/v1/queue?lat=0.01&lon=0&driver_id=d2", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("queue after claim: %d", rec.Code)
	}
	entries = entries[:0]
	_ = json.Unmarshal(out["entries"], &entries)
	if len(entries) != 0 {
		t.Fatalf("claimed trip still listed: %+v", entries)
	}
}

func TestAdvanceFlowAndIllegalTransition(t *testing.T) {
	srv := newTestServer()
	driverOnline(t, srv, "d1", 4, 0.01, 0)
	trip := submitTrip(t, srv, "r1")
	advancePath := fmt.Sprintf("/api/v1/trips/%s/advance", trip.ID)

	rec, out := doJSON(t, srv, "POST", advancePath, map[string]string{"status": "completed"})
	if rec.Code != http.StatusConflict || errorCode(t, out) != "illegal_transition" {
		t.Fatalf("edge skip: %d %s", rec.Code, rec.Body.String())
	}

	for _, status := range []string{"picked_up", "payment_pending", "completed"} {
		rec, _ = doJSON(t, srv, "POST", advancePath, map[string]string{"status": status})
		if rec.Code != http.StatusOK {
			t.Fatalf("advance to %s: %d %s", status, rec.Code, rec.Body.String())
		}
	}

	// cancelled is not a valid advance target
	rec, _ = doJSON(t, srv, "POST", advancePath, map[string]string{"status": "cancelled"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("advance to cancelled: %d", rec.Code)
	}
}

func TestCancelValidation(t *testing.T) {
	srv := newTestServer()
	trip := submitTrip(t, srv, "r1")
	cancelPath := fmt.Sprintf("/api/v1/trips/%s/cancel", trip.ID)

	rec, _ := doJSON(t, srv, "POST", cancelPath, map[string]string{"cancelled_by": "martian"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad actor: %d", rec.Code)
	}

	rec, out := doJSON(t, srv, "POST", cancelPath, map[string]string{"cancelled_by": "rider"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	var cancelled models.Trip
	_ = json.Unmarshal(out["trip"], &cancelled)
	if cancelled.Status != models.StatusCancelled || cancelled.CancelledBy != models.CancelledByRider {
		t.Fatalf("cancel result: %+v", cancelled)
	}
}

func TestUnknownIDsReturn404(t *testing.T) {
	srv := newTestServer()
	rec, out := doJSON(t, srv, "GET", "/api/v1/trips/ghost", nil)
	if rec.Code != http.StatusNotFound || errorCode(t, out) != "not_found" {
		t.Fatalf("unknown trip: %d %s", rec.Code, rec.Body.String())
	}
	rec, _ = doJSON(t, srv, "POST", "/api/v1/drivers/ghost/heartbeat", map[string]any{"loc": models.Coord{}})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown driver heartbeat: %d", rec.Code)
	}
}

func TestHeartbeatAndPresenceReport(t *testing.T) {
	srv := newTestServer()
	driverOnline(t, srv, "d1", 4, 0, 0)

	rec, _ := doJSON(t, srv, "POST", "/api/v1/drivers/d1/heartbeat", map[string]any{"loc": models.Coord{Lat: 1, Lon: 1}})
	if rec.Code != http.StatusOK {
		t.Fatalf("heartbeat: %d %s", rec.Code, rec.Body.String())
	}

	rec, out := doJSON(t, srv, "GET", "/api/v1/drivers/d1/presence", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("presence report: %d", rec.Code)
	}
	var ivs []models.PresenceInterval
	if err := json.Unmarshal(out["intervals"], &ivs); err != nil {
		t.Fatal(err)
	}
	if len(ivs) != 1 {
		t.Fatalf("expected one merged interval, got %+v", ivs)
	}
}

func TestOfflineFreesCapacity(t *testing.T) {
	srv := newTestServer()
	driverOnline(t, srv, "d1", 4, 0.01, 0)
	trip := submitTrip(t, srv, "r1")
	if trip.DriverID != "d1" {
		t.Fatalf("setup: %+v", trip)
	}

	rec, out := doJSON(t, srv, "POST", "/api/v1/drivers/d1/status", map[string]any{"online": false})
	if rec.Code != http.StatusOK {
		t.Fatalf("offline: %d %s", rec.Code, rec.Body.String())
	}
	var capState models.CapacityState
	_ = json.Unmarshal(out["capacity"], &capState)
	if capState.Used != 0 || capState.LockedSolo {
		t.Fatalf("capacity not reset: %+v", capState)
	}
}
