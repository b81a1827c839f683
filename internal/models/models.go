package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// TripType selects the admission rule the capacity ledger applies.
type TripType string

const (
	TripClassic TripType = "classic"
	TripGroup   TripType = "group"
	TripSolo    TripType = "solo"
)

func (t TripType) Valid() bool {
	switch t {
	case TripClassic, TripGroup, TripSolo:
		return true
	}
	return false
}

// Driver is the supply-side actor. Position and liveness fields are owned by
// the presence tracker and mutated only by that driver's own client.
type Driver struct {
	ID       string    `json:"id"`
	Seats    int       `json:"seats"` // clamped to 1..6
	Loc      Coord     `json:"loc"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

// CapacityState is the per-driver admission ledger entry. Total is copied
// from the driver record at the online transition; Used never exceeds Total.
type CapacityState struct {
	DriverID   string `json:"driver_id"`
	Total      int    `json:"capacity_total"`
	Used       int    `json:"capacity_used"`
	LockedSolo bool   `json:"locked_solo"`
}

type TripRequest struct {
	RiderID       string   `json:"rider_id"`
	Pickup        Coord    `json:"pickup"`
	Destination   Coord    `json:"destination"`
	Fare          float64  `json:"fare"`
	PaymentMethod string   `json:"payment_method"`
	Notes         string   `json:"notes"`
	Type          TripType `json:"trip_type"`
	PartySize     int      `json:"party_size"`
}

// QueueEntry is the anonymized preview a driver sees when browsing the
// waiting queue. Pickup is rounded so the rider cannot be pinpointed before
// a claim commits.
type QueueEntry struct {
	TripID     string   `json:"trip_id"`
	Pickup     Coord    `json:"pickup"`
	Fare       float64  `json:"fare"`
	Type       TripType `json:"trip_type"`
	PartySize  int      `json:"party_size"`
	DistanceKm float64  `json:"distance_km"`
	AgeSeconds int64    `json:"age_seconds"`
}

// PresenceInterval is a merged [start,end] window of continuous online time,
// kept for utilization reporting instead of raw heartbeat rows.
type PresenceInterval struct {
	DriverID string    `json:"driver_id"`
	StartAt  time.Time `json:"start_at"`
	EndAt    time.Time `json:"end_at"`
}

// HeartbeatEvent is the shape published to the ingest stream and consumed
// into the geo index by cmd/consumer.
type HeartbeatEvent struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Online   bool      `json:"online"`
	At       time.Time `json:"at"`
}

const (
	MinSeats = 1
	MaxSeats = 6
)

// ClampSeats folds out-of-range seat counts into the supported 1..6 band.
func ClampSeats(n int) int {
	if n < MinSeats {
		return MinSeats
	}
	if n > MaxSeats {
		return MaxSeats
	}
	return n
}
