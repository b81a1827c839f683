package models

import (
	"errors"
	"time"
)

// Status is the closed lifecycle enum. Transitions are monotonic; terminal
// statuses are immutable.
type Status string

const (
	StatusPending        Status = "pending"
	StatusAccepted       Status = "accepted"
	StatusPickedUp       Status = "picked_up"
	StatusPaymentPending Status = "payment_pending"
	StatusCompleted      Status = "completed"
	StatusCancelled      Status = "cancelled"
)

// CancelActor records who terminated a trip.
type CancelActor string

const (
	CancelledByRider  CancelActor = "rider"
	CancelledByDriver CancelActor = "driver"
	CancelledBySystem CancelActor = "system"
)

func (a CancelActor) Valid() bool {
	switch a {
	case CancelledByRider, CancelledByDriver, CancelledBySystem:
		return true
	}
	return false
}

// ErrIllegalTransition means the attempted status change violates the
// lifecycle table. It indicates a stale client view; the caller should
// refresh rather than retry.
var ErrIllegalTransition = errors.New("illegal trip status transition")

// transitions is the lifecycle table as code. Absence of an edge means the
// move is illegal; terminal statuses have no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:        {StatusAccepted, StatusCancelled},
	StatusAccepted:       {StatusPickedUp, StatusCancelled},
	StatusPickedUp:       {StatusPaymentPending, StatusCancelled},
	StatusPaymentPending: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Trip is a single ride request. Pickup, destination, fare and the other
// request fields are immutable once created; only Status, DriverID and the
// cancellation attribution ever change, and DriverID is set at most once.
type Trip struct {
	ID            string      `json:"id"`
	RiderID       string      `json:"rider_id"`
	DriverID      string      `json:"driver_id,omitempty"`
	Pickup        Coord       `json:"pickup"`
	Destination   Coord       `json:"destination"`
	Fare          float64     `json:"fare"`
	PaymentMethod string      `json:"payment_method"`
	Notes         string      `json:"notes,omitempty"`
	Type          TripType    `json:"trip_type"`
	PartySize     int         `json:"party_size"`
	Status        Status      `json:"status"`
	CancelledBy   CancelActor `json:"cancelled_by,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Seats returns how many seats this trip occupies under the admission rule:
// a solo trip takes the whole vehicle, everything else takes party size.
func (t *Trip) Seats(capacityTotal int) int {
	if t.Type == TripSolo {
		return capacityTotal
	}
	return t.PartySize
}

// Active reports whether the trip currently holds committed capacity.
func (t *Trip) Active() bool {
	switch t.Status {
	case StatusAccepted, StatusPickedUp, StatusPaymentPending:
		return true
	}
	return false
}
