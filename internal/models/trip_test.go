package models

import "testing"

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to Status }{
		{StatusPending, StatusAccepted},
		{StatusPending, StatusCancelled},
		{StatusAccepted, StatusPickedUp},
		{StatusAccepted, StatusCancelled},
		{StatusPickedUp, StatusPaymentPending},
		{StatusPickedUp, StatusCancelled},
		{StatusPaymentPending, StatusCompleted},
		{StatusPaymentPending, StatusCancelled},
	}
	for _, c := range legal {
		if !CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be legal", c.from, c.to)
		}
	}

	illegal := []struct{ from, to Status }{
		{StatusPending, StatusPickedUp}, // no edge skipping
		{StatusPending, StatusCompleted},
		{StatusAccepted, StatusPending}, // no backward moves
		{StatusPickedUp, StatusAccepted},
		{StatusCompleted, StatusCancelled}, // terminal states are immutable
		{StatusCompleted, StatusPending},
		{StatusCancelled, StatusAccepted},
		{StatusCancelled, StatusCancelled},
	}
	for _, c := range illegal {
		if CanTransition(c.from, c.to) {
			t.Errorf("%s -> %s should be illegal", c.from, c.to)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !StatusCompleted.Terminal() || !StatusCancelled.Terminal() {
		t.Fatal("completed and cancelled are terminal")
	}
	if StatusPending.Terminal() || StatusPaymentPending.Terminal() {
		t.Fatal("non-terminal status reported terminal")
	}
}

func TestSeats(t *testing.T) {
	solo := Trip{Type: TripSolo, PartySize: 1}
	if solo.Seats(4) != 4 {
		t.Fatal("solo trip takes the whole vehicle")
	}
	group := Trip{Type: TripGroup, PartySize: 3}
	if group.Seats(4) != 3 {
		t.Fatal("group trip takes party size")
	}
}

func TestClampSeats(t *testing.T) {
	cases := map[int]int{-1: 1, 0: 1, 1: 1, 4: 4, 6: 6, 7: 6, 100: 6}
	for in, want := range cases {
		if got := ClampSeats(in); got != want {
			t.Errorf("ClampSeats(%d) = %d, want %d", in, got, want)
		}
	}
}
