package payments

import (
	"log/slog"
	"math"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
)

// Coordinator maps trips onto manual-capture PaymentIntents: a hold when the
// trip is assigned, capture on completion, void on cancellation. Fare is
// taken as given at trip creation and never recomputed here. All calls are
// best effort — settlement failures never block a lifecycle transition.
type Coordinator struct {
	currency string
	logger   *slog.Logger

	mu      sync.Mutex
	intents map[string]string // tripID -> PaymentIntent ID
}

// NewCoordinator initializes the stripe client. Pass the API key from config;
// an empty key is the caller's cue to not construct a Coordinator at all.
func NewCoordinator(apiKey, currency string, logger *slog.Logger) *Coordinator {
	stripe.Key = apiKey
	if currency == "" {
		currency = "usd"
	}
	return &Coordinator{currency: currency, logger: logger, intents: make(map[string]string)}
}

// HoldForTrip creates a PaymentIntent with capture_method=manual for the
// trip fare. Cash trips are skipped; the driver settles those directly.
func (c *Coordinator) HoldForTrip(t models.Trip) {
	if t.PaymentMethod == "cash" || t.Fare <= 0 {
		return
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(int64(math.Round(t.Fare * 100))),
		Currency: stripe.String(c.currency),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		c.logger.Warn("payment hold failed", "trip_id", t.ID, "error", err)
		return
	}
	c.mu.Lock()
	c.intents[t.ID] = pi.ID
	c.mu.Unlock()
}

// CaptureTrip finalizes the held PaymentIntent when the trip completes.
func (c *Coordinator) CaptureTrip(tripID string) {
	id, ok := c.take(tripID)
	if !ok {
		return
	}
	if _, err := paymentintent.Capture(id, nil); err != nil {
		c.logger.Warn("payment capture failed", "trip_id", tripID, "error", err)
	}
}

// VoidTrip releases the hold when the trip cancels.
func (c *Coordinator) VoidTrip(tripID string) {
	id, ok := c.take(tripID)
	if !ok {
		return
	}
	if _, err := paymentintent.Cancel(id, nil); err != nil {
		c.logger.Warn("payment void failed", "trip_id", tripID, "error", err)
	}
}

func (c *Coordinator) take(tripID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.intents[tripID]
	if ok {
		delete(c.intents, tripID)
	}
	return id, ok
}
