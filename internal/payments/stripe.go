package payments

import (
	"context"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/rideshare/internal/models"
)

// Intents is the PaymentIntent hold/capture/cancel surface used for fares.
type Intents interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// It returns the PaymentIntent ID on success.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases the hold on a PaymentIntent.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

// FareHolds places one hold per rider when a ride starts, captures it on
// drop-off and releases it on cancellation.
type FareHolds struct {
	Intents  Intents
	Pricing  Pricing
	Currency string

	mu      sync.Mutex
	intents map[string]string // ride/user -> payment intent
}

func NewFareHolds(intents Intents, pricing Pricing, currency string) *FareHolds {
	return &FareHolds{Intents: intents, Pricing: pricing, Currency: currency, intents: make(map[string]string)}
}

func holdKey(rideID, userID string) string { return rideID + "/" + userID }

func (f *FareHolds) Hold(ctx context.Context, rideID, userID string, ride models.RideInfo) error {
	amount := f.Pricing.Cents(f.Pricing.RiderFare(ride, userID))
	id, err := f.Intents.Hold(ctx, amount, f.Currency, "")
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.intents[holdKey(rideID, userID)] = id
	f.mu.Unlock()
	return nil
}

func (f *FareHolds) take(rideID, userID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := holdKey(rideID, userID)
	id, ok := f.intents[k]
	delete(f.intents, k)
	return id, ok
}

func (f *FareHolds) Capture(ctx context.Context, rideID, userID string) error {
	id, ok := f.take(rideID, userID)
	if !ok {
		return nil
	}
	return f.Intents.Capture(ctx, id)
}

func (f *FareHolds) Release(ctx context.Context, rideID, userID string) error {
	id, ok := f.take(rideID, userID)
	if !ok {
		return nil
	}
	return f.Intents.Cancel(ctx, id)
}
