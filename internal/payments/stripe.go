package payments

import (
	"context"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// Gateway holds the fare when a driver is assigned and settles it when the
// ride ends. Settlement itself happens outside this service.
type Gateway interface {
	Hold(ctx context.Context, rideID string, amount int64, currency string) (string, error)
	Capture(ctx context.Context, rideID, ref string) error
	Void(ctx context.Context, rideID, ref string) error
}

// StripeClient is a thin wrapper around stripe-go for PaymentIntent hold/capture/cancel flows.
type StripeClient struct{}

// NewStripeClient initializes the stripe client with the given secret key.
func NewStripeClient(key string) *StripeClient {
	stripe.Key = key
	return &StripeClient{}
}

// Hold creates a PaymentIntent with capture_method=manual to hold funds.
// The ride id doubles as idempotency key so a retried assignment cannot
// place a second hold.
func (s *StripeClient) Hold(ctx context.Context, rideID string, amount int64, currency string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(currency)),
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	params.Context = ctx
	params.SetIdempotencyKey("hold-" + rideID)
	params.AddMetadata("ride_id", rideID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held PaymentIntent.
func (s *StripeClient) Capture(ctx context.Context, rideID, ref string) error {
	params := &stripe.PaymentIntentCaptureParams{}
	params.Context = ctx
	params.SetIdempotencyKey("capture-" + rideID)
	_, err := paymentintent.Capture(ref, params)
	return err
}

// Void releases the hold on a PaymentIntent.
func (s *StripeClient) Void(ctx context.Context, rideID, ref string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	params.SetIdempotencyKey("void-" + rideID)
	_, err := paymentintent.Cancel(ref, params)
	return err
}
