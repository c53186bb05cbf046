package payments

import (
	"context"
	"encoding/json"
	"strings"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

// StripeGateway takes card payments through PaymentIntents. The customer
// confirms the intent client-side with the returned client secret.
// Payments carry whole currency units; Stripe amounts are in the currency's
// smallest unit, so every amount is converted at this boundary.
type StripeGateway struct {
	currency      string
	webhookSecret string
}

// zeroDecimal lists the currencies Stripe already counts in whole units.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true, "krw": true, "mga": true,
	"pyg": true, "rwf": true, "ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

func (s *StripeGateway) scale() int64 {
	if zeroDecimal[s.currency] {
		return 1
	}
	return 100
}

func (s *StripeGateway) toStripe(units int64) int64 { return units * s.scale() }

func (s *StripeGateway) fromStripe(amount int64) (int64, bool) {
	return amount / s.scale(), amount%s.scale() == 0
}

// NewStripeGateway sets the package-level stripe key used by stripe-go.
func NewStripeGateway(apiKey, webhookSecret, currency string) *StripeGateway {
	stripe.Key = apiKey
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeGateway{currency: strings.ToLower(currency), webhookSecret: webhookSecret}
}

func (s *StripeGateway) Initiate(ctx context.Context, p models.Payment, b models.Booking) (Checkout, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(s.toStripe(p.Amount)),
		Currency: stripe.String(s.currency),
	}
	params.Context = ctx
	params.AddMetadata("payment_id", p.ID)
	params.AddMetadata("booking_id", b.ID)
	params.AddMetadata("customer_id", b.CustomerID)
	params.SetIdempotencyKey("pi-" + p.ID)
	pi, err := paymentintent.New(params)
	if err != nil {
		return Checkout{}, err
	}
	return Checkout{TxnID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *StripeGateway) Refund(ctx context.Context, p models.Payment) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(p.ExternalTxnID)}
	params.Context = ctx
	params.AddMetadata("payment_id", p.ID)
	params.SetIdempotencyKey("re-" + p.ID)
	_, err := refund.New(params)
	return err
}

// ParseWebhook verifies the Stripe-Signature header and turns a
// payment_intent event into a Callback. ok is false for event types that
// carry no payment outcome.
func (s *StripeGateway) ParseWebhook(payload []byte, signature string) (cb Callback, ok bool, err error) {
	const op = "payments.ParseWebhook"
	event, err := webhook.ConstructEvent(payload, signature, s.webhookSecret)
	if err != nil {
		return Callback{}, false, apperr.Wrap(apperr.Unauthorized, op, err)
	}
	var status string
	switch string(event.Type) {
	case "payment_intent.succeeded":
		status = "SUCCEEDED"
	case "payment_intent.payment_failed":
		status = "FAILED"
	case "payment_intent.canceled":
		status = "CANCELED"
	default:
		return Callback{}, false, nil
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return Callback{}, false, apperr.Wrap(apperr.InvalidFilters, op, err)
	}
	raw := pi.AmountReceived
	if status != "SUCCEEDED" {
		raw = pi.Amount
	}
	amount, whole := s.fromStripe(raw)
	if !whole {
		return Callback{}, false, apperr.New(apperr.InvalidFilters, op, "amount %d %s is not a whole unit", raw, s.currency)
	}
	return Callback{TxnID: pi.ID, Status: status, ValidationID: event.ID, Amount: amount, Source: "webhook"}, true, nil
}
