package payments

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

// Callback is a gateway's report about one transaction, from either the
// customer redirect or a server-to-server webhook.
type Callback struct {
	TxnID        string
	Status       string
	ValidationID string
	Amount       int64
	Source       string
}

type Outcome string

const (
	VerifiedSuccess    Outcome = "VERIFIED_SUCCESS"
	GatewayFailure     Outcome = "GATEWAY_FAILURE"
	GatewayCancelled   Outcome = "GATEWAY_CANCELLED"
	UnknownTransaction Outcome = "UNKNOWN_TRANSACTION"
)

// ParseStatus maps the vocabularies used by the supported gateways onto an
// outcome. Anything unrecognised is rejected rather than guessed.
func ParseStatus(raw string) (Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "VALID", "VALIDATED", "SUCCESS", "SUCCEEDED", "COMPLETED":
		return VerifiedSuccess, nil
	case "FAILED", "FAILURE", "DECLINED":
		return GatewayFailure, nil
	case "CANCELLED", "CANCELED":
		return GatewayCancelled, nil
	}
	return "", apperr.New(apperr.InvalidFilters, "payments.ParseStatus", "unrecognised gateway status %q", raw)
}

func (o Outcome) paymentStatus() models.PaymentStatus {
	if o == VerifiedSuccess {
		return models.PaymentCompleted
	}
	return models.PaymentFailed
}

// agrees reports whether a terminal payment already reflects o.
func (o Outcome) agrees(s models.PaymentStatus) bool {
	switch s {
	case models.PaymentCompleted, models.PaymentRefunded:
		return o == VerifiedSuccess
	case models.PaymentFailed:
		return o == GatewayFailure || o == GatewayCancelled
	}
	return false
}

// ParseRedirect reads the query string the gateway appends when it sends
// the customer back to us. The result is the customer's claim only and
// must be confirmed with the gateway before it is reconciled.
func ParseRedirect(q url.Values) (Callback, error) {
	const op = "payments.ParseRedirect"
	cb := Callback{
		TxnID:        strings.TrimSpace(q.Get("tran_id")),
		ValidationID: strings.TrimSpace(q.Get("val_id")),
		Status:       q.Get("status"),
		Source:       "redirect",
	}
	if cb.TxnID == "" {
		return Callback{}, apperr.New(apperr.InvalidFilters, op, "tran_id is required")
	}
	if raw := q.Get("amount"); raw != "" {
		amt, err := parseAmount(raw)
		if err != nil {
			return Callback{}, apperr.New(apperr.InvalidFilters, op, "bad amount %q", raw)
		}
		cb.Amount = amt
	}
	return cb, nil
}

// parseAmount reads whole currency units, including gateways that echo
// "400.00".
func parseAmount(raw string) (int64, error) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if f != float64(int64(f)) {
		return 0, strconv.ErrSyntax
	}
	return int64(f), nil
}
