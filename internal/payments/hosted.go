package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

// HostedGateway drives a redirect-style checkout (mobile banking wallets).
// The gateway sends the customer back to ReturnURL with tran_id and val_id
// in the query string. The browser controls that query string, so the
// outcome is always taken from Validate, never from the redirect itself.
// Amounts are sent and received in whole currency units.
type HostedGateway struct {
	Endpoint  string
	StoreID   string
	Secret    string
	ReturnURL string
	Client    *http.Client
}

func NewHostedGateway(endpoint, storeID, secret, returnURL string) *HostedGateway {
	return &HostedGateway{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		StoreID:   storeID,
		Secret:    secret,
		ReturnURL: returnURL,
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

type sessionRequest struct {
	StoreID    string `json:"store_id"`
	PaymentID  string `json:"payment_id"`
	BookingID  string `json:"booking_id"`
	CustomerID string `json:"customer_id"`
	Amount     int64  `json:"amount"`
	ReturnURL  string `json:"return_url"`
}

type sessionResponse struct {
	TranID      string `json:"tran_id"`
	RedirectURL string `json:"redirect_url"`
}

func (h *HostedGateway) Initiate(ctx context.Context, p models.Payment, b models.Booking) (Checkout, error) {
	var out sessionResponse
	err := h.post(ctx, "/sessions", p.ID, sessionRequest{
		StoreID:    h.StoreID,
		PaymentID:  p.ID,
		BookingID:  b.ID,
		CustomerID: b.CustomerID,
		Amount:     p.Amount,
		ReturnURL:  h.ReturnURL,
	}, &out)
	if err != nil {
		return Checkout{}, err
	}
	if out.TranID == "" {
		return Checkout{}, fmt.Errorf("hosted gateway: empty tran_id")
	}
	return Checkout{TxnID: out.TranID, RedirectURL: out.RedirectURL}, nil
}

func (h *HostedGateway) Refund(ctx context.Context, p models.Payment) error {
	return h.post(ctx, "/refunds", "refund-"+p.ID, map[string]any{
		"store_id":  h.StoreID,
		"tran_id":   p.ExternalTxnID,
		"val_id":    p.ValidationID,
		"amount":    p.Amount,
		"reference": p.ID,
	}, nil)
}

type validationResponse struct {
	TranID string `json:"tran_id"`
	ValID  string `json:"val_id"`
	Status string `json:"status"`
	Amount string `json:"amount"`
}

// Validate asks the gateway, with the store credentials, for the state of
// the transaction a customer was redirected back with. Only the ids come
// from the redirect; status and amount come from the gateway's answer.
func (h *HostedGateway) Validate(ctx context.Context, txnID, valID string) (Callback, error) {
	const op = "payments.Validate"
	if txnID == "" {
		return Callback{}, apperr.New(apperr.InvalidFilters, op, "tran_id is required")
	}
	q := url.Values{"store_id": {h.StoreID}, "tran_id": {txnID}}
	if valID != "" {
		q.Set("val_id", valID)
	}
	var out validationResponse
	if err := h.do(ctx, http.MethodGet, "/validations?"+q.Encode(), "", nil, &out); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code >= 400 && se.code < 500 {
			return Callback{}, apperr.Wrap(apperr.Unauthorized, op, err)
		}
		return Callback{}, apperr.Wrap(apperr.Internal, op, err)
	}
	if out.TranID != txnID {
		return Callback{}, apperr.New(apperr.Unauthorized, op, "gateway validated %q, redirect named %q", out.TranID, txnID)
	}
	if valID != "" && out.ValID != valID {
		return Callback{}, apperr.New(apperr.Unauthorized, op, "validation id %q not recognised for %s", valID, txnID)
	}
	outcome, err := ParseStatus(out.Status)
	if err != nil {
		return Callback{}, err
	}
	cb := Callback{TxnID: out.TranID, Status: out.Status, Source: "redirect"}
	if outcome == VerifiedSuccess {
		if out.ValID == "" {
			return Callback{}, apperr.New(apperr.Unauthorized, op, "gateway reported success for %s without a validation id", txnID)
		}
		cb.ValidationID = out.ValID
	}
	if out.Amount != "" {
		if cb.Amount, err = parseAmount(out.Amount); err != nil {
			return Callback{}, apperr.New(apperr.InvalidFilters, op, "gateway amount %q", out.Amount)
		}
	}
	return cb, nil
}

type statusError struct {
	path string
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("hosted gateway %s: status %d", e.path, e.code)
}

func (h *HostedGateway) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	return h.do(ctx, http.MethodPost, path, idempotencyKey, body, out)
}

func (h *HostedGateway) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.Endpoint+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if h.Secret != "" {
		req.Header.Set("Authorization", "Bearer "+h.Secret)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &statusError{path: strings.SplitN(path, "?", 2)[0], code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
