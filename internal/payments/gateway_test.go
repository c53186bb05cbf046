package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v74"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

func TestParseStatusVocabulary(t *testing.T) {
	cases := map[string]Outcome{
		"VALID": VerifiedSuccess, "validated": VerifiedSuccess, "Success": VerifiedSuccess,
		"SUCCEEDED": VerifiedSuccess, "COMPLETED": VerifiedSuccess,
		"FAILED": GatewayFailure, "failure": GatewayFailure, "DECLINED": GatewayFailure,
		"CANCELLED": GatewayCancelled, "canceled": GatewayCancelled,
	}
	for raw, want := range cases {
		got, err := ParseStatus(raw)
		if err != nil || got != want {
			t.Fatalf("%q: expected %s, got %s (%v)", raw, want, got, err)
		}
	}
	if _, err := ParseStatus("PROCESSING"); !apperr.Is(err, apperr.InvalidFilters) {
		t.Fatalf("expected InvalidFilters for unknown status, got %v", err)
	}
}

func TestParseRedirect(t *testing.T) {
	q := url.Values{"tran_id": {"tx-9"}, "val_id": {"v-1"}, "status": {"VALID"}, "amount": {"400.00"}}
	cb, err := ParseRedirect(q)
	if err != nil {
		t.Fatal(err)
	}
	if cb.TxnID != "tx-9" || cb.ValidationID != "v-1" || cb.Amount != 400 || cb.Source != "redirect" {
		t.Fatalf("unexpected callback %+v", cb)
	}

	if _, err := ParseRedirect(url.Values{"status": {"VALID"}}); !apperr.Is(err, apperr.InvalidFilters) {
		t.Fatalf("missing tran_id should be rejected, got %v", err)
	}
	q.Set("amount", "400.50")
	if _, err := ParseRedirect(q); !apperr.Is(err, apperr.InvalidFilters) {
		t.Fatalf("fractional amount should be rejected, got %v", err)
	}
}

func signStripe(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func stripeEvent(t *testing.T, typ string, pi map[string]any) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":          "evt_123",
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        typ,
		"data":        map[string]any{"object": pi},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestStripeWebhookSucceeded(t *testing.T) {
	gw := NewStripeGateway("sk_test", "whsec_test", "usd")
	payload := stripeEvent(t, "payment_intent.succeeded", map[string]any{
		"id": "pi_1", "object": "payment_intent", "amount": 40000, "amount_received": 40000, "status": "succeeded",
	})
	cb, ok, err := gw.ParseWebhook(payload, signStripe(t, payload, "whsec_test"))
	if err != nil || !ok {
		t.Fatalf("parse: ok=%v err=%v", ok, err)
	}
	if cb.TxnID != "pi_1" || cb.Amount != 400 || cb.ValidationID != "evt_123" || cb.Source != "webhook" {
		t.Fatalf("unexpected callback %+v", cb)
	}
	if o, _ := ParseStatus(cb.Status); o != VerifiedSuccess {
		t.Fatalf("expected success status, got %q", cb.Status)
	}
}

func TestStripeAmountsConvertToWholeUnits(t *testing.T) {
	usd := NewStripeGateway("sk_test", "whsec_test", "USD")
	if got := usd.toStripe(400); got != 40000 {
		t.Fatalf("expected 40000 cents, got %d", got)
	}
	jpy := NewStripeGateway("sk_test", "whsec_test", "jpy")
	if got := jpy.toStripe(400); got != 400 {
		t.Fatalf("zero-decimal currency should not scale, got %d", got)
	}

	payload := stripeEvent(t, "payment_intent.succeeded", map[string]any{
		"id": "pi_2", "object": "payment_intent", "amount": 40050, "amount_received": 40050, "status": "succeeded",
	})
	if _, _, err := usd.ParseWebhook(payload, signStripe(t, payload, "whsec_test")); !apperr.Is(err, apperr.InvalidFilters) {
		t.Fatalf("fractional amount should be rejected, got %v", err)
	}
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	gw := NewStripeGateway("sk_test", "whsec_test", "usd")
	payload := stripeEvent(t, "payment_intent.succeeded", map[string]any{"id": "pi_1", "object": "payment_intent"})
	if _, _, err := gw.ParseWebhook(payload, signStripe(t, payload, "wrong")); !apperr.Is(err, apperr.Unauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestStripeWebhookIgnoresOtherEvents(t *testing.T) {
	gw := NewStripeGateway("sk_test", "whsec_test", "usd")
	payload := stripeEvent(t, "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	_, ok, err := gw.ParseWebhook(payload, signStripe(t, payload, "whsec_test"))
	if err != nil || ok {
		t.Fatalf("expected ignored event, got ok=%v err=%v", ok, err)
	}
}

func TestHostedGatewaySessionAndRefund(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer s3cret" || r.Header.Get("Idempotency-Key") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/sessions":
			var req sessionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(sessionResponse{TranID: "TXN-" + req.PaymentID, RedirectURL: "https://wallet.example/pay/" + req.PaymentID})
		case "/refunds":
			w.WriteHeader(http.StatusAccepted)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	gw := NewHostedGateway(srv.URL+"/", "store-1", "s3cret", "https://api.example/api/v1/payments/callback")
	co, err := gw.Initiate(context.Background(), models.Payment{ID: "p1", Amount: 400}, models.Booking{ID: "b1", CustomerID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if co.TxnID != "TXN-p1" || co.RedirectURL == "" {
		t.Fatalf("unexpected checkout %+v", co)
	}
	if err := gw.Refund(context.Background(), models.Payment{ID: "p1", ExternalTxnID: "TXN-p1", Amount: 400}); err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 || paths[0] != "/sessions" || paths[1] != "/refunds" {
		t.Fatalf("unexpected calls %v", paths)
	}

	gw.Secret = ""
	if _, err := gw.Initiate(context.Background(), models.Payment{ID: "p2"}, models.Booking{ID: "b1"}); err == nil {
		t.Fatal("expected error on rejected session")
	}
}

func newValidationServer(t *testing.T, known map[string]validationResponse) *httptest.Server {
	t.Helper()
	vs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/validations" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer s3cret" || r.URL.Query().Get("store_id") != "store-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		resp, ok := known[r.URL.Query().Get("tran_id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if v := r.URL.Query().Get("val_id"); v != "" && v != resp.ValID {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(vs.Close)
	return vs
}

func TestHostedValidateUsesGatewayAnswer(t *testing.T) {
	vs := newValidationServer(t, map[string]validationResponse{
		"TXN-1": {TranID: "TXN-1", ValID: "VAL-1", Status: "VALID", Amount: "400.00"},
		"TXN-2": {TranID: "TXN-2", Status: "FAILED", Amount: "400.00"},
	})
	gw := NewHostedGateway(vs.URL, "store-1", "s3cret", "")

	cb, err := gw.Validate(context.Background(), "TXN-1", "VAL-1")
	if err != nil {
		t.Fatal(err)
	}
	if cb.TxnID != "TXN-1" || cb.ValidationID != "VAL-1" || cb.Amount != 400 || cb.Source != "redirect" {
		t.Fatalf("unexpected callback %+v", cb)
	}
	if o, _ := ParseStatus(cb.Status); o != VerifiedSuccess {
		t.Fatalf("expected success, got %q", cb.Status)
	}

	cb, err = gw.Validate(context.Background(), "TXN-2", "")
	if err != nil {
		t.Fatal(err)
	}
	if o, _ := ParseStatus(cb.Status); o != GatewayFailure || cb.ValidationID != "" {
		t.Fatalf("failed transaction must not carry a validation id, got %+v", cb)
	}
}

func TestHostedValidateRejectsForgedRedirect(t *testing.T) {
	vs := newValidationServer(t, map[string]validationResponse{
		"TXN-1":  {TranID: "TXN-1", ValID: "VAL-1", Status: "VALID", Amount: "400"},
		"TXN-NV": {TranID: "TXN-NV", Status: "VALID", Amount: "400"},
		"TXN-X":  {TranID: "TXN-OTHER", ValID: "VAL-X", Status: "VALID", Amount: "400"},
	})
	gw := NewHostedGateway(vs.URL, "store-1", "s3cret", "")
	ctx := context.Background()

	cases := []struct {
		name     string
		txn, val string
	}{
		{"made-up validation id", "TXN-1", "forged"},
		{"transaction unknown to gateway", "TXN-404", "VAL-1"},
		{"success without validation id", "TXN-NV", ""},
		{"gateway answered for another transaction", "TXN-X", "VAL-X"},
	}
	for _, tc := range cases {
		if _, err := gw.Validate(ctx, tc.txn, tc.val); !apperr.Is(err, apperr.Unauthorized) {
			t.Fatalf("%s: expected Unauthorized, got %v", tc.name, err)
		}
	}

	gw.Secret = "guess"
	if _, err := gw.Validate(ctx, "TXN-1", "VAL-1"); !apperr.Is(err, apperr.Unauthorized) {
		t.Fatalf("wrong store secret should be rejected, got %v", err)
	}
}
