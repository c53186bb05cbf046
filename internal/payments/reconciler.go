// Package payments records payments against bookings and applies gateway
// callbacks to them exactly once.
package payments

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/dispatch"
	"github.com/example/truck-booking/internal/models"
	"github.com/example/truck-booking/internal/observability"
	"github.com/example/truck-booking/internal/storage"
)

// Checkout is what the customer needs to complete an online payment.
type Checkout struct {
	TxnID        string `json:"transaction_id"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

type Gateway interface {
	Initiate(ctx context.Context, p models.Payment, b models.Booking) (Checkout, error)
	Refund(ctx context.Context, p models.Payment) error
}

// BookingConfirmer is the slice of the booking service the reconciler needs.
type BookingConfirmer interface {
	ConfirmPaid(ctx context.Context, id string, actor models.Actor) (*models.Booking, error)
}

type Result struct {
	Outcome   Outcome         `json:"outcome"`
	Replayed  bool            `json:"replayed"`
	Payment   *models.Payment `json:"payment,omitempty"`
	BookingID string          `json:"booking_id,omitempty"`
}

type Reconciler struct {
	store      storage.Store
	bookings   BookingConfirmer
	gateways   map[models.PaymentMethod]Gateway
	events     dispatch.Emitter
	logger     *slog.Logger
	maxRetries int
	now        func() time.Time
}

func NewReconciler(store storage.Store, bookings BookingConfirmer, gateways map[models.PaymentMethod]Gateway,
	events dispatch.Emitter, logger *slog.Logger, maxRetries int) *Reconciler {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Reconciler{store: store, bookings: bookings, gateways: gateways, events: events,
		logger: logger.With("component", "payments"), maxRetries: maxRetries, now: time.Now}
}

// Initiate opens a PENDING payment for the booking's full fare. The booking
// itself is not touched.
func (r *Reconciler) Initiate(ctx context.Context, actor models.Actor, bookingID string, amount int64,
	method models.PaymentMethod) (*models.Payment, Checkout, error) {
	const op = "payments.Initiate"
	if !method.Valid() {
		return nil, Checkout{}, apperr.New(apperr.InvalidFilters, op, "unknown payment method %q", method)
	}
	if method == models.MethodCash {
		return nil, Checkout{}, apperr.New(apperr.InvalidFilters, op, "cash is settled with the driver")
	}
	b, err := r.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, Checkout{}, err
	}
	if actor.Role != models.RoleAdmin && !(actor.Role == models.RoleCustomer && actor.ID == b.CustomerID) {
		return nil, Checkout{}, apperr.New(apperr.Unauthorized, op, "%s %s cannot pay for booking %s", actor.Role, actor.ID, b.ID)
	}
	if amount != b.Fare {
		return nil, Checkout{}, apperr.New(apperr.AmountMismatch, op, "amount %d does not match fare %d", amount, b.Fare)
	}
	if b.Status != models.BookingPending && b.Status != models.BookingConfirmed {
		return nil, Checkout{}, apperr.New(apperr.InvalidTransition, op, "booking %s is %s", b.ID, b.Status)
	}
	paid, err := r.store.HasCompletedPayment(ctx, b.ID)
	if err != nil {
		return nil, Checkout{}, err
	}
	if paid {
		return nil, Checkout{}, apperr.New(apperr.InvalidTransition, op, "booking %s is already paid", b.ID)
	}
	gw, ok := r.gateways[method]
	if !ok {
		return nil, Checkout{}, apperr.New(apperr.InvalidFilters, op, "no gateway configured for %s", method)
	}

	now := r.now().UTC()
	pm := &models.Payment{
		ID:        uuid.NewString(),
		BookingID: b.ID,
		Amount:    amount,
		Method:    method,
		Status:    models.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	co, err := gw.Initiate(ctx, *pm, *b)
	if err != nil {
		return nil, Checkout{}, apperr.Wrap(apperr.Internal, op, err)
	}
	pm.ExternalTxnID = co.TxnID
	if err := r.store.CreatePayment(ctx, pm); err != nil {
		return nil, Checkout{}, err
	}
	observability.PaymentsInitiated.WithLabelValues(string(method)).Inc()
	r.logger.Info("payment initiated", "payment_id", pm.ID, "booking_id", b.ID, "txn_id", pm.ExternalTxnID, "amount", amount, "method", method)
	r.events.Emit(models.Event{
		Type:      models.EventPaymentInitiated,
		Priority:  models.PriorityMedium,
		Targets:   []models.Target{{Kind: models.TargetCustomer, ID: b.CustomerID}},
		BookingID: b.ID,
		PaymentID: pm.ID,
		Amount:    amount,
		Status:    string(pm.Status),
	})
	return pm, co, nil
}

// Reconcile applies one gateway callback. Redirects and webhooks for the
// same transaction may race; the first write wins and the other observes a
// terminal payment and replays.
func (r *Reconciler) Reconcile(ctx context.Context, cb Callback) (Result, error) {
	res, err := r.reconcile(ctx, cb)
	label := string(res.Outcome)
	switch {
	case err != nil:
		label = "error_" + string(apperr.KindOf(err))
	case res.Replayed:
		label += "_replayed"
	}
	observability.Reconciliations.WithLabelValues(label).Inc()
	return res, err
}

func (r *Reconciler) reconcile(ctx context.Context, cb Callback) (Result, error) {
	const op = "payments.Reconcile"
	outcome, err := ParseStatus(cb.Status)
	if err != nil {
		return Result{}, err
	}
	if cb.TxnID == "" {
		return Result{}, apperr.New(apperr.InvalidFilters, op, "transaction id is required")
	}
	log := r.logger.With("txn_id", cb.TxnID, "source", cb.Source)

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		pm, err := r.store.GetPaymentByTxn(ctx, cb.TxnID)
		if apperr.Is(err, apperr.NotFound) {
			log.Warn("callback for unknown transaction", "status", cb.Status)
			return Result{Outcome: UnknownTransaction}, apperr.New(apperr.UnknownTransaction, op, "no payment for transaction %s", cb.TxnID)
		}
		if err != nil {
			return Result{}, err
		}
		res := Result{Outcome: outcome, Payment: pm, BookingID: pm.BookingID}

		if pm.Status.Terminal() {
			if !outcome.agrees(pm.Status) {
				log.Error("callback contradicts recorded payment", "payment_id", pm.ID, "recorded", pm.Status, "reported", outcome)
				r.review(pm, "gateway reported "+string(outcome)+" for "+string(pm.Status)+" payment")
				return Result{}, apperr.New(apperr.ReconciliationConflict, op, "payment %s is %s, gateway reports %s", pm.ID, pm.Status, outcome)
			}
			res.Replayed = true
			if outcome == VerifiedSuccess && pm.Status == models.PaymentCompleted {
				if err := r.confirmBooking(ctx, pm, log); err != nil {
					return res, err
				}
			}
			log.Info("callback replay ignored", "payment_id", pm.ID, "status", pm.Status)
			return res, nil
		}

		if outcome == VerifiedSuccess && cb.Amount != pm.Amount {
			log.Warn("callback amount mismatch", "payment_id", pm.ID, "expected", pm.Amount, "reported", cb.Amount)
			r.review(pm, fmt.Sprintf("gateway reported amount %d for payment of %d", cb.Amount, pm.Amount))
			return Result{}, apperr.New(apperr.AmountMismatch, op, "callback amount %d does not match payment amount %d", cb.Amount, pm.Amount)
		}

		recorded := *pm
		now := r.now().UTC()
		pm.Status = outcome.paymentStatus()
		pm.UpdatedAt = now
		pm.ProcessedAt = &now
		if cb.ValidationID != "" {
			pm.ValidationID = cb.ValidationID
		}
		err = r.store.UpdatePayment(ctx, pm)
		if apperr.Retryable(err) {
			lastErr = err
			continue
		}
		if apperr.Is(err, apperr.ReconciliationConflict) {
			// The gateway captured money for a booking that is already paid.
			log.Error("second successful payment for booking", "payment_id", pm.ID, "booking_id", pm.BookingID, "error", err)
			r.review(&recorded, "second successful payment for booking")
			return Result{Outcome: outcome, Payment: &recorded, BookingID: pm.BookingID}, err
		}
		if err != nil {
			return Result{}, err
		}
		log.Info("payment reconciled", "payment_id", pm.ID, "booking_id", pm.BookingID, "status", pm.Status, "validation_id", pm.ValidationID)
		r.emitPayment(ctx, pm, outcome)

		if outcome == VerifiedSuccess {
			if err := r.confirmBooking(ctx, pm, log); err != nil {
				return res, err
			}
		}
		return res, nil
	}
	return Result{}, lastErr
}

// confirmBooking moves the owning booking out of PENDING. It also runs on
// replayed successes so a crash between the two writes heals on the next
// callback.
func (r *Reconciler) confirmBooking(ctx context.Context, pm *models.Payment, log *slog.Logger) error {
	b, err := r.store.GetBooking(ctx, pm.BookingID)
	if err != nil {
		return err
	}
	if b.Status == models.BookingPending {
		_, err = r.bookings.ConfirmPaid(ctx, b.ID, models.SystemActor)
		if err == nil || !apperr.Is(err, apperr.InvalidTransition) {
			return err
		}
		if b, err = r.store.GetBooking(ctx, pm.BookingID); err != nil {
			return err
		}
	}
	if b.Status == models.BookingCancelled {
		log.Warn("payment completed for cancelled booking", "payment_id", pm.ID, "booking_id", b.ID)
		r.review(pm, "payment completed after booking was cancelled")
	}
	return nil
}

func (r *Reconciler) review(pm *models.Payment, reason string) {
	r.events.Emit(models.Event{
		Type:      models.EventPaymentReview,
		Priority:  models.PriorityUrgent,
		Targets:   []models.Target{{Kind: models.TargetAdmins}},
		BookingID: pm.BookingID,
		PaymentID: pm.ID,
		Amount:    pm.Amount,
		Status:    string(pm.Status),
		Reason:    reason,
	})
}

func (r *Reconciler) emitPayment(ctx context.Context, pm *models.Payment, outcome Outcome) {
	e := models.Event{
		Type:      models.EventPaymentCompleted,
		Priority:  models.PriorityHigh,
		BookingID: pm.BookingID,
		PaymentID: pm.ID,
		Amount:    pm.Amount,
		Status:    string(pm.Status),
	}
	if outcome != VerifiedSuccess {
		e.Type = models.EventPaymentFailed
		e.Reason = string(outcome)
	}
	if b, err := r.store.GetBooking(ctx, pm.BookingID); err == nil {
		e.Targets = []models.Target{{Kind: models.TargetCustomer, ID: b.CustomerID}}
		if outcome == VerifiedSuccess {
			e.Targets = append(e.Targets, models.Target{Kind: models.TargetDriver, ID: b.DriverID})
		}
	}
	r.events.Emit(e)
}

// Refund returns a completed payment. It does not cancel the booking.
func (r *Reconciler) Refund(ctx context.Context, paymentID string, actor models.Actor, reason string) (*models.Payment, error) {
	const op = "payments.Refund"
	if actor.Role != models.RoleAdmin {
		return nil, apperr.New(apperr.Unauthorized, op, "only admins can refund")
	}
	refunded := false
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		pm, err := r.store.GetPayment(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if pm.Status == models.PaymentRefunded && refunded {
			return pm, nil
		}
		if pm.Status != models.PaymentCompleted {
			return nil, apperr.New(apperr.InvalidTransition, op, "payment %s is %s", pm.ID, pm.Status)
		}
		if !refunded {
			if gw, ok := r.gateways[pm.Method]; ok && pm.ExternalTxnID != "" {
				if err := gw.Refund(ctx, *pm); err != nil {
					return nil, apperr.Wrap(apperr.Internal, op, err)
				}
			}
			refunded = true
		}
		pm.Status = models.PaymentRefunded
		pm.UpdatedAt = r.now().UTC()
		err = r.store.UpdatePayment(ctx, pm)
		if apperr.Retryable(err) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}
		r.logger.Info("payment refunded", "payment_id", pm.ID, "booking_id", pm.BookingID, "actor_id", actor.ID, "reason", reason)
		r.events.Emit(models.Event{
			Type:      models.EventPaymentRefunded,
			Priority:  models.PriorityHigh,
			Targets:   []models.Target{{Kind: models.TargetAdmins}},
			BookingID: pm.BookingID,
			PaymentID: pm.ID,
			Amount:    pm.Amount,
			Status:    string(pm.Status),
			Reason:    reason,
		})
		return pm, nil
	}
	return nil, lastErr
}

// Payments lists every attempt recorded for a booking.
func (r *Reconciler) Payments(ctx context.Context, bookingID string) ([]models.Payment, error) {
	return r.store.ListPayments(ctx, bookingID)
}
