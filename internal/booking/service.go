// Package booking owns the booking lifecycle. It is the only writer of
// booking rows; every write is a version-checked read-modify-write.
package booking

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/dispatch"
	"github.com/example/truck-booking/internal/location"
	"github.com/example/truck-booking/internal/matcher"
	"github.com/example/truck-booking/internal/models"
	"github.com/example/truck-booking/internal/observability"
	"github.com/example/truck-booking/internal/storage"
)

type DriverChecker interface {
	CheckMatchable(ctx context.Context, driverID string, pickup models.Coord, f matcher.Filters) (models.Driver, error)
}

type FareCalculator interface {
	Compute(distanceKm float64, truckType models.TruckType, capacityTons float64) (int64, error)
}

// PaymentGate answers whether a booking has been paid online.
type PaymentGate interface {
	HasCompletedPayment(ctx context.Context, bookingID string) (bool, error)
}

// CancellationHook runs after a CONFIRMED booking is cancelled, e.g. to
// charge a late-cancellation fee. Its error is logged only.
type CancellationHook func(ctx context.Context, b models.Booking, actor models.Actor) error

type Options struct {
	Router           location.Router
	MatchRadiusKm    float64
	MaxRetries       int
	CancellationHook CancellationHook
	Clock            func() time.Time
}

type Service struct {
	store    storage.BookingStore
	drivers  DriverChecker
	fares    FareCalculator
	payments PaymentGate
	events   dispatch.Emitter
	logger   *slog.Logger
	opts     Options
}

func NewService(store storage.BookingStore, drivers DriverChecker, fares FareCalculator, payments PaymentGate,
	events dispatch.Emitter, logger *slog.Logger, opts Options) *Service {
	if opts.Router == nil {
		opts.Router = location.Haversine{}
	}
	if opts.MatchRadiusKm <= 0 {
		opts.MatchRadiusKm = 25
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Service{store: store, drivers: drivers, fares: fares, payments: payments, events: events,
		logger: logger.With("component", "booking"), opts: opts}
}

type CreateRequest struct {
	CustomerID    string
	DriverID      string
	Source        models.Location
	Destination   models.Location
	DistanceKm    float64 // used when either end has no coordinates
	RouteGeometry string
	TruckType     models.TruckType
	CapacityTons  float64
	PaymentMethod models.PaymentMethod
	PickupAt      *time.Time
}

// Create books req.DriverID for the customer. The driver is re-read from the
// directory here rather than trusted from an earlier search.
func (s *Service) Create(ctx context.Context, actor models.Actor, req CreateRequest) (*models.Booking, error) {
	const op = "booking.Create"
	b, err := s.create(ctx, op, actor, req)
	s.record("create", err)
	return b, err
}

func (s *Service) create(ctx context.Context, op string, actor models.Actor, req CreateRequest) (*models.Booking, error) {
	switch {
	case actor.Role == models.RoleCustomer && actor.ID == req.CustomerID:
	case actor.Role == models.RoleAdmin:
	default:
		return nil, apperr.New(apperr.Unauthorized, op, "%s %s cannot book for customer %s", actor.Role, actor.ID, req.CustomerID)
	}
	if req.CustomerID == "" || req.DriverID == "" {
		return nil, apperr.New(apperr.InvalidFilters, op, "customer and driver are required")
	}
	if req.Source.Point == nil {
		return nil, apperr.New(apperr.InvalidFilters, op, "pickup coordinates are required")
	}
	if !req.PaymentMethod.Valid() {
		return nil, apperr.New(apperr.InvalidFilters, op, "unknown payment method %q", req.PaymentMethod)
	}

	distance := req.DistanceKm
	if req.Destination.Point != nil {
		d, err := s.opts.Router.Distance(ctx, *req.Source.Point, *req.Destination.Point)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, op, err)
		}
		distance = d
	}
	fare, err := s.fares.Compute(distance, req.TruckType, req.CapacityTons)
	if err != nil {
		return nil, err
	}

	filters := matcher.Filters{TruckType: req.TruckType, MinCapacity: req.CapacityTons, RadiusKm: s.opts.MatchRadiusKm}
	if _, err := s.drivers.CheckMatchable(ctx, req.DriverID, *req.Source.Point, filters); err != nil {
		return nil, err
	}

	now := s.opts.Clock().UTC()
	b := &models.Booking{
		ID:            uuid.NewString(),
		CustomerID:    req.CustomerID,
		DriverID:      req.DriverID,
		Source:        req.Source,
		Destination:   req.Destination,
		DistanceKm:    distance,
		RouteGeometry: req.RouteGeometry,
		TruckType:     req.TruckType,
		CapacityTons:  req.CapacityTons,
		Fare:          fare,
		PaymentMethod: req.PaymentMethod,
		Status:        models.BookingPending,
		CreatedAt:     now,
		PickupAt:      req.PickupAt,
		UpdatedAt:     now,
	}
	if err := s.store.CreateBooking(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("booking created", "booking_id", b.ID, "customer_id", b.CustomerID, "driver_id", b.DriverID, "fare", b.Fare, "distance_km", b.DistanceKm)
	s.events.Emit(models.Event{
		Type:      models.EventBookingCreated,
		Priority:  models.PriorityHigh,
		Targets:   []models.Target{{Kind: models.TargetDriver, ID: b.DriverID}, {Kind: models.TargetCustomer, ID: b.CustomerID}},
		BookingID: b.ID,
		Amount:    b.Fare,
		Status:    string(b.Status),
	})
	return b, nil
}

func (s *Service) Accept(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	return s.apply(ctx, evAccept, id, actor, "")
}

func (s *Service) Decline(ctx context.Context, id string, actor models.Actor, reason string) (*models.Booking, error) {
	return s.apply(ctx, evDecline, id, actor, reason)
}

func (s *Service) CustomerCancel(ctx context.Context, id string, actor models.Actor, reason string) (*models.Booking, error) {
	return s.apply(ctx, evCustomerCancel, id, actor, reason)
}

func (s *Service) AdminCancel(ctx context.Context, id string, actor models.Actor, reason string) (*models.Booking, error) {
	return s.apply(ctx, evAdminCancel, id, actor, reason)
}

func (s *Service) StartTrip(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	return s.apply(ctx, evStart, id, actor, "")
}

func (s *Service) CompleteTrip(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	return s.apply(ctx, evComplete, id, actor, "")
}

// ConfirmPaid moves a PENDING booking to CONFIRMED once its payment has
// been verified. Only the system actor may call it.
func (s *Service) ConfirmPaid(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	return s.apply(ctx, evPaymentConfirmed, id, actor, "")
}

// Get returns the booking if actor is one of its parties or staff.
func (s *Service) Get(ctx context.Context, id string, actor models.Actor) (*models.Booking, error) {
	b, err := s.store.GetBooking(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == models.RoleAdmin, actor.Role == models.RoleSystem:
	case actor.Role == models.RoleCustomer && actor.ID == b.CustomerID:
	case actor.Role == models.RoleDriver && actor.ID == b.DriverID:
	default:
		return nil, apperr.New(apperr.Unauthorized, "booking.Get", "%s %s cannot view booking %s", actor.Role, actor.ID, id)
	}
	return b, nil
}

// apply runs one transition with optimistic retries. A lost race re-reads
// the row and re-evaluates every guard against the fresh state.
func (s *Service) apply(ctx context.Context, ev event, id string, actor models.Actor, reason string) (*models.Booking, error) {
	r := rules[ev]
	op := "booking." + r.name
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			observability.BookingRetries.Inc()
		}
		cur, err := s.store.GetBooking(ctx, id)
		if err != nil {
			s.record(r.name, err)
			return nil, err
		}
		if !r.authorized(cur, actor) {
			err := apperr.New(apperr.Unauthorized, op, "%s %s may not %s booking %s", actor.Role, actor.ID, r.name, id)
			s.record(r.name, err)
			return nil, err
		}
		if !r.allowedFrom(cur.Status) {
			err := apperr.New(apperr.InvalidTransition, op, "cannot %s booking %s in status %s", r.name, id, cur.Status)
			s.record(r.name, err)
			return nil, err
		}
		if ev == evStart {
			if err := s.checkPaid(ctx, op, cur); err != nil {
				s.record(r.name, err)
				return nil, err
			}
		}

		prev := cur.Status
		next := *cur
		now := s.opts.Clock().UTC()
		next.Status = r.to
		next.UpdatedAt = now
		if r.to == models.BookingCompleted {
			next.CompletedAt = &now
		}
		err = s.store.UpdateBooking(ctx, &next)
		if err == nil {
			s.record(r.name, nil)
			s.logger.Info("booking transition", "booking_id", id, "event", r.name, "from", prev, "to", next.Status, "actor_id", actor.ID, "actor_role", actor.Role)
			s.afterTransition(ctx, r, prev, &next, actor, reason)
			return &next, nil
		}
		if !apperr.Retryable(err) {
			s.record(r.name, err)
			return nil, err
		}
		lastErr = err
	}
	s.record(r.name, lastErr)
	return nil, lastErr
}

func (s *Service) checkPaid(ctx context.Context, op string, b *models.Booking) error {
	if b.CashSettled() {
		return nil
	}
	paid, err := s.payments.HasCompletedPayment(ctx, b.ID)
	if err != nil {
		return apperr.Wrap(apperr.Internal, op, err)
	}
	if !paid {
		return apperr.New(apperr.InvalidTransition, op, "booking %s has no completed payment", b.ID)
	}
	return nil
}

func (s *Service) afterTransition(ctx context.Context, r rule, prev models.BookingStatus, b *models.Booking, actor models.Actor, reason string) {
	if r.to == models.BookingCancelled && prev == models.BookingConfirmed && s.opts.CancellationHook != nil {
		if err := s.opts.CancellationHook(ctx, *b, actor); err != nil {
			s.logger.Error("cancellation hook failed", "booking_id", b.ID, "error", err)
		}
	}
	s.events.Emit(models.Event{
		Type:      r.emits,
		Priority:  r.priority,
		Targets:   r.targets(b),
		BookingID: b.ID,
		Amount:    b.Fare,
		Status:    string(b.Status),
		Reason:    reason,
	})
}

func (s *Service) record(event string, err error) {
	result := "ok"
	if err != nil {
		result = strings.ToLower(string(apperr.KindOf(err)))
	}
	observability.BookingTransitions.WithLabelValues(event, result).Inc()
}
