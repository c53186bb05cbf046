package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/booking"
	"github.com/example/truck-booking/internal/matcher"
	"github.com/example/truck-booking/internal/models"
	"github.com/example/truck-booking/internal/observability"
	"github.com/example/truck-booking/internal/payments"
)

type searchRequest struct {
	Pickup      models.Location  `json:"pickup" validate:"required"`
	TruckType   models.TruckType `json:"truck_type" validate:"omitempty,oneof=MINI_TRUCK PICKUP LORRY TRUCK"`
	MinCapacity float64          `json:"min_capacity_tons" validate:"gte=0"`
	RadiusKm    float64          `json:"radius_km" validate:"gte=0"`
}

type createBookingRequest struct {
	CustomerID    string               `json:"customer_id"`
	DriverID      string               `json:"driver_id" validate:"required"`
	Source        models.Location      `json:"source" validate:"required"`
	Destination   models.Location      `json:"destination" validate:"required"`
	DistanceKm    float64              `json:"distance_km" validate:"gte=0"`
	RouteGeometry string               `json:"route_geometry"`
	TruckType     models.TruckType     `json:"truck_type" validate:"required,oneof=MINI_TRUCK PICKUP LORRY TRUCK"`
	CapacityTons  float64              `json:"capacity_tons" validate:"gt=0"`
	PaymentMethod models.PaymentMethod `json:"payment_method" validate:"required,oneof=CASH CARD MOBILE_BANKING"`
	PickupAt      *time.Time           `json:"pickup_at"`
}

type reasonRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type initiatePaymentRequest struct {
	Amount int64                `json:"amount" validate:"gt=0"`
	Method models.PaymentMethod `json:"method" validate:"required,oneof=CARD MOBILE_BANKING CASH"`
}

type driverUpsertRequest struct {
	ID           string           `json:"id" validate:"required"`
	Lat          float64          `json:"lat" validate:"gte=-90,lte=90"`
	Lon          float64          `json:"lon" validate:"gte=-180,lte=180"`
	TruckType    models.TruckType `json:"truck_type" validate:"required,oneof=MINI_TRUCK PICKUP LORRY TRUCK"`
	CapacityTons float64          `json:"capacity_tons" validate:"gt=0"`
	Available    bool             `json:"available"`
	Verified     bool             `json:"verified"`
	Rating       float64          `json:"rating" validate:"gte=0,lte=5"`
	TotalTrips   int              `json:"total_trips" validate:"gte=0"`
}

type bookingView struct {
	*models.Booking
	Payments []models.Payment `json:"payments"`
}

// decode reads an optional JSON body into v and validates it.
func (s *Server) decode(r *http.Request, op string, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return errBadRequest(op, err)
	}
	return s.validate.Struct(v)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, _ models.Actor) {
	var req searchRequest
	if err := s.decode(r, "search", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pickup, err := s.resolve(r.Context(), req.Pickup)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius := req.RadiusKm
	if radius == 0 {
		radius = s.deps.MatchRadiusKm
	}
	candidates, err := s.deps.Matcher.FindDrivers(r.Context(), *pickup.Point, matcher.Filters{
		TruckType:   req.TruckType,
		MinCapacity: req.MinCapacity,
		RadiusKm:    radius,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pickup": pickup, "candidates": candidates})
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	var req createBookingRequest
	if err := s.decode(r, "create_booking", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.CustomerID == "" && actor.Role == models.RoleCustomer {
		req.CustomerID = actor.ID
	}
	src, err := s.resolve(r.Context(), req.Source)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dst := req.Destination
	if dst.Point == nil && req.DistanceKm == 0 {
		if dst, err = s.resolve(r.Context(), req.Destination); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	b, err := s.deps.Bookings.Create(r.Context(), actor, booking.CreateRequest{
		CustomerID:    req.CustomerID,
		DriverID:      req.DriverID,
		Source:        src,
		Destination:   dst,
		DistanceKm:    req.DistanceKm,
		RouteGeometry: req.RouteGeometry,
		TruckType:     req.TruckType,
		CapacityTons:  req.CapacityTons,
		PaymentMethod: req.PaymentMethod,
		PickupAt:      req.PickupAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	id := mux.Vars(r)["id"]
	b, err := s.deps.Bookings.Get(r.Context(), id, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	pays, err := s.deps.Payments.Payments(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if pays == nil {
		pays = []models.Payment{}
	}
	writeJSON(w, http.StatusOK, bookingView{Booking: b, Payments: pays})
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	vars := mux.Vars(r)
	id, action := vars["id"], vars["action"]
	var req reasonRequest
	if action == "decline" || action == "cancel" {
		if err := s.decode(r, action, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	ctx := r.Context()
	var (
		b   *models.Booking
		err error
	)
	switch action {
	case "accept":
		b, err = s.deps.Bookings.Accept(ctx, id, actor)
	case "decline":
		b, err = s.deps.Bookings.Decline(ctx, id, actor, req.Reason)
	case "cancel":
		if actor.Role == models.RoleAdmin {
			b, err = s.deps.Bookings.AdminCancel(ctx, id, actor, req.Reason)
		} else {
			b, err = s.deps.Bookings.CustomerCancel(ctx, id, actor, req.Reason)
		}
	case "start":
		b, err = s.deps.Bookings.StartTrip(ctx, id, actor)
	case "complete":
		b, err = s.deps.Bookings.CompleteTrip(ctx, id, actor)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleInitiatePayment(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	var req initiatePaymentRequest
	if err := s.decode(r, "initiate_payment", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pm, co, err := s.deps.Payments.Initiate(r.Context(), actor, mux.Vars(r)["id"], req.Amount, req.Method)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"payment": pm, "checkout": co})
}

func (s *Server) handleRefund(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	var req reasonRequest
	if err := s.decode(r, "refund", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pm, err := s.deps.Payments.Refund(r.Context(), mux.Vars(r)["id"], actor, req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pm)
}

// handlePaymentRedirect is where the gateway returns the customer. The
// query string is only used to name the transaction; the outcome comes from
// the gateway's validation and reconciles exactly like the webhook.
func (s *Server) handlePaymentRedirect(w http.ResponseWriter, r *http.Request) {
	if s.deps.Redirects == nil {
		http.NotFound(w, r)
		return
	}
	claim, err := payments.ParseRedirect(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cb, err := s.deps.Redirects.Validate(r.Context(), claim.TxnID, claim.ValidationID)
	if err != nil {
		s.logger.Warn("payment redirect not validated", "txn_id", claim.TxnID, "claimed_status", claim.Status, "error", err)
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Payments.Reconcile(r.Context(), cb)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		http.NotFound(w, r)
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		s.writeError(w, r, errBadRequest("webhook", err))
		return
	}
	cb, ok, err := s.deps.Webhooks.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	res, err := s.deps.Payments.Reconcile(r.Context(), cb)
	switch apperr.KindOf(err) {
	case "":
		writeJSON(w, http.StatusOK, res)
	case apperr.UnknownTransaction, apperr.ReconciliationConflict, apperr.AmountMismatch:
		// Already logged and, where needed, raised for review. Redelivery
		// cannot change the answer, so acknowledge it.
		writeJSON(w, http.StatusOK, webhookAck{Received: true, Error: apperr.KindOf(err), Result: res})
	default:
		s.writeError(w, r, err)
	}
}

type webhookAck struct {
	Received bool            `json:"received"`
	Error    apperr.Kind     `json:"error,omitempty"`
	Result   payments.Result `json:"result"`
}

func (s *Server) handleUpsertDriver(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	if actor.Role != models.RoleAdmin {
		s.writeError(w, r, errForbidden("upsert_driver", "only admins can change the driver directory"))
		return
	}
	var req driverUpsertRequest
	if err := s.decode(r, "upsert_driver", &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d := models.Driver{
		ID:           req.ID,
		Loc:          models.Coord{Lat: req.Lat, Lon: req.Lon},
		TruckType:    req.TruckType,
		CapacityTons: req.CapacityTons,
		Available:    req.Available,
		Verified:     req.Verified,
		Rating:       req.Rating,
		TotalTrips:   req.TotalTrips,
		Updated:      time.Now().UTC(),
	}
	if err := s.deps.Directory.Upsert(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	observability.DriversUpserted.Inc()
	w.WriteHeader(http.StatusNoContent)
}

// resolve geocodes a location that arrived without coordinates.
func (s *Server) resolve(ctx context.Context, loc models.Location) (models.Location, error) {
	if loc.Point != nil {
		return loc, nil
	}
	if s.deps.Geocoder == nil || loc.Name == "" {
		return models.Location{}, errBadRequestMsg("resolve", "coordinates required for "+loc.Name)
	}
	return s.deps.Geocoder.Resolve(ctx, loc.Name)
}
