package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/truck-booking/internal/booking"
	"github.com/example/truck-booking/internal/dispatch"
	"github.com/example/truck-booking/internal/geo"
	"github.com/example/truck-booking/internal/location"
	"github.com/example/truck-booking/internal/matcher"
	"github.com/example/truck-booking/internal/models"
	"github.com/example/truck-booking/internal/payments"
)

type BookingService interface {
	Create(ctx context.Context, actor models.Actor, req booking.CreateRequest) (*models.Booking, error)
	Get(ctx context.Context, id string, actor models.Actor) (*models.Booking, error)
	Accept(ctx context.Context, id string, actor models.Actor) (*models.Booking, error)
	Decline(ctx context.Context, id string, actor models.Actor, reason string) (*models.Booking, error)
	CustomerCancel(ctx context.Context, id string, actor models.Actor, reason string) (*models.Booking, error)
	AdminCancel(ctx context.Context, id string, actor models.Actor, reason string) (*models.Booking, error)
	StartTrip(ctx context.Context, id string, actor models.Actor) (*models.Booking, error)
	CompleteTrip(ctx context.Context, id string, actor models.Actor) (*models.Booking, error)
}

type PaymentService interface {
	Initiate(ctx context.Context, actor models.Actor, bookingID string, amount int64, method models.PaymentMethod) (*models.Payment, payments.Checkout, error)
	Reconcile(ctx context.Context, cb payments.Callback) (payments.Result, error)
	Refund(ctx context.Context, paymentID string, actor models.Actor, reason string) (*models.Payment, error)
	Payments(ctx context.Context, bookingID string) ([]models.Payment, error)
}

type DriverSearch interface {
	FindDrivers(ctx context.Context, pickup models.Coord, f matcher.Filters) ([]matcher.Candidate, error)
}

// RedirectVerifier confirms a customer redirect with the gateway that
// issued the transaction.
type RedirectVerifier interface {
	Validate(ctx context.Context, txnID, valID string) (payments.Callback, error)
}

// WebhookParser verifies and decodes a signed gateway webhook.
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (payments.Callback, bool, error)
}

type Deps struct {
	Bookings  BookingService
	Payments  PaymentService
	Matcher   DriverSearch
	Directory geo.Directory
	Geocoder  location.Geocoder // optional
	Redirects RedirectVerifier  // optional
	Webhooks  WebhookParser     // optional
	WSReg     *dispatch.WSRegistry
	Logger    *slog.Logger

	MatchRadiusKm float64
}

type Server struct {
	deps     Deps
	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

func NewServer(deps Deps) *Server {
	if deps.MatchRadiusKm <= 0 {
		deps.MatchRadiusKm = 25
	}
	s := &Server{
		deps:     deps,
		logger:   deps.Logger.With("component", "http"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/drivers/search", s.withActor(s.handleSearch)).Methods(http.MethodPost)
	api.HandleFunc("/bookings", s.withActor(s.handleCreateBooking)).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}", s.withActor(s.handleGetBooking)).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/{action:accept|decline|cancel|start|complete}", s.withActor(s.handleTransition)).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/payments", s.withActor(s.handleInitiatePayment)).Methods(http.MethodPost)
	api.HandleFunc("/payments/{id}/refund", s.withActor(s.handleRefund)).Methods(http.MethodPost)
	api.HandleFunc("/payments/callback", s.handlePaymentRedirect).Methods(http.MethodGet)
	api.HandleFunc("/payments/webhook", s.handlePaymentWebhook).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/drivers", s.withActor(s.handleUpsertDriver)).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{subject_id}", s.withActor(s.handleWS))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

var upgrader = websocket.Upgrader{}

// handleWS registers a notification session. Every actor subscribes as
// itself under its role; admin sessions also receive admin broadcasts.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request, actor models.Actor) {
	id := mux.Vars(r)["subject_id"]
	if actor.ID != id {
		s.writeError(w, r, errForbidden("ws", "cannot subscribe as "+id))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "subject_id", id, "error", err)
		return
	}
	s.deps.WSReg.Add(actor.Role, id, conn)
	go func() {
		defer s.deps.WSReg.Remove(actor.Role, id, conn)
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
