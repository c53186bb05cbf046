package booking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/fare"
	"github.com/example/truck-booking/internal/geo"
	"github.com/example/truck-booking/internal/logging"
	"github.com/example/truck-booking/internal/matcher"
	"github.com/example/truck-booking/internal/models"
	"github.com/example/truck-booking/internal/storage"
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Emit(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

var (
	customer = models.Actor{ID: "cust-1", Role: models.RoleCustomer}
	driverA  = models.Actor{ID: "drv-1", Role: models.RoleDriver}
	staff    = models.Actor{ID: "ops-1", Role: models.RoleAdmin}
)

func kmEast(km float64) *models.Coord { return &models.Coord{Lat: 0, Lon: km / 111.195} }

type fixture struct {
	svc    *Service
	store  *storage.MemoryStore
	geo    *geo.Index
	events *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	idx := geo.NewIndex()
	err := idx.Upsert(context.Background(), models.Driver{
		ID: driverA.ID, Loc: *kmEast(2), TruckType: models.TruckMini, CapacityTons: 3,
		Available: true, Verified: true, Rating: 4.5,
	})
	if err != nil {
		t.Fatal(err)
	}
	store := storage.NewMemoryStore()
	calc := fare.NewCalculator(fare.Config{
		RatePerKm:     map[models.TruckType]int64{models.TruckMini: 40},
		MinimumFare:   100,
		MaxDistanceKm: 500,
	})
	rec := &recorder{}
	svc := NewService(store, &matcher.Service{Geo: idx}, calc, store, rec, logging.Discard(), opts)
	return &fixture{svc: svc, store: store, geo: idx, events: rec}
}

func request(method models.PaymentMethod) CreateRequest {
	return CreateRequest{
		CustomerID:    customer.ID,
		DriverID:      driverA.ID,
		Source:        models.Location{Name: "Depot", Point: kmEast(0)},
		Destination:   models.Location{Name: "Market", Point: kmEast(10)},
		TruckType:     models.TruckMini,
		CapacityTons:  2,
		PaymentMethod: method,
	}
}

// seedStatus stores a booking directly in the given state.
func (f *fixture) seedStatus(t *testing.T, status models.BookingStatus) *models.Booking {
	t.Helper()
	now := time.Now()
	b := &models.Booking{
		ID: "bk-" + string(status), CustomerID: customer.ID, DriverID: driverA.ID,
		Source: models.Location{Name: "Depot", Point: kmEast(0)}, Fare: 400,
		TruckType: models.TruckMini, CapacityTons: 2, PaymentMethod: models.MethodCash,
		Status: status, CreatedAt: now, UpdatedAt: now,
	}
	if status == models.BookingCompleted {
		b.CompletedAt = &now
	}
	if err := f.store.CreateBooking(context.Background(), b); err != nil {
		t.Fatal(err)
	}
	return b
}

func TestCreateComputesFareAndEmits(t *testing.T) {
	f := newFixture(t, Options{})
	b, err := f.svc.Create(context.Background(), customer, request(models.MethodCash))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if b.Status != models.BookingPending || b.Version != 1 {
		t.Fatalf("unexpected booking %+v", b)
	}
	if b.Fare != 400 {
		t.Fatalf("expected fare 400 for 10km mini truck, got %d", b.Fare)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != models.EventBookingCreated {
		t.Fatalf("expected BOOKING_CREATED, got %v", got)
	}
}

func TestCreateRevalidatesDriver(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	d, _ := f.geo.Get(ctx, driverA.ID)
	d.Available = false
	_ = f.geo.Upsert(ctx, d)

	_, err := f.svc.Create(ctx, customer, request(models.MethodCash))
	if !apperr.Is(err, apperr.InvalidTransition) {
		t.Fatalf("expected InvalidTransition for unavailable driver, got %v", err)
	}

	req := request(models.MethodCash)
	req.DriverID = "ghost"
	if _, err := f.svc.Create(ctx, customer, req); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound for unknown driver, got %v", err)
	}
}

func TestCreateRejectsOtherCustomer(t *testing.T) {
	f := newFixture(t, Options{})
	other := models.Actor{ID: "cust-2", Role: models.RoleCustomer}
	if _, err := f.svc.Create(context.Background(), other, request(models.MethodCash)); !apperr.Is(err, apperr.Unauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
}

func TestCreateUsesDistanceWithoutDestinationPoint(t *testing.T) {
	f := newFixture(t, Options{})
	req := request(models.MethodCash)
	req.Destination.Point = nil
	req.DistanceKm = 1
	b, err := f.svc.Create(context.Background(), customer, req)
	if err != nil {
		t.Fatal(err)
	}
	if b.Fare != 100 {
		t.Fatalf("expected minimum fare 100, got %d", b.Fare)
	}

	req.DistanceKm = 0
	if _, err := f.svc.Create(context.Background(), customer, req); !apperr.Is(err, apperr.DistanceOutOfRange) {
		t.Fatalf("expected DistanceOutOfRange, got %v", err)
	}
}

func TestTransitionTable(t *testing.T) {
	type call func(s *Service, id string) error
	events := map[string]call{
		"accept": func(s *Service, id string) error { _, err := s.Accept(context.Background(), id, driverA); return err },
		"decline": func(s *Service, id string) error {
			_, err := s.Decline(context.Background(), id, driverA, "busy")
			return err
		},
		"customer_cancel": func(s *Service, id string) error {
			_, err := s.CustomerCancel(context.Background(), id, customer, "changed plans")
			return err
		},
		"admin_cancel": func(s *Service, id string) error {
			_, err := s.AdminCancel(context.Background(), id, staff, "fraud check")
			return err
		},
		"start_trip":    func(s *Service, id string) error { _, err := s.StartTrip(context.Background(), id, driverA); return err },
		"complete_trip": func(s *Service, id string) error { _, err := s.CompleteTrip(context.Background(), id, driverA); return err },
		"payment_confirmed": func(s *Service, id string) error {
			_, err := s.ConfirmPaid(context.Background(), id, models.SystemActor)
			return err
		},
	}
	allowed := map[models.BookingStatus]map[string]models.BookingStatus{
		models.BookingPending: {
			"accept": models.BookingConfirmed, "decline": models.BookingCancelled,
			"customer_cancel": models.BookingCancelled, "admin_cancel": models.BookingCancelled,
			"payment_confirmed": models.BookingConfirmed,
		},
		models.BookingConfirmed: {
			"start_trip": models.BookingInProgress, "customer_cancel": models.BookingCancelled,
			"admin_cancel": models.BookingCancelled,
		},
		models.BookingInProgress: {"complete_trip": models.BookingCompleted},
		models.BookingCompleted:  {},
		models.BookingCancelled:  {},
	}

	for from, ok := range allowed {
		for name, fn := range events {
			t.Run(string(from)+"/"+name, func(t *testing.T) {
				f := newFixture(t, Options{})
				b := f.seedStatus(t, from)
				err := fn(f.svc, b.ID)
				got, _ := f.store.GetBooking(context.Background(), b.ID)
				want, legal := ok[name]
				if !legal {
					if !apperr.Is(err, apperr.InvalidTransition) {
						t.Fatalf("expected InvalidTransition, got %v", err)
					}
					if got.Status != from || got.Version != 1 {
						t.Fatalf("rejected transition changed the booking: %+v", got)
					}
					return
				}
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				if got.Status != want || got.Version != 2 {
					t.Fatalf("expected %s at version 2, got %s at %d", want, got.Status, got.Version)
				}
				if (got.Status == models.BookingCompleted) != (got.CompletedAt != nil) {
					t.Fatalf("completed_at must be set exactly when completed: %+v", got)
				}
			})
		}
	}
}

func TestAuthorizationCheckedBeforeState(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.seedStatus(t, models.BookingCompleted)
	stranger := models.Actor{ID: "drv-9", Role: models.RoleDriver}
	if _, err := f.svc.Accept(context.Background(), b.ID, stranger); !apperr.Is(err, apperr.Unauthorized) {
		t.Fatalf("expected Unauthorized, got %v", err)
	}
	if _, err := f.svc.ConfirmPaid(context.Background(), b.ID, customer); !apperr.Is(err, apperr.Unauthorized) {
		t.Fatalf("customer must not confirm payment, got %v", err)
	}
	if _, err := f.svc.AdminCancel(context.Background(), b.ID, customer, ""); !apperr.Is(err, apperr.Unauthorized) {
		t.Fatalf("customer must not admin-cancel, got %v", err)
	}
}

func TestSecondAcceptIsInvalid(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.seedStatus(t, models.BookingPending)
	if _, err := f.svc.Accept(context.Background(), b.ID, driverA); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Accept(context.Background(), b.ID, driverA)
	if !apperr.Is(err, apperr.InvalidTransition) {
		t.Fatalf("expected InvalidTransition on repeat accept, got %v", err)
	}
	got, _ := f.store.GetBooking(context.Background(), b.ID)
	if got.Version != 2 {
		t.Fatalf("repeat accept must not write, version %d", got.Version)
	}
}

func TestStartTripRequiresOnlinePayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	b, err := f.svc.Create(ctx, customer, request(models.MethodCard))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Accept(ctx, b.ID, driverA); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.StartTrip(ctx, b.ID, driverA); !apperr.Is(err, apperr.InvalidTransition) {
		t.Fatalf("unpaid card booking must not start, got %v", err)
	}

	now := time.Now()
	pm := &models.Payment{ID: "pm-1", BookingID: b.ID, Amount: b.Fare, Method: models.MethodCard,
		Status: models.PaymentCompleted, ExternalTxnID: "tx-1", CreatedAt: now, UpdatedAt: now}
	if err := f.store.CreatePayment(ctx, pm); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.StartTrip(ctx, b.ID, driverA); err != nil {
		t.Fatalf("paid booking should start: %v", err)
	}
}

func TestFullCashLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{})
	b, err := f.svc.Create(ctx, customer, request(models.MethodCash))
	if err != nil {
		t.Fatal(err)
	}
	steps := []func() (*models.Booking, error){
		func() (*models.Booking, error) { return f.svc.Accept(ctx, b.ID, driverA) },
		func() (*models.Booking, error) { return f.svc.StartTrip(ctx, b.ID, driverA) },
		func() (*models.Booking, error) { return f.svc.CompleteTrip(ctx, b.ID, driverA) },
	}
	for i, step := range steps {
		if _, err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	got, err := f.svc.Get(ctx, b.ID, customer)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.BookingCompleted || got.CompletedAt == nil || got.Version != 4 {
		t.Fatalf("unexpected final booking %+v", got)
	}
	want := []models.EventType{models.EventBookingCreated, models.EventBookingAccepted, models.EventTripStarted, models.EventTripCompleted}
	types := f.events.types()
	if len(types) != len(want) {
		t.Fatalf("expected events %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, types)
		}
	}

	outsider := models.Actor{ID: "cust-2", Role: models.RoleCustomer}
	if _, err := f.svc.Get(ctx, b.ID, outsider); !apperr.Is(err, apperr.Unauthorized) {
		t.Fatalf("expected Unauthorized for outsider view, got %v", err)
	}
}

func TestCancellationHookOnlyAfterConfirmation(t *testing.T) {
	ctx := context.Background()
	var calls []string
	f := newFixture(t, Options{CancellationHook: func(_ context.Context, b models.Booking, _ models.Actor) error {
		calls = append(calls, b.ID)
		return apperr.New(apperr.Internal, "test", "fee service down")
	}})
	pending := f.seedStatus(t, models.BookingPending)
	if _, err := f.svc.CustomerCancel(ctx, pending.ID, customer, ""); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 {
		t.Fatalf("hook must not run for pending cancellation")
	}
	confirmed := f.seedStatus(t, models.BookingConfirmed)
	if _, err := f.svc.CustomerCancel(ctx, confirmed.ID, customer, "late"); err != nil {
		t.Fatalf("hook failure must not fail the cancel: %v", err)
	}
	if len(calls) != 1 || calls[0] != confirmed.ID {
		t.Fatalf("expected one hook call, got %v", calls)
	}
}

func TestConcurrentAcceptAndCancel(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, Options{MaxRetries: 5})
		b := f.seedStatus(t, models.BookingPending)

		var wg sync.WaitGroup
		var acceptErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = f.svc.Accept(context.Background(), b.ID, driverA)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = f.svc.AdminCancel(context.Background(), b.ID, staff, "manual")
		}()
		wg.Wait()

		if (acceptErr == nil) == (cancelErr == nil) {
			t.Fatalf("exactly one writer must win: accept=%v cancel=%v", acceptErr, cancelErr)
		}
		got, _ := f.store.GetBooking(context.Background(), b.ID)
		if acceptErr == nil {
			if got.Status != models.BookingConfirmed || !apperr.Is(cancelErr, apperr.InvalidTransition) {
				t.Fatalf("accept won but state is %s, cancel err %v", got.Status, cancelErr)
			}
		} else {
			if got.Status != models.BookingCancelled || !apperr.Is(acceptErr, apperr.InvalidTransition) {
				t.Fatalf("cancel won but state is %s, accept err %v", got.Status, acceptErr)
			}
		}
		if got.Version != 2 {
			t.Fatalf("expected a single write, version %d", got.Version)
		}
	}
}

type conflictingStore struct {
	storage.BookingStore
	updates int
}

func (c *conflictingStore) UpdateBooking(context.Context, *models.Booking) error {
	c.updates++
	return apperr.New(apperr.ConcurrencyConflict, "test", "always stale")
}

func TestRetriesAreBounded(t *testing.T) {
	f := newFixture(t, Options{})
	b := f.seedStatus(t, models.BookingPending)
	cs := &conflictingStore{BookingStore: f.store}
	svc := NewService(cs, &matcher.Service{Geo: f.geo}, nil, f.store, f.events, logging.Discard(), Options{MaxRetries: 2})

	_, err := svc.Accept(context.Background(), b.ID, driverA)
	if !apperr.Is(err, apperr.ConcurrencyConflict) {
		t.Fatalf("expected ConcurrencyConflict after retries, got %v", err)
	}
	if cs.updates != 3 {
		t.Fatalf("expected 3 attempts, got %d", cs.updates)
	}
}
