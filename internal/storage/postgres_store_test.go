package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

func newMock(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock init error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresUpdateBookingSucceeds(t *testing.T) {
	s, mock := newMock(t)
	b := newBooking("b1")
	b.Version = 3
	b.Status = models.BookingConfirmed

	mock.ExpectExec("UPDATE bookings SET status").
		WithArgs("CONFIRMED", nil, sqlmock.AnyArg(), "b1", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.UpdateBooking(context.Background(), b); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if b.Version != 4 {
		t.Fatalf("expected version bump to 4, got %d", b.Version)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateBookingStaleVersion(t *testing.T) {
	s, mock := newMock(t)
	b := newBooking("b1")
	b.Version = 1

	mock.ExpectExec("UPDATE bookings SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM bookings").WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.UpdateBooking(context.Background(), b)
	if !apperr.Is(err, apperr.ConcurrencyConflict) {
		t.Fatalf("expected ConcurrencyConflict, got %v", err)
	}
	if b.Version != 1 {
		t.Fatal("version must not move on a failed write")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresUpdateBookingMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE bookings SET status").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS\\(SELECT 1 FROM bookings").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	if err := s.UpdateBooking(context.Background(), newBooking("ghost")); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestPostgresGetPaymentByTxn(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	cols := []string{"id", "booking_id", "amount", "method", "status", "external_txn_id", "validation_id", "created_at", "updated_at", "processed_at", "version"}
	mock.ExpectQuery("FROM payments WHERE external_txn_id = \\$1").WithArgs("T1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("p1", "b1", int64(400), "CARD", "PENDING", "T1", "", now, now, nil, int64(1)))

	p, err := s.GetPaymentByTxn(context.Background(), "T1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if p.ID != "p1" || p.Amount != 400 || p.Status != models.PaymentPending || p.ProcessedAt != nil {
		t.Fatalf("unexpected payment %+v", p)
	}

	mock.ExpectQuery("FROM payments WHERE external_txn_id = \\$1").WithArgs("T2").
		WillReturnRows(sqlmock.NewRows(cols))
	if _, err := s.GetPaymentByTxn(context.Background(), "T2"); !apperr.Is(err, apperr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestPostgresSecondCompletionIsConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("UPDATE payments SET status").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "payments_one_completed_idx"})

	p := &models.Payment{ID: "p2", BookingID: "b1", Status: models.PaymentCompleted, Version: 1}
	if err := s.UpdatePayment(context.Background(), p); !apperr.Is(err, apperr.ReconciliationConflict) {
		t.Fatalf("expected ReconciliationConflict, got %v", err)
	}
}

func TestPostgresCreateBookingStoresNullPoint(t *testing.T) {
	s, mock := newMock(t)
	b := newBooking("b1")
	b.Destination = models.Location{Name: "Somewhere"}

	mock.ExpectExec("INSERT INTO bookings").
		WithArgs("b1", "c1", "d1", "A", 1.0, 1.0, "Somewhere", nil, nil,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), int64(400), sqlmock.AnyArg(), "PENDING",
			sqlmock.AnyArg(), nil, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.CreateBooking(context.Background(), b); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
