package storage

import (
	"context"

	"github.com/example/truck-booking/internal/models"
)

// Update methods are conditional: the entity's Version must equal the stored
// version, otherwise apperr.ConcurrencyConflict is returned and nothing is
// written. On success the stored row and the passed entity carry Version+1.

type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	UpdateBooking(ctx context.Context, b *models.Booking) error
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByTxn(ctx context.Context, externalTxnID string) (*models.Payment, error)
	ListPayments(ctx context.Context, bookingID string) ([]models.Payment, error)
	UpdatePayment(ctx context.Context, p *models.Payment) error
	HasCompletedPayment(ctx context.Context, bookingID string) (bool, error)
}

type Store interface {
	BookingStore
	PaymentStore
}
