package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/truck-booking/internal/apperr"
	"github.com/example/truck-booking/internal/models"
)

// MemoryStore keeps bookings and payments in maps. Values are copied in and
// out so callers never share memory with the stored rows.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]models.Booking
	payments map[string]models.Payment
	byTxn    map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]models.Booking),
		payments: make(map[string]models.Payment),
		byTxn:    make(map[string]string),
	}
}

func (m *MemoryStore) CreateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return apperr.New(apperr.Internal, "storage.CreateBooking", "booking %s already exists", b.ID)
	}
	b.Version = 1
	m.bookings[b.ID] = cloneBooking(*b)
	return nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "storage.GetBooking", "booking %s not found", id)
	}
	out := cloneBooking(b)
	return &out, nil
}

func (m *MemoryStore) UpdateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bookings[b.ID]
	if !ok {
		return apperr.New(apperr.NotFound, "storage.UpdateBooking", "booking %s not found", b.ID)
	}
	if cur.Version != b.Version {
		return apperr.New(apperr.ConcurrencyConflict, "storage.UpdateBooking", "booking %s changed (version %d, have %d)", b.ID, cur.Version, b.Version)
	}
	b.Version++
	m.bookings[b.ID] = cloneBooking(*b)
	return nil
}

func (m *MemoryStore) CreatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; ok {
		return apperr.New(apperr.Internal, "storage.CreatePayment", "payment %s already exists", p.ID)
	}
	if p.ExternalTxnID != "" {
		if _, dup := m.byTxn[p.ExternalTxnID]; dup {
			return apperr.New(apperr.ReconciliationConflict, "storage.CreatePayment", "transaction %s already recorded", p.ExternalTxnID)
		}
		m.byTxn[p.ExternalTxnID] = p.ID
	}
	p.Version = 1
	m.payments[p.ID] = clonePayment(*p)
	return nil
}

func (m *MemoryStore) GetPayment(_ context.Context, id string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "storage.GetPayment", "payment %s not found", id)
	}
	out := clonePayment(p)
	return &out, nil
}

func (m *MemoryStore) GetPaymentByTxn(_ context.Context, txn string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byTxn[txn]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "storage.GetPaymentByTxn", "transaction %s not found", txn)
	}
	out := clonePayment(m.payments[id])
	return &out, nil
}

func (m *MemoryStore) ListPayments(_ context.Context, bookingID string) ([]models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Payment
	for _, p := range m.payments {
		if p.BookingID == bookingID {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.payments[p.ID]
	if !ok {
		return apperr.New(apperr.NotFound, "storage.UpdatePayment", "payment %s not found", p.ID)
	}
	if cur.Version != p.Version {
		return apperr.New(apperr.ConcurrencyConflict, "storage.UpdatePayment", "payment %s changed (version %d, have %d)", p.ID, cur.Version, p.Version)
	}
	if p.Status == models.PaymentCompleted && cur.Status != models.PaymentCompleted {
		for _, other := range m.payments {
			if other.ID != p.ID && other.BookingID == p.BookingID && other.Status == models.PaymentCompleted {
				return apperr.New(apperr.ReconciliationConflict, "storage.UpdatePayment", "booking %s already has completed payment %s", p.BookingID, other.ID)
			}
		}
	}
	p.Version++
	m.payments[p.ID] = clonePayment(*p)
	return nil
}

func (m *MemoryStore) HasCompletedPayment(_ context.Context, bookingID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.payments {
		if p.BookingID == bookingID && p.Status == models.PaymentCompleted {
			return true, nil
		}
	}
	return false, nil
}

func cloneBooking(b models.Booking) models.Booking {
	b.Source = cloneLocation(b.Source)
	b.Destination = cloneLocation(b.Destination)
	b.PickupAt = cloneTime(b.PickupAt)
	b.CompletedAt = cloneTime(b.CompletedAt)
	return b
}

func clonePayment(p models.Payment) models.Payment {
	p.ProcessedAt = cloneTime(p.ProcessedAt)
	return p
}

func cloneLocation(l models.Location) models.Location {
	if l.Point != nil {
		pt := *l.Point
		l.Point = &pt
	}
	return l
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
