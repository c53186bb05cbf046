package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Location is a named place. Point is nil when the place was never geocoded.
type Location struct {
	Name  string `json:"name"`
	Point *Coord `json:"point,omitempty"`
}

type TruckType string

const (
	TruckMini   TruckType = "MINI_TRUCK"
	TruckPickup TruckType = "PICKUP"
	TruckLorry  TruckType = "LORRY"
	TruckLarge  TruckType = "TRUCK"
)

func (t TruckType) Valid() bool {
	switch t {
	case TruckMini, TruckPickup, TruckLorry, TruckLarge:
		return true
	}
	return false
}

type Driver struct {
	ID           string    `json:"id"`
	Loc          Coord     `json:"loc"`
	TruckType    TruckType `json:"truck_type"`
	CapacityTons float64   `json:"capacity_tons"`
	Available    bool      `json:"available"`
	Verified     bool      `json:"verified"`
	Rating       float64   `json:"rating"` // 0..5
	TotalTrips   int       `json:"total_trips"`
	Updated      time.Time `json:"updated"`
}

// Matchable reports whether the directory snapshot allows new bookings.
func (d Driver) Matchable() bool { return d.Available && d.Verified }

type Booking struct {
	ID            string        `json:"id"`
	CustomerID    string        `json:"customer_id"`
	DriverID      string        `json:"driver_id"`
	Source        Location      `json:"source"`
	Destination   Location      `json:"destination"`
	DistanceKm    float64       `json:"distance_km"`
	RouteGeometry string        `json:"route_geometry,omitempty"`
	TruckType     TruckType     `json:"truck_type"`
	CapacityTons  float64       `json:"capacity_tons"`
	Fare          int64         `json:"fare"` // whole currency units
	PaymentMethod PaymentMethod `json:"payment_method"`
	Status        BookingStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	PickupAt      *time.Time    `json:"pickup_at,omitempty"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
	Version       int64         `json:"version"`
}

// CashSettled bookings are paid on delivery and skip the payment gate.
func (b *Booking) CashSettled() bool { return b.PaymentMethod == MethodCash }

type Payment struct {
	ID            string        `json:"id"`
	BookingID     string        `json:"booking_id"`
	Amount        int64         `json:"amount"` // whole currency units, same as Booking.Fare
	Method        PaymentMethod `json:"method"`
	Status        PaymentStatus `json:"status"`
	ExternalTxnID string        `json:"external_transaction_id,omitempty"`
	ValidationID  string        `json:"validation_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	ProcessedAt   *time.Time    `json:"processed_at,omitempty"`
	Version       int64         `json:"version"`
}
