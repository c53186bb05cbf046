package models

import "time"

type EventType string

const (
	EventBookingCreated   EventType = "BOOKING_CREATED"
	EventBookingAccepted  EventType = "BOOKING_ACCEPTED"
	EventBookingConfirmed EventType = "BOOKING_CONFIRMED"
	EventBookingCancelled EventType = "BOOKING_CANCELLED"
	EventTripStarted      EventType = "TRIP_STARTED"
	EventTripCompleted    EventType = "TRIP_COMPLETED"
	EventPaymentInitiated EventType = "PAYMENT_INITIATED"
	EventPaymentCompleted EventType = "PAYMENT_COMPLETED"
	EventPaymentFailed    EventType = "PAYMENT_FAILED"
	EventPaymentRefunded  EventType = "PAYMENT_REFUNDED"
	EventPaymentReview    EventType = "PAYMENT_NEEDS_REVIEW"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

type TargetKind string

const (
	TargetCustomer TargetKind = "CUSTOMER"
	TargetDriver   TargetKind = "DRIVER"
	TargetAdmins   TargetKind = "ADMIN_BROADCAST"
)

type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

// Event is published on every booking or payment transition.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Priority   Priority  `json:"priority"`
	Targets    []Target  `json:"targets"`
	BookingID  string    `json:"booking_id"`
	PaymentID  string    `json:"payment_id,omitempty"`
	Amount     int64     `json:"amount,omitempty"`
	Status     string    `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Key is the partition/routing key used by brokers.
func (e Event) Key() string {
	if e.BookingID != "" {
		return e.BookingID
	}
	return e.PaymentID
}
