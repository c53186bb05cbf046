package booking

import "github.com/example/truck-booking/internal/models"

type event int

const (
	evAccept event = iota
	evDecline
	evCustomerCancel
	evAdminCancel
	evStart
	evComplete
	evPaymentConfirmed
)

type rule struct {
	name     string
	from     []models.BookingStatus
	to       models.BookingStatus
	actor    func(b *models.Booking, a models.Actor) bool
	emits    models.EventType
	priority models.Priority
	notify   []models.TargetKind
}

func assignedDriver(b *models.Booking, a models.Actor) bool {
	return a.Role == models.RoleDriver && a.ID == b.DriverID
}

func owningCustomer(b *models.Booking, a models.Actor) bool {
	return a.Role == models.RoleCustomer && a.ID == b.CustomerID
}

func admin(_ *models.Booking, a models.Actor) bool { return a.Role == models.RoleAdmin }

func system(_ *models.Booking, a models.Actor) bool { return a.Role == models.RoleSystem }

// rules is the whole state machine. Anything not listed is an invalid transition.
var rules = map[event]rule{
	evAccept: {
		name: "accept", from: []models.BookingStatus{models.BookingPending}, to: models.BookingConfirmed,
		actor: assignedDriver, emits: models.EventBookingAccepted, priority: models.PriorityHigh,
		notify: []models.TargetKind{models.TargetCustomer},
	},
	evDecline: {
		name: "decline", from: []models.BookingStatus{models.BookingPending}, to: models.BookingCancelled,
		actor: assignedDriver, emits: models.EventBookingCancelled, priority: models.PriorityHigh,
		notify: []models.TargetKind{models.TargetCustomer},
	},
	evCustomerCancel: {
		name: "customer_cancel", from: []models.BookingStatus{models.BookingPending, models.BookingConfirmed}, to: models.BookingCancelled,
		actor: owningCustomer, emits: models.EventBookingCancelled, priority: models.PriorityHigh,
		notify: []models.TargetKind{models.TargetDriver},
	},
	evAdminCancel: {
		name: "admin_cancel", from: []models.BookingStatus{models.BookingPending, models.BookingConfirmed}, to: models.BookingCancelled,
		actor: admin, emits: models.EventBookingCancelled, priority: models.PriorityUrgent,
		notify: []models.TargetKind{models.TargetCustomer, models.TargetDriver},
	},
	evStart: {
		name: "start_trip", from: []models.BookingStatus{models.BookingConfirmed}, to: models.BookingInProgress,
		actor: assignedDriver, emits: models.EventTripStarted, priority: models.PriorityMedium,
		notify: []models.TargetKind{models.TargetCustomer},
	},
	evComplete: {
		name: "complete_trip", from: []models.BookingStatus{models.BookingInProgress}, to: models.BookingCompleted,
		actor: assignedDriver, emits: models.EventTripCompleted, priority: models.PriorityMedium,
		notify: []models.TargetKind{models.TargetCustomer, models.TargetAdmins},
	},
	evPaymentConfirmed: {
		name: "payment_confirmed", from: []models.BookingStatus{models.BookingPending}, to: models.BookingConfirmed,
		actor: system, emits: models.EventBookingConfirmed, priority: models.PriorityMedium,
		notify: []models.TargetKind{models.TargetCustomer, models.TargetDriver},
	},
}

func (r rule) authorized(b *models.Booking, a models.Actor) bool { return r.actor(b, a) }

func (r rule) allowedFrom(s models.BookingStatus) bool {
	for _, f := range r.from {
		if f == s {
			return true
		}
	}
	return false
}

func (r rule) targets(b *models.Booking) []models.Target {
	out := make([]models.Target, 0, len(r.notify))
	for _, k := range r.notify {
		switch k {
		case models.TargetCustomer:
			out = append(out, models.Target{Kind: k, ID: b.CustomerID})
		case models.TargetDriver:
			out = append(out, models.Target{Kind: k, ID: b.DriverID})
		default:
			out = append(out, models.Target{Kind: k})
		}
	}
	return out
}
