// Package booking is the Funnair flight-booking backend: a SQLite
// store of bookings, the business rules for changing and cancelling
// them, and the tools that expose those operations to the agent.
package booking

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a booking.
type Status string

// Booking statuses.
const (
	StatusConfirmed Status = "CONFIRMED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

// Class is the fare class of a booking.
type Class string

// Fare classes.
const (
	ClassEconomy        Class = "ECONOMY"
	ClassPremiumEconomy Class = "PREMIUM_ECONOMY"
	ClassBusiness       Class = "BUSINESS"
)

// Classes lists every fare class.
var Classes = []Class{ClassEconomy, ClassPremiumEconomy, ClassBusiness}

// DateLayout is the wire format of booking dates.
const DateLayout = "2006-01-02"

// Booking is a single flight reservation.
type Booking struct {
	Number    string    `json:"bookingNumber"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	Date      time.Time `json:"-"`
	Status    Status    `json:"bookingStatus"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Seat      string    `json:"seatNumber"`
	Class     Class     `json:"bookingClass"`
}

// Details is the customer-facing view of a booking.
type Details struct {
	Number    string `json:"bookingNumber"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Date      string `json:"date"`
	Status    Status `json:"bookingStatus"`
	From      string `json:"from"`
	To        string `json:"to"`
	Seat      string `json:"seatNumber"`
	Class     Class  `json:"bookingClass"`
}

// Details returns the customer-facing view of b.
func (b Booking) Details() Details {
	return Details{
		Number:    b.Number,
		FirstName: b.FirstName,
		LastName:  b.LastName,
		Date:      b.Date.Format(DateLayout),
		Status:    b.Status,
		From:      b.From,
		To:        b.To,
		Seat:      b.Seat,
		Class:     b.Class,
	}
}

// ErrNotFound is returned when no booking matches the number and
// customer name.
var ErrNotFound = errors.New("booking not found")

// ErrInvalidDate is returned when a requested travel date cannot be
// parsed.
var ErrInvalidDate = errors.New("invalid travel date")

// ErrInvalidSeat is returned when a chosen seat is not a row number
// followed by a seat letter, like 14C.
var ErrInvalidSeat = errors.New("invalid seat")

// ErrPolicy is the sentinel every *PolicyError unwraps to.
var ErrPolicy = errors.New("booking policy violation")

// PolicyError reports a change the booking terms do not permit.
type PolicyError struct {
	Number string
	Reason string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("booking %s: %s", e.Number, e.Reason)
}

// Unwrap returns ErrPolicy.
func (e *PolicyError) Unwrap() error { return ErrPolicy }

// IsBusinessError reports whether err is a rule the customer can act
// on (unknown booking, bad date, policy) rather than a system failure.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrInvalidSeat) || errors.Is(err, ErrPolicy)
}
