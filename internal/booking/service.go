package booking

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"strings"
	"time"

	"github.com/nugget/funnair/internal/events"
)

// Policy holds the booking terms. A booking can be changed only while
// its travel date is more than ChangeWindow away, and cancelled only
// while it is more than CancelWindow away.
type Policy struct {
	ChangeWindow time.Duration
	CancelWindow time.Duration
}

// DefaultPolicy is the Funnair terms of service.
var DefaultPolicy = Policy{
	ChangeWindow: 24 * time.Hour,
	CancelWindow: 48 * time.Hour,
}

// Service applies the booking rules on top of a Store.
type Service struct {
	store  *Store
	policy Policy
	now    func() time.Time
	bus    *events.Bus
	logger *slog.Logger
}

// NewService creates a booking service. bus may be nil.
func NewService(store *Store, policy Policy, bus *events.Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.ChangeWindow <= 0 {
		policy.ChangeWindow = DefaultPolicy.ChangeWindow
	}
	if policy.CancelWindow <= 0 {
		policy.CancelWindow = DefaultPolicy.CancelWindow
	}
	return &Service{
		store:  store,
		policy: policy,
		now:    time.Now,
		bus:    bus,
		logger: logger.With("component", "booking"),
	}
}

// Policy returns the terms the service enforces.
func (s *Service) Policy() Policy { return s.policy }

// today is the start of the current day in UTC. Booking dates carry
// no time of day, so windows are measured from midnight.
func (s *Service) today() time.Time {
	return s.now().UTC().Truncate(24 * time.Hour)
}

// List returns the details of every booking.
func (s *Service) List(ctx context.Context) ([]Details, error) {
	bookings, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Details, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, b.Details())
	}
	return out, nil
}

// Details looks up a booking for its customer.
func (s *Service) Details(ctx context.Context, number, firstName, lastName string) (Details, error) {
	b, err := s.store.Find(ctx, number, firstName, lastName)
	if err != nil {
		return Details{}, err
	}
	return b.Details(), nil
}

// Change moves a booking to a new date and route.
func (s *Service) Change(ctx context.Context, number, firstName, lastName, newDate, from, to string) (Details, error) {
	b, err := s.store.Find(ctx, number, firstName, lastName)
	if err != nil {
		return Details{}, err
	}
	date, err := time.Parse(DateLayout, strings.TrimSpace(newDate))
	if err != nil {
		return Details{}, fmt.Errorf("%w %q: use YYYY-MM-DD", ErrInvalidDate, newDate)
	}
	if b.Status == StatusCancelled {
		return Details{}, &PolicyError{Number: b.Number, Reason: "a cancelled booking cannot be changed"}
	}
	if !b.Date.After(s.today().Add(s.policy.ChangeWindow)) {
		return Details{}, &PolicyError{
			Number: b.Number,
			Reason: fmt.Sprintf("booking cannot be changed within %s of the start date", formatWindow(s.policy.ChangeWindow)),
		}
	}

	b.Date = date
	b.From = strings.ToUpper(strings.TrimSpace(from))
	b.To = strings.ToUpper(strings.TrimSpace(to))
	if err := s.store.Save(ctx, b); err != nil {
		return Details{}, err
	}
	s.changed(b, "changed")
	return b.Details(), nil
}

// Cancel cancels a booking.
func (s *Service) Cancel(ctx context.Context, number, firstName, lastName string) (Details, error) {
	b, err := s.store.Find(ctx, number, firstName, lastName)
	if err != nil {
		return Details{}, err
	}
	if b.Status == StatusCancelled {
		return b.Details(), nil
	}
	if !b.Date.After(s.today().Add(s.policy.CancelWindow)) {
		return Details{}, &PolicyError{
			Number: b.Number,
			Reason: fmt.Sprintf("booking cannot be cancelled within %s of the start date", formatWindow(s.policy.CancelWindow)),
		}
	}

	b.Status = StatusCancelled
	if err := s.store.Save(ctx, b); err != nil {
		return Details{}, err
	}
	s.changed(b, "cancelled")
	return b.Details(), nil
}

// ChangeSeat assigns a new seat. Seat changes are not bound by the
// change window.
func (s *Service) ChangeSeat(ctx context.Context, number, firstName, lastName, seat string) (Details, error) {
	seat, err := normalizeSeat(seat)
	if err != nil {
		return Details{}, err
	}
	b, err := s.store.Find(ctx, number, firstName, lastName)
	if err != nil {
		return Details{}, err
	}
	if b.Status == StatusCancelled {
		return Details{}, &PolicyError{Number: b.Number, Reason: "a cancelled booking has no seat"}
	}
	b.Seat = seat
	if err := s.store.Save(ctx, b); err != nil {
		return Details{}, err
	}
	s.changed(b, "seat")
	return b.Details(), nil
}

var seatRe = regexp.MustCompile(`^[1-9][0-9]?[A-K]$`)

// normalizeSeat upper-cases seat and checks it is a row from 1 to 99
// followed by a seat letter A to K.
func normalizeSeat(seat string) (string, error) {
	n := strings.ToUpper(strings.TrimSpace(seat))
	if !seatRe.MatchString(n) {
		return "", fmt.Errorf("%w %q: use a row number and seat letter, like 14C", ErrInvalidSeat, seat)
	}
	return n, nil
}

func (s *Service) changed(b Booking, change string) {
	s.logger.Info("booking updated", "booking_number", b.Number, "change", change)
	s.bus.Emit(events.SourceBooking, events.KindBookingChanged, map[string]any{
		"booking_number": b.Number,
		"change":         change,
	})
}

var (
	demoFirstNames = []string{"John", "Jane", "Michael", "Sarah", "Robert"}
	demoLastNames  = []string{"Doe", "Smith", "Johnson", "Williams", "Taylor"}
	demoAirports   = []string{"LAX", "SFO", "JFK", "LHR", "CDG", "ARN", "HEL", "TXL", "MUC", "FRA", "MAD", "FUN", "SJC"}
)

// DemoBookings builds the five demo bookings 101 to 105, departing
// today and every second day after. Routes, seats and classes are drawn
// from rng.
func DemoBookings(today time.Time, rng *rand.Rand) []Booking {
	today = today.UTC().Truncate(24 * time.Hour)
	out := make([]Booking, 0, len(demoFirstNames))
	for i := range demoFirstNames {
		out = append(out, Booking{
			Number:    fmt.Sprintf("10%d", i+1),
			FirstName: demoFirstNames[i],
			LastName:  demoLastNames[i],
			Date:      today.AddDate(0, 0, 2*i),
			Status:    StatusConfirmed,
			From:      demoAirports[rng.IntN(len(demoAirports))],
			To:        demoAirports[rng.IntN(len(demoAirports))],
			Seat:      fmt.Sprintf("%dA", rng.IntN(19)+1),
			Class:     Classes[rng.IntN(len(Classes))],
		})
	}
	return out
}

// SeedDemo replaces the store contents with the demo bookings.
func (s *Service) SeedDemo(ctx context.Context, rng *rand.Rand) error {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(s.now().UnixNano()), 0))
	}
	bookings := DemoBookings(s.now(), rng)
	if err := s.store.Replace(ctx, bookings); err != nil {
		return fmt.Errorf("seed demo bookings: %w", err)
	}
	s.logger.Info("demo bookings seeded", "count", len(bookings))
	return nil
}

func formatWindow(d time.Duration) string {
	if d%time.Hour == 0 {
		return fmt.Sprintf("%d hours", int(d/time.Hour))
	}
	return d.String()
}
