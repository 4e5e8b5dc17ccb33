package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/funnair/internal/pending"
	"github.com/nugget/funnair/internal/tools"
)

// KindSeatChange is the pending request kind used to ask the customer
// for a seat.
const KindSeatChange = "seat_change"

// NotFoundMessage is what the model is told when a lookup fails.
const NotFoundMessage = "Booking not found. Please check the booking number and the customer's first and last name."

// ToolConfig wires the booking tools.
type ToolConfig struct {
	Service *Service
	// Broker and SeatTimeout enable changeSeat. Without a broker the
	// tool is not registered.
	Broker      *pending.Broker
	SeatTimeout time.Duration
	Logger      *slog.Logger
}

var customerProps = map[string]tools.Property{
	"bookingNumber": {Type: "string", Description: "Booking number, for example 101"},
	"firstName":     {Type: "string", Description: "Customer first name"},
	"lastName":      {Type: "string", Description: "Customer last name"},
}

func customerSchema(extra map[string]tools.Property, required ...string) tools.Schema {
	props := make(map[string]tools.Property, len(customerProps)+len(extra))
	for k, v := range customerProps {
		props[k] = v
	}
	for k, v := range extra {
		props[k] = v
	}
	return tools.Schema{
		Type:       "object",
		Properties: props,
		Required:   append([]string{"bookingNumber", "firstName", "lastName"}, required...),
	}
}

// RegisterTools adds getBookingDetails, changeBooking, cancelBooking and
// (when a broker is configured) changeSeat to reg.
func RegisterTools(reg *tools.Registry, cfg ToolConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &toolHandlers{cfg: cfg, logger: logger.With("component", "booking_tools")}

	defs := []toolDef{
		{
			spec: tools.Spec{
				Name:        "getBookingDetails",
				Description: "Get booking details: travel date, route, seat, class and status.",
				InputSchema: customerSchema(nil),
			},
			handler: h.details,
		},
		{
			spec: tools.Spec{
				Name:        "changeBooking",
				Description: "Change the travel date and route of a booking. Only allowed outside the change window.",
				InputSchema: customerSchema(map[string]tools.Property{
					"newDate": {Type: "string", Format: "date", Description: "New travel date, YYYY-MM-DD"},
					"from":    {Type: "string", Description: "Departure airport code"},
					"to":      {Type: "string", Description: "Arrival airport code"},
				}, "newDate", "from", "to"),
			},
			handler: h.change,
		},
		{
			spec: tools.Spec{
				Name:        "cancelBooking",
				Description: "Cancel a booking. Only allowed outside the cancellation window.",
				InputSchema: customerSchema(nil),
			},
			handler: h.cancel,
		},
	}
	if cfg.Broker != nil {
		defs = append(defs, toolDef{
			spec: tools.Spec{
				Name:        "changeSeat",
				Description: "Change the seat of a booking. The customer is asked to pick the seat interactively.",
				InputSchema: customerSchema(map[string]tools.Property{
					"seat": {Type: "string", Description: "Seat the customer asked for, if any, for example 12C"},
				}),
			},
			handler: h.changeSeat,
		})
	}

	for _, d := range defs {
		if err := reg.Register(d.spec, d.handler); err != nil {
			return fmt.Errorf("register %s: %w", d.spec.Name, err)
		}
	}
	return nil
}

type toolDef struct {
	spec    tools.Spec
	handler tools.Handler
}

type toolHandlers struct {
	cfg    ToolConfig
	logger *slog.Logger
}

type customer struct {
	number, first, last string
}

func customerArgs(args map[string]any) customer {
	return customer{
		number: stringArg(args, "bookingNumber"),
		first:  stringArg(args, "firstName"),
		last:   stringArg(args, "lastName"),
	}
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

// businessResult turns a rule the customer can act on into text for the
// model. Other errors are returned for the invoker to report.
func businessResult(err error) (string, error) {
	switch {
	case err == nil:
		return "", nil
	case IsBusinessError(err):
		if errors.Is(err, ErrNotFound) {
			return NotFoundMessage, nil
		}
		return "Not permitted: " + err.Error(), nil
	}
	return "", err
}

func detailsJSON(d Details) (string, error) {
	out, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode booking: %w", err)
	}
	return string(out), nil
}

func (h *toolHandlers) details(ctx context.Context, args map[string]any) (string, error) {
	c := customerArgs(args)
	d, err := h.cfg.Service.Details(ctx, c.number, c.first, c.last)
	if err != nil {
		h.logger.Warn("booking lookup failed", "booking_number", c.number, "error", err)
		return businessResult(err)
	}
	return detailsJSON(d)
}

func (h *toolHandlers) change(ctx context.Context, args map[string]any) (string, error) {
	c := customerArgs(args)
	d, err := h.cfg.Service.Change(ctx, c.number, c.first, c.last,
		stringArg(args, "newDate"), stringArg(args, "from"), stringArg(args, "to"))
	if err != nil {
		return businessResult(err)
	}
	return fmt.Sprintf("Booking %s changed: %s from %s to %s.", d.Number, d.Date, d.From, d.To), nil
}

func (h *toolHandlers) cancel(ctx context.Context, args map[string]any) (string, error) {
	c := customerArgs(args)
	d, err := h.cfg.Service.Cancel(ctx, c.number, c.first, c.last)
	if err != nil {
		return businessResult(err)
	}
	return fmt.Sprintf("Booking %s is %s.", d.Number, d.Status), nil
}

// changeSeat asks the customer to pick a seat through the pending
// request broker and blocks until they answer or the seat timeout
// passes.
func (h *toolHandlers) changeSeat(ctx context.Context, args map[string]any) (string, error) {
	c := customerArgs(args)
	d, err := h.cfg.Service.Details(ctx, c.number, c.first, c.last)
	if err != nil {
		return businessResult(err)
	}
	if d.Status == StatusCancelled {
		return businessResult(&PolicyError{Number: d.Number, Reason: "a cancelled booking has no seat"})
	}

	sessionID := tools.SessionIDFromContext(ctx)
	handle, err := h.cfg.Broker.Create(pending.Request{
		SessionID: sessionID,
		Kind:      KindSeatChange,
		Prompt:    fmt.Sprintf("Choose a new seat for booking %s (currently %s).", d.Number, d.Seat),
		Data: map[string]any{
			"bookingNumber": d.Number,
			"currentSeat":   d.Seat,
			"requestedSeat": stringArg(args, "seat"),
			"class":         string(d.Class),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create seat request: %w", err)
	}
	h.logger.Info("waiting for seat selection",
		"booking_number", d.Number,
		"session_id", sessionID,
		"request_id", handle.ID,
	)

	seat, err := h.cfg.Broker.Await(ctx, handle, h.cfg.SeatTimeout)
	if err != nil {
		return "", fmt.Errorf("seat selection for booking %s: %w", d.Number, err)
	}

	d, err = h.cfg.Service.ChangeSeat(ctx, c.number, c.first, c.last, seat)
	if err != nil {
		return businessResult(err)
	}
	return fmt.Sprintf("Seat for booking %s changed to %s.", d.Number, d.Seat), nil
}
