// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (agent loop, request
// broker, booking tools, MCP bridge) to subscribers (the websocket and
// SSE handlers, the MQTT forwarder). The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"slices"
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the completion loop.
	SourceAgent = "agent"
	// SourcePending identifies events from the pending request broker.
	SourcePending = "pending"
	// SourceBooking identifies events from the booking service.
	SourceBooking = "booking"
	// SourceMCP identifies events from MCP client connections.
	SourceMCP = "mcp"
	// SourceHealth identifies events from dependency health checks.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a conversation turn.
	// Data: turn_id, session_id.
	KindTurnStart = "turn_start"
	// KindLLMCall signals the start of a provider call.
	// Data: turn_id, round.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a provider call.
	// Data: turn_id, round, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: turn_id, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: turn_id, tool, call_id, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindRoundLimit signals the turn was cut off by the tool round
	// limit. Data: turn_id, rounds.
	KindRoundLimit = "round_limit"
	// KindTurnComplete signals the end of a turn.
	// Data: turn_id, session_id, rounds, degraded, elapsed_ms.
	KindTurnComplete = "turn_complete"

	// KindRequestCreated signals a new pending request.
	// Data: request_id, session_id, kind.
	KindRequestCreated = "request_created"
	// KindRequestFulfilled signals a pending request received its value.
	// Data: request_id, session_id.
	KindRequestFulfilled = "request_fulfilled"
	// KindRequestExpired signals a pending request timed out.
	// Data: request_id, session_id.
	KindRequestExpired = "request_expired"

	// KindBookingChanged signals a booking was modified.
	// Data: booking_number, change.
	KindBookingChanged = "booking_changed"

	// KindServerConnected signals an MCP server connection came up.
	// Data: server, tools.
	KindServerConnected = "server_connected"

	// KindServiceUp signals a watched dependency became reachable.
	// Data: service.
	KindServiceUp = "service_up"

	// KindServiceDown signals a watched dependency stopped responding.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

type subscription struct {
	ch      chan Event
	sources []string
}

func (s *subscription) wants(e Event) bool {
	return len(s.sources) == 0 || slices.Contains(s.sources, e.Source)
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscription
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish sends an event to all interested subscribers. A zero
// Timestamp is filled in. Non-blocking: if a subscriber's channel is
// full, the event is dropped for that subscriber. Safe to call on a nil
// receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel that receives published events from the
// given sources, or from every source when none are named. The caller
// must eventually call Unsubscribe to avoid resource leaks.
func (b *Bus) Subscribe(bufSize int, sources ...string) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = &subscription{ch: ch, sources: sources}
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
