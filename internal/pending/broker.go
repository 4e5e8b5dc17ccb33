// Package pending coordinates human-in-the-loop requests: a tool handler
// creates a request, the front-end is notified over a per-session push
// channel, and the handler waits (bounded) until someone fulfills it.
package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/funnair/internal/events"
)

// Broker errors.
var (
	ErrUnknownRequest   = errors.New("unknown request")
	ErrAlreadyFulfilled = errors.New("request already fulfilled")
	ErrRequestExpired   = errors.New("request expired")
	ErrDuplicateRequest = errors.New("duplicate request id")
	ErrRequestTimeout   = errors.New("request timed out")
)

// TimeoutError is returned by Await when no value arrived in time. It
// reports Timeout() so the tool invoker classifies it as a timeout.
type TimeoutError struct {
	RequestID string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %s waiting for a response", e.RequestID, e.After)
}

// Timeout reports true.
func (e *TimeoutError) Timeout() bool { return true }

// Unwrap returns ErrRequestTimeout.
func (e *TimeoutError) Unwrap() error { return ErrRequestTimeout }

// State is the lifecycle state of a request.
type State int32

const (
	StatePending State = iota
	StateFulfilled
	StateExpired
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateExpired:
		return "expired"
	}
	return "unknown"
}

// Request is a suspended ask for out-of-band input, as seen by the
// front-end.
type Request struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`
	Prompt    string         `json:"prompt,omitempty"`
	Options   []string       `json:"options,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

type entry struct {
	req     Request
	state   atomic.Int32
	result  chan string
	taken   chan struct{}
	expired chan struct{}
}

func (e *entry) transition(to State) bool {
	return e.state.CompareAndSwap(int32(StatePending), int32(to))
}

func (e *entry) current() State { return State(e.state.Load()) }

// Handle is what a tool handler holds while it waits on a request.
type Handle struct {
	Request
	e *entry
}

type tombstone struct {
	state     State
	sessionID string
	at        time.Time
}

// Config controls request lifetimes.
type Config struct {
	// TTL is how long a request stays fulfillable after creation.
	TTL time.Duration
	// Retention is how long settled requests are remembered so a late
	// or duplicate fulfillment gets a precise error.
	Retention time.Duration
}

// Broker owns pending requests keyed by request id. Entries move from
// pending to fulfilled or expired exactly once, by compare-and-swap, so
// a late fulfillment and a timeout cannot both win.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*entry
	settled map[string]tombstone
	subs    map[string]map[chan Request]struct{}

	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	bus       *events.Bus
	logger    *slog.Logger
}

// NewBroker creates a broker. bus may be nil.
func NewBroker(cfg Config, bus *events.Bus, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 2 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	return &Broker{
		pending:   make(map[string]*entry),
		settled:   make(map[string]tombstone),
		subs:      make(map[string]map[chan Request]struct{}),
		ttl:       cfg.TTL,
		retention: cfg.Retention,
		now:       time.Now,
		bus:       bus,
		logger:    logger.With("component", "pending"),
	}
}

// Create registers a new pending request and notifies the session's
// subscribers. An empty req.ID is replaced with a fresh UUID.
func (b *Broker) Create(req Request) (*Handle, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := b.now()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(b.ttl)

	e := &entry{
		req:     req,
		result:  make(chan string, 1),
		taken:   make(chan struct{}),
		expired: make(chan struct{}),
	}

	b.mu.Lock()
	if _, ok := b.pending[req.ID]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	if _, ok := b.settled[req.ID]; ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, req.ID)
	}
	b.pending[req.ID] = e
	b.notifyLocked(req)
	b.mu.Unlock()

	b.logger.Info("request created",
		"request_id", req.ID,
		"session_id", req.SessionID,
		"kind", req.Kind,
		"expires_at", req.ExpiresAt,
	)
	b.bus.Emit(events.SourcePending, events.KindRequestCreated, map[string]any{
		"request_id": req.ID,
		"session_id": req.SessionID,
		"kind":       req.Kind,
	})

	return &Handle{Request: req, e: e}, nil
}

// Fulfill delivers value to the request's waiter. It fails without side
// effects when the request is unknown, already fulfilled or expired.
func (b *Broker) Fulfill(requestID, value string) error {
	return b.fulfill("", requestID, value)
}

// FulfillSession is Fulfill restricted to requests of sessionID. A
// request owned by another session is reported as unknown.
func (b *Broker) FulfillSession(sessionID, requestID, value string) error {
	if sessionID == "" {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	return b.fulfill(sessionID, requestID, value)
}

func (b *Broker) fulfill(sessionID, requestID, value string) error {
	b.mu.Lock()
	e, ok := b.pending[requestID]
	if !ok {
		ts, seen := b.settled[requestID]
		b.mu.Unlock()
		if !seen || (sessionID != "" && ts.sessionID != sessionID) {
			return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
		}
		return settledError(requestID, ts.state)
	}
	if sessionID != "" && e.req.SessionID != sessionID {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	if !b.now().Before(e.req.ExpiresAt) {
		b.expireLocked(e)
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRequestExpired, requestID)
	}

	if !e.transition(StateFulfilled) {
		// Lost the race against a timing-out waiter.
		state := e.current()
		b.settleLocked(e, state)
		b.mu.Unlock()
		return settledError(requestID, state)
	}
	e.result <- value
	b.settleLocked(e, StateFulfilled)
	b.mu.Unlock()

	b.logger.Info("request fulfilled", "request_id", requestID, "session_id", e.req.SessionID)
	b.bus.Emit(events.SourcePending, events.KindRequestFulfilled, map[string]any{
		"request_id": requestID,
		"session_id": e.req.SessionID,
	})
	return nil
}

// Await blocks until the request is fulfilled, timeout elapses, or ctx
// is done. A timeout <= 0 waits until the request's own expiry. When
// ctx ends first the request stays pending, so a late fulfillment is
// still accepted until it expires.
func (b *Broker) Await(ctx context.Context, h *Handle, timeout time.Duration) (string, error) {
	e := h.e
	if timeout <= 0 {
		timeout = e.req.ExpiresAt.Sub(b.now())
		if timeout <= 0 {
			timeout = time.Nanosecond
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-e.result:
		close(e.taken)
		return v, nil

	case <-e.expired:
		return "", &TimeoutError{RequestID: e.req.ID, After: timeout}

	case <-timer.C:
		if e.transition(StateExpired) {
			b.mu.Lock()
			close(e.expired)
			b.settleLocked(e, StateExpired)
			b.mu.Unlock()
			b.emitExpired(e.req)
			return "", &TimeoutError{RequestID: e.req.ID, After: timeout}
		}
		return b.collect(e)

	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// collect handles an Await whose timeout lost the race to a fulfillment
// or to another waiter's expiry.
func (b *Broker) collect(e *entry) (string, error) {
	if e.current() == StateExpired {
		return "", &TimeoutError{RequestID: e.req.ID, After: e.req.ExpiresAt.Sub(e.req.CreatedAt)}
	}
	select {
	case v := <-e.result:
		close(e.taken)
		return v, nil
	case <-e.taken:
		return "", fmt.Errorf("%w: %s", ErrAlreadyFulfilled, e.req.ID)
	}
}

// Subscribe returns a channel of requests created for sessionID. The
// requests already pending for the session are replayed first. The
// channel is closed when ctx is done.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) <-chan Request {
	ch := make(chan Request, 16)

	b.mu.Lock()
	set, ok := b.subs[sessionID]
	if !ok {
		set = make(map[chan Request]struct{})
		b.subs[sessionID] = set
	}
	set[ch] = struct{}{}
	for _, req := range b.pendingLocked(sessionID) {
		select {
		case ch <- req:
		default:
		}
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[sessionID], ch)
		if len(b.subs[sessionID]) == 0 {
			delete(b.subs, sessionID)
		}
		close(ch)
	}()
	return ch
}

// Pending returns the requests still pending for sessionID, oldest
// first. An empty sessionID returns every pending request.
func (b *Broker) Pending(sessionID string) []Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingLocked(sessionID)
}

func (b *Broker) pendingLocked(sessionID string) []Request {
	var out []Request
	for _, e := range b.pending {
		if sessionID == "" || e.req.SessionID == sessionID {
			out = append(out, e.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep expires pending requests past their deadline and forgets
// settled requests older than the retention window. It returns how many
// requests were expired and how many tombstones were dropped.
func (b *Broker) Sweep() (expired, forgotten int) {
	now := b.now()
	var gone []Request

	b.mu.Lock()
	for _, e := range b.pending {
		if now.Before(e.req.ExpiresAt) {
			continue
		}
		if b.expireLocked(e) {
			gone = append(gone, e.req)
		}
	}
	for id, ts := range b.settled {
		if now.Sub(ts.at) >= b.retention {
			delete(b.settled, id)
			forgotten++
		}
	}
	b.mu.Unlock()

	for _, req := range gone {
		b.emitExpired(req)
	}
	return len(gone), forgotten
}

// Run sweeps every interval until ctx is done.
func (b *Broker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if expired, forgotten := b.Sweep(); expired > 0 || forgotten > 0 {
				b.logger.Debug("pending sweep", "expired", expired, "forgotten", forgotten)
			}
		}
	}
}

// expireLocked moves e to expired if it is still pending and reports
// whether this call did the transition.
func (b *Broker) expireLocked(e *entry) bool {
	if !e.transition(StateExpired) {
		b.settleLocked(e, e.current())
		return false
	}
	close(e.expired)
	b.settleLocked(e, StateExpired)
	return true
}

func (b *Broker) settleLocked(e *entry, state State) {
	if _, ok := b.pending[e.req.ID]; !ok {
		return
	}
	delete(b.pending, e.req.ID)
	b.settled[e.req.ID] = tombstone{state: state, sessionID: e.req.SessionID, at: b.now()}
}

func (b *Broker) notifyLocked(req Request) {
	for ch := range b.subs[req.SessionID] {
		select {
		case ch <- req:
		default:
			b.logger.Warn("subscriber full, request notification dropped",
				"request_id", req.ID, "session_id", req.SessionID)
		}
	}
}

func (b *Broker) emitExpired(req Request) {
	b.logger.Info("request expired", "request_id", req.ID, "session_id", req.SessionID)
	b.bus.Emit(events.SourcePending, events.KindRequestExpired, map[string]any{
		"request_id": req.ID,
		"session_id": req.SessionID,
	})
}

func settledError(id string, state State) error {
	if state == StateFulfilled {
		return fmt.Errorf("%w: %s", ErrAlreadyFulfilled, id)
	}
	return fmt.Errorf("%w: %s", ErrRequestExpired, id)
}
