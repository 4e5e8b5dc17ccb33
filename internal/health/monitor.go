// Package health watches the agent's external dependencies (the LLM
// provider and MCP servers) and reports whether each is reachable.
//
// Each check runs in two phases:
//  1. Startup: retry with exponential backoff (2s, 4s, 8s, ... capped
//     at 60s) until the dependency answers or the attempts run out
//  2. Steady state: poll at a fixed interval, logging and emitting an
//     event on every up/down transition
package health

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/funnair/internal/events"
)

// Probe returns nil when the dependency is reachable.
type Probe func(ctx context.Context) error

// Backoff controls startup retries and steady-state polling.
type Backoff struct {
	Initial      time.Duration
	Max          time.Duration
	Attempts     int
	Poll         time.Duration
	ProbeTimeout time.Duration
}

// DefaultBackoff is 2s doubling to 60s over 10 startup attempts, then a
// probe every minute.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      2 * time.Second,
		Max:          60 * time.Second,
		Attempts:     10,
		Poll:         60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Attempts <= 0 {
		b.Attempts = d.Attempts
	}
	if b.Poll <= 0 {
		b.Poll = d.Poll
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Check describes one watched dependency.
type Check struct {
	Name    string
	Probe   Probe
	Backoff Backoff
	// OnUp runs in its own goroutine each time the dependency becomes
	// reachable after having been down (or on first contact).
	OnUp func()
	// OnDown runs in its own goroutine on an up to down transition.
	OnDown func(err error)
}

// Status is the last known state of a dependency.
type Status struct {
	Name    string    `json:"name"`
	Up      bool      `json:"up"`
	Checked time.Time `json:"checked,omitzero"`
	Error   string    `json:"error,omitempty"`
}

type watcher struct {
	check  Check
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	up      bool
	checked time.Time
	err     error
}

func (w *watcher) status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Status{Name: w.check.Name, Up: w.up, Checked: w.checked}
	if w.err != nil {
		s.Error = w.err.Error()
	}
	return s
}

// Monitor owns a set of checks.
type Monitor struct {
	mu       sync.RWMutex
	watchers map[string]*watcher
	bus      *events.Bus
	logger   *slog.Logger
}

// NewMonitor creates a monitor. bus may be nil.
func NewMonitor(bus *events.Bus, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		watchers: make(map[string]*watcher),
		bus:      bus,
		logger:   logger.With("component", "health"),
	}
}

// Watch starts a check in the background until ctx ends or Stop is
// called. Watching a name again replaces the previous check.
func (m *Monitor) Watch(ctx context.Context, c Check) {
	if c.Name == "" || c.Probe == nil {
		panic("health: Check needs a Name and a Probe")
	}
	c.Backoff = c.Backoff.withDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &watcher{check: c, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	old := m.watchers[c.Name]
	m.watchers[c.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.cancel()
		<-old.done
	}

	go m.run(wctx, w)
}

// Statuses returns every check's state sorted by name.
func (m *Monitor) Statuses() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.status())
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Healthy reports whether every watched dependency is up.
func (m *Monitor) Healthy() bool {
	for _, s := range m.Statuses() {
		if !s.Up {
			return false
		}
	}
	return true
}

// Stop cancels all checks and waits for them to exit.
func (m *Monitor) Stop() {
	m.mu.RLock()
	ws := make([]*watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	for _, w := range ws {
		w.cancel()
		<-w.done
	}
}

func (m *Monitor) run(ctx context.Context, w *watcher) {
	defer close(w.done)
	b := w.check.Backoff
	log := m.logger.With("service", w.check.Name)

	delay := b.Initial
	for attempt := 1; attempt <= b.Attempts; attempt++ {
		err := m.probe(ctx, w)
		if err == nil {
			log.Debug("startup probe succeeded", "after_attempts", attempt)
			break
		}
		if attempt == b.Attempts {
			log.Warn("service unreachable, polling in background", "attempts", attempt, "error", err)
			break
		}
		log.Debug("startup probe failed, retrying", "attempt", attempt, "next_delay", delay, "error", err)
		if !sleep(ctx, delay) {
			return
		}
		delay = min(delay*2, b.Max)
	}

	ticker := time.NewTicker(b.Poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.probe(ctx, w); err != nil && ctx.Err() == nil {
				log.Debug("service still unreachable", "error", err)
			}
		}
	}
}

// probe runs one check and handles the state transition.
func (m *Monitor) probe(ctx context.Context, w *watcher) error {
	pctx, cancel := context.WithTimeout(ctx, w.check.Backoff.ProbeTimeout)
	err := w.check.Probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	wasUp := w.up
	w.up = err == nil
	w.err = err
	w.checked = time.Now()
	w.mu.Unlock()

	switch {
	case err == nil && !wasUp:
		m.logger.Info("service up", "service", w.check.Name)
		m.bus.Emit(events.SourceHealth, events.KindServiceUp, map[string]any{"service": w.check.Name})
		if w.check.OnUp != nil {
			go w.check.OnUp()
		}
	case err != nil && wasUp:
		m.logger.Warn("service down", "service", w.check.Name, "error", err)
		m.bus.Emit(events.SourceHealth, events.KindServiceDown, map[string]any{
			"service": w.check.Name,
			"error":   err.Error(),
		})
		if w.check.OnDown != nil {
			go w.check.OnDown(err)
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
