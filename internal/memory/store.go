package memory

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Session is one conversation: its window and the lock that serialises
// turns against it.
type Session struct {
	ID        string
	Window    *Window
	CreatedAt time.Time

	turn sync.Mutex
}

// Lock acquires the session's turn lock. Only one turn runs against a
// session at a time.
func (s *Session) Lock() { s.turn.Lock() }

// Unlock releases the session's turn lock.
func (s *Session) Unlock() { s.turn.Unlock() }

// StoreConfig controls window sizing and how many sessions stay
// resident.
type StoreConfig struct {
	// SystemPrompt returns the system prompt for a new session. It is
	// called once per session so it may embed the current date.
	SystemPrompt func() string
	MaxMessages  int
	MaxSessions  int
}

// Store manages conversation memory. Sessions live only in memory;
// once MaxSessions is reached the least recently used session is
// dropped.
type Store struct {
	mu       sync.Mutex
	sessions *lru.Cache[string, *Session]
	cfg      StoreConfig
	logger   *slog.Logger
}

// NewStore creates a session store.
func NewStore(cfg StoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 100
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1000
	}
	if cfg.SystemPrompt == nil {
		cfg.SystemPrompt = func() string { return "" }
	}

	s := &Store{cfg: cfg, logger: logger.With("component", "memory")}
	cache, err := lru.NewWithEvict(cfg.MaxSessions, func(id string, _ *Session) {
		s.logger.Debug("session evicted", "session_id", id)
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	s.sessions = cache
	return s, nil
}

// Get returns the session for id, creating it on first use.
func (s *Store) Get(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions.Get(id); ok {
		return sess
	}
	sess := &Session{
		ID:        id,
		Window:    NewWindow(s.cfg.SystemPrompt(), s.cfg.MaxMessages),
		CreatedAt: time.Now(),
	}
	s.sessions.Add(id, sess)
	s.logger.Debug("session created", "session_id", id)
	return sess
}

// Lookup returns an existing session without creating one or updating
// its recency.
func (s *Store) Lookup(id string) (*Session, bool) {
	return s.sessions.Peek(id)
}

// Reset clears a session's window back to its system prompt. It
// reports whether the session existed.
func (s *Store) Reset(id string) bool {
	sess, ok := s.sessions.Peek(id)
	if !ok {
		return false
	}
	sess.Window.Reset()
	return true
}

// Remove drops a session entirely.
func (s *Store) Remove(id string) bool {
	return s.sessions.Remove(id)
}

// Len returns the number of resident sessions.
func (s *Store) Len() int {
	return s.sessions.Len()
}

// Stats returns memory statistics.
func (s *Store) Stats() map[string]any {
	total := 0
	for _, id := range s.sessions.Keys() {
		if sess, ok := s.sessions.Peek(id); ok {
			total += sess.Window.Len()
		}
	}
	return map[string]any{
		"sessions":     s.sessions.Len(),
		"messages":     total,
		"max_sessions": s.cfg.MaxSessions,
		"max_per_conv": s.cfg.MaxMessages,
	}
}
