package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/funnair/internal/memory"
	"github.com/nugget/funnair/internal/pending"
)

// SessionInfo describes a resident conversation.
type SessionInfo struct {
	ID          string            `json:"id"`
	CreatedAt   time.Time         `json:"created_at"`
	Messages    int               `json:"messages"`
	MaxMessages int               `json:"max_messages"`
	Tokens      int               `json:"tokens"`
	Pending     []pending.Request `json:"pending"`
	History     []memory.Message  `json:"history,omitempty"`
}

// handleSessionGet returns window statistics for one session. Pass
// ?history=1 to include the messages.
// GET /v1/sessions/{id}
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.cfg.Sessions.Lookup(id)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown session")
		return
	}

	snapshot := sess.Window.Snapshot()
	tokens, err := memory.CountTokens(snapshot)
	if err != nil {
		s.logger.Warn("token count failed", "session_id", id, "error", err)
	}
	info := SessionInfo{
		ID:          sess.ID,
		CreatedAt:   sess.CreatedAt,
		Messages:    len(snapshot),
		MaxMessages: sess.Window.MaxMessages(),
		Tokens:      tokens,
		Pending:     s.cfg.Broker.Pending(id),
	}
	if r.URL.Query().Get("history") != "" {
		info.History = snapshot
	}
	writeJSON(w, http.StatusOK, info, s.logger)
}

// handleSessionReset clears a session's window back to its system
// prompt.
// POST /v1/sessions/{id}/reset
func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.cfg.Sessions.Reset(id) {
		s.errorResponse(w, http.StatusNotFound, "unknown session")
		return
	}
	s.logger.Info("session reset", "session_id", id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "session_id": id}, s.logger)
}
