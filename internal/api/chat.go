package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/yuin/goldmark"

	"github.com/nugget/funnair/internal/agent"
)

// ChatRequest is the body of POST /v1/chat and /v1/chat/stream.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatResponse is the answer to one turn. HTML is the answer rendered
// from Markdown for chat front-ends.
type ChatResponse struct {
	Response  string `json:"response"`
	HTML      string `json:"html,omitempty"`
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	Model     string `json:"model,omitempty"`
	Rounds    int    `json:"rounds"`
	ToolCalls int    `json:"tool_calls"`
	Degraded  bool   `json:"degraded,omitempty"`
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (ChatRequest, bool) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return req, false
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	return req, true
}

func (s *Server) chatResponse(sessionID string, res *agent.Result) ChatResponse {
	return ChatResponse{
		Response:  res.Text,
		HTML:      s.renderMarkdown(res.Text),
		SessionID: sessionID,
		TurnID:    res.TurnID,
		Model:     s.cfg.Model,
		Rounds:    res.Rounds,
		ToolCalls: res.ToolCalls,
		Degraded:  res.Degraded,
	}
}

// renderMarkdown converts an answer to HTML. On failure the caller
// still has the plain text, so errors only log.
func (s *Server) renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		s.logger.Debug("markdown render failed", "error", err)
		return ""
	}
	return buf.String()
}

// handleChat runs one turn and returns the final answer.
// POST /v1/chat {"message": "...", "session_id": "..."}
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	res, err := s.cfg.Loop.Run(r.Context(), agent.Request{SessionID: req.SessionID, Message: req.Message})
	if err != nil {
		s.turnError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.chatResponse(req.SessionID, res), s.logger)
}

func (s *Server) turnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrProvider):
		s.logger.Error("agent turn failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Warn("agent turn aborted", "error", err)
		s.errorResponse(w, http.StatusServiceUnavailable, err.Error())
	}
}

// handleChatStream runs one turn and reports progress as server-sent
// events: tool_call and tool_result while tools run, degraded when the
// round limit was hit, then done with the ChatResponse, or error.
// POST /v1/chat/stream
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	send := func(event string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			s.logger.Error("failed to encode SSE payload", "event", event, "error", err)
			return
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			s.logger.Debug("failed to write SSE event", "event", event, "error", err)
			return
		}
		flusher.Flush()
		// Tool rounds (a seat selection in particular) can outlast a
		// fixed write deadline.
		if err := rc.SetWriteDeadline(time.Now().Add(2 * time.Minute)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	send("session", map[string]string{"session_id": req.SessionID})

	res, err := s.cfg.Loop.Run(r.Context(), agent.Request{
		SessionID: req.SessionID,
		Message:   req.Message,
		OnEvent: func(e agent.Event) {
			if e.Kind == agent.EventDone {
				return
			}
			send(e.Kind, e)
		},
	})
	if err != nil {
		s.logger.Warn("streaming turn failed", "error", err)
		send("error", errorBody{Error: err.Error()})
		return
	}
	send(agent.EventDone, s.chatResponse(req.SessionID, res))
}
