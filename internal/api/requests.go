package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/nugget/funnair/internal/pending"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// FulfillRequest completes a pending request. Over HTTP the request id
// is in the path; over the websocket it travels in RequestID.
type FulfillRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Value     string `json:"value"`
}

// Frame is a server-to-client websocket message. Type is "request"
// for a new pending request, "fulfilled" to acknowledge a value, or
// "error".
type Frame struct {
	Type      string           `json:"type"`
	Request   *pending.Request `json:"request,omitempty"`
	RequestID string           `json:"request_id,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// fulfillStatus maps broker errors to HTTP statuses.
func fulfillStatus(err error) int {
	switch {
	case errors.Is(err, pending.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, pending.ErrAlreadyFulfilled):
		return http.StatusConflict
	case errors.Is(err, pending.ErrRequestExpired):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// handleRequestFulfill delivers a value (for example the chosen seat)
// to a waiting tool.
// POST /v1/requests/{id} {"value": "14C"}
func (s *Server) handleRequestFulfill(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body FulfillRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Value) == "" {
		s.errorResponse(w, http.StatusBadRequest, "value is required")
		return
	}
	if err := s.cfg.Broker.Fulfill(id, body.Value); err != nil {
		s.errorResponse(w, fulfillStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "fulfilled", "request_id": id}, s.logger)
}

// handleRequestList returns every pending request, or those of one
// session with ?session_id=.
// GET /v1/requests
func (s *Server) handleRequestList(w http.ResponseWriter, r *http.Request) {
	reqs := s.cfg.Broker.Pending(r.URL.Query().Get("session_id"))
	if reqs == nil {
		reqs = []pending.Request{}
	}
	writeJSON(w, http.StatusOK, reqs, s.logger)
}

// handleRequestStream upgrades to a websocket that pushes the
// session's pending requests as they are created (those already
// pending first). The client answers with FulfillRequest messages.
// GET /v1/sessions/{id}/requests
func (s *Server) handleRequestStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.Close()

	log := s.logger.With("session_id", sessionID)
	log.Debug("request stream opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	reqs := s.cfg.Broker.Subscribe(ctx, sessionID)

	acks := make(chan Frame, 8)
	go s.readFulfillments(ctx, cancel, conn, sessionID, acks)

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(f Frame) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(f); err != nil {
			log.Debug("websocket write failed", "error", err)
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			log.Debug("request stream closed")
			return
		case req, ok := <-reqs:
			if !ok {
				return
			}
			if !write(Frame{Type: "request", Request: &req}) {
				return
			}
		case f := <-acks:
			if !write(f) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// readFulfillments reads client messages until the connection closes,
// fulfilling requests and queueing an acknowledgement for each. Only
// requests of the connection's own session can be fulfilled.
func (s *Server) readFulfillments(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string, acks chan<- Frame) {
	defer cancel()
	for {
		var msg FulfillRequest
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read ended", "error", err)
			}
			return
		}

		f := Frame{Type: "fulfilled", RequestID: msg.RequestID}
		if strings.TrimSpace(msg.Value) == "" {
			f = Frame{Type: "error", RequestID: msg.RequestID, Error: "value is required"}
		} else if err := s.cfg.Broker.FulfillSession(sessionID, msg.RequestID, msg.Value); err != nil {
			f = Frame{Type: "error", RequestID: msg.RequestID, Error: err.Error()}
		}
		select {
		case acks <- f:
		case <-ctx.Done():
			return
		}
	}
}
