package api

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"github.com/nugget/funnair/internal/agent"
	"github.com/nugget/funnair/internal/booking"
	"github.com/nugget/funnair/internal/health"
	"github.com/nugget/funnair/internal/memory"
	"github.com/nugget/funnair/internal/pending"
	"github.com/nugget/funnair/internal/tools"
)

// scriptedProvider returns its completions in order and then repeats
// the last one.
type scriptedProvider struct {
	mu     sync.Mutex
	script []agent.Completion
	err    error
	calls  int
}

func (p *scriptedProvider) Complete(_ context.Context, _ memory.Message, _ []memory.Message, _ []tools.Spec) (*agent.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	c := p.script[min(p.calls, len(p.script)-1)]
	p.calls++
	return &c, nil
}

type testEnv struct {
	srv      *httptest.Server
	sessions *memory.Store
	broker   *pending.Broker
	bookings *booking.Service
}

func newTestEnv(t *testing.T, p agent.Provider) *testEnv {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	store, err := booking.NewStore(db)
	if err != nil {
		t.Fatalf("booking store: %v", err)
	}
	err = store.Save(context.Background(), booking.Booking{
		Number:    "101",
		FirstName: "John",
		LastName:  "Doe",
		Date:      time.Now().UTC().AddDate(0, 0, 10),
		Status:    booking.StatusConfirmed,
		From:      "LAX",
		To:        "FUN",
		Seat:      "3A",
		Class:     booking.ClassEconomy,
	})
	if err != nil {
		t.Fatalf("save booking: %v", err)
	}
	svc := booking.NewService(store, booking.DefaultPolicy, nil, nil)

	broker := pending.NewBroker(pending.Config{TTL: time.Minute}, nil, nil)
	reg := tools.NewRegistry()
	if err := booking.RegisterTools(reg, booking.ToolConfig{Service: svc, Broker: broker, SeatTimeout: 5 * time.Second}); err != nil {
		t.Fatalf("RegisterTools: %v", err)
	}
	sessions, err := memory.NewStore(memory.StoreConfig{
		SystemPrompt: func() string { return "You are a Funnair support agent." },
		MaxMessages:  50,
	}, nil)
	if err != nil {
		t.Fatalf("memory store: %v", err)
	}
	loop := agent.New(p, reg, nil, sessions, agent.Options{ToolTimeout: 10 * time.Second})

	s := NewServer(Config{
		Loop:     loop,
		Sessions: sessions,
		Broker:   broker,
		Registry: reg,
		Bookings: svc,
		MCP: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		Model: "test-model",
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, sessions: sessions, broker: broker, bookings: svc}
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestChat(t *testing.T) {
	p := &scriptedProvider{script: []agent.Completion{
		{ToolCalls: []tools.Call{{
			Name:      "getBookingDetails",
			Arguments: map[string]any{"bookingNumber": "101", "firstName": "John", "lastName": "Doe"},
		}}},
		{Text: "Your flight from **LAX** to FUN is confirmed."},
	}}
	env := newTestEnv(t, p)

	resp := env.post(t, "/v1/chat", `{"message":"Where am I flying? Booking 101, John Doe","session_id":"s1"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	got := decode[ChatResponse](t, resp)
	if got.Response != "Your flight from **LAX** to FUN is confirmed." || got.SessionID != "s1" {
		t.Errorf("response = %+v", got)
	}
	if !strings.Contains(got.HTML, "<strong>LAX</strong>") {
		t.Errorf("html = %q", got.HTML)
	}
	if got.Rounds != 1 || got.ToolCalls != 1 || got.Model != "test-model" || got.TurnID == "" {
		t.Errorf("turn stats = %+v", got)
	}

	info := decode[SessionInfo](t, env.get(t, "/v1/sessions/s1?history=1"))
	// system, user, assistant tool call, tool result, assistant answer
	if info.Messages != 5 || info.Tokens == 0 || len(info.History) != 5 {
		t.Errorf("session info = %+v", info)
	}

	if resp := env.post(t, "/v1/sessions/s1/reset", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("reset status = %d", resp.StatusCode)
	}
	if info := decode[SessionInfo](t, env.get(t, "/v1/sessions/s1")); info.Messages != 1 {
		t.Errorf("messages after reset = %d, want 1", info.Messages)
	}
}

func TestChat_BadRequests(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{script: []agent.Completion{{Text: "hi"}}})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"invalid json", "/v1/chat", `{`, http.StatusBadRequest},
		{"empty message", "/v1/chat", `{"message":""}`, http.StatusBadRequest},
		{"stream empty message", "/v1/chat/stream", `{}`, http.StatusBadRequest},
		{"reset unknown", "/v1/sessions/nope/reset", ``, http.StatusNotFound},
		{"fulfill unknown", "/v1/requests/nope", `{"value":"1A"}`, http.StatusNotFound},
		{"fulfill no value", "/v1/requests/nope", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp := env.post(t, tt.path, tt.body); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	if resp := env.get(t, "/v1/sessions/nope"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d", resp.StatusCode)
	}
}

func TestChat_ProviderError(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{err: errors.New("upstream 500")})

	resp := env.post(t, "/v1/chat", `{"message":"hello"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	if body := decode[errorBody](t, resp); !strings.Contains(body.Error, "upstream 500") {
		t.Errorf("error = %q", body.Error)
	}
}

func TestChatStream(t *testing.T) {
	p := &scriptedProvider{script: []agent.Completion{
		{ToolCalls: []tools.Call{{
			Name:      "getBookingDetails",
			Arguments: map[string]any{"bookingNumber": "101", "firstName": "John", "lastName": "Doe"},
		}}},
		{Text: "All set."},
	}}
	env := newTestEnv(t, p)

	resp := env.post(t, "/v1/chat/stream", `{"message":"status of 101","session_id":"s2"}`)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var kinds []string
	var last string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if kind, ok := strings.CutPrefix(line, "event: "); ok {
			kinds = append(kinds, kind)
		}
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			last = data
		}
	}

	want := []string{"session", agent.EventToolCall, agent.EventToolResult, agent.EventDone}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", kinds, want)
	}
	var done ChatResponse
	if err := json.Unmarshal([]byte(last), &done); err != nil {
		t.Fatalf("decode done: %v", err)
	}
	if done.Response != "All set." || done.SessionID != "s2" {
		t.Errorf("done = %+v", done)
	}
}

func TestSeatChangeOverWebsocket(t *testing.T) {
	p := &scriptedProvider{script: []agent.Completion{
		{ToolCalls: []tools.Call{{
			Name:      "changeSeat",
			Arguments: map[string]any{"bookingNumber": "101", "firstName": "John", "lastName": "Doe"},
		}}},
		{Text: "Your new seat is 14C."},
	}}
	env := newTestEnv(t, p)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/v1/sessions/s3/requests"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	type chatResult struct {
		resp ChatResponse
		err  error
	}
	done := make(chan chatResult, 1)
	go func() {
		resp, err := http.Post(env.srv.URL+"/v1/chat", "application/json",
			strings.NewReader(`{"message":"I want another seat on 101, John Doe","session_id":"s3"}`))
		if err != nil {
			done <- chatResult{err: err}
			return
		}
		defer resp.Body.Close()
		var cr ChatResponse
		done <- chatResult{resp: cr, err: json.NewDecoder(resp.Body).Decode(&cr)}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read request frame: %v", err)
	}
	if f.Type != "request" || f.Request == nil || f.Request.Kind != booking.KindSeatChange {
		t.Fatalf("frame = %+v", f)
	}

	requestID := f.Request.ID

	// A blank choice is refused and the request stays open.
	if err := conn.WriteJSON(FulfillRequest{RequestID: requestID, Value: "  "}); err != nil {
		t.Fatalf("write blank fulfillment: %v", err)
	}
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read blank ack: %v", err)
	}
	if f.Type != "error" || f.Error != "value is required" {
		t.Errorf("blank ack = %+v", f)
	}

	// Another session's stream cannot answer this session's request.
	other, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(env.srv.URL, "http")+"/v1/sessions/s-other/requests", nil)
	if err != nil {
		t.Fatalf("dial other: %v", err)
	}
	defer other.Close()
	_ = other.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := other.WriteJSON(FulfillRequest{RequestID: requestID, Value: "1A"}); err != nil {
		t.Fatalf("write foreign fulfillment: %v", err)
	}
	var foreign Frame
	if err := other.ReadJSON(&foreign); err != nil {
		t.Fatalf("read foreign ack: %v", err)
	}
	if foreign.Type != "error" || !strings.Contains(foreign.Error, "unknown request") {
		t.Errorf("foreign ack = %+v", foreign)
	}
	if n := len(env.broker.Pending("s3")); n != 1 {
		t.Fatalf("pending for s3 = %d, want 1", n)
	}

	if err := conn.WriteJSON(FulfillRequest{RequestID: requestID, Value: "14c"}); err != nil {
		t.Fatalf("write fulfillment: %v", err)
	}
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if f.Type != "fulfilled" {
		t.Errorf("ack = %+v", f)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("chat: %v", res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not finish after seat selection")
	}

	list, err := env.bookings.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if list[0].Seat != "14C" {
		t.Errorf("seat = %q, want 14C", list[0].Seat)
	}

	// A second fulfillment of the same request is a conflict.
	resp := env.post(t, "/v1/requests/"+f.RequestID, `{"value":"1A"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("repeat fulfill status = %d, want 409", resp.StatusCode)
	}
}

func TestRequestFulfillHTTP(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{script: []agent.Completion{{Text: "hi"}}})

	h, err := env.broker.Create(pending.Request{SessionID: "s4", Kind: booking.KindSeatChange})
	if err != nil {
		t.Fatal(err)
	}

	list := decode[[]pending.Request](t, env.get(t, "/v1/requests?session_id=s4"))
	if len(list) != 1 || list[0].ID != h.ID {
		t.Fatalf("pending = %+v", list)
	}

	if resp := env.post(t, "/v1/requests/"+h.ID, `{"value":"2B"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("fulfill status = %d", resp.StatusCode)
	}
	got, err := env.broker.Await(context.Background(), h, time.Second)
	if err != nil || got != "2B" {
		t.Errorf("Await() = %q, %v", got, err)
	}
}

func TestInfoEndpoints(t *testing.T) {
	env := newTestEnv(t, &scriptedProvider{script: []agent.Completion{{Text: "hi"}}})

	health := decode[map[string]any](t, env.get(t, "/health"))
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}

	version := decode[map[string]string](t, env.get(t, "/v1/version"))
	if version["version"] == "" || version["go_version"] == "" {
		t.Errorf("version = %v", version)
	}

	specs := decode[[]tools.Spec](t, env.get(t, "/v1/tools"))
	var names []string
	for _, s := range specs {
		names = append(names, s.Name)
	}
	if got := strings.Join(names, ","); got != "getBookingDetails,changeBooking,cancelBooking,changeSeat" {
		t.Errorf("tools = %s", got)
	}

	bookings := decode[[]booking.Details](t, env.get(t, "/v1/bookings"))
	if len(bookings) != 1 || bookings[0].Number != "101" {
		t.Errorf("bookings = %+v", bookings)
	}

	resp, err := http.Post(env.srv.URL+"/mcp", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("/mcp status = %d, want the mounted handler", resp.StatusCode)
	}
}

func TestHealth_Degraded(t *testing.T) {
	sessions, err := memory.NewStore(memory.StoreConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	monitor := health.NewMonitor(nil, nil)
	defer monitor.Stop()
	monitor.Watch(t.Context(), health.Check{
		Name:    "llm",
		Probe:   func(context.Context) error { return errors.New("connection refused") },
		Backoff: health.Backoff{Attempts: 1, Poll: time.Hour},
	})

	s := NewServer(Config{
		Sessions: sessions,
		Broker:   pending.NewBroker(pending.Config{}, nil, nil),
		Registry: tools.NewRegistry(),
		Health:   monitor,
	})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Status   string          `json:"status"`
		Services []health.Status `json:"services"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "degraded" || len(body.Services) != 1 || body.Services[0].Up {
		t.Errorf("health = %+v", body)
	}
}
