package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "You are a booking assistant."},
		{Role: "user", Content: "Show booking 101"},
		{Role: "assistant", ToolCalls: []ToolCall{{
			ID:       "call_1",
			Function: FunctionCall{Name: "getBookingDetails", Arguments: map[string]any{"bookingNumber": "101"}},
		}}},
		{Role: "tool", ToolCallID: "call_1", Content: "Error: booking not found", IsError: true},
		{Role: "assistant", Content: "I could not find that booking."},
	}

	got, system := convertToAnthropic(messages)
	if system != "You are a booking assistant." {
		t.Errorf("system = %q", system)
	}
	if len(got) != 4 {
		t.Fatalf("got %d messages, want 4", len(got))
	}

	blocks, ok := got[1].Content.([]anthropicContent)
	if !ok || len(blocks) != 1 {
		t.Fatalf("assistant content = %#v", got[1].Content)
	}
	if blocks[0].Type != "tool_use" || blocks[0].ID != "call_1" || blocks[0].Name != "getBookingDetails" {
		t.Errorf("tool_use block = %+v", blocks[0])
	}

	if got[2].Role != "user" {
		t.Errorf("tool result role = %q, want user", got[2].Role)
	}
	results, ok := got[2].Content.([]anthropicContent)
	if !ok || len(results) != 1 {
		t.Fatalf("tool result content = %#v", got[2].Content)
	}
	if results[0].Type != "tool_result" || results[0].ToolUseID != "call_1" || !results[0].IsError {
		t.Errorf("tool_result block = %+v", results[0])
	}
}

func TestConvertToAnthropic_SynthesizesMissingIDs(t *testing.T) {
	got, _ := convertToAnthropic([]Message{
		{Role: "assistant", ToolCalls: []ToolCall{{Function: FunctionCall{Name: "cancelBooking"}}}},
	})
	blocks := got[0].Content.([]anthropicContent)
	if blocks[0].ID == "" {
		t.Error("tool_use block has empty id")
	}
	if blocks[0].Input == nil {
		t.Error("nil arguments should become an empty object")
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "getBookingDetails",
				"description": "Look up a booking",
				"parameters": map[string]any{
					"type":     "object",
					"required": []string{"bookingNumber"},
				},
			},
		},
		{"type": "function", "function": map[string]any{"name": "noParams"}},
		{"type": "broken"},
	}

	got := convertToolsToAnthropic(tools)
	if len(got) != 2 {
		t.Fatalf("got %d tools, want 2", len(got))
	}
	if got[0].Name != "getBookingDetails" || got[0].Description != "Look up a booking" {
		t.Errorf("tool[0] = %+v", got[0])
	}
	if got[1].InputSchema == nil {
		t.Error("missing parameters should default to an empty object schema")
	}
	if convertToolsToAnthropic(nil) != nil {
		t.Error("nil tools should convert to nil")
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Model:      "claude-sonnet-4-5",
		StopReason: "tool_use",
		Content: []anthropicContent{
			{Type: "text", Text: "Checking now."},
			{Type: "tool_use", ID: "toolu_1", Name: "getBookingDetails", Input: map[string]any{"bookingNumber": "101"}},
		},
	}
	resp.Usage.InputTokens = 200
	resp.Usage.OutputTokens = 30

	got := convertFromAnthropic(resp)
	if got.Message.Role != "assistant" || got.Message.Content != "Checking now." {
		t.Errorf("message = %+v", got.Message)
	}
	if len(got.Message.ToolCalls) != 1 || got.Message.ToolCalls[0].ID != "toolu_1" {
		t.Fatalf("tool calls = %+v", got.Message.ToolCalls)
	}
	if got.Message.ToolCalls[0].Function.Arguments["bookingNumber"] != "101" {
		t.Errorf("arguments = %v", got.Message.ToolCalls[0].Function.Arguments)
	}
	if got.InputTokens != 200 || got.OutputTokens != 30 || got.StopReason != "tool_use" {
		t.Errorf("usage/stop = %d/%d/%s", got.InputTokens, got.OutputTokens, got.StopReason)
	}
}

func TestClientsImplementInterface(t *testing.T) {
	var _ Client = (*AnthropicClient)(nil)
	var _ Client = (*OllamaClient)(nil)
	var _ Client = (*OpenAIClient)(nil)
	var _ Client = (*MultiClient)(nil)
}

func TestAnthropicChat(t *testing.T) {
	var gotReq anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", r.Header.Get("anthropic-version"))
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)
		_, _ = w.Write([]byte(`{"role":"assistant","model":"claude-test","stop_reason":"end_turn","content":[{"type":"text","text":"Booking 101 is confirmed."}],"usage":{"input_tokens":10,"output_tokens":5}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("test-key", srv.URL, nil)
	resp, err := c.Chat(context.Background(), "claude-test", []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "status of 101?"},
	}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if gotReq.System != "be brief" || len(gotReq.Messages) != 1 || gotReq.MaxTokens != anthropicMaxTokens {
		t.Errorf("request = %+v", gotReq)
	}
	if resp.Message.Content != "Booking 101 is confirmed." {
		t.Errorf("content = %q", resp.Message.Content)
	}
}

func TestAnthropicChat_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewAnthropicClient("bad", srv.URL, nil).Chat(context.Background(), "m", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil || err.Error() != "invalid API key" {
		t.Errorf("err = %v, want invalid API key", err)
	}
}
