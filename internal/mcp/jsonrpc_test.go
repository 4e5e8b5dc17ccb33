package mcp

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestInbound_IDs(t *testing.T) {
	tests := []struct {
		name         string
		raw          string
		notification bool
		id           string
	}{
		{"numeric id", `{"jsonrpc":"2.0","id":7,"method":"ping"}`, false, "7"},
		{"string id", `{"jsonrpc":"2.0","id":"abc-1","method":"ping"}`, false, `"abc-1"`},
		{"no id", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg inbound
			if err := json.Unmarshal([]byte(tt.raw), &msg); err != nil {
				t.Fatal(err)
			}
			if msg.isNotification() != tt.notification {
				t.Errorf("isNotification() = %v, want %v", msg.isNotification(), tt.notification)
			}
			if string(msg.ID) != tt.id {
				t.Errorf("ID = %s, want %s", msg.ID, tt.id)
			}
		})
	}
}

func TestOutbound_EchoesRawID(t *testing.T) {
	out := outbound{JSONRPC: jsonrpcVersion, ID: json.RawMessage(`"abc-1"`), Result: map[string]any{}}
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"id":"abc-1"`) {
		t.Errorf("encoded = %s", data)
	}

	// A parse error has no id to echo and must carry an explicit null.
	out = outbound{JSONRPC: jsonrpcVersion, ID: nullID, Error: &RPCError{Code: CodeParseError, Message: "parse error"}}
	data, err = json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"id":null`) || strings.Contains(string(data), `"result"`) {
		t.Errorf("encoded = %s", data)
	}
}

func TestResponse_Error(t *testing.T) {
	raw := `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"Method not found"}}`
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("Error = %+v", resp.Error)
	}
	if got, want := resp.Error.Error(), "jsonrpc error -32601: Method not found"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNotification_OmitsNilParams(t *testing.T) {
	data, err := json.Marshal(NewNotification("notifications/initialized", nil))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "params") {
		t.Errorf("encoded = %s", data)
	}
}
