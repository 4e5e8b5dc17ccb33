package memory

import "testing"

func TestCountTokens(t *testing.T) {
	empty, err := CountTokens(nil)
	if err != nil {
		t.Fatalf("CountTokens(nil): %v", err)
	}
	if empty != 0 {
		t.Errorf("CountTokens(nil) = %d, want 0", empty)
	}

	short, err := CountTokens([]Message{{Role: RoleUser, Content: "hi"}})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	long, err := CountTokens([]Message{
		{Role: RoleUser, Content: "What's my booking 101 for Jane Doe?"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{
			ID:        "c1",
			Name:      "getBookingDetails",
			Arguments: map[string]any{"bookingNumber": "101", "firstName": "Jane", "lastName": "Doe"},
		}}},
	})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if short <= perMessageOverhead || long <= short {
		t.Errorf("counts not monotonic: short=%d long=%d", short, long)
	}
}
