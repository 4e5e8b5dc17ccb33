package memory

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
)

func TestWindow_PinnedSystemNeverEvicted(t *testing.T) {
	for _, max := range []int{2, 3, 5, 10} {
		t.Run(fmt.Sprintf("max=%d", max), func(t *testing.T) {
			w := NewWindow("You are Funnair support.", max)
			for i := 0; i < 50; i++ {
				if err := w.Append(Message{Role: RoleUser, Content: fmt.Sprintf("msg %d", i)}); err != nil {
					t.Fatalf("Append: %v", err)
				}
				snap := w.Snapshot()
				if len(snap) > max {
					t.Fatalf("after %d appends len = %d, max %d", i+1, len(snap), max)
				}
				if snap[0].Role != RoleSystem || snap[0].Content != "You are Funnair support." {
					t.Fatalf("system message lost: %+v", snap[0])
				}
			}
			// FIFO: the newest message survives.
			snap := w.Snapshot()
			if got := snap[len(snap)-1].Content; got != "msg 49" {
				t.Errorf("last message = %q, want msg 49", got)
			}
		})
	}
}

func TestWindow_RandomAppendsStayBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	w := NewWindow("sys", 6)
	callSeq := 0

	for i := 0; i < 500; i++ {
		switch rng.Intn(3) {
		case 0:
			_ = w.Append(Message{Role: RoleUser, Content: "hi"})
		case 1:
			callSeq++
			id := fmt.Sprintf("call_%d", callSeq)
			_ = w.Append(Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: id, Name: "getBookingDetails"}}})
			_ = w.Append(Message{Role: RoleTool, ToolCallID: id, Content: "{}"})
		case 2:
			_ = w.Append(Message{Role: RoleAssistant, Content: "ok"})
		}

		snap := w.Snapshot()
		if len(snap) > 6 {
			t.Fatalf("iteration %d: len = %d", i, len(snap))
		}
		if snap[0].Role != RoleSystem {
			t.Fatalf("iteration %d: first message role %q", i, snap[0].Role)
		}
		if len(snap) > 1 && snap[1].Role == RoleTool {
			t.Fatalf("iteration %d: orphan tool result at head", i)
		}
	}
}

func TestWindow_OrphanToolResultRejected(t *testing.T) {
	w := NewWindow("sys", 10)
	err := w.Append(Message{Role: RoleTool, ToolCallID: "call_1", Content: "x"})
	if !errors.Is(err, ErrOrphanToolResult) {
		t.Fatalf("Append error = %v, want ErrOrphanToolResult", err)
	}
	if w.Len() != 1 {
		t.Errorf("Len() = %d after rejected append", w.Len())
	}

	_ = w.Append(Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "x"}}})
	if err := w.Append(Message{Role: RoleTool, ToolCallID: "call_1", Content: "x"}); err != nil {
		t.Errorf("Append matched tool result: %v", err)
	}
}

func TestWindow_EvictsOrphanedResultsWithTheirCall(t *testing.T) {
	w := NewWindow("sys", 4)
	_ = w.Append(Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "a", Name: "t"}, {ID: "b", Name: "t"}}})
	_ = w.Append(Message{Role: RoleTool, ToolCallID: "a", Content: "1"})
	_ = w.Append(Message{Role: RoleTool, ToolCallID: "b", Content: "2"})
	// Window is full (4). One more message evicts the assistant call,
	// which strands both results.
	_ = w.Append(Message{Role: RoleAssistant, Content: "done"})

	snap := w.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(snap), snap)
	}
	if snap[1].Content != "done" {
		t.Errorf("snap[1] = %+v", snap[1])
	}
}

func TestWindow_RejectsSystemAppend(t *testing.T) {
	w := NewWindow("sys", 4)
	if err := w.Append(Message{Role: RoleSystem, Content: "other"}); !errors.Is(err, ErrSystemMessage) {
		t.Errorf("Append(system) error = %v", err)
	}
	w.SetSystem("updated")
	if got := w.System().Content; got != "updated" {
		t.Errorf("System().Content = %q", got)
	}
}

func TestWindow_SnapshotIsDefensive(t *testing.T) {
	w := NewWindow("sys", 10)
	_ = w.Append(Message{Role: RoleAssistant, ToolCalls: []ToolCall{{
		ID:        "c1",
		Name:      "changeBooking",
		Arguments: map[string]any{"bookingNumber": "101", "legs": []any{"LAX"}},
	}}})

	snap := w.Snapshot()
	snap[0].Content = "tampered"
	snap[1].ToolCalls[0].Arguments["bookingNumber"] = "999"
	snap[1].ToolCalls[0].Arguments["legs"].([]any)[0] = "JFK"

	_ = w.Append(Message{Role: RoleUser, Content: "later"})
	if len(snap) != 2 {
		t.Errorf("snapshot grew after Append: %d", len(snap))
	}

	fresh := w.Snapshot()
	if fresh[0].Content != "sys" {
		t.Errorf("system mutated through snapshot: %q", fresh[0].Content)
	}
	args := fresh[1].ToolCalls[0].Arguments
	if args["bookingNumber"] != "101" || args["legs"].([]any)[0] != "LAX" {
		t.Errorf("arguments mutated through snapshot: %v", args)
	}
}

func TestWindow_Reset(t *testing.T) {
	w := NewWindow("sys", 10)
	_ = w.Append(Message{Role: RoleUser, Content: "a"})
	_ = w.Append(Message{Role: RoleAssistant, Content: "b"})
	w.Reset()

	snap := w.Snapshot()
	if len(snap) != 1 || snap[0].Role != RoleSystem {
		t.Errorf("after Reset snapshot = %+v", snap)
	}
	if len(w.History()) != 0 {
		t.Errorf("History() = %v", w.History())
	}
}

func TestNewWindow_ClampsCapacity(t *testing.T) {
	w := NewWindow("sys", 0)
	if w.MaxMessages() != MinMessages {
		t.Errorf("MaxMessages() = %d, want %d", w.MaxMessages(), MinMessages)
	}
}

func TestWindow_RollbackRestoresEvicted(t *testing.T) {
	w := NewWindow("system", 3)
	_ = w.Append(Message{Role: RoleUser, Content: "one"})
	_ = w.Append(Message{Role: RoleAssistant, Content: "two"})
	cp := w.Checkpoint()

	_ = w.Append(Message{Role: RoleUser, Content: "three"})
	_ = w.Append(Message{Role: RoleAssistant, Content: "four"})
	if h := w.History(); h[0].Content != "three" {
		t.Fatalf("history before rollback = %+v", h)
	}

	w.Rollback(cp)
	h := w.History()
	if len(h) != 2 || h[0].Content != "one" || h[1].Content != "two" {
		t.Errorf("history after rollback = %+v", h)
	}
	if w.System().Content != "system" {
		t.Errorf("system = %q", w.System().Content)
	}

	// The checkpoint is unaffected by appends after a rollback.
	_ = w.Append(Message{Role: RoleUser, Content: "five"})
	w.Rollback(cp)
	if n := len(w.History()); n != 2 {
		t.Errorf("len after second rollback = %d, want 2", n)
	}
}
