// Package memory provides conversation memory: a bounded, in-memory
// window of messages per session and the store that owns those windows.
package memory

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// Role identifies who produced a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ErrOrphanToolResult is returned when a tool result does not answer
// any tool call recorded in the window.
var ErrOrphanToolResult = errors.New("tool result has no matching tool call")

// ErrSystemMessage is returned when appending a system message. The
// window has exactly one system message, set with SetSystem.
var ErrSystemMessage = errors.New("system message is pinned; use SetSystem")

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Window is an ordered, bounded message history with a pinned system
// message. The total number of entries, system message included, never
// exceeds the configured maximum; the oldest non-system messages are
// evicted first.
type Window struct {
	mu          sync.Mutex
	system      Message
	messages    []Message
	maxMessages int
	now         func() time.Time
}

// MinMessages is the smallest usable window: the system message plus
// one other.
const MinMessages = 2

// NewWindow creates a window holding only the system prompt.
func NewWindow(systemPrompt string, maxMessages int) *Window {
	if maxMessages < MinMessages {
		maxMessages = MinMessages
	}
	w := &Window{maxMessages: maxMessages, now: time.Now}
	w.system = Message{Role: RoleSystem, Content: systemPrompt, Timestamp: w.now()}
	return w
}

// SetSystem replaces the content of the pinned system message.
func (w *Window) SetSystem(content string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.system.Content = content
	w.system.Timestamp = w.now()
}

// Append adds a message and evicts the oldest messages while the window
// is over capacity. Tool results left at the head of the window without
// their originating assistant message are evicted with it.
func (w *Window) Append(msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch msg.Role {
	case RoleSystem:
		return ErrSystemMessage
	case RoleTool:
		if !w.hasToolCall(msg.ToolCallID) {
			return fmt.Errorf("%w: %q", ErrOrphanToolResult, msg.ToolCallID)
		}
	case RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("unknown message role %q", msg.Role)
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = w.now()
	}
	w.messages = append(w.messages, cloneMessage(msg))
	w.evict()
	return nil
}

func (w *Window) evict() {
	drop := 0
	for drop < len(w.messages) {
		over := 1+len(w.messages)-drop > w.maxMessages
		orphan := w.messages[drop].Role == RoleTool
		if !over && !orphan {
			break
		}
		drop++
	}
	if drop == 0 {
		return
	}
	// Copy so the evicted prefix can be collected.
	w.messages = append([]Message(nil), w.messages[drop:]...)
}

func (w *Window) hasToolCall(id string) bool {
	if id == "" {
		return false
	}
	for i := len(w.messages) - 1; i >= 0; i-- {
		m := w.messages[i]
		if m.Role != RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == id {
				return true
			}
		}
	}
	return false
}

// Snapshot returns a deep copy of the window, pinned system message
// first. Later appends are not visible through the returned slice.
func (w *Window) Snapshot() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Message, 0, len(w.messages)+1)
	out = append(out, cloneMessage(w.system))
	for _, m := range w.messages {
		out = append(out, cloneMessage(m))
	}
	return out
}

// History returns a deep copy of the window without the system message.
func (w *Window) History() []Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Message, len(w.messages))
	for i, m := range w.messages {
		out[i] = cloneMessage(m)
	}
	return out
}

// System returns a copy of the pinned system message.
func (w *Window) System() Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return cloneMessage(w.system)
}

// Reset clears the window down to the pinned system message.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = nil
}

// Checkpoint is a saved window history; see Window.Rollback.
type Checkpoint struct {
	messages []Message
}

// Checkpoint records the current history. Stored messages are never
// modified in place, so the saved slice shares them safely.
func (w *Window) Checkpoint() Checkpoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Checkpoint{messages: slices.Clone(w.messages)}
}

// Rollback restores the history saved by Checkpoint, including any
// messages evicted since. The system message is not affected.
func (w *Window) Rollback(c Checkpoint) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.messages = slices.Clone(c.messages)
}

// Len returns the number of entries including the system message.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages) + 1
}

// MaxMessages returns the window capacity.
func (w *Window) MaxMessages() int {
	return w.maxMessages
}

func cloneMessage(m Message) Message {
	if m.ToolCalls != nil {
		calls := make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			calls[i] = ToolCall{ID: tc.ID, Name: tc.Name, Arguments: cloneMap(tc.Arguments)}
		}
		m.ToolCalls = calls
	}
	return m
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
