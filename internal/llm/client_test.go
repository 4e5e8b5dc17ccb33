package llm

import (
	"context"
	"errors"
	"testing"
)

type stubClient struct {
	name    string
	pingErr error
	models  []string
}

func (s *stubClient) Chat(_ context.Context, model string, _ []Message, _ []map[string]any) (*ChatResponse, error) {
	s.models = append(s.models, model)
	return &ChatResponse{Model: model, Message: Message{Role: "assistant", Content: s.name}}, nil
}

func (s *stubClient) Ping(context.Context) error { return s.pingErr }

func TestMultiClient_Routing(t *testing.T) {
	fallback := &stubClient{name: "ollama"}
	anthropic := &stubClient{name: "anthropic"}

	m := NewMultiClient(fallback)
	m.AddProvider("anthropic", anthropic)
	m.AddModel("claude-sonnet-4-5", "anthropic")
	m.AddModel("orphan-model", "missing-provider")

	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-5", "anthropic"},
		{"qwen3:8b", "ollama"},
		{"orphan-model", "ollama"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			resp, err := m.Chat(context.Background(), tt.model, nil, nil)
			if err != nil {
				t.Fatalf("Chat: %v", err)
			}
			if resp.Message.Content != tt.want {
				t.Errorf("routed to %q, want %q", resp.Message.Content, tt.want)
			}
		})
	}
}

func TestMultiClient_NoProvider(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "anything", nil, nil); err == nil {
		t.Error("expected error without any provider")
	}
	if err := m.Ping(context.Background()); err == nil {
		t.Error("expected ping error without any provider")
	}
}

func TestMultiClient_Ping(t *testing.T) {
	boom := errors.New("unreachable")
	m := NewMultiClient(&stubClient{})
	m.AddProvider("openai", &stubClient{pingErr: boom})

	if err := m.Ping(context.Background()); !errors.Is(err, boom) {
		t.Errorf("Ping = %v, want wrapped %v", err, boom)
	}
}
