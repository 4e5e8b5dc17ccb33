package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/funnair/internal/llm"
	"github.com/nugget/funnair/internal/memory"
	"github.com/nugget/funnair/internal/tools"
)

// ErrProvider marks a failed or malformed completion. Check with
// errors.Is; the concrete error is a *ProviderError.
var ErrProvider = errors.New("completion provider failed")

// ErrToolRoundLimitExceeded is recorded when a turn stops because the
// model kept requesting tools. The caller receives a degraded answer,
// not this error.
var ErrToolRoundLimitExceeded = errors.New("tool round limit exceeded")

// ProviderError wraps a provider failure with the round it occurred in.
type ProviderError struct {
	Round int
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error in round %d: %v", e.Round, e.Err)
}

// Unwrap exposes both ErrProvider and the underlying cause.
func (e *ProviderError) Unwrap() []error { return []error{ErrProvider, e.Err} }

// Completion is one provider answer: final text, tool calls, or both.
type Completion struct {
	Text      string
	ToolCalls []tools.Call
}

// Provider produces the next assistant step for a conversation.
type Provider interface {
	Complete(ctx context.Context, system memory.Message, history []memory.Message, specs []tools.Spec) (*Completion, error)
}

// LLMProvider adapts an llm.Client to Provider for a fixed model.
type LLMProvider struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// NewLLMProvider creates a provider that sends every request to model.
func NewLLMProvider(client llm.Client, model string, logger *slog.Logger) *LLMProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMProvider{client: client, model: model, logger: logger.With("component", "provider", "model", model)}
}

// Model returns the configured model name.
func (p *LLMProvider) Model() string { return p.model }

// Complete converts the window to provider messages and the tool specs
// to function definitions, then maps the response back.
func (p *LLMProvider) Complete(ctx context.Context, system memory.Message, history []memory.Message, specs []tools.Spec) (*Completion, error) {
	msgs := make([]llm.Message, 0, len(history)+1)
	if system.Content != "" {
		msgs = append(msgs, llm.Message{Role: string(memory.RoleSystem), Content: system.Content})
	}
	for _, m := range history {
		msgs = append(msgs, toLLMMessage(m))
	}

	var defs []map[string]any
	for _, s := range specs {
		defs = append(defs, s.Definition())
	}

	resp, err := p.client.Chat(ctx, p.model, msgs, defs)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("completion received",
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"tool_calls", len(resp.Message.ToolCalls),
	)

	c := &Completion{Text: resp.Message.Content}
	for _, tc := range resp.Message.ToolCalls {
		c.ToolCalls = append(c.ToolCalls, tools.Call{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return c, nil
}

func toLLMMessage(m memory.Message) llm.Message {
	out := llm.Message{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		IsError:    m.IsError,
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:       tc.ID,
			Function: llm.FunctionCall{Name: tc.Name, Arguments: tc.Arguments},
		})
	}
	return out
}
