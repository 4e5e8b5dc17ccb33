// Package agent implements the completion loop: it sends the
// conversation to the model, runs the tools the model asks for, feeds
// the results back and repeats until the model answers in text.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/funnair/internal/events"
	"github.com/nugget/funnair/internal/memory"
	"github.com/nugget/funnair/internal/tools"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultMaxToolRounds   = 5
	DefaultProviderTimeout = 60 * time.Second
	DefaultMaxParallel     = 4
)

// DegradedAnswer is returned when the model is still asking for tools
// after the round limit.
const DegradedAnswer = "I'm sorry, I was unable to complete the request. Please try again or rephrase your question."

// Options configures a Loop.
type Options struct {
	// MaxToolRounds caps how many rounds of tool execution one turn may
	// run.
	MaxToolRounds int
	// ProviderTimeout bounds each provider call.
	ProviderTimeout time.Duration
	// ToolTimeout bounds each tool call. Zero uses the invoker default.
	ToolTimeout time.Duration
	// ParallelTools runs the calls of one round concurrently, at most
	// MaxParallel at a time. Results are recorded in request order
	// either way.
	ParallelTools bool
	MaxParallel   int

	Logger *slog.Logger
	Bus    *events.Bus
}

// Event kinds delivered to a Request's OnEvent callback.
const (
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventDegraded   = "degraded"
	EventDone       = "done"
)

// Event is a progress notification for streaming front-ends.
type Event struct {
	Kind   string        `json:"kind"`
	Round  int           `json:"round"`
	Call   *tools.Call   `json:"call,omitempty"`
	Result *tools.Result `json:"result,omitempty"`
	Text   string        `json:"text,omitempty"`
}

// Request is one user message for a session.
type Request struct {
	SessionID string
	Message   string
	// OnEvent, when set, is called synchronously from the turn's
	// goroutine as tools run and when the answer is ready.
	OnEvent func(Event)
}

// Result is the outcome of a turn.
type Result struct {
	Text string `json:"text"`
	// Rounds is the number of tool rounds executed.
	Rounds int `json:"rounds"`
	// Degraded is set when the round limit cut the turn short.
	Degraded  bool   `json:"degraded"`
	ToolCalls int    `json:"tool_calls"`
	TurnID    string `json:"turn_id"`
}

// Loop is the completion loop. A single Loop serves every session.
type Loop struct {
	provider Provider
	registry *tools.Registry
	invoker  *tools.Invoker
	sessions *memory.Store
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
}

// New creates a loop. sessions may be nil when only Turn is used.
func New(provider Provider, registry *tools.Registry, invoker *tools.Invoker, sessions *memory.Store, opts Options) *Loop {
	if opts.MaxToolRounds <= 0 {
		opts.MaxToolRounds = DefaultMaxToolRounds
	}
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = DefaultProviderTimeout
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if invoker == nil {
		invoker = tools.NewInvoker(logger, opts.ToolTimeout)
	}
	return &Loop{
		provider: provider,
		registry: registry,
		invoker:  invoker,
		sessions: sessions,
		opts:     opts,
		logger:   logger.With("component", "agent"),
		tracer:   otel.Tracer("github.com/nugget/funnair/internal/agent"),
	}
}

// Run executes a turn against the session's window. Turns for the same
// session are serialised; different sessions run concurrently.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	if l.sessions == nil {
		return nil, errors.New("agent: no session store configured")
	}
	id := req.SessionID
	if id == "" {
		id = "default"
	}
	sess := l.sessions.Get(id)
	sess.Lock()
	defer sess.Unlock()

	return l.turn(ctx, sess.Window, id, req.Message, req.OnEvent)
}

// Turn executes one turn against an explicit window. The caller is
// responsible for not running two turns on the same window at once.
func (l *Loop) Turn(ctx context.Context, w *memory.Window, sessionID, text string) (*Result, error) {
	return l.turn(ctx, w, sessionID, text, nil)
}

// turn runs one turn. A turn that fails leaves the window as it found
// it, so a retried message is not recorded twice.
func (l *Loop) turn(ctx context.Context, w *memory.Window, sessionID, text string, onEvent func(Event)) (res *Result, err error) {
	turnID := generateRequestID()
	start := time.Now()
	log := l.logger.With("turn_id", turnID, "session_id", sessionID)
	emit := func(e Event) {
		if onEvent != nil {
			onEvent(e)
		}
	}

	ctx = tools.WithSessionID(ctx, sessionID)
	ctx, span := l.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("turn.id", turnID),
	))
	defer span.End()

	cp := w.Checkpoint()
	defer func() {
		if err != nil {
			w.Rollback(cp)
			log.Debug("turn rolled back", "error", err)
		}
	}()

	if err := w.Append(memory.Message{Role: memory.RoleUser, Content: text}); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	log.Info("turn started", "message_len", len(text), "history", w.Len())
	l.opts.Bus.Emit(events.SourceAgent, events.KindTurnStart, map[string]any{
		"turn_id":    turnID,
		"session_id": sessionID,
	})

	res = &Result{TurnID: turnID}
	specs := l.registry.List()

	for round := 0; ; round++ {
		comp, err := l.complete(ctx, log, turnID, round, w, specs)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "provider failed")
			return nil, err
		}

		if len(comp.ToolCalls) == 0 {
			if err := w.Append(memory.Message{Role: memory.RoleAssistant, Content: comp.Text}); err != nil {
				return nil, fmt.Errorf("append answer: %w", err)
			}
			res.Text = comp.Text
			emit(Event{Kind: EventDone, Round: round, Text: comp.Text})
			l.finish(log, span, res, sessionID, start)
			return res, nil
		}

		if round+1 > l.opts.MaxToolRounds {
			log.Warn("tool round limit exceeded",
				"error", ErrToolRoundLimitExceeded,
				"max_tool_rounds", l.opts.MaxToolRounds,
				"pending_calls", len(comp.ToolCalls),
			)
			l.opts.Bus.Emit(events.SourceAgent, events.KindRoundLimit, map[string]any{
				"turn_id": turnID,
				"rounds":  round,
			})
			if err := w.Append(memory.Message{Role: memory.RoleAssistant, Content: DegradedAnswer}); err != nil {
				return nil, fmt.Errorf("append degraded answer: %w", err)
			}
			res.Text = DegradedAnswer
			res.Degraded = true
			span.SetStatus(codes.Error, ErrToolRoundLimitExceeded.Error())
			emit(Event{Kind: EventDegraded, Round: round, Text: DegradedAnswer})
			l.finish(log, span, res, sessionID, start)
			return res, nil
		}

		calls := comp.ToolCalls
		for _, c := range calls {
			emit(Event{Kind: EventToolCall, Round: round, Call: &c})
		}
		results, err := l.execute(ctx, log, turnID, calls)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		for i, c := range calls {
			intent := memory.Message{
				Role:      memory.RoleAssistant,
				ToolCalls: []memory.ToolCall{{ID: c.ID, Name: c.Name, Arguments: c.Arguments}},
			}
			if i == 0 {
				intent.Content = comp.Text
			}
			if err := w.Append(intent); err != nil {
				return nil, fmt.Errorf("append tool call %s: %w", c.ID, err)
			}
			r := results[i]
			if err := w.Append(memory.Message{
				Role:       memory.RoleTool,
				Content:    r.Content,
				ToolCallID: r.ID,
				IsError:    r.IsError,
			}); err != nil {
				return nil, fmt.Errorf("append tool result %s: %w", r.ID, err)
			}
			emit(Event{Kind: EventToolResult, Round: round, Call: &calls[i], Result: &r})
		}
		res.Rounds++
		res.ToolCalls += len(calls)
	}
}

// complete makes one bounded provider call and normalises the tool
// calls it returns.
func (l *Loop) complete(ctx context.Context, log *slog.Logger, turnID string, round int, w *memory.Window, specs []tools.Spec) (*Completion, error) {
	ctx, span := l.tracer.Start(ctx, "agent.provider", trace.WithAttributes(
		attribute.Int("round", round),
		attribute.Int("tools", len(specs)),
	))
	defer span.End()

	l.opts.Bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"turn_id": turnID,
		"round":   round,
	})

	pctx, cancel := context.WithTimeout(ctx, l.opts.ProviderTimeout)
	defer cancel()

	start := time.Now()
	comp, err := l.provider.Complete(pctx, w.System(), w.History(), specs)
	if err == nil && comp == nil {
		err = errors.New("empty completion")
	}
	if err != nil {
		log.Error("provider call failed", "round", round, "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider failed")
		return nil, &ProviderError{Round: round, Err: err}
	}

	for i := range comp.ToolCalls {
		c := &comp.ToolCalls[i]
		if c.Name == "" {
			err := fmt.Errorf("tool call %d has no name", i)
			log.Error("malformed completion", "round", round, "error", err)
			span.SetStatus(codes.Error, "malformed completion")
			return nil, &ProviderError{Round: round, Err: err}
		}
		if c.ID == "" {
			c.ID = "call_" + uuid.NewString()
		}
		if c.Arguments == nil {
			c.Arguments = map[string]any{}
		}
	}

	log.Debug("provider responded",
		"round", round,
		"tool_calls", len(comp.ToolCalls),
		"text_len", len(comp.Text),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	l.opts.Bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
		"turn_id":    turnID,
		"round":      round,
		"tool_calls": len(comp.ToolCalls),
	})
	return comp, nil
}

// execute runs one round of tool calls and returns their results in
// request order. Tools run on a context that survives caller
// cancellation so a handler is never torn down mid-write; if the caller
// has gone away by the time they finish, the results are discarded.
func (l *Loop) execute(ctx context.Context, log *slog.Logger, turnID string, calls []tools.Call) ([]tools.Result, error) {
	toolCtx := context.WithoutCancel(ctx)
	results := make([]tools.Result, len(calls))

	limit := 1
	if l.opts.ParallelTools {
		limit = l.opts.MaxParallel
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, c := range calls {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = l.invoke(toolCtx, log, turnID, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Info("turn cancelled during tool execution", "error", err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		log.Info("turn cancelled, discarding tool results", "error", err)
		return nil, err
	}
	return results, nil
}

func (l *Loop) invoke(ctx context.Context, log *slog.Logger, turnID string, c tools.Call) tools.Result {
	ctx, span := l.tracer.Start(ctx, "agent.tool", trace.WithAttributes(
		attribute.String("tool.name", c.Name),
		attribute.String("tool.call_id", c.ID),
	))
	defer span.End()

	l.opts.Bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"turn_id": turnID,
		"tool":    c.Name,
		"call_id": c.ID,
	})

	start := time.Now()
	var r tools.Result
	tool, err := l.registry.Resolve(c.Name)
	if err != nil {
		log.Warn("model requested unknown tool", "tool", c.Name, "call_id", c.ID)
		r = tools.ErrorResult(c.ID, err)
	} else {
		r = l.invoker.Invoke(ctx, tool, c, l.opts.ToolTimeout)
	}
	if r.IsError {
		span.SetStatus(codes.Error, "tool error")
	}

	l.opts.Bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"turn_id":     turnID,
		"tool":        c.Name,
		"call_id":     c.ID,
		"ok":          !r.IsError,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return r
}

func (l *Loop) finish(log *slog.Logger, span trace.Span, res *Result, sessionID string, start time.Time) {
	elapsed := time.Since(start)
	span.SetAttributes(
		attribute.Int("rounds", res.Rounds),
		attribute.Int("tool_calls", res.ToolCalls),
		attribute.Bool("degraded", res.Degraded),
	)
	log.Info("turn complete",
		"rounds", res.Rounds,
		"tool_calls", res.ToolCalls,
		"degraded", res.Degraded,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	l.opts.Bus.Emit(events.SourceAgent, events.KindTurnComplete, map[string]any{
		"turn_id":    res.TurnID,
		"session_id": sessionID,
		"rounds":     res.Rounds,
		"degraded":   res.Degraded,
		"elapsed_ms": elapsed.Milliseconds(),
	})
}

// generateRequestID returns a short id for correlating the log lines
// of one turn: "r_" followed by 8 hex characters.
func generateRequestID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return "r_" + hex.EncodeToString(b[:])
}
