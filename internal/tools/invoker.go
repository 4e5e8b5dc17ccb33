package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultTimeout bounds a tool call when neither the caller nor the
// invoker configuration supplies one.
const DefaultTimeout = 30 * time.Second

// Invoker executes tool calls. Every failure mode a tool can hit
// (bad arguments, deadline, handler error, panic) comes back as an
// error Result so the conversation can carry on.
type Invoker struct {
	logger  *slog.Logger
	timeout time.Duration
}

// NewInvoker creates an invoker whose calls are bounded by timeout
// unless Invoke is given a different one.
func NewInvoker(logger *slog.Logger, timeout time.Duration) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Invoker{
		logger:  logger.With("component", "tools"),
		timeout: timeout,
	}
}

type outcome struct {
	content string
	err     error
}

// Invoke validates call.Arguments against the tool's schema and runs
// its handler with a deadline. A timeout <= 0 uses the invoker default.
// Invoke returns within timeout plus scheduling slack even when the
// handler ignores its context; an abandoned handler finishes in the
// background and its result is dropped.
func (inv *Invoker) Invoke(ctx context.Context, tool *Tool, call Call, timeout time.Duration) Result {
	if timeout <= 0 {
		timeout = inv.timeout
	}
	log := inv.logger.With("tool", call.Name, "call_id", call.ID)

	if err := tool.ValidateArguments(call.Arguments); err != nil {
		log.Warn("tool arguments rejected", "error", err)
		return ErrorResult(call.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool %s panicked: %v", call.Name, r)}
			}
		}()
		content, err := tool.Handler(ctx, call.Arguments)
		done <- outcome{content: content, err: err}
	}()

	select {
	case o := <-done:
		elapsed := time.Since(start)
		if o.err != nil {
			log.Warn("tool failed", "duration", elapsed.Round(time.Millisecond), "error", o.err)
			if isTimeout(o.err) || errors.Is(o.err, context.DeadlineExceeded) {
				return timeoutResult(call, o.err)
			}
			return ErrorResult(call.ID, o.err)
		}
		log.Info("tool completed", "duration", elapsed.Round(time.Millisecond), "result_len", len(o.content))
		return Result{ID: call.ID, Content: o.content}

	case <-ctx.Done():
		elapsed := time.Since(start)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn("tool timed out", "timeout", timeout, "duration", elapsed.Round(time.Millisecond))
			return timeoutResult(call, fmt.Errorf("%w after %s", ErrToolTimeout, timeout))
		}
		log.Warn("tool call cancelled", "duration", elapsed.Round(time.Millisecond))
		return ErrorResult(call.ID, ctx.Err())
	}
}

// ErrorResult builds an error Result for call id from err.
func ErrorResult(id string, err error) Result {
	return Result{
		ID:      id,
		Content: "Error: " + err.Error(),
		IsError: true,
	}
}

func timeoutResult(call Call, err error) Result {
	return Result{
		ID:      call.ID,
		Content: fmt.Sprintf("Timeout: tool %s did not complete: %v", call.Name, err),
		IsError: true,
	}
}
