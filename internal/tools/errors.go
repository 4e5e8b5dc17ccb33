package tools

import (
	"errors"
	"fmt"
)

// Sentinel errors for registration and invocation. The typed errors
// below unwrap to these so callers can use errors.Is.
var (
	ErrDuplicateTool    = errors.New("duplicate tool")
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidSchema    = errors.New("invalid tool schema")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrToolTimeout      = errors.New("tool timed out")
)

// UnknownToolError is returned when a call targets a tool that is not
// present in the registry. The model asked for a capability that does
// not exist, so the loop reports it back rather than retrying.
type UnknownToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}

// Unwrap returns ErrUnknownTool.
func (e *UnknownToolError) Unwrap() error { return ErrUnknownTool }

// DuplicateToolError is returned when registering a name twice.
type DuplicateToolError struct {
	ToolName string
}

// Error implements the error interface.
func (e *DuplicateToolError) Error() string {
	return fmt.Sprintf("tool %q is already registered", e.ToolName)
}

// Unwrap returns ErrDuplicateTool.
func (e *DuplicateToolError) Unwrap() error { return ErrDuplicateTool }

// timeoutError matches errors that describe an expired wait, such as
// net.Error or a broker request timeout.
type timeoutError interface {
	Timeout() bool
}

func isTimeout(err error) bool {
	var te timeoutError
	return errors.As(err, &te) && te.Timeout()
}
