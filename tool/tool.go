// Package tool implements the function calling subsystem that lets agents
// invoke structured capabilities (APIs, computations, side effects) with
// schema validated arguments and consistent error handling. The Dispatcher
// binds a tool set to one run and reports every invocation through the run's
// event emitter.
package tool

import (
	"context"
	"fmt"

	"github.com/agentrelay/agentrelay/core"
	"github.com/agentrelay/agentrelay/internal/util"
)

// Tool defines the interface for extending agent capabilities with external
// functions.
//
// Tool implementations should:
//   - Provide clear, descriptive names (snake_case recommended)
//   - Define a proper JSON schema for parameters
//   - Respect context cancellation in long calls
//   - Be thread-safe if registered for concurrent use
type Tool interface {
	// Name returns the unique identifier for this tool.
	Name() string

	// Description returns a human-readable description of what this tool does.
	Description() string

	// Parameters returns a JSON schema describing the expected arguments.
	Parameters() map[string]any

	// Call executes the tool. Arguments have been validated against the
	// tool's schema by the time Call runs. The ExecutionContext is the run's;
	// tools may read it and append audit records but must not retain it.
	Call(ctx context.Context, ec *core.ExecutionContext, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes carried by ToolError.
const (
	CodeValidation = "VALIDATION_ERROR"
	CodeExecution  = "EXECUTION_ERROR"
	CodeNotFound   = "TOOL_NOT_FOUND"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{Tool: tool, Message: message, Code: code}
}
