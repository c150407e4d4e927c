package tool

import (
	"context"
	"fmt"

	"github.com/agentrelay/agentrelay/core"
	"github.com/agentrelay/agentrelay/internal/util"
)

// FuncTool is a generic adapter that exposes a plain Go function as a Tool.
//
// It validates supplied arguments against a minimal JSON-Schema-like
// specification before execution and normalizes failures so callers always
// receive *ToolError with consistent codes: VALIDATION_ERROR for schema
// mismatches, EXECUTION_ERROR for plain errors from the wrapped function,
// with custom codes preserved when the function returns *ToolError directly.
//
// A FuncTool has no mutable state after construction and is safe for
// concurrent use by multiple runs.
type FuncTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, ec *core.ExecutionContext, args map[string]any) (any, error)
}

var _ Tool = (*FuncTool)(nil)

// NewFuncTool constructs a FuncTool from an explicit schema and function.
//
// Example:
//
//	sum := NewFuncTool(
//	  "calculate_sum",
//	  "Calculate the sum of two numbers",
//	  map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	      "a": map[string]any{"type": "number"},
//	      "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	  },
//	  func(_ context.Context, _ *core.ExecutionContext, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	  },
//	)
func NewFuncTool(
	name, description string,
	parameters map[string]any,
	fn func(ctx context.Context, ec *core.ExecutionContext, args map[string]any) (any, error),
) *FuncTool {
	return &FuncTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

// NewFuncToolFromStruct derives the parameter schema from a struct using
// reflection, equivalent to util.CreateSchema(structType).
func NewFuncToolFromStruct(
	name, description string,
	structType any,
	fn func(ctx context.Context, ec *core.ExecutionContext, args map[string]any) (any, error),
) *FuncTool {
	return NewFuncTool(name, description, util.CreateSchema(structType), fn)
}

// Name returns the unique tool name used in dispatch routing.
func (t *FuncTool) Name() string { return t.name }

// Description returns the short natural language description of the tool.
func (t *FuncTool) Description() string { return t.description }

// Parameters returns the JSON schema describing expected arguments.
func (t *FuncTool) Parameters() map[string]any { return t.parameters }

// Call validates args against the declared schema then invokes the wrapped
// function. Failures come back as *ToolError.
func (t *FuncTool) Call(ctx context.Context, ec *core.ExecutionContext, args map[string]any) (any, error) {
	if err := util.ValidateParameters(args, t.parameters); err != nil {
		return nil, &ToolError{
			Tool:    t.name,
			Message: fmt.Sprintf("parameter validation failed: %v", err),
			Code:    CodeValidation,
			Details: err,
		}
	}

	result, err := t.fn(ctx, ec, args)
	if err != nil {
		if toolErr, ok := err.(*ToolError); ok {
			return nil, toolErr
		}
		return nil, &ToolError{
			Tool:    t.name,
			Message: err.Error(),
			Code:    CodeExecution,
		}
	}

	return result, nil
}
