// Package tool implements the tool invocation layer plan steps call into:
// structured capabilities (APIs, computations, side-effects) with schema
// validated arguments, consistent error handling and descriptions that are
// fed to planning prompts.
package tool

import (
	"context"
	"fmt"

	"github.com/hupe1980/planmesh/internal/util"
)

// Tool defines the interface for capabilities a plan step can invoke via its
// tool_ref.
//
// Tool implementations should:
//   - Provide clear, descriptive names and descriptions
//   - Define proper JSON schema for parameters
//   - Handle errors gracefully
//   - Be thread-safe; ParallelTaskGraph calls tools concurrently
type Tool interface {
	// Name returns the unique identifier for this tool. Plan steps reference
	// tools by this name.
	Name() string

	// Description returns a human-readable description of what this tool does.
	// It is shown to the planner so it can decide when to use the tool.
	Description() string

	// Parameters returns a JSON schema describing the expected input format.
	Parameters() map[string]any

	// Call executes the tool. Cancelling ctx means the caller stopped waiting
	// for the result; implementations should return promptly when they can.
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ValidationError represents parameter validation errors with detailed information.
type ValidationError = util.ValidationError

// Error codes used by ToolError.
const (
	CodeValidation  = "VALIDATION_ERROR"
	CodeExecution   = "EXECUTION_ERROR"
	CodeNotFound    = "TOOL_NOT_FOUND"
	CodeRateLimited = "RATE_LIMITED"
)

// ToolError represents errors that occur during tool execution.
type ToolError struct {
	Tool    string `json:"tool"`              // Name of the tool that failed
	Message string `json:"message"`           // Error message
	Code    string `json:"code"`              // Error code for categorization
	Details any    `json:"details,omitempty"` // Additional error details
	cause   error
}

func (e *ToolError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("tool error [%s] in %s: %s", e.Code, e.Tool, e.Message)
	}
	return fmt.Sprintf("tool error in %s: %s", e.Tool, e.Message)
}

// ErrorCode exposes the tool code so it survives conversion into core.ErrorInfo.
func (e *ToolError) ErrorCode() string { return e.Code }

// Unwrap returns the underlying cause, if any.
func (e *ToolError) Unwrap() error { return e.cause }

// NewToolError creates a new ToolError with the specified details.
func NewToolError(tool, message, code string) *ToolError {
	return &ToolError{
		Tool:    tool,
		Message: message,
		Code:    code,
	}
}

// wrapToolError builds a ToolError that keeps err reachable via errors.Is/As.
func wrapToolError(tool, code string, err error) *ToolError {
	return &ToolError{Tool: tool, Message: err.Error(), Code: code, cause: err}
}
