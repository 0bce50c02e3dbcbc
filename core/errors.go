package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the manager, the strategies and the prompt
// resolver. Callers match them with errors.Is; producers wrap them with
// additional context using fmt.Errorf("...: %w", err).
var (
	// ErrDuplicateExecution is returned when a dispatch targets an execution id
	// that is still registered.
	ErrDuplicateExecution = errors.New("duplicate execution")

	// ErrUnknownStrategy is returned when a selector names no registered strategy.
	ErrUnknownStrategy = errors.New("unknown strategy")

	// ErrTemplateNotFound is returned when no prompt template exists at any
	// resolution tier.
	ErrTemplateNotFound = errors.New("template not found")

	// ErrTemplateVersionMismatch is returned in pinned mode when no version of
	// the resolved template satisfies the configured constraint.
	ErrTemplateVersionMismatch = errors.New("template version mismatch")

	// ErrStepExecution wraps a collaborator (tool or model) failure.
	ErrStepExecution = errors.New("step execution error")

	// ErrPlanCycleDetected is returned when plan dependencies do not form a DAG.
	ErrPlanCycleDetected = errors.New("plan cycle detected")

	// ErrInvalidPlan is returned for structurally broken plans (duplicate ids,
	// dangling dependencies, empty graphs).
	ErrInvalidPlan = errors.New("invalid plan")

	// ErrNotFound is returned for unknown execution ids.
	ErrNotFound = errors.New("execution not found")

	// ErrCancellationTimeout marks executions finalized by the manager because
	// the strategy did not acknowledge cancellation in time. Internal only.
	ErrCancellationTimeout = errors.New("cancellation timeout")

	// ErrLLMCallLimit is returned when an execution exhausts its model call budget.
	ErrLLMCallLimit = errors.New("llm call limit exceeded")
)

// Error codes carried by ErrorInfo on the wire.
const (
	CodeStepExecution     = "STEP_EXECUTION_ERROR"
	CodeDependencyFailed  = "DEPENDENCY_FAILED"
	CodePlanCycleDetected = "PLAN_CYCLE_DETECTED"
	CodeInvalidPlan       = "INVALID_PLAN"
	CodePlanningFailed    = "PLANNING_FAILED"
	CodeReplanExhausted   = "REPLAN_EXHAUSTED"
	CodeSolveFailed       = "SOLVE_FAILED"
	CodeCancelled         = "CANCELLED"
	CodeInternal          = "INTERNAL"
)

// ErrorInfo is the serializable error shape embedded in events, step results
// and execution feedback.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	StepID  string         `json:"step_id,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorInfo) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewErrorInfo constructs an ErrorInfo without step attribution.
func NewErrorInfo(code, message string) *ErrorInfo {
	return &ErrorInfo{Code: code, Message: message}
}

// coder is implemented by collaborator errors that carry their own code
// (for example tool.ToolError).
type coder interface {
	ErrorCode() string
}

// ToErrorInfo converts an arbitrary error into an ErrorInfo. Existing
// ErrorInfo values pass through, taxonomy errors map to their wire codes and
// everything else is reported as a step execution error.
func ToErrorInfo(err error) *ErrorInfo {
	if err == nil {
		return nil
	}

	var info *ErrorInfo
	if errors.As(err, &info) {
		return info
	}

	info = &ErrorInfo{Code: CodeStepExecution, Message: err.Error()}
	switch {
	case errors.Is(err, ErrPlanCycleDetected):
		info.Code = CodePlanCycleDetected
	case errors.Is(err, ErrInvalidPlan):
		info.Code = CodeInvalidPlan
	default:
		// Collaborator codes are preserved as detail; the wire code stays
		// STEP_EXECUTION_ERROR so consumers see one failure category.
		var c coder
		if errors.As(err, &c) && c.ErrorCode() != "" {
			info.Details = map[string]any{"collaborator_code": c.ErrorCode()}
		}
	}

	return info
}
