package core

import "time"

// StepStatus is the lifecycle state of a single plan step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepSkipped StepStatus = "skipped"
)

// IsTerminal reports whether no further transitions follow.
func (s StepStatus) IsTerminal() bool {
	return s == StepSuccess || s == StepError || s == StepSkipped
}

// StepResult is the immutable outcome of executing (or skipping) a step.
type StepResult struct {
	StepID   string        `json:"step_id"`
	Status   StepStatus    `json:"status"`
	Output   any           `json:"output,omitempty"`
	Error    *ErrorInfo    `json:"error,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// SuccessResult builds a successful result.
func SuccessResult(stepID string, output any) StepResult {
	return StepResult{StepID: stepID, Status: StepSuccess, Output: output}
}

// ErrorResult builds a failed result from a collaborator error.
func ErrorResult(stepID string, err error) StepResult {
	info := ToErrorInfo(err)
	if info != nil && info.StepID == "" {
		cp := *info
		cp.StepID = stepID
		info = &cp
	}
	return StepResult{StepID: stepID, Status: StepError, Error: info}
}

// SkippedResult builds a result for a step whose dependency did not succeed.
func SkippedResult(stepID, cause string) StepResult {
	return StepResult{
		StepID: stepID,
		Status: StepSkipped,
		Error: &ErrorInfo{
			Code:    CodeDependencyFailed,
			Message: "dependency " + cause + " did not succeed",
			StepID:  stepID,
			Details: map[string]any{"dependency": cause},
		},
	}
}

// ExecutionFeedback describes a step failure to the replanner.
type ExecutionFeedback struct {
	FailedStep     string                `json:"failed_step"`
	Error          ErrorInfo             `json:"error"`
	PartialResults map[string]StepResult `json:"partial_results"`
	Attempt        int                   `json:"attempt"`
}

// NewExecutionFeedback snapshots the partial results so the feedback stays
// immutable while execution continues.
func NewExecutionFeedback(failed StepResult, partial map[string]StepResult) ExecutionFeedback {
	fb := ExecutionFeedback{
		FailedStep:     failed.StepID,
		PartialResults: make(map[string]StepResult, len(partial)),
		Attempt:        failed.Attempts,
	}
	if failed.Error != nil {
		fb.Error = *failed.Error
	}
	for k, v := range partial {
		fb.PartialResults[k] = v
	}
	return fb
}
