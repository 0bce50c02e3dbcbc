package core

import (
	"time"

	"github.com/google/uuid"
)

// EventType is the discriminant of the Event tagged union.
type EventType string

const (
	EventPlanUpdate  EventType = "PlanUpdate"
	EventToolUpdate  EventType = "ToolUpdate"
	EventContent     EventType = "Content"
	EventFinalResult EventType = "FinalResult"
	EventError       EventType = "Error"
)

// Event is the only artifact crossing the orchestrator boundary. After
// emission it should be treated as immutable. Which payload fields are set
// depends on Type:
//
//   - PlanUpdate: Plan
//   - ToolUpdate: StepID, StepStatus, PartialOutput (optional)
//   - Content: TextDelta
//   - FinalResult: ResultText, ResultMetadata
//   - Error: Error
//
// Sequence and Timestamp are assigned by the event bus on publish; sequence
// numbers are strictly increasing per execution.
type Event struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	ExecutionID    string         `json:"execution_id"`
	Sequence       uint64         `json:"sequence"`
	Timestamp      time.Time      `json:"timestamp"`
	Plan           *PlanGraph     `json:"plan,omitempty"`
	StepID         string         `json:"step_id,omitempty"`
	StepStatus     StepStatus     `json:"status,omitempty"`
	PartialOutput  any            `json:"partial_output,omitempty"`
	TextDelta      string         `json:"text_delta,omitempty"`
	ResultText     string         `json:"result_text,omitempty"`
	ResultMetadata map[string]any `json:"result_metadata,omitempty"`
	Error          *ErrorInfo     `json:"error,omitempty"`
}

// NewEvent creates a bare event of the given type bound to an execution.
// Prefer the typed constructors below.
func NewEvent(t EventType, executionID string) Event {
	return Event{
		ID:          NewID(),
		Type:        t,
		ExecutionID: executionID,
		Timestamp:   time.Now().UTC(),
	}
}

// NewPlanUpdateEvent broadcasts a plan snapshot. The plan is cloned so later
// strategy-side changes can never leak into the published event.
func NewPlanUpdateEvent(executionID string, plan *PlanGraph) Event {
	e := NewEvent(EventPlanUpdate, executionID)
	e.Plan = plan.Clone()
	return e
}

// NewToolUpdateEvent reports a step status change.
func NewToolUpdateEvent(executionID, stepID string, status StepStatus, partial any) Event {
	e := NewEvent(EventToolUpdate, executionID)
	e.StepID = stepID
	e.StepStatus = status
	e.PartialOutput = partial
	return e
}

// NewContentEvent carries incremental model output.
func NewContentEvent(executionID, delta string) Event {
	e := NewEvent(EventContent, executionID)
	e.TextDelta = delta
	return e
}

// NewFinalResultEvent reports successful completion.
func NewFinalResultEvent(executionID, text string, metadata map[string]any) Event {
	e := NewEvent(EventFinalResult, executionID)
	e.ResultText = text
	e.ResultMetadata = metadata
	return e
}

// NewErrorEvent reports unrecoverable failure or cancellation.
func NewErrorEvent(executionID string, info *ErrorInfo) Event {
	e := NewEvent(EventError, executionID)
	e.Error = info
	return e
}

// NewID generates a new unique identifier for events and executions.
func NewID() string { return uuid.NewString() }

// IsTerminal reports whether no further events follow for the execution.
func (e Event) IsTerminal() bool {
	return e.Type == EventFinalResult || e.Type == EventError
}

// IsCancellation reports whether the event is the terminal marker of a
// cancelled execution.
func (e Event) IsCancellation() bool {
	return e.Type == EventError && e.Error != nil && e.Error.Code == CodeCancelled
}

// UnixSeconds returns the timestamp as fractional seconds since Unix epoch.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }
