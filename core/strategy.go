package core

import "context"

// StrategyKind names one of the interchangeable planning/execution strategies.
type StrategyKind string

const (
	KindSequentialReplanning StrategyKind = "sequential_replanning"
	KindParallelTaskGraph    StrategyKind = "parallel_task_graph"
	KindPlanThenSolve        StrategyKind = "plan_then_solve"
)

// Options are the per-dispatch knobs recognized at the boundary. Zero values
// (nil pointers, zero ints) select the strategy-level defaults.
type Options struct {
	// ExecutionID resumes a known id instead of allocating a new one. A
	// dispatch for an id that is still registered fails with
	// ErrDuplicateExecution.
	ExecutionID string `json:"execution_id,omitempty"`

	// PromptOverrides maps a phase to a template id (optionally id@version).
	PromptOverrides map[Phase]string `json:"prompt_overrides,omitempty"`

	// MaxRetriesPerStep bounds identical retries of a failed step
	// (SequentialReplanning).
	MaxRetriesPerStep *int `json:"max_retries_per_step,omitempty"`

	// MaxReplans bounds plan amendments (SequentialReplanning).
	MaxReplans *int `json:"max_replans,omitempty"`

	// ConcurrencyLimit bounds concurrently running steps (ParallelTaskGraph,
	// PlanThenSolve).
	ConcurrencyLimit int `json:"concurrency_limit,omitempty"`

	// PinnedVersions makes template resolution enforce version constraints.
	PinnedVersions bool `json:"pinned_versions,omitempty"`

	// Plan supplies a pre-built plan; the planning phase is skipped.
	Plan *PlanGraph `json:"plan,omitempty"`

	// Variables are exposed to every prompt template.
	Variables map[string]any `json:"variables,omitempty"`

	// MaxLLMCalls caps model invocations for the execution (0 = unlimited).
	MaxLLMCalls int `json:"max_llm_calls,omitempty"`
}

// Int returns a pointer to v, handy for the optional integer options.
func Int(v int) *int { return &v }

// Task is everything a strategy instance needs to plan and run one execution.
// Templates are resolved by the manager before the execution is registered so
// resolution failures never leave partial state behind.
type Task struct {
	ExecutionID string
	Description string
	Options     Options
	Templates   map[Phase]TemplateRef
}

// Template returns the resolved template for a phase.
func (t Task) Template(p Phase) (TemplateRef, bool) {
	ref, ok := t.Templates[p]
	return ref, ok
}

// Progress is a strategy's own estimate of how far it got.
type Progress struct {
	StepsTotal     int     `json:"steps_total"`
	StepsCompleted int     `json:"steps_completed"`
	StepsFailed    int     `json:"steps_failed"`
	StepsSkipped   int     `json:"steps_skipped"`
	Fraction       float64 `json:"fraction"`
}

// Emitter publishes events for one execution. Implementations assign
// sequence numbers and enforce ordering; Emit never blocks on the consumer.
type Emitter interface {
	Emit(ev Event) error
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event) error

// Emit implements Emitter.
func (f EmitterFunc) Emit(ev Event) error { return f(ev) }

// Strategy is the capability interface shared by all execution strategies.
//
// A Strategy instance serves exactly one execution. The manager calls Run on a
// dedicated goroutine; Cancel may be called concurrently and only sets a flag
// that Run checks at its suspension points (before a step starts, after a step
// completes and before every ready-queue dispatch). Run must finalize the
// ExecutionContext and emit exactly one terminal event unless the context was
// already finalized by someone else.
type Strategy interface {
	Kind() StrategyKind
	Plan(ctx context.Context, task Task) (*PlanGraph, error)
	Run(ctx context.Context, exec *ExecutionContext, emit Emitter) error
	Cancel()
	Progress() Progress
}
