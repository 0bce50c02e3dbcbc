package core

import "context"

// Phase identifies the stage of a strategy a prompt template is used for.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseExecution  Phase = "execution"
	PhaseReplanning Phase = "replanning"
	PhaseSolve      Phase = "solve"
)

// TemplateRef is a resolved prompt template. Body carries the template text so
// invokers do not need access to the catalog.
type TemplateRef struct {
	ID       string       `json:"id"`
	Version  string       `json:"version,omitempty"`
	Phase    Phase        `json:"phase"`
	Strategy StrategyKind `json:"strategy,omitempty"`
	Body     string       `json:"-"`
}

// String renders the ref as id@version.
func (r TemplateRef) String() string {
	if r.Version == "" {
		return r.ID
	}
	return r.ID + "@" + r.Version
}

// LLMInvoker is the boundary to the language-model invocation layer. Calls
// block until the model answers; cancelling ctx stops awaiting the answer.
type LLMInvoker interface {
	Invoke(ctx context.Context, ref TemplateRef, vars map[string]any) (string, error)
}

// StreamingLLMInvoker is optionally implemented by invokers able to surface
// incremental output. onDelta is called synchronously for every chunk.
type StreamingLLMInvoker interface {
	LLMInvoker
	InvokeStream(ctx context.Context, ref TemplateRef, vars map[string]any, onDelta func(string)) (string, error)
}

// ToolInvoker is the boundary to the tool invocation layer.
type ToolInvoker interface {
	Call(ctx context.Context, toolRef string, params map[string]any) (any, error)
}

// ToolDescription summarizes a tool for planning prompts.
type ToolDescription struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolDescriber is optionally implemented by tool invokers that can list
// their catalog.
type ToolDescriber interface {
	Describe() []ToolDescription
}
