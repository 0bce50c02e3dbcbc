package testutil

import (
	"github.com/hupe1980/planmesh/core"
)

// PlanBuilder provides a fluent helper for constructing plan graphs in tests.
// Example:
//
//	plan := NewPlanBuilder("exec-1").Tool("A", "echo", nil).Tool("B", "echo", nil).Step("C", "A", "B").Build()
//
// Steps are added in call order; dependencies are not validated until Build's
// caller does so.
type PlanBuilder struct {
	executionID string
	summary     string
	steps       []core.PlanStep
}

// NewPlanBuilder creates a builder for the given execution id.
func NewPlanBuilder(executionID string) *PlanBuilder {
	return &PlanBuilder{executionID: executionID}
}

// Summary sets the plan summary (chainable).
func (b *PlanBuilder) Summary(s string) *PlanBuilder { b.summary = s; return b }

// Step appends a reasoning step answered by the LLM (chainable).
func (b *PlanBuilder) Step(id string, dependsOn ...string) *PlanBuilder {
	b.steps = append(b.steps, core.PlanStep{ID: id, Description: "step " + id, DependsOn: dependsOn})
	return b
}

// Tool appends a tool step (chainable).
func (b *PlanBuilder) Tool(id, tool string, params map[string]any, dependsOn ...string) *PlanBuilder {
	b.steps = append(b.steps, core.PlanStep{
		ID:          id,
		Description: "call " + tool,
		ToolRef:     tool,
		Parameters:  params,
		DependsOn:   dependsOn,
	})
	return b
}

// Build returns the graph with revision 1.
func (b *PlanBuilder) Build() *core.PlanGraph {
	g := core.NewPlanGraph(b.executionID, b.steps...)
	g.Summary = b.summary
	g.Revision = 1
	return g
}

// DefaultTemplates returns refs for the built-in template of every phase.
func DefaultTemplates() map[core.Phase]core.TemplateRef {
	return map[core.Phase]core.TemplateRef{
		core.PhasePlanning:   {ID: "planning.default", Version: "1.0.0", Phase: core.PhasePlanning},
		core.PhaseExecution:  {ID: "execution.default", Version: "1.0.0", Phase: core.PhaseExecution},
		core.PhaseReplanning: {ID: "replanning.default", Version: "1.0.0", Phase: core.PhaseReplanning},
		core.PhaseSolve:      {ID: "solve.default", Version: "1.0.0", Phase: core.PhaseSolve},
	}
}

// NewTask builds a task with the default templates resolved.
func NewTask(executionID, description string, opts core.Options) core.Task {
	return core.Task{
		ExecutionID: executionID,
		Description: description,
		Options:     opts,
		Templates:   DefaultTemplates(),
	}
}

// NewExecution builds a Running execution context for a strategy test.
func NewExecution(task core.Task, kind core.StrategyKind) *core.ExecutionContext {
	exec := core.NewExecutionContext(task, kind)
	exec.CompareAndSwapStatus(core.StatusPending, core.StatusRunning)
	return exec
}
