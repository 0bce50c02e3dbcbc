package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/planmesh/core"
)

// ParallelTaskGraph plans the full dependency DAG upfront and executes it
// with a bounded ready-queue scheduler.
//
// Failure is infectious along the DAG: a step whose dependency ended in
// Error or Skipped is itself Skipped, while independent branches keep
// running. The execution completes only if every step succeeded.
type ParallelTaskGraph struct {
	base
}

var _ core.Strategy = (*ParallelTaskGraph)(nil)

// NewParallelTaskGraph creates a strategy instance for one execution.
func NewParallelTaskGraph(llm core.LLMInvoker, tools core.ToolInvoker, optFns ...func(o *Options)) *ParallelTaskGraph {
	return &ParallelTaskGraph{base: newBase(core.KindParallelTaskGraph, llm, tools, optFns)}
}

// Plan implements core.Strategy.
func (p *ParallelTaskGraph) Plan(ctx context.Context, task core.Task) (*core.PlanGraph, error) {
	return p.planWithLLM(ctx, task, core.PhasePlanning, nil)
}

// Run implements core.Strategy.
func (p *ParallelTaskGraph) Run(ctx context.Context, exec *core.ExecutionContext, emitter core.Emitter) (err error) {
	p.attach(exec)
	defer p.recoverRun(exec, emitter, &err)

	if p.shouldStop(ctx, exec) {
		return p.finishCancelled(exec, emitter)
	}

	plan, perr := p.initialPlan(ctx, p, exec)
	if perr != nil {
		return p.finishError(exec, emitter, perr)
	}
	p.publishPlan(exec, emitter, plan)

	sched := &scheduler{
		b:       &p.base,
		exec:    exec,
		emitter: emitter,
		plan:    plan,
		limit:   p.concurrency(exec.Task),
	}
	out := sched.run(ctx)

	if out.cancelled {
		return p.finishCancelled(exec, emitter)
	}

	if len(out.failed) > 0 || len(out.skipped) > 0 {
		info := &core.ErrorInfo{
			Code:    core.CodeStepExecution,
			Message: fmt.Sprintf("%d step(s) failed, %d skipped", len(out.failed), len(out.skipped)),
			Details: map[string]any{
				"failed":  out.failed,
				"skipped": out.skipped,
			},
		}
		if len(out.failed) > 0 {
			info.StepID = out.failed[0]
			if r := out.results[out.failed[0]]; r.Error != nil {
				info.Details["cause"] = r.Error
			}
		}
		return p.finishError(exec, emitter, info)
	}

	return p.finishResult(exec, emitter, joinOutputs(plan, out.results), map[string]any{
		"steps":    plan.Len(),
		"revision": plan.Revision,
	})
}

// joinOutputs renders step outputs in plan order, one "[id] output" line each.
func joinOutputs(plan *core.PlanGraph, results map[string]core.StepResult) string {
	var sb strings.Builder
	for _, st := range plan.Steps {
		r, ok := results[st.ID]
		if !ok || r.Status != core.StepSuccess {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "[%s] %s", st.ID, outputText(r.Output))
	}
	return sb.String()
}
