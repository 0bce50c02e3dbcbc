package strategy

import (
	"context"

	"github.com/hupe1980/planmesh/core"
)

// Evidence is the view of one step handed to the solve template.
type Evidence struct {
	ID          string
	Description string
	Status      string
	Output      string
	Error       string
}

// PlanThenSolve produces the whole plan upfront with placeholders (#E1,
// #E2, ...) for tool outputs, fills them by executing the graph and then
// synthesizes the final answer from all evidence in a single solve call.
// A placeholder orders its step after the referenced one even when the
// planner left that dependency out.
//
// Step failures never trigger replanning. The solve phase still runs and the
// unmet placeholders are reported in result_metadata; the execution fails
// only when the solve call itself fails.
type PlanThenSolve struct {
	base
}

var _ core.Strategy = (*PlanThenSolve)(nil)

// NewPlanThenSolve creates a strategy instance for one execution.
func NewPlanThenSolve(llm core.LLMInvoker, tools core.ToolInvoker, optFns ...func(o *Options)) *PlanThenSolve {
	return &PlanThenSolve{base: newBase(core.KindPlanThenSolve, llm, tools, optFns)}
}

// Plan implements core.Strategy.
func (p *PlanThenSolve) Plan(ctx context.Context, task core.Task) (*core.PlanGraph, error) {
	return p.planWithLLM(ctx, task, core.PhasePlanning, nil)
}

// Run implements core.Strategy.
func (p *PlanThenSolve) Run(ctx context.Context, exec *core.ExecutionContext, emitter core.Emitter) (err error) {
	p.attach(exec)
	defer p.recoverRun(exec, emitter, &err)

	if p.shouldStop(ctx, exec) {
		return p.finishCancelled(exec, emitter)
	}

	plan, perr := p.initialPlan(ctx, p, exec)
	if perr != nil {
		return p.finishError(exec, emitter, perr)
	}
	LinkPlaceholders(plan)
	if verr := plan.Validate(); verr != nil {
		return p.finishError(exec, emitter, planningError(verr))
	}
	p.publishPlan(exec, emitter, plan)

	sched := &scheduler{
		b:       &p.base,
		exec:    exec,
		emitter: emitter,
		plan:    plan,
		limit:   p.concurrency(exec.Task),
		prepare: SubstitutePlaceholders,
	}
	out := sched.run(ctx)

	if out.cancelled || p.shouldStop(ctx, exec) {
		return p.finishCancelled(exec, emitter)
	}

	evidence, unmet := collectEvidence(plan, out.results)

	text, serr := p.invoke(ctx, exec.Task, core.PhaseSolve, p.vars(exec.Task, map[string]any{
		"evidence":     evidence,
		"unmet":        unmet,
		"plan_summary": plan.Summary,
	}), func(delta string) {
		p.emit(exec, emitter, core.NewContentEvent(exec.ExecutionID, delta))
	})
	if serr != nil {
		if p.shouldStop(ctx, exec) {
			return p.finishCancelled(exec, emitter)
		}
		info := core.NewErrorInfo(core.CodeSolveFailed, serr.Error())
		if len(unmet) > 0 {
			info.Details = map[string]any{"unmet": unmet}
		}
		return p.finishError(exec, emitter, info)
	}

	metadata := map[string]any{
		"steps":   plan.Len(),
		"partial": len(unmet) > 0,
	}
	if len(unmet) > 0 {
		metadata["unmet"] = unmet
	}
	return p.finishResult(exec, emitter, text, metadata)
}

// collectEvidence builds the solve inputs in plan order. Every step without
// a successful result yields an ErrorInfo naming its placeholder.
func collectEvidence(plan *core.PlanGraph, results map[string]core.StepResult) ([]Evidence, []*core.ErrorInfo) {
	evidence := make([]Evidence, 0, plan.Len())
	var unmet []*core.ErrorInfo

	for _, st := range plan.Steps {
		ev := Evidence{ID: st.ID, Description: st.Description, Status: string(core.StepPending)}
		r, ok := results[st.ID]
		if ok {
			ev.Status = string(r.Status)
		}
		if ok && r.Status == core.StepSuccess {
			ev.Output = outputText(r.Output)
			evidence = append(evidence, ev)
			continue
		}

		info := &core.ErrorInfo{
			Code:    core.CodeStepExecution,
			Message: "step did not produce a result",
			StepID:  st.ID,
		}
		if ok && r.Error != nil {
			info.Code = r.Error.Code
			info.Message = r.Error.Message
		}
		info.Details = map[string]any{"placeholder": "#" + st.ID}
		ev.Error = info.Message
		evidence = append(evidence, ev)
		unmet = append(unmet, info)
	}
	return evidence, unmet
}
