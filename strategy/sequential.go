package strategy

import (
	"context"
	"fmt"

	"github.com/hupe1980/planmesh/core"
)

// SequentialReplanning executes a plan one step at a time in dependency
// order and recovers from failures through a Replanner.
//
// On a failed step the Replanner decides between an identical retry, a plan
// amendment and giving up. An amendment asks the model (replanning phase)
// for steps covering the remaining goal given the failure feedback and the
// completed results; the amended graph keeps the completed steps and is
// broadcast as a new PlanUpdate with the next revision number.
//
// Termination:
//   - Completed when every step of the current revision succeeded
//   - Failed when a step fails after retries and replans are exhausted
//   - Cancelled when cancellation is observed before or after a step
type SequentialReplanning struct {
	base
}

var _ core.Strategy = (*SequentialReplanning)(nil)

// NewSequentialReplanning creates a strategy instance for one execution.
func NewSequentialReplanning(llm core.LLMInvoker, tools core.ToolInvoker, optFns ...func(o *Options)) *SequentialReplanning {
	return &SequentialReplanning{base: newBase(core.KindSequentialReplanning, llm, tools, optFns)}
}

// Plan implements core.Strategy.
func (s *SequentialReplanning) Plan(ctx context.Context, task core.Task) (*core.PlanGraph, error) {
	return s.planWithLLM(ctx, task, core.PhasePlanning, nil)
}

// Run implements core.Strategy.
func (s *SequentialReplanning) Run(ctx context.Context, exec *core.ExecutionContext, emitter core.Emitter) (err error) {
	s.attach(exec)
	defer s.recoverRun(exec, emitter, &err)

	if s.shouldStop(ctx, exec) {
		return s.finishCancelled(exec, emitter)
	}

	plan, perr := s.initialPlan(ctx, s, exec)
	if perr != nil {
		return s.finishError(exec, emitter, perr)
	}
	s.publishPlan(exec, emitter, plan)

	replanner := Replanner{
		MaxRetriesPerStep: s.maxRetries(exec.Task),
		MaxReplans:        s.maxReplans(exec.Task),
	}

	var (
		retries    int
		replans    int
		lastOutput any
	)

	order, oerr := plan.TopologicalOrder()
	if oerr != nil {
		return s.finishError(exec, emitter, core.ToErrorInfo(oerr))
	}

	for i := 0; i < len(order); i++ {
		if s.shouldStop(ctx, exec) {
			return s.finishCancelled(exec, emitter)
		}

		results := exec.Results()
		if r, ok := results[order[i]]; ok && r.Status == core.StepSuccess {
			// Completed before an amendment.
			continue
		}
		step, _ := plan.Step(order[i])
		deps := dependencyOutputs(step, results)

		for attempt := 1; ; attempt++ {
			res := s.executeStep(ctx, exec, emitter, step, deps, attempt)
			if res.Status == core.StepSuccess {
				lastOutput = res.Output
				if s.shouldStop(ctx, exec) {
					return s.finishCancelled(exec, emitter)
				}
				break
			}

			fb := core.NewExecutionFeedback(res, exec.Results())
			exec.SetFeedback(fb)

			if s.shouldStop(ctx, exec) {
				return s.finishCancelled(exec, emitter)
			}

			decision := replanner.Decide(attempt, replans)
			s.opts.Logger.Info("replanner.decision",
				"execution_id", exec.ExecutionID,
				"step_id", step.ID,
				"attempt", attempt,
				"replans", replans,
				"decision", decision.String(),
			)

			switch decision {
			case DecisionRetry:
				retries++
				continue
			case DecisionReplan:
				amended, rerr := s.replan(ctx, exec, plan, fb, replanner)
				if rerr != nil {
					info := planningError(rerr)
					info.StepID = step.ID
					return s.finishError(exec, emitter, info)
				}
				replans++
				plan = amended
				s.publishPlan(exec, emitter, plan)

				order, oerr = plan.TopologicalOrder()
				if oerr != nil {
					return s.finishError(exec, emitter, core.ToErrorInfo(oerr))
				}
				i = -1
			default:
				info := &core.ErrorInfo{
					Code:    core.CodeReplanExhausted,
					Message: fmt.Sprintf("step %s failed after %d attempt(s) and %d replan(s): %s", step.ID, attempt, replans, fb.Error.Message),
					StepID:  step.ID,
					Details: map[string]any{"cause": fb.Error},
				}
				return s.finishError(exec, emitter, info)
			}
			break
		}
	}

	return s.finishResult(exec, emitter, outputText(lastOutput), map[string]any{
		"retries":  retries,
		"replans":  replans,
		"revision": plan.Revision,
		"steps":    plan.Len(),
	})
}

func (s *SequentialReplanning) replan(ctx context.Context, exec *core.ExecutionContext, current *core.PlanGraph, fb core.ExecutionFeedback, r Replanner) (*core.PlanGraph, error) {
	completed := make(map[string]any)
	for id, res := range fb.PartialResults {
		if res.Status == core.StepSuccess {
			completed[id] = outputText(res.Output)
		}
	}

	fresh, err := s.planWithLLM(ctx, exec.Task, core.PhaseReplanning, map[string]any{
		"feedback":  fb,
		"completed": completed,
		"plan":      current,
	})
	if err != nil {
		return nil, err
	}
	return r.Amend(current, fresh, fb.PartialResults)
}
