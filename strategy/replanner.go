package strategy

import (
	"fmt"

	"github.com/hupe1980/planmesh/core"
)

// Decision is the Replanner's verdict on a failed step.
type Decision int

const (
	// DecisionRetry re-executes the failed step unchanged.
	DecisionRetry Decision = iota
	// DecisionReplan asks the planner for a fresh graph covering the remaining goal.
	DecisionReplan
	// DecisionAbort gives up and fails the execution.
	DecisionAbort
)

func (d Decision) String() string {
	switch d {
	case DecisionRetry:
		return "retry"
	case DecisionReplan:
		return "replan"
	default:
		return "abort"
	}
}

// Replanner decides how SequentialReplanning recovers from a failed step:
// retry while the step has used at most MaxRetriesPerStep retries, then
// replan while fewer than MaxReplans amendments were made, then abort.
type Replanner struct {
	MaxRetriesPerStep int
	MaxReplans        int
}

// Decide returns the recovery action for a step that failed on attempt
// (1-based) after replans amendments so far.
func (r Replanner) Decide(attempt, replans int) Decision {
	if attempt <= r.MaxRetriesPerStep {
		return DecisionRetry
	}
	if replans < r.MaxReplans {
		return DecisionReplan
	}
	return DecisionAbort
}

// Amend builds the next plan revision: the successfully completed steps of
// current (in their original order) followed by the fresh steps. Fresh ids
// that collide with a completed step are renamed <id>.r<revision>;
// dependencies on steps of current that did not complete are dropped.
func (r Replanner) Amend(current, fresh *core.PlanGraph, results map[string]core.StepResult) (*core.PlanGraph, error) {
	revision := current.Revision + 1

	completed := make(map[string]struct{})
	var steps []core.PlanStep
	for _, s := range current.Steps {
		if res, ok := results[s.ID]; ok && res.Status == core.StepSuccess {
			completed[s.ID] = struct{}{}
			steps = append(steps, s)
		}
	}

	discarded := make(map[string]struct{})
	for _, s := range current.Steps {
		if _, ok := completed[s.ID]; !ok {
			discarded[s.ID] = struct{}{}
		}
	}

	renamed := make(map[string]string)
	for _, s := range fresh.Steps {
		if _, clash := completed[s.ID]; clash {
			renamed[s.ID] = fmt.Sprintf("%s.r%d", s.ID, revision)
		}
	}
	fresh = fresh.Clone()
	freshIDs := make(map[string]struct{}, len(fresh.Steps))
	for i := range fresh.Steps {
		if id, ok := renamed[fresh.Steps[i].ID]; ok {
			fresh.Steps[i].ID = id
		}
		freshIDs[fresh.Steps[i].ID] = struct{}{}
	}

	for _, s := range fresh.Steps {
		deps := make([]string, 0, len(s.DependsOn))
		for _, d := range s.DependsOn {
			if id, ok := renamed[d]; ok {
				d = id
			} else if _, isFresh := freshIDs[d]; !isFresh {
				if _, gone := discarded[d]; gone {
					continue
				}
			}
			deps = append(deps, d)
		}
		s.DependsOn = deps
		steps = append(steps, s)
	}

	plan := core.NewPlanGraph(current.ExecutionID, steps...)
	plan.Revision = revision
	plan.Summary = fresh.Summary
	if plan.Summary == "" {
		plan.Summary = current.Summary
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}
