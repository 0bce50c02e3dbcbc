package strategy

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/planmesh/core"
)

// scheduler runs a plan graph with a ready queue. A step becomes eligible
// once every dependency succeeded; eligible steps run concurrently up to
// limit. A failed or skipped step marks all its transitive dependents
// Skipped. Cancellation is checked before every dispatch and after every
// completion; in-flight steps are allowed to finish.
type scheduler struct {
	b       *base
	exec    *core.ExecutionContext
	emitter core.Emitter
	plan    *core.PlanGraph
	limit   int

	// prepare rewrites a step right before dispatch (placeholder filling).
	prepare func(step core.PlanStep, results map[string]core.StepResult) core.PlanStep
}

// scheduleOutcome summarizes a scheduler run.
type scheduleOutcome struct {
	results   map[string]core.StepResult
	failed    []string
	skipped   []string
	cancelled bool // cancellation observed before the last step finished
}

type completion struct {
	step core.PlanStep
	res  core.StepResult
}

func (s *scheduler) run(ctx context.Context) scheduleOutcome {
	index := make(map[string]int, s.plan.Len())
	remaining := make(map[string]int, s.plan.Len())
	for i, st := range s.plan.Steps {
		index[st.ID] = i
		remaining[st.ID] = len(st.DependsOn)
	}
	dependents := s.plan.Dependents()

	state := make(map[string]core.StepStatus, s.plan.Len())
	results := make(map[string]core.StepResult, s.plan.Len())

	var ready []string
	for _, st := range s.plan.Steps {
		if remaining[st.ID] == 0 {
			ready = append(ready, st.ID)
		}
	}

	limit := s.limit
	if limit <= 0 {
		limit = DefaultConcurrencyLimit
	}

	var g errgroup.Group
	g.SetLimit(limit)
	done := make(chan completion, s.plan.Len())

	inFlight := 0
	stopped := false
	for {
		for len(ready) > 0 && inFlight < limit {
			if s.b.shouldStop(ctx, s.exec) {
				stopped = true
				break
			}
			id := ready[0]
			ready = ready[1:]

			step, _ := s.plan.Step(id)
			if s.prepare != nil {
				step = s.prepare(step, results)
			}
			deps := dependencyOutputs(step, results)
			state[id] = core.StepRunning
			inFlight++

			g.Go(func() error {
				res := s.b.executeStep(ctx, s.exec, s.emitter, step, deps, 1)
				done <- completion{step: step, res: res}
				return nil
			})
		}
		if stopped {
			ready = nil
		}
		if inFlight == 0 {
			break
		}

		c := <-done
		inFlight--
		id := c.step.ID
		state[id] = c.res.Status
		results[id] = c.res
		if !stopped && s.b.shouldStop(ctx, s.exec) {
			stopped = true
		}

		if c.res.Status == core.StepSuccess {
			for _, dep := range dependents[id] {
				remaining[dep]--
				if remaining[dep] == 0 && state[dep] == "" {
					ready = insertByIndex(ready, dep, index)
				}
			}
			continue
		}

		for _, dep := range s.plan.TransitiveDependents(id) {
			if state[dep] != "" {
				continue
			}
			state[dep] = core.StepSkipped
			results[dep] = s.b.skipStep(s.exec, s.emitter, dep, id)
		}
	}
	_ = g.Wait()

	out := scheduleOutcome{results: results, cancelled: stopped}
	for _, st := range s.plan.Steps {
		switch state[st.ID] {
		case core.StepError:
			out.failed = append(out.failed, st.ID)
		case core.StepSkipped:
			out.skipped = append(out.skipped, st.ID)
		case "":
			out.cancelled = true
		}
	}
	return out
}

// insertByIndex keeps the ready queue in plan order.
func insertByIndex(queue []string, id string, index map[string]int) []string {
	pos := sort.Search(len(queue), func(i int) bool { return index[queue[i]] > index[id] })
	queue = append(queue, "")
	copy(queue[pos+1:], queue[pos:])
	queue[pos] = id
	return queue
}
