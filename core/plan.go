package core

import (
	"fmt"
	"strings"
	"time"
)

// PlanStep is a single unit of work inside a PlanGraph. A step with a ToolRef
// is executed by the tool invocation layer; a step without one is a reasoning
// step answered by the model.
type PlanStep struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	ToolRef     string         `json:"tool_ref,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
}

// PlanGraph is the DAG of steps a strategy intends to execute. Once broadcast
// in a PlanUpdate it is treated as a read-only snapshot; SequentialReplanning
// replaces the graph wholesale (Revision+1) instead of mutating it.
type PlanGraph struct {
	ExecutionID string     `json:"execution_id"`
	Revision    int        `json:"revision"`
	Summary     string     `json:"summary,omitempty"`
	Steps       []PlanStep `json:"steps"`
	CreatedAt   time.Time  `json:"created_at"`
}

// NewPlanGraph creates a graph stamped with the current UTC time.
func NewPlanGraph(executionID string, steps ...PlanStep) *PlanGraph {
	return &PlanGraph{
		ExecutionID: executionID,
		Steps:       steps,
		CreatedAt:   time.Now().UTC(),
	}
}

// Step returns the step with the given id.
func (g *PlanGraph) Step(id string) (PlanStep, bool) {
	for _, s := range g.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return PlanStep{}, false
}

// Len returns the number of steps.
func (g *PlanGraph) Len() int { return len(g.Steps) }

// Validate checks structural integrity: at least one step, unique non-empty
// ids, dependencies that reference existing steps and an acyclic dependency
// relation. Cycles yield ErrPlanCycleDetected, all other problems
// ErrInvalidPlan.
func (g *PlanGraph) Validate() error {
	if g == nil || len(g.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}

	ids := make(map[string]struct{}, len(g.Steps))
	for _, s := range g.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: step with empty id", ErrInvalidPlan)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPlan, s.ID)
		}
		ids[s.ID] = struct{}{}
	}

	for _, s := range g.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidPlan, s.ID, dep)
			}
		}
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		return fmt.Errorf("%w: %s", ErrPlanCycleDetected, strings.Join(cycle, " -> "))
	}

	return nil
}

// findCycle runs a colored DFS over the dependency edges and returns the first
// cycle found as a closed path (first element repeated at the end).
func (g *PlanGraph) findCycle() []string {
	const (
		white = iota
		grey
		black
	)

	deps := make(map[string][]string, len(g.Steps))
	for _, s := range g.Steps {
		deps[s.ID] = s.DependsOn
	}

	color := make(map[string]int, len(g.Steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case grey:
				for i, v := range stack {
					if v == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, s := range g.Steps {
		if color[s.ID] == white {
			if c := visit(s.ID); c != nil {
				return c
			}
		}
	}
	return nil
}

// TopologicalOrder returns step ids in a dependency-respecting order. Among
// steps that become ready at the same time the original plan order is kept,
// which makes sequential execution deterministic.
func (g *PlanGraph) TopologicalOrder() ([]string, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	remaining := make(map[string]int, len(g.Steps))
	for _, s := range g.Steps {
		remaining[s.ID] = len(s.DependsOn)
	}
	dependents := g.Dependents()

	order := make([]string, 0, len(g.Steps))
	done := make(map[string]bool, len(g.Steps))
	for len(order) < len(g.Steps) {
		progressed := false
		for _, s := range g.Steps {
			if done[s.ID] || remaining[s.ID] > 0 {
				continue
			}
			done[s.ID] = true
			order = append(order, s.ID)
			for _, d := range dependents[s.ID] {
				remaining[d]--
			}
			progressed = true
		}
		if !progressed {
			// Unreachable after Validate, kept as a guard against future edits.
			return nil, ErrPlanCycleDetected
		}
	}

	return order, nil
}

// Dependents returns the reverse adjacency: step id -> ids that depend on it,
// in plan order.
func (g *PlanGraph) Dependents() map[string][]string {
	out := make(map[string][]string, len(g.Steps))
	for _, s := range g.Steps {
		for _, dep := range s.DependsOn {
			out[dep] = append(out[dep], s.ID)
		}
	}
	return out
}

// TransitiveDependents returns every step that directly or indirectly depends
// on id, in plan order.
func (g *PlanGraph) TransitiveDependents(id string) []string {
	dependents := g.Dependents()
	seen := map[string]bool{}
	queue := append([]string{}, dependents[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		queue = append(queue, dependents[cur]...)
	}

	out := make([]string, 0, len(seen))
	for _, s := range g.Steps {
		if seen[s.ID] {
			out = append(out, s.ID)
		}
	}
	return out
}

// Clone returns a deep copy suitable for broadcasting as an immutable snapshot.
func (g *PlanGraph) Clone() *PlanGraph {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Steps = make([]PlanStep, len(g.Steps))
	for i, s := range g.Steps {
		cp.Steps[i] = s.clone()
	}
	return &cp
}

func (s PlanStep) clone() PlanStep {
	cp := s
	if s.Parameters != nil {
		cp.Parameters = make(map[string]any, len(s.Parameters))
		for k, v := range s.Parameters {
			cp.Parameters[k] = v
		}
	}
	if s.DependsOn != nil {
		cp.DependsOn = append([]string{}, s.DependsOn...)
	}
	return cp
}
