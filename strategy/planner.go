package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/hupe1980/planmesh/core"
)

// planDocument is the JSON shape planning and replanning templates ask for.
type planDocument struct {
	Summary string        `json:"plan_summary"`
	Steps   []planDocStep `json:"steps"`
}

type planDocStep struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Tool        string         `json:"tool"`
	ToolRef     string         `json:"tool_ref"`
	Args        map[string]any `json:"args"`
	Parameters  map[string]any `json:"parameters"`
	DependsOn   []string       `json:"depends_on"`
}

// ParsePlan decodes a model-produced plan. Markdown fences and surrounding
// prose are stripped and malformed JSON is repaired before decoding. The
// returned graph is validated.
func ParsePlan(executionID, text string) (*core.PlanGraph, error) {
	plan, err := decodePlan(executionID, text)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// decodePlan is ParsePlan without validation. Replan fragments may refer to
// steps outside the fragment.
func decodePlan(executionID, text string) (*core.PlanGraph, error) {
	doc, err := decodePlanDocument(text)
	if err != nil {
		return nil, err
	}

	steps := make([]core.PlanStep, 0, len(doc.Steps))
	for i, s := range doc.Steps {
		if isFormatEcho(s) {
			return nil, fmt.Errorf("%w: step %d repeats the format example", core.ErrInvalidPlan, i+1)
		}
		id := strings.TrimSpace(s.ID)
		if id == "" {
			id = fmt.Sprintf("step%d", i+1)
		}
		tool := s.Tool
		if tool == "" {
			tool = s.ToolRef
		}
		params := s.Args
		if params == nil {
			params = s.Parameters
		}
		steps = append(steps, core.PlanStep{
			ID:          id,
			Description: s.Description,
			ToolRef:     strings.TrimSpace(tool),
			Parameters:  params,
			DependsOn:   s.DependsOn,
		})
	}

	plan := core.NewPlanGraph(executionID, steps...)
	plan.Summary = doc.Summary
	plan.Revision = 1
	return plan, nil
}

func decodePlanDocument(text string) (planDocument, error) {
	raw := extractJSON(text)
	if raw == "" {
		return planDocument{}, fmt.Errorf("%w: no JSON object in planner output", core.ErrInvalidPlan)
	}

	var doc planDocument
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(raw)
		if repairErr != nil {
			return planDocument{}, fmt.Errorf("%w: %v", core.ErrInvalidPlan, err)
		}
		if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
			return planDocument{}, fmt.Errorf("%w: %v", core.ErrInvalidPlan, err)
		}
	}
	return doc, nil
}

// isFormatEcho reports whether a step is the "..." filler of a format
// example rather than planned work. Models that cannot plan tend to repeat
// the prompt back.
func isFormatEcho(s planDocStep) bool {
	desc := strings.TrimSpace(s.Description)
	return desc == "..." || strings.TrimSpace(s.ID) == "..."
}

// extractJSON returns the outermost JSON object in s, looking inside a
// fenced code block first.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		s = strings.TrimSpace(rest)
	}

	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	end := strings.LastIndexByte(s, '}')
	if end < start {
		// Truncated output; let the repair pass close it.
		return s[start:]
	}
	return s[start : end+1]
}

// planWithLLM renders the template of phase for task and decodes the answer.
// Full plans are validated; replan fragments are validated after merging.
func (b *base) planWithLLM(ctx context.Context, task core.Task, phase core.Phase, extra map[string]any) (*core.PlanGraph, error) {
	text, err := b.invoke(ctx, task, phase, b.vars(task, extra), nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", phase, err)
	}
	parse := ParsePlan
	if phase == core.PhaseReplanning {
		parse = decodePlan
	}
	plan, err := parse(task.ExecutionID, text)
	if err != nil {
		b.opts.Logger.Warn("plan.parse_failed", "execution_id", task.ExecutionID, "phase", string(phase), "error", err.Error())
		return nil, err
	}
	return plan, nil
}
