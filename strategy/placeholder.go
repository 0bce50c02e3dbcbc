package strategy

import (
	"regexp"
	"slices"
	"sort"

	"github.com/hupe1980/planmesh/core"
)

// placeholderPattern matches evidence references such as #E1 or #step2.
var placeholderPattern = regexp.MustCompile(`#([A-Za-z0-9_-]+)`)

// Placeholders returns the step ids referenced from a step's description and
// parameters, sorted and deduplicated.
func Placeholders(step core.PlanStep) []string {
	seen := make(map[string]struct{})
	collect := func(s string) {
		for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
			seen[m[1]] = struct{}{}
		}
	}
	collect(step.Description)
	walkStrings(step.Parameters, collect)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// LinkPlaceholders adds every referenced step of the plan to the
// referencing step's DependsOn, so a step never runs before the evidence it
// quotes. References to ids outside the plan are ignored. The caller must
// validate the plan again since derived edges can close a cycle.
func LinkPlaceholders(plan *core.PlanGraph) {
	ids := make(map[string]struct{}, plan.Len())
	for _, st := range plan.Steps {
		ids[st.ID] = struct{}{}
	}

	for i, st := range plan.Steps {
		for _, ref := range Placeholders(st) {
			if _, ok := ids[ref]; !ok || ref == st.ID || slices.Contains(st.DependsOn, ref) {
				continue
			}
			st.DependsOn = append(st.DependsOn, ref)
		}
		plan.Steps[i].DependsOn = st.DependsOn
	}
}

// SubstitutePlaceholders returns a copy of step with references to
// successful steps replaced by their outputs. A parameter that consists of
// exactly one reference receives the raw output value; embedded references
// are replaced by the output's text. References to steps without a
// successful result are left untouched.
func SubstitutePlaceholders(step core.PlanStep, results map[string]core.StepResult) core.PlanStep {
	lookup := func(id string) (any, bool) {
		r, ok := results[id]
		if !ok || r.Status != core.StepSuccess {
			return nil, false
		}
		return r.Output, true
	}

	out := step
	out.Description = replaceText(step.Description, lookup)
	if step.Parameters != nil {
		out.Parameters = substituteValue(step.Parameters, lookup).(map[string]any)
	}
	if step.DependsOn != nil {
		out.DependsOn = append([]string(nil), step.DependsOn...)
	}
	return out
}

func substituteValue(v any, lookup func(string) (any, bool)) any {
	switch t := v.(type) {
	case string:
		if m := placeholderPattern.FindStringSubmatch(t); m != nil && m[0] == t {
			if out, ok := lookup(m[1]); ok {
				return out
			}
			return t
		}
		return replaceText(t, lookup)
	case map[string]any:
		cp := make(map[string]any, len(t))
		for k, val := range t {
			cp[k] = substituteValue(val, lookup)
		}
		return cp
	case []any:
		cp := make([]any, len(t))
		for i, val := range t {
			cp[i] = substituteValue(val, lookup)
		}
		return cp
	default:
		return v
	}
}

func replaceText(s string, lookup func(string) (any, bool)) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(ref string) string {
		if out, ok := lookup(ref[1:]); ok {
			return outputText(out)
		}
		return ref
	})
}

func walkStrings(v any, fn func(string)) {
	switch t := v.(type) {
	case string:
		fn(t)
	case map[string]any:
		for _, val := range t {
			walkStrings(val, fn)
		}
	case []any:
		for _, val := range t {
			walkStrings(val, fn)
		}
	}
}
