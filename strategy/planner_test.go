package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/planmesh/core"
)

func TestParsePlan(t *testing.T) {
	t.Run("fenced with prose", func(t *testing.T) {
		text := "Sure!\n```json\n{\"plan_summary\":\"p\",\"steps\":[{\"id\":\"a\",\"description\":\"d\",\"tool\":\"echo\",\"args\":{\"x\":1}},{\"id\":\"b\",\"depends_on\":[\"a\"]}]}\n```\nLet me know."
		plan, err := ParsePlan("exec", text)
		require.NoError(t, err)
		assert.Equal(t, "p", plan.Summary)
		assert.Equal(t, 1, plan.Revision)
		require.Len(t, plan.Steps, 2)
		assert.Equal(t, "echo", plan.Steps[0].ToolRef)
		assert.Equal(t, map[string]any{"x": float64(1)}, plan.Steps[0].Parameters)
		assert.Equal(t, []string{"a"}, plan.Steps[1].DependsOn)
	})

	t.Run("repairs malformed json", func(t *testing.T) {
		plan, err := ParsePlan("exec", `{"steps":[{"id":"a","description":"trailing",},]}`)
		require.NoError(t, err)
		assert.Len(t, plan.Steps, 1)
	})

	t.Run("accepts tool_ref and parameters", func(t *testing.T) {
		plan, err := ParsePlan("exec", `{"steps":[{"id":"a","tool_ref":"calc","parameters":{"op":"add"}}]}`)
		require.NoError(t, err)
		assert.Equal(t, "calc", plan.Steps[0].ToolRef)
		assert.Equal(t, "add", plan.Steps[0].Parameters["op"])
	})

	t.Run("assigns missing ids", func(t *testing.T) {
		plan, err := ParsePlan("exec", `{"steps":[{"description":"x"},{"description":"y"}]}`)
		require.NoError(t, err)
		assert.Equal(t, "step1", plan.Steps[0].ID)
		assert.Equal(t, "step2", plan.Steps[1].ID)
	})

	t.Run("cycle", func(t *testing.T) {
		_, err := ParsePlan("exec", `{"steps":[{"id":"a","depends_on":["b"]},{"id":"b","depends_on":["a"]}]}`)
		assert.ErrorIs(t, err, core.ErrPlanCycleDetected)
	})

	t.Run("no json", func(t *testing.T) {
		_, err := ParsePlan("exec", "I cannot help with that.")
		assert.ErrorIs(t, err, core.ErrInvalidPlan)
	})

	t.Run("echoed format example", func(t *testing.T) {
		text := `Mock response to: Respond with JSON: {"plan_summary": "...", "steps": [{"id": "A", "description": "...", "tool": "", "args": {}, "depends_on": []}]}`
		_, err := ParsePlan("exec", text)
		assert.ErrorIs(t, err, core.ErrInvalidPlan)
	})

	t.Run("empty plan", func(t *testing.T) {
		_, err := ParsePlan("exec", `{"steps":[]}`)
		assert.ErrorIs(t, err, core.ErrInvalidPlan)
	})
}

func TestSubstitutePlaceholders(t *testing.T) {
	results := map[string]core.StepResult{
		"E1":  core.SuccessResult("E1", map[string]any{"city": "Paris"}),
		"E10": core.SuccessResult("E10", "ten"),
		"E2":  core.ErrorResult("E2", assert.AnError),
	}
	step := core.PlanStep{
		ID:          "E3",
		Description: "combine #E1 and #E10",
		Parameters: map[string]any{
			"raw":    "#E1",
			"text":   "value=#E10;",
			"failed": "#E2",
			"list":   []any{"#E10", 3},
			"nested": map[string]any{"k": "#E1"},
		},
		DependsOn: []string{"E1", "E10"},
	}

	out := SubstitutePlaceholders(step, results)
	assert.Equal(t, `combine {"city":"Paris"} and ten`, out.Description)
	assert.Equal(t, map[string]any{"city": "Paris"}, out.Parameters["raw"])
	assert.Equal(t, "value=ten;", out.Parameters["text"])
	assert.Equal(t, "#E2", out.Parameters["failed"])
	assert.Equal(t, []any{"ten", 3}, out.Parameters["list"])
	assert.Equal(t, map[string]any{"k": map[string]any{"city": "Paris"}}, out.Parameters["nested"])

	assert.Equal(t, "#E1", step.Parameters["raw"], "input step is not modified")
	assert.Equal(t, []string{"E1", "E10", "E2"}, Placeholders(step))
}

func TestLinkPlaceholders(t *testing.T) {
	plan := core.NewPlanGraph("exec",
		core.PlanStep{ID: "E1", Description: "issue #42"},
		core.PlanStep{ID: "E2", Parameters: map[string]any{"a": "#E1", "b": []any{"see #E1"}}},
		core.PlanStep{ID: "E3", Description: "about #E2", Parameters: map[string]any{"x": "#E1"}, DependsOn: []string{"E1"}},
	)
	LinkPlaceholders(plan)

	assert.Empty(t, plan.Steps[0].DependsOn)
	assert.Equal(t, []string{"E1"}, plan.Steps[1].DependsOn)
	assert.Equal(t, []string{"E1", "E2"}, plan.Steps[2].DependsOn)
	assert.NoError(t, plan.Validate())
}

func TestReplanner_Decide(t *testing.T) {
	r := Replanner{MaxRetriesPerStep: 1, MaxReplans: 1}
	assert.Equal(t, DecisionRetry, r.Decide(1, 0))
	assert.Equal(t, DecisionReplan, r.Decide(2, 0))
	assert.Equal(t, DecisionAbort, r.Decide(2, 1))
	assert.Equal(t, DecisionAbort, Replanner{}.Decide(1, 0))
}

func TestReplanner_Amend(t *testing.T) {
	current := &core.PlanGraph{
		ExecutionID: "exec",
		Revision:    1,
		Summary:     "old",
		Steps: []core.PlanStep{
			{ID: "A"},
			{ID: "B", DependsOn: []string{"A"}},
			{ID: "C", DependsOn: []string{"B"}},
		},
	}
	results := map[string]core.StepResult{
		"A": core.SuccessResult("A", "a"),
		"B": core.ErrorResult("B", assert.AnError),
	}
	fresh := &core.PlanGraph{Steps: []core.PlanStep{
		{ID: "A", Description: "redo a differently"},
		{ID: "X", DependsOn: []string{"A", "B"}},
		{ID: "Y", DependsOn: []string{"X", "C"}},
	}}

	amended, err := Replanner{}.Amend(current, fresh, results)
	require.NoError(t, err)

	assert.Equal(t, 2, amended.Revision)
	assert.Equal(t, "old", amended.Summary)
	ids := make([]string, 0, amended.Len())
	for _, s := range amended.Steps {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"A", "A.r2", "X", "Y"}, ids)

	x, _ := amended.Step("X")
	assert.Equal(t, []string{"A.r2"}, x.DependsOn)
	y, _ := amended.Step("Y")
	assert.Equal(t, []string{"X"}, y.DependsOn)

	_, err = Replanner{}.Amend(current, &core.PlanGraph{Steps: []core.PlanStep{{ID: "Z", DependsOn: []string{"nope"}}}}, results)
	assert.ErrorIs(t, err, core.ErrInvalidPlan)
}
