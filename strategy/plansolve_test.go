package strategy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/internal/testutil"
)

func TestPlanThenSolve_FillsPlaceholdersAndStreamsSolve(t *testing.T) {
	tools := testutil.NewScriptedTools().
		Handle("search", testutil.Returns("Paris")).
		Handle("lookup", testutil.Echo())

	llm := testutil.NewScriptedLLM().
		On(core.PhasePlanning, testutil.Text(`{"plan_summary":"capital","steps":[
			{"id":"E1","description":"find capital","tool":"search","args":{"query":"capital of France"}},
			{"id":"E2","description":"facts about #E1","tool":"lookup","args":{"key":"#E1","q":"about #E1"},"depends_on":["E1"]}
		]}`)).
		On(core.PhaseSolve, testutil.Text("The capital is Paris"))

	exec := testutil.NewExecution(testutil.NewTask("exec-ps", "capital of France", core.Options{}), core.KindPlanThenSolve)
	rec := testutil.NewRecorder()
	require.NoError(t, NewPlanThenSolve(llm, tools).Run(context.Background(), exec, rec))

	assertProtocol(t, rec)
	assert.Equal(t, core.StatusCompleted, exec.Status())

	calls := tools.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "lookup", calls[1].Tool)
	assert.Equal(t, "Paris", calls[1].Params["key"])
	assert.Equal(t, "about Paris", calls[1].Params["q"])

	var streamed strings.Builder
	for _, ev := range rec.Events() {
		if ev.Type == core.EventContent {
			streamed.WriteString(ev.TextDelta)
		}
	}
	assert.Equal(t, "The capital is Paris", streamed.String())

	term, _ := rec.Terminal()
	assert.Equal(t, core.EventFinalResult, term.Type)
	assert.Equal(t, "The capital is Paris", term.ResultText)
	assert.Equal(t, false, term.ResultMetadata["partial"])

	solve := llm.Calls()[1]
	evidence, ok := solve.Vars["evidence"].([]Evidence)
	require.True(t, ok)
	require.Len(t, evidence, 2)
	assert.Equal(t, "Paris", evidence[0].Output)
	assert.Equal(t, "success", evidence[1].Status)
}

func TestPlanThenSolve_UnmetPlaceholdersArePartial(t *testing.T) {
	tools := testutil.NewScriptedTools().
		Handle("search", testutil.Fails(errors.New("offline"))).
		Handle("lookup", testutil.Echo())
	llm := testutil.NewScriptedLLM().On(core.PhaseSolve, testutil.Text("unknown"))

	plan := testutil.NewPlanBuilder("exec-u").
		Tool("E1", "search", nil).
		Tool("E2", "lookup", map[string]any{"key": "#E1"}, "E1").
		Build()
	exec := testutil.NewExecution(testutil.NewTask("exec-u", "q", core.Options{Plan: plan}), core.KindPlanThenSolve)

	rec := testutil.NewRecorder()
	require.NoError(t, NewPlanThenSolve(llm, tools).Run(context.Background(), exec, rec))

	assert.Equal(t, core.StatusCompleted, exec.Status())
	assert.Equal(t, 0, tools.CallsTo("lookup"))

	term, _ := rec.Terminal()
	require.Equal(t, core.EventFinalResult, term.Type)
	assert.Equal(t, true, term.ResultMetadata["partial"])
	unmet, ok := term.ResultMetadata["unmet"].([]*core.ErrorInfo)
	require.True(t, ok)
	require.Len(t, unmet, 2)
	assert.Equal(t, "E1", unmet[0].StepID)
	assert.Equal(t, core.CodeStepExecution, unmet[0].Code)
	assert.Equal(t, "#E1", unmet[0].Details["placeholder"])
	assert.Equal(t, core.CodeDependencyFailed, unmet[1].Code)

	assert.NotNil(t, llm.Calls()[0].Vars["unmet"])
}

func TestPlanThenSolve_PlaceholderImpliesDependency(t *testing.T) {
	tools := testutil.NewScriptedTools().
		Handle("search", testutil.Returns("Paris")).
		Handle("lookup", testutil.Echo())
	llm := testutil.NewScriptedLLM().
		On(core.PhasePlanning, testutil.Text(`{"steps":[
			{"id":"E1","tool":"search","args":{"query":"capital"}},
			{"id":"E2","tool":"lookup","args":{"v":"#E1"}}
		]}`)).
		On(core.PhaseSolve, testutil.Text("Paris"))

	task := testutil.NewTask("exec-pd", "q", core.Options{ConcurrencyLimit: 2})
	exec := testutil.NewExecution(task, core.KindPlanThenSolve)
	rec := testutil.NewRecorder()
	require.NoError(t, NewPlanThenSolve(llm, tools).Run(context.Background(), exec, rec))

	plans := rec.Plans()
	require.Len(t, plans, 1)
	step, ok := plans[0].Step("E2")
	require.True(t, ok)
	assert.Equal(t, []string{"E1"}, step.DependsOn)

	calls := tools.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "search", calls[0].Tool)
	assert.Equal(t, "Paris", calls[1].Params["v"])

	term, _ := rec.Terminal()
	assert.Equal(t, false, term.ResultMetadata["partial"])
}

func TestPlanThenSolve_PlaceholderCycle(t *testing.T) {
	tools := testutil.NewScriptedTools().Handle("t", testutil.Echo())
	plan := testutil.NewPlanBuilder("exec-pc").
		Tool("E1", "t", map[string]any{"v": "#E2"}).
		Tool("E2", "t", map[string]any{"v": "#E1"}).
		Build()
	exec := testutil.NewExecution(testutil.NewTask("exec-pc", "q", core.Options{Plan: plan}), core.KindPlanThenSolve)

	rec := testutil.NewRecorder()
	require.Error(t, NewPlanThenSolve(testutil.NewScriptedLLM(), tools).Run(context.Background(), exec, rec))

	assert.Equal(t, core.StatusFailed, exec.Status())
	assert.Zero(t, tools.CallsTo("t"))
	term, _ := rec.Terminal()
	assert.Equal(t, core.CodePlanCycleDetected, term.Error.Code)
}

func TestPlanThenSolve_SolveFailure(t *testing.T) {
	tools := testutil.NewScriptedTools().Handle("search", testutil.Returns("x"))
	llm := testutil.NewScriptedLLM().On(core.PhaseSolve, testutil.Fail(errors.New("model down")))
	plan := testutil.NewPlanBuilder("exec-sf").Tool("E1", "search", nil).Build()
	exec := testutil.NewExecution(testutil.NewTask("exec-sf", "q", core.Options{Plan: plan}), core.KindPlanThenSolve)

	rec := testutil.NewRecorder()
	require.Error(t, NewPlanThenSolve(llm, tools).Run(context.Background(), exec, rec))

	assert.Equal(t, core.StatusFailed, exec.Status())
	term, _ := rec.Terminal()
	assert.Equal(t, core.CodeSolveFailed, term.Error.Code)
}

func TestPlanThenSolve_SequentialWhenLimitIsOne(t *testing.T) {
	tools := testutil.NewScriptedTools().Handle("t", testutil.Returns("v"))
	llm := testutil.NewScriptedLLM().On(core.PhaseSolve, testutil.Text("done"))
	plan := testutil.NewPlanBuilder("exec-one").Tool("E1", "t", nil).Tool("E2", "t", nil).Tool("E3", "t", nil).Build()
	exec := testutil.NewExecution(testutil.NewTask("exec-one", "q", core.Options{Plan: plan, ConcurrencyLimit: 1}), core.KindPlanThenSolve)

	require.NoError(t, NewPlanThenSolve(llm, tools).Run(context.Background(), exec, testutil.NewRecorder()))
	assert.Equal(t, 1, tools.MaxConcurrent())
}
