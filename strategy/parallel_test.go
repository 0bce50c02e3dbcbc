package strategy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/internal/testutil"
)

// assertProtocol checks that the first event is a PlanUpdate, that sequence
// numbers strictly increase and that exactly one terminal event closes the
// stream.
func assertProtocol(t *testing.T, rec *testutil.Recorder) {
	t.Helper()
	evs := rec.Events()
	require.NotEmpty(t, evs)

	seenPlan := false
	terminals := 0
	var last uint64
	for _, ev := range evs {
		assert.Greater(t, ev.Sequence, last)
		last = ev.Sequence
		switch ev.Type {
		case core.EventPlanUpdate:
			seenPlan = true
		case core.EventToolUpdate:
			assert.True(t, seenPlan, "ToolUpdate before PlanUpdate")
		}
		if ev.IsTerminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals)
	assert.True(t, evs[len(evs)-1].IsTerminal())
}

func TestParallelTaskGraph_FailureSkipsDependents(t *testing.T) {
	boom := errors.New("boom")
	tools := testutil.NewScriptedTools().
		Handle("ok", testutil.Returns("a")).
		Handle("bad", testutil.Fails(boom))

	plan := testutil.NewPlanBuilder("exec-1").
		Tool("A", "ok", nil).
		Tool("B", "bad", nil).
		Tool("C", "ok", nil, "A", "B").
		Build()
	task := testutil.NewTask("exec-1", "abc", core.Options{Plan: plan})
	exec := testutil.NewExecution(task, core.KindParallelTaskGraph)

	rec := testutil.NewRecorder()
	err := NewParallelTaskGraph(nil, tools).Run(context.Background(), exec, rec)
	require.Error(t, err)

	assertProtocol(t, rec)
	assert.Equal(t, core.StatusFailed, exec.Status())
	assert.Equal(t, []core.StepStatus{core.StepRunning, core.StepSuccess}, rec.StepStatuses("A"))
	assert.Equal(t, []core.StepStatus{core.StepRunning, core.StepError}, rec.StepStatuses("B"))
	assert.Equal(t, []core.StepStatus{core.StepSkipped}, rec.StepStatuses("C"))
	assert.Equal(t, 1, tools.CallsTo("ok"))

	results := exec.Results()
	assert.Equal(t, core.StepSkipped, results["C"].Status)
	assert.Equal(t, core.CodeDependencyFailed, results["C"].Error.Code)

	term, ok := rec.Terminal()
	require.True(t, ok)
	require.Equal(t, core.EventError, term.Type)
	assert.Equal(t, core.CodeStepExecution, term.Error.Code)
	assert.Equal(t, []string{"B"}, term.Error.Details["failed"])
	assert.Equal(t, []string{"C"}, term.Error.Details["skipped"])
}

func TestParallelTaskGraph_TransitiveSkip(t *testing.T) {
	tools := testutil.NewScriptedTools().
		Handle("ok", testutil.Returns("x")).
		Handle("bad", testutil.Fails(errors.New("nope")))

	plan := testutil.NewPlanBuilder("exec-t").
		Tool("A", "bad", nil).
		Tool("B", "ok", nil, "A").
		Tool("C", "ok", nil, "B").
		Tool("D", "ok", nil).
		Build()
	exec := testutil.NewExecution(testutil.NewTask("exec-t", "chain", core.Options{Plan: plan}), core.KindParallelTaskGraph)

	rec := testutil.NewRecorder()
	_ = NewParallelTaskGraph(nil, tools).Run(context.Background(), exec, rec)

	results := exec.Results()
	assert.Equal(t, core.StepError, results["A"].Status)
	assert.Equal(t, core.StepSkipped, results["B"].Status)
	assert.Equal(t, core.StepSkipped, results["C"].Status)
	assert.Equal(t, core.StepSuccess, results["D"].Status)
	assert.Equal(t, 1, tools.CallsTo("ok"))
	assert.Equal(t, core.StatusFailed, exec.Status())
}

func TestParallelTaskGraph_ConcurrencyBound(t *testing.T) {
	slow := func(ctx context.Context, _ map[string]any) (any, error) {
		time.Sleep(20 * time.Millisecond)
		return "done", nil
	}
	tools := testutil.NewScriptedTools().Handle("slow", slow)

	b := testutil.NewPlanBuilder("exec-c")
	for _, id := range []string{"S1", "S2", "S3", "S4", "S5"} {
		b.Tool(id, "slow", nil)
	}
	task := testutil.NewTask("exec-c", "five", core.Options{Plan: b.Build(), ConcurrencyLimit: 2})
	exec := testutil.NewExecution(task, core.KindParallelTaskGraph)

	rec := testutil.NewRecorder()
	require.NoError(t, NewParallelTaskGraph(nil, tools).Run(context.Background(), exec, rec))

	assertProtocol(t, rec)
	assert.Equal(t, core.StatusCompleted, exec.Status())
	assert.LessOrEqual(t, tools.MaxConcurrent(), 2)
	assert.Equal(t, 5, tools.CallsTo("slow"))

	running, peak := 0, 0
	for _, ev := range rec.Events() {
		if ev.Type != core.EventToolUpdate {
			continue
		}
		if ev.StepStatus == core.StepRunning {
			running++
		} else {
			running--
		}
		if running > peak {
			peak = running
		}
	}
	assert.LessOrEqual(t, peak, 2)
}

func TestParallelTaskGraph_FinalResultInPlanOrder(t *testing.T) {
	tools := testutil.NewScriptedTools().Handle("echo", func(_ context.Context, p map[string]any) (any, error) {
		return p["v"], nil
	})
	plan := testutil.NewPlanBuilder("exec-f").
		Tool("A", "echo", map[string]any{"v": "one"}).
		Tool("B", "echo", map[string]any{"v": "two"}, "A").
		Build()
	exec := testutil.NewExecution(testutil.NewTask("exec-f", "order", core.Options{Plan: plan}), core.KindParallelTaskGraph)

	rec := testutil.NewRecorder()
	require.NoError(t, NewParallelTaskGraph(nil, tools).Run(context.Background(), exec, rec))

	term, ok := rec.Terminal()
	require.True(t, ok)
	assert.Equal(t, core.EventFinalResult, term.Type)
	assert.Equal(t, "[A] one\n[B] two", term.ResultText)
	assert.Equal(t, core.Progress{}, NewParallelTaskGraph(nil, tools).Progress())
}

func TestParallelTaskGraph_PlansWithLLM(t *testing.T) {
	llm := testutil.NewScriptedLLM().
		On(core.PhasePlanning, testutil.Text("Here is the plan:\n```json\n"+
			`{"plan_summary":"s","steps":[{"id":"A","description":"think"},{"id":"B","description":"use","tool":"echo","args":{"x":1},"depends_on":["A"]}]}`+
			"\n```")).
		On(core.PhaseExecution, testutil.Text("thought"))
	tools := testutil.NewScriptedTools().Handle("echo", testutil.Echo())

	exec := testutil.NewExecution(testutil.NewTask("exec-l", "llm plan", core.Options{}), core.KindParallelTaskGraph)
	s := NewParallelTaskGraph(llm, tools)
	rec := testutil.NewRecorder()
	require.NoError(t, s.Run(context.Background(), exec, rec))

	assertProtocol(t, rec)
	plans := rec.Plans()
	require.Len(t, plans, 1)
	assert.Equal(t, "s", plans[0].Summary)
	assert.Equal(t, "exec-l", plans[0].ExecutionID)

	calls := llm.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "llm plan", calls[0].Vars["task"])
	assert.NotNil(t, calls[0].Vars["tools"])
	assert.Equal(t, core.PhaseExecution, calls[1].Ref.Phase)

	progress := s.Progress()
	assert.Equal(t, 2, progress.StepsTotal)
	assert.Equal(t, 2, progress.StepsCompleted)
	assert.Equal(t, 1.0, progress.Fraction)
}

func TestParallelTaskGraph_CyclicPlanFromLLM(t *testing.T) {
	llm := testutil.NewScriptedLLM().On(core.PhasePlanning, testutil.Text(
		`{"steps":[{"id":"A","depends_on":["B"]},{"id":"B","depends_on":["A"]}]}`))
	exec := testutil.NewExecution(testutil.NewTask("exec-cy", "cycle", core.Options{}), core.KindParallelTaskGraph)

	rec := testutil.NewRecorder()
	_ = NewParallelTaskGraph(llm, nil).Run(context.Background(), exec, rec)

	assert.Equal(t, core.StatusFailed, exec.Status())
	assert.Equal(t, 0, rec.Count(core.EventToolUpdate))
	assert.Equal(t, 0, rec.Count(core.EventPlanUpdate))
	term, ok := rec.Terminal()
	require.True(t, ok)
	assert.Equal(t, core.CodePlanCycleDetected, term.Error.Code)
}

func TestParallelTaskGraph_PlanningFailure(t *testing.T) {
	llm := testutil.NewScriptedLLM().On(core.PhasePlanning, testutil.Fail(errors.New("model down")))
	exec := testutil.NewExecution(testutil.NewTask("exec-pf", "x", core.Options{}), core.KindParallelTaskGraph)

	rec := testutil.NewRecorder()
	_ = NewParallelTaskGraph(llm, nil).Run(context.Background(), exec, rec)

	term, ok := rec.Terminal()
	require.True(t, ok)
	assert.Equal(t, core.CodePlanningFailed, term.Error.Code)
}

func TestParallelTaskGraph_Cancellation(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	tools := testutil.NewScriptedTools().
		Handle("block", testutil.Blocking(started, release, "late")).
		Handle("ok", testutil.Returns("never"))

	plan := testutil.NewPlanBuilder("exec-x").
		Tool("A", "block", map[string]any{"id": "A"}).
		Tool("B", "ok", nil).
		Build()
	task := testutil.NewTask("exec-x", "cancel", core.Options{Plan: plan, ConcurrencyLimit: 1})
	exec := testutil.NewExecution(task, core.KindParallelTaskGraph)
	s := NewParallelTaskGraph(nil, tools)

	rec := testutil.NewRecorder()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), exec, rec) }()

	require.Equal(t, "A", <-started)
	exec.RequestCancel()
	s.Cancel()
	close(release)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}

	assert.Equal(t, core.StatusCancelled, exec.Status())
	assert.Equal(t, 0, tools.CallsTo("ok"))
	assert.Equal(t, []core.StepStatus{core.StepRunning, core.StepSuccess}, rec.StepStatuses("A"))
	term, ok := rec.Terminal()
	require.True(t, ok)
	assert.True(t, term.IsCancellation())
}

func TestParallelTaskGraph_CancelWhileAllStepsInFlight(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})
	tools := testutil.NewScriptedTools().Handle("block", testutil.Blocking(started, release, "done"))

	plan := testutil.NewPlanBuilder("exec-y").
		Tool("A", "block", map[string]any{"id": "A"}).
		Tool("B", "block", map[string]any{"id": "B"}).
		Build()
	task := testutil.NewTask("exec-y", "cancel", core.Options{Plan: plan, ConcurrencyLimit: 2})
	exec := testutil.NewExecution(task, core.KindParallelTaskGraph)
	s := NewParallelTaskGraph(nil, tools)

	rec := testutil.NewRecorder()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), exec, rec) }()

	<-started
	<-started
	require.True(t, exec.CompareAndSwapStatus(core.StatusRunning, core.StatusCancelling))
	exec.RequestCancel()
	s.Cancel()
	close(release)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}

	assert.Equal(t, core.StatusCancelled, exec.Status())
	assert.Equal(t, 2, tools.CallsTo("block"))
	assert.Zero(t, rec.Count(core.EventFinalResult))
	term, ok := rec.Terminal()
	require.True(t, ok)
	assert.True(t, term.IsCancellation())
}

func TestParallelTaskGraph_LLMCallLimit(t *testing.T) {
	llm := testutil.NewScriptedLLM().Handle(core.PhaseExecution, func(map[string]any) (string, error) { return "ok", nil })
	plan := testutil.NewPlanBuilder("exec-lim").Step("A").Step("B").Build()
	task := testutil.NewTask("exec-lim", "limit", core.Options{Plan: plan, MaxLLMCalls: 1, ConcurrencyLimit: 1})
	exec := testutil.NewExecution(task, core.KindParallelTaskGraph)

	rec := testutil.NewRecorder()
	_ = NewParallelTaskGraph(llm, nil).Run(context.Background(), exec, rec)

	results := exec.Results()
	assert.Equal(t, core.StepSuccess, results["A"].Status)
	require.Equal(t, core.StepError, results["B"].Status)
	assert.Contains(t, results["B"].Error.Message, core.ErrLLMCallLimit.Error())
	assert.Equal(t, 1, llm.CallsFor(core.PhaseExecution))
}
