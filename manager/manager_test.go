package manager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/internal/testutil"
	"github.com/hupe1980/planmesh/metrics"
	"github.com/hupe1980/planmesh/strategy"
)

const kindStub core.StrategyKind = "stub"

// stubStrategy runs fn and ignores Cancel, like a strategy stuck inside a
// collaborator call.
type stubStrategy struct {
	fn        func(ctx context.Context, exec *core.ExecutionContext, emit core.Emitter) error
	cancelled atomic.Bool
}

func (s *stubStrategy) Kind() core.StrategyKind { return kindStub }

func (s *stubStrategy) Plan(context.Context, core.Task) (*core.PlanGraph, error) {
	return nil, errors.New("not supported")
}

func (s *stubStrategy) Run(ctx context.Context, exec *core.ExecutionContext, emit core.Emitter) error {
	return s.fn(ctx, exec, emit)
}

func (s *stubStrategy) Cancel() { s.cancelled.Store(true) }

func (s *stubStrategy) Progress() core.Progress { return core.Progress{} }

func newManager(t *testing.T, cfg Config, optFns ...func(o *Options)) *Manager {
	t.Helper()
	m, err := New(append([]func(o *Options){WithConfig(cfg)}, optFns...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func registerParallel(t *testing.T, m *Manager, llm core.LLMInvoker, tools core.ToolInvoker) {
	t.Helper()
	require.NoError(t, m.Register(StrategyDescriptor{
		Kind:   core.KindParallelTaskGraph,
		Phases: strategy.Phases(core.KindParallelTaskGraph),
		Factory: func(core.Task) core.Strategy {
			return strategy.NewParallelTaskGraph(llm, tools)
		},
	}))
}

func registerStub(t *testing.T, m *Manager, s *stubStrategy) {
	t.Helper()
	require.NoError(t, m.Register(StrategyDescriptor{
		Kind:    kindStub,
		Phases:  []core.Phase{core.PhasePlanning},
		Factory: func(core.Task) core.Strategy { return s },
	}))
}

func drain(t *testing.T, m *Manager, id string) []core.Event {
	t.Helper()
	ch, err := m.Events(id)
	require.NoError(t, err)

	var evs []core.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return evs
			}
			evs = append(evs, ev)
		case <-timeout:
			t.Fatal("stream did not close")
			return evs
		}
	}
}

func TestDispatch_SynchronousFailuresLeaveNoState(t *testing.T) {
	m := newManager(t, Config{})
	registerParallel(t, m, nil, testutil.NewScriptedTools())

	_, err := m.Dispatch(context.Background(), "x", "nope", core.Options{})
	assert.ErrorIs(t, err, core.ErrUnknownStrategy)

	_, err = m.Dispatch(context.Background(), "x", core.KindParallelTaskGraph, core.Options{
		PromptOverrides: map[core.Phase]string{core.PhasePlanning: "missing"},
	})
	assert.ErrorIs(t, err, core.ErrTemplateNotFound)

	cyclic := &core.PlanGraph{Steps: []core.PlanStep{
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"A"}},
	}}
	_, err = m.Dispatch(context.Background(), "x", core.KindParallelTaskGraph, core.Options{Plan: cyclic})
	assert.ErrorIs(t, err, core.ErrPlanCycleDetected)

	assert.Empty(t, m.Active())
	assert.Equal(t, 0, m.bus.Len())
}

func TestDispatch_RunsToCompletionAndEvicts(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := metrics.New(reg)
	require.NoError(t, err)

	tools := testutil.NewScriptedTools().Handle("echo", testutil.Echo())
	m := newManager(t, Config{}, WithMetrics(collector))
	registerParallel(t, m, nil, tools)

	plan := testutil.NewPlanBuilder("").
		Tool("A", "echo", map[string]any{"v": 1}).
		Tool("B", "echo", map[string]any{"v": 2}, "A").
		Build()
	id, err := m.Dispatch(context.Background(), "two steps", core.KindParallelTaskGraph, core.Options{Plan: plan})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	evs := drain(t, m, id)
	require.NotEmpty(t, evs)
	assert.Equal(t, core.EventPlanUpdate, evs[0].Type)
	assert.Equal(t, id, evs[0].Plan.ExecutionID)
	assert.Equal(t, core.EventFinalResult, evs[len(evs)-1].Type)
	for i := 1; i < len(evs); i++ {
		assert.Greater(t, evs[i].Sequence, evs[i-1].Sequence)
	}

	assert.Eventually(t, func() bool { return len(m.Active()) == 0 }, 2*time.Second, 10*time.Millisecond)

	snap, err := m.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, snap.Status)
	assert.Equal(t, 2, snap.Progress.StepsCompleted)
	assert.Equal(t, 1.0, snap.Progress.Fraction)

	assert.NoError(t, m.Stop(id), "stopping a finished execution is a no-op")
}

func TestDispatch_DuplicateID(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	m := newManager(t, Config{})
	registerStub(t, m, &stubStrategy{fn: func(_ context.Context, exec *core.ExecutionContext, _ core.Emitter) error {
		<-release
		exec.Finalize(core.StatusCompleted)
		return nil
	}})

	id, err := m.Dispatch(context.Background(), "x", kindStub, core.Options{ExecutionID: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", id)

	_, err = m.Dispatch(context.Background(), "x", kindStub, core.Options{ExecutionID: "fixed"})
	assert.ErrorIs(t, err, core.ErrDuplicateExecution)
	assert.Equal(t, []string{"fixed"}, m.Active())
}

func TestStop_CooperativeCancellation(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	tools := testutil.NewScriptedTools().
		Handle("block", testutil.Blocking(started, release, "a")).
		Handle("ok", testutil.Returns("b"))

	m := newManager(t, Config{CancellationTimeout: 5 * time.Second})
	require.NoError(t, m.Register(StrategyDescriptor{
		Kind:   core.KindSequentialReplanning,
		Phases: strategy.Phases(core.KindSequentialReplanning),
		Factory: func(core.Task) core.Strategy {
			return strategy.NewSequentialReplanning(nil, tools)
		},
	}))

	plan := testutil.NewPlanBuilder("").
		Tool("A", "block", map[string]any{"id": "A"}).
		Tool("B", "ok", nil, "A").
		Build()
	id, err := m.Dispatch(context.Background(), "stop me", core.KindSequentialReplanning, core.Options{Plan: plan})
	require.NoError(t, err)

	<-started
	require.NoError(t, m.Stop(id))
	require.NoError(t, m.Stop(id), "stop is idempotent")

	snap, err := m.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelling, snap.Status)
	assert.True(t, snap.CancelRequested)

	close(release)
	evs := drain(t, m, id)
	term := evs[len(evs)-1]
	assert.True(t, term.IsCancellation())
	assert.Nil(t, term.Error.Details["reason"])
	assert.Equal(t, 0, tools.CallsTo("ok"))

	snap, err = m.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, snap.Status)
}

func TestStop_ForcedAfterTimeout(t *testing.T) {
	release := make(chan struct{})
	returned := make(chan bool, 1)
	stub := &stubStrategy{}
	stub.fn = func(_ context.Context, exec *core.ExecutionContext, emit core.Emitter) error {
		_ = emit.Emit(core.NewPlanUpdateEvent(exec.ExecutionID, testutil.NewPlanBuilder(exec.ExecutionID).Step("A").Build()))
		<-release
		won := exec.Finalize(core.StatusCompleted)
		if won {
			_ = emit.Emit(core.NewFinalResultEvent(exec.ExecutionID, "late", nil))
		}
		returned <- won
		return nil
	}

	m := newManager(t, Config{CancellationTimeout: 50 * time.Millisecond})
	registerStub(t, m, stub)

	id, err := m.Dispatch(context.Background(), "stuck", kindStub, core.Options{})
	require.NoError(t, err)
	ch, err := m.Events(id)
	require.NoError(t, err)
	first := <-ch
	assert.Equal(t, core.EventPlanUpdate, first.Type)

	require.NoError(t, m.Stop(id))
	assert.True(t, stub.cancelled.Load())

	select {
	case ev := <-ch:
		require.True(t, ev.IsCancellation())
		assert.Equal(t, core.ErrCancellationTimeout.Error(), ev.Error.Details["reason"])
	case <-time.After(2 * time.Second):
		t.Fatal("no forced cancellation event")
	}

	_, open := <-ch
	assert.False(t, open)
	assert.Eventually(t, func() bool { return len(m.Active()) == 0 }, time.Second, 5*time.Millisecond)

	close(release)
	assert.False(t, <-returned, "the straggler must lose the terminal transition")

	snap, err := m.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCancelled, snap.Status)
	assert.Equal(t, core.CodeCancelled, snap.Error.Code)
}

func TestDispatch_StopBeforeStartWins(t *testing.T) {
	stub := &stubStrategy{fn: func(context.Context, *core.ExecutionContext, core.Emitter) error {
		t.Error("strategy must not run")
		return nil
	}}
	m := newManager(t, Config{CancellationTimeout: time.Hour})
	registerStub(t, m, stub)

	task := core.Task{ExecutionID: "early", Description: "x"}
	e := &entry{exec: core.NewExecutionContext(task, kindStub), strategy: stub}
	require.NoError(t, m.insert(e))

	require.NoError(t, m.Stop("early"))
	assert.Equal(t, core.StatusCancelling, e.exec.Status())

	err := m.activate(e)
	assert.ErrorIs(t, err, ErrCancelledBeforeStart)
	assert.NotErrorIs(t, err, core.ErrDuplicateExecution)
	assert.Equal(t, core.StatusCancelled, e.exec.Status())
	assert.False(t, e.timer.Stop(), "the cancellation timer is disarmed")
	assert.Empty(t, m.Active())

	// The id is free again.
	stub.fn = func(_ context.Context, exec *core.ExecutionContext, _ core.Emitter) error {
		exec.Finalize(core.StatusCompleted)
		return nil
	}
	id, err := m.Dispatch(context.Background(), "x", kindStub, core.Options{ExecutionID: "early"})
	require.NoError(t, err)
	assert.Equal(t, "early", id)
}

func TestStop_UnknownExecution(t *testing.T) {
	m := newManager(t, Config{})
	assert.ErrorIs(t, m.Stop("ghost"), core.ErrNotFound)

	_, err := m.GetProgress("ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = m.Events("ghost")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRun_StrategyPanicFailsExecution(t *testing.T) {
	m := newManager(t, Config{})
	registerStub(t, m, &stubStrategy{fn: func(context.Context, *core.ExecutionContext, core.Emitter) error {
		panic("boom")
	}})

	id, err := m.Dispatch(context.Background(), "x", kindStub, core.Options{})
	require.NoError(t, err)

	evs := drain(t, m, id)
	require.Len(t, evs, 1)
	assert.Equal(t, core.EventError, evs[0].Type)
	assert.Equal(t, core.CodeInternal, evs[0].Error.Code)
	assert.Contains(t, evs[0].Error.Message, "boom")

	snap, err := m.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFailed, snap.Status)
}

func TestIdleTimeoutEvictsUndrainedExecutions(t *testing.T) {
	m := newManager(t, Config{IdleTimeout: 30 * time.Millisecond})
	registerStub(t, m, &stubStrategy{fn: func(_ context.Context, exec *core.ExecutionContext, emit core.Emitter) error {
		exec.Finalize(core.StatusCompleted)
		return emit.Emit(core.NewFinalResultEvent(exec.ExecutionID, "done", nil))
	}})

	id, err := m.Dispatch(context.Background(), "x", kindStub, core.Options{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(m.Active()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return m.bus.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	snap, err := m.GetProgress(id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, snap.Status)
}

func TestCallbacks(t *testing.T) {
	var finished, evicted atomic.Int32
	cm := NewCallbackManager()
	cm.RegisterCallback(NewFunctionCallback(CallbackBeforeDispatch, func(_ context.Context, c *CallbackContext) error {
		if c.Task.Description == "forbidden" {
			return errors.New("rejected")
		}
		return nil
	}))
	cm.RegisterCallback(NewFunctionCallback(CallbackOnFinish, func(_ context.Context, c *CallbackContext) error {
		assert.True(t, c.Snapshot.Status.IsTerminal())
		finished.Add(1)
		return nil
	}))
	cm.RegisterCallback(NewFunctionCallback(CallbackOnEvict, func(context.Context, *CallbackContext) error {
		evicted.Add(1)
		return nil
	}))

	m := newManager(t, Config{}, WithCallbacks(cm))
	registerStub(t, m, &stubStrategy{fn: func(_ context.Context, exec *core.ExecutionContext, emit core.Emitter) error {
		exec.Finalize(core.StatusCompleted)
		return emit.Emit(core.NewFinalResultEvent(exec.ExecutionID, "ok", nil))
	}})

	_, err := m.Dispatch(context.Background(), "forbidden", kindStub, core.Options{})
	require.Error(t, err)
	assert.Empty(t, m.Active())

	id, err := m.Dispatch(context.Background(), "allowed", kindStub, core.Options{})
	require.NoError(t, err)
	drain(t, m, id)

	assert.Eventually(t, func() bool { return evicted.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), finished.Load())
}

func TestDispatch_CapacityAndClose(t *testing.T) {
	release := make(chan struct{})
	m := newManager(t, Config{MaxActiveExecutions: 1})
	registerStub(t, m, &stubStrategy{fn: func(ctx context.Context, exec *core.ExecutionContext, emit core.Emitter) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		exec.Finalize(core.StatusCancelled)
		return emit.Emit(core.NewErrorEvent(exec.ExecutionID, core.NewErrorInfo(core.CodeCancelled, "closed")))
	}})

	_, err := m.Dispatch(context.Background(), "one", kindStub, core.Options{})
	require.NoError(t, err)

	_, err = m.Dispatch(context.Background(), "two", kindStub, core.Options{})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))
	close(release)

	_, err = m.Dispatch(context.Background(), "three", kindStub, core.Options{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Empty(t, m.Active())
}
