package core

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecutionContext_FinalizeHasSingleWinner(t *testing.T) {
	ec := NewExecutionContext(Task{ExecutionID: "e"}, KindParallelTaskGraph)
	assert.True(t, ec.CompareAndSwapStatus(StatusPending, StatusRunning))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		to := StatusCompleted
		if i%2 == 0 {
			to = StatusCancelled
		}
		go func() {
			defer wg.Done()
			if ec.Finalize(to) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, ec.Status().IsTerminal())
	assert.False(t, ec.Snapshot().FinishedAt.IsZero())
}

func TestExecutionContext_TransitionsRejectTerminal(t *testing.T) {
	ec := NewExecutionContext(Task{ExecutionID: "e"}, KindSequentialReplanning)
	assert.False(t, ec.CompareAndSwapStatus(StatusPending, StatusCompleted))
	assert.False(t, ec.Finalize(StatusRunning))
	assert.True(t, ec.Finalize(StatusFailed))
	assert.False(t, ec.CompareAndSwapStatus(StatusFailed, StatusRunning))
}

func TestExecutionContext_RequestCancelOnce(t *testing.T) {
	ec := NewExecutionContext(Task{ExecutionID: "e"}, KindPlanThenSolve)
	assert.True(t, ec.RequestCancel())
	assert.False(t, ec.RequestCancel())
	assert.True(t, ec.CancelRequested())
}

func TestExecutionContext_Snapshot(t *testing.T) {
	ec := NewExecutionContext(Task{ExecutionID: "e"}, KindParallelTaskGraph)
	ec.SetPlan(NewPlanGraph("e", PlanStep{ID: "a"}, PlanStep{ID: "b"}, PlanStep{ID: "c"}, PlanStep{ID: "d"}))
	ec.RecordResult(SuccessResult("a", "x"))
	ec.RecordResult(ErrorResult("b", errors.New("boom")))
	ec.RecordResult(SkippedResult("c", "b"))

	snap := ec.Snapshot()
	assert.Equal(t, 4, snap.Progress.StepsTotal)
	assert.Equal(t, 1, snap.Progress.StepsCompleted)
	assert.Equal(t, 1, snap.Progress.StepsFailed)
	assert.Equal(t, 1, snap.Progress.StepsSkipped)
	assert.InDelta(t, 0.75, snap.Progress.Fraction, 1e-9)

	res := ec.Results()
	assert.Equal(t, CodeStepExecution, res["b"].Error.Code)
	assert.Equal(t, "b", res["b"].Error.StepID)
	assert.Equal(t, CodeDependencyFailed, res["c"].Error.Code)
}

func TestExecutionContext_SnapshotIgnoresReplacedSteps(t *testing.T) {
	ec := NewExecutionContext(Task{ExecutionID: "e"}, KindSequentialReplanning)
	ec.SetPlan(NewPlanGraph("e", PlanStep{ID: "a"}, PlanStep{ID: "b"}))
	ec.RecordResult(SuccessResult("a", "x"))
	ec.RecordResult(ErrorResult("b", errors.New("boom")))

	replanned := NewPlanGraph("e", PlanStep{ID: "a"}, PlanStep{ID: "c"})
	replanned.Revision = 1
	ec.SetPlan(replanned)

	snap := ec.Snapshot()
	assert.Equal(t, 1, snap.PlanRevision)
	assert.Equal(t, 2, snap.Progress.StepsTotal)
	assert.Equal(t, 1, snap.Progress.StepsCompleted)
	assert.Equal(t, 0, snap.Progress.StepsFailed)
	assert.InDelta(t, 0.5, snap.Progress.Fraction, 1e-9)
}

func TestStatus_TextRoundTrip(t *testing.T) {
	b, err := StatusCancelling.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "cancelling", string(b))

	var s Status
	assert.NoError(t, s.UnmarshalText([]byte("Completed")))
	assert.Equal(t, StatusCompleted, s)
	assert.Error(t, s.UnmarshalText([]byte("bogus")))
}

type codedErr struct{}

func (codedErr) Error() string     { return "rate limited" }
func (codedErr) ErrorCode() string { return "RATE_LIMIT" }

func TestToErrorInfo(t *testing.T) {
	assert.Nil(t, ToErrorInfo(nil))

	info := ToErrorInfo(codedErr{})
	assert.Equal(t, CodeStepExecution, info.Code)
	assert.Equal(t, "RATE_LIMIT", info.Details["collaborator_code"])

	assert.Equal(t, CodePlanCycleDetected, ToErrorInfo(NewPlanGraph("e", PlanStep{ID: "a", DependsOn: []string{"a"}}).Validate()).Code)

	orig := NewErrorInfo(CodeSolveFailed, "x")
	assert.Same(t, orig, ToErrorInfo(orig))
}
