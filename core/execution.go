package core

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the lifecycle state of an execution.
type Status int32

const (
	StatusPending Status = iota
	StatusRunning
	StatusCancelling
	StatusCompleted
	StatusFailed
	StatusCancelled
)

var statusNames = [...]string{"pending", "running", "cancelling", "completed", "failed", "cancelled"}

// String returns the lower-case status name.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "unknown"
	}
	return statusNames[s]
}

// IsTerminal reports whether s is Completed, Failed or Cancelled.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(b []byte) error {
	name := strings.ToLower(string(b))
	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", name)
}

// ExecutionContext is the per-execution state shared between a strategy
// instance and the manager.
//
// Ownership: the strategy mutates results, plan and feedback; the manager only
// sets the cancel flag and may race the strategy for the terminal transition.
// Status changes go through atomic compare-and-swap so exactly one of the two
// finalization paths wins and the loser observes it.
type ExecutionContext struct {
	ExecutionID string
	Strategy    StrategyKind
	Task        Task
	StartedAt   time.Time

	status          atomic.Int32
	cancelRequested atomic.Bool
	lastActivity    atomic.Int64

	mu           sync.RWMutex
	plan         *PlanGraph
	results      map[string]StepResult
	lastFeedback *ExecutionFeedback
	finishedAt   time.Time
	terminal     *ErrorInfo
}

// NewExecutionContext creates a context in the Pending state.
func NewExecutionContext(task Task, kind StrategyKind) *ExecutionContext {
	now := time.Now().UTC()
	ec := &ExecutionContext{
		ExecutionID: task.ExecutionID,
		Strategy:    kind,
		Task:        task,
		StartedAt:   now,
		results:     make(map[string]StepResult),
	}
	ec.status.Store(int32(StatusPending))
	ec.lastActivity.Store(now.UnixNano())
	return ec
}

// Status returns the current status.
func (ec *ExecutionContext) Status() Status { return Status(ec.status.Load()) }

// CompareAndSwapStatus performs a non-terminal transition. Transitions into a
// terminal status must use Finalize, and a terminal status is never left.
func (ec *ExecutionContext) CompareAndSwapStatus(from, to Status) bool {
	if from.IsTerminal() || to.IsTerminal() {
		return false
	}
	if ec.status.CompareAndSwap(int32(from), int32(to)) {
		ec.Touch()
		return true
	}
	return false
}

// Finalize moves the execution into a terminal status. It returns true for
// exactly one caller; every later call (from the strategy's natural
// completion or from the manager's cancellation timeout) returns false and
// must discard its terminal event.
func (ec *ExecutionContext) Finalize(to Status) bool {
	if !to.IsTerminal() {
		return false
	}
	for {
		cur := Status(ec.status.Load())
		if cur.IsTerminal() {
			return false
		}
		if ec.status.CompareAndSwap(int32(cur), int32(to)) {
			ec.mu.Lock()
			ec.finishedAt = time.Now().UTC()
			ec.mu.Unlock()
			ec.Touch()
			return true
		}
	}
}

// RequestCancel sets the cancel flag. It returns true only for the first caller.
func (ec *ExecutionContext) RequestCancel() bool {
	return ec.cancelRequested.CompareAndSwap(false, true)
}

// CancelRequested reports whether cancellation was requested.
func (ec *ExecutionContext) CancelRequested() bool { return ec.cancelRequested.Load() }

// Touch records activity for idle accounting.
func (ec *ExecutionContext) Touch() { ec.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the time of the last recorded activity.
func (ec *ExecutionContext) LastActivity() time.Time {
	return time.Unix(0, ec.lastActivity.Load())
}

// SetPlan stores the current plan snapshot.
func (ec *ExecutionContext) SetPlan(plan *PlanGraph) {
	ec.mu.Lock()
	ec.plan = plan
	ec.mu.Unlock()
	ec.Touch()
}

// Plan returns the current plan snapshot (nil before planning finished).
func (ec *ExecutionContext) Plan() *PlanGraph {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.plan
}

// RecordResult stores a step result, replacing any earlier attempt.
func (ec *ExecutionContext) RecordResult(r StepResult) {
	ec.mu.Lock()
	ec.results[r.StepID] = r
	ec.mu.Unlock()
	ec.Touch()
}

// Results returns a copy of the recorded step results.
func (ec *ExecutionContext) Results() map[string]StepResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]StepResult, len(ec.results))
	for k, v := range ec.results {
		out[k] = v
	}
	return out
}

// SetFeedback records the most recent failure feedback.
func (ec *ExecutionContext) SetFeedback(fb ExecutionFeedback) {
	ec.mu.Lock()
	ec.lastFeedback = &fb
	ec.mu.Unlock()
}

// SetTerminalError records the error reported with the terminal event.
func (ec *ExecutionContext) SetTerminalError(info *ErrorInfo) {
	ec.mu.Lock()
	ec.terminal = info
	ec.mu.Unlock()
}

// Snapshot is a read-only view of an execution for progress polling. It may
// trail the strategy's true state slightly.
type Snapshot struct {
	ExecutionID     string             `json:"execution_id"`
	Status          Status             `json:"status"`
	Strategy        StrategyKind       `json:"strategy"`
	StartedAt       time.Time          `json:"started_at"`
	FinishedAt      time.Time          `json:"finished_at,omitempty"`
	CancelRequested bool               `json:"cancel_requested"`
	PlanRevision    int                `json:"plan_revision"`
	LastFeedback    *ExecutionFeedback `json:"last_feedback,omitempty"`
	Error           *ErrorInfo         `json:"error,omitempty"`
	Progress        Progress           `json:"progress"`
}

// Snapshot captures the current state. Progress is derived from recorded
// results; the manager may overlay the strategy's own estimate.
func (ec *ExecutionContext) Snapshot() Snapshot {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	snap := Snapshot{
		ExecutionID:     ec.ExecutionID,
		Status:          ec.Status(),
		Strategy:        ec.Strategy,
		StartedAt:       ec.StartedAt,
		FinishedAt:      ec.finishedAt,
		CancelRequested: ec.CancelRequested(),
		Error:           ec.terminal,
	}
	if ec.lastFeedback != nil {
		fb := *ec.lastFeedback
		snap.LastFeedback = &fb
	}
	if ec.plan == nil {
		return snap
	}
	snap.PlanRevision = ec.plan.Revision
	snap.Progress.StepsTotal = ec.plan.Len()

	// Results of steps dropped by a replan do not count.
	for _, step := range ec.plan.Steps {
		r, ok := ec.results[step.ID]
		if !ok {
			continue
		}
		switch r.Status {
		case StepSuccess:
			snap.Progress.StepsCompleted++
		case StepError:
			snap.Progress.StepsFailed++
		case StepSkipped:
			snap.Progress.StepsSkipped++
		}
	}
	snap.Progress.Fraction = fraction(snap.Progress)
	return snap
}

func fraction(p Progress) float64 {
	if p.StepsTotal == 0 {
		return 0
	}
	done := p.StepsCompleted + p.StepsFailed + p.StepsSkipped
	if done > p.StepsTotal {
		done = p.StepsTotal
	}
	return float64(done) / float64(p.StepsTotal)
}

// ComputeFraction fills in p.Fraction from the step counters.
func ComputeFraction(p Progress) Progress {
	p.Fraction = fraction(p)
	return p
}
