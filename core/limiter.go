package core

import (
	"fmt"
	"sync/atomic"
)

// CallLimiter is the model call budget of one execution. Concurrent steps of
// a graph share it. A max of zero disables the budget.
type CallLimiter struct {
	max  int64
	used atomic.Int64
}

// NewCallLimiter creates a budget of max calls.
func NewCallLimiter(max int) *CallLimiter {
	return &CallLimiter{max: int64(max)}
}

// Acquire takes one call for phase from the budget. Refused calls are not
// counted, so Used never exceeds the budget.
func (cl *CallLimiter) Acquire(phase Phase) error {
	for {
		n := cl.used.Load()
		if cl.max > 0 && n >= cl.max {
			return fmt.Errorf("%w: %s call refused after %d of %d", ErrLLMCallLimit, phase, n, cl.max)
		}
		if cl.used.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Used returns the number of granted calls. A nil limiter reports zero.
func (cl *CallLimiter) Used() int {
	if cl == nil {
		return 0
	}
	return int(cl.used.Load())
}
