package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/planmesh/core"
)

// CallbackType identifies a point in an execution's lifecycle at which
// callbacks run.
//
// Callbacks run synchronously on the goroutine that reached the lifecycle
// point. Only CallbackBeforeDispatch can influence the outcome: an error
// returned there rejects the dispatch before anything is registered. Errors
// from the other types are logged and otherwise ignored.
type CallbackType string

const (
	// CallbackBeforeDispatch runs after templates were resolved and before
	// the execution is registered. Use for admission control.
	CallbackBeforeDispatch CallbackType = "before_dispatch"

	// CallbackAfterDispatch runs once the strategy goroutine was started.
	CallbackAfterDispatch CallbackType = "after_dispatch"

	// CallbackOnStop runs when Stop accepted a cancellation request.
	CallbackOnStop CallbackType = "on_stop"

	// CallbackOnFinish runs once per execution after it reached a terminal
	// status, whichever side finalized it.
	CallbackOnFinish CallbackType = "on_finish"

	// CallbackOnEvict runs when the execution left the registry.
	CallbackOnEvict CallbackType = "on_evict"
)

// CallbackContext describes the execution a callback fires for.
type CallbackContext struct {
	ExecutionID  string
	Strategy     core.StrategyKind
	Task         core.Task
	CallbackType CallbackType

	// Snapshot is the execution state at the time the callback fired. It is
	// zero for CallbackBeforeDispatch.
	Snapshot core.Snapshot

	Metadata map[string]any
}

// Callback is an execution lifecycle hook.
type Callback interface {
	Type() CallbackType
	Execute(ctx context.Context, cbCtx *CallbackContext) error
}

// FunctionCallback adapts a function to the Callback interface.
//
// Example:
//
//	audit := manager.NewFunctionCallback(manager.CallbackOnFinish,
//	    func(ctx context.Context, c *manager.CallbackContext) error {
//	        log.Printf("%s finished with %s", c.ExecutionID, c.Snapshot.Status)
//	        return nil
//	    })
type FunctionCallback struct {
	callbackType CallbackType
	fn           func(ctx context.Context, cbCtx *CallbackContext) error
}

// NewFunctionCallback creates a function-based callback.
func NewFunctionCallback(callbackType CallbackType, fn func(ctx context.Context, cbCtx *CallbackContext) error) *FunctionCallback {
	return &FunctionCallback{callbackType: callbackType, fn: fn}
}

// Type returns the callback type.
func (c *FunctionCallback) Type() CallbackType { return c.callbackType }

// Execute calls the wrapped function.
func (c *FunctionCallback) Execute(ctx context.Context, cbCtx *CallbackContext) error {
	return c.fn(ctx, cbCtx)
}

// CallbackManager keeps callbacks per type and runs them in registration
// order. Registration and execution are safe for concurrent use.
type CallbackManager struct {
	mu        sync.RWMutex
	callbacks map[CallbackType][]Callback
}

// NewCallbackManager creates an empty callback manager.
func NewCallbackManager() *CallbackManager {
	return &CallbackManager{callbacks: make(map[CallbackType][]Callback)}
}

// RegisterCallback appends cb to the callbacks of its type.
func (cm *CallbackManager) RegisterCallback(cb Callback) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks[cb.Type()] = append(cm.callbacks[cb.Type()], cb)
}

// ExecuteCallbacks runs the callbacks registered for callbackType and stops at
// the first error.
func (cm *CallbackManager) ExecuteCallbacks(ctx context.Context, callbackType CallbackType, cbCtx *CallbackContext) error {
	if cm == nil {
		return nil
	}

	cm.mu.RLock()
	callbacks := append([]Callback(nil), cm.callbacks[callbackType]...)
	cm.mu.RUnlock()

	cbCtx.CallbackType = callbackType
	for i, cb := range callbacks {
		if err := cb.Execute(ctx, cbCtx); err != nil {
			return fmt.Errorf("%s callback %d: %w", callbackType, i, err)
		}
	}

	return nil
}

// Len returns the number of callbacks registered for callbackType.
func (cm *CallbackManager) Len(callbackType CallbackType) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.callbacks[callbackType])
}
