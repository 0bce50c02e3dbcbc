// Package manager implements the execution manager, the entry point of the
// orchestrator.
//
// A Manager owns every running execution. Dispatch resolves the prompt
// templates of the selected strategy, validates a caller-supplied plan,
// registers the execution and starts the strategy on its own goroutine; all
// of that happens before Dispatch returns, so configuration mistakes surface
// to the caller instead of on the event stream.
//
// # Lifecycle
//
//	Dispatch ──► Pending ──► Running ──► Completed | Failed
//	                            │
//	                          Stop
//	                            ▼
//	                       Cancelling ──► Cancelled
//
// Stop is cooperative: it sets the execution's cancel flag and asks the
// strategy to stop at its next checkpoint. If the strategy has not finalized
// the execution within Config.CancellationTimeout, the manager finalizes it
// as Cancelled, publishes an Error event with code CANCELLED and releases the
// run context.
//
// An execution leaves the registry once its consumer received the terminal
// event, or Config.IdleTimeout after it finished when nobody reads the
// stream. The final snapshot stays available to GetProgress and Stop for the
// last Config.RetainFinished executions.
//
// # Usage
//
//	m, err := manager.New(manager.WithLogger(logger))
//	if err != nil { ... }
//	_ = m.Register(manager.StrategyDescriptor{
//	    Kind:    core.KindParallelTaskGraph,
//	    Phases:  strategy.Phases(core.KindParallelTaskGraph),
//	    Factory: func(core.Task) core.Strategy { return strategy.NewParallelTaskGraph(llm, tools) },
//	})
//
//	id, err := m.Dispatch(ctx, "compare the three offers", core.KindParallelTaskGraph, core.Options{})
//	events, _ := m.Events(id)
//	for ev := range events {
//	    ...
//	}
//
// Lifecycle callbacks (CallbackBeforeDispatch, CallbackOnFinish, ...) hook
// admission control, auditing or persistence into the manager without
// touching the strategies.
package manager
