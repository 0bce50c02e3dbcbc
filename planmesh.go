// Package planmesh provides the top-level entry point for running tasks with
// interchangeable planning strategies.
//
// A Planmesh wires the execution manager to the three built-in strategies
// (sequential_replanning, parallel_task_graph, plan_then_solve), a prompt
// template resolver, an LLM invoker and a tool invoker. Dispatch starts an
// execution and returns immediately; the execution's progress is observed
// through its ordered event stream, polled with GetProgress and cancelled with
// Stop. RunSync is a convenience wrapper for callers that just want the final
// outcome.
//
// Example:
//
//	pm, err := planmesh.New(func(o *planmesh.Options) {
//	    o.LLM = invoker
//	    o.Tools = tool.NewRegistry(tool.Builtins())
//	})
//	if err != nil { ... }
//	defer pm.Close(context.Background())
//
//	res, err := pm.RunSync(ctx, "add 2 and 3, then echo the sum", core.KindParallelTaskGraph, core.Options{})
package planmesh

import (
	"context"
	"fmt"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/logging"
	"github.com/hupe1980/planmesh/manager"
	"github.com/hupe1980/planmesh/metrics"
	"github.com/hupe1980/planmesh/prompt"
	"github.com/hupe1980/planmesh/strategy"
)

// StrategyDefaults are the per-strategy recovery and fan-out bounds applied
// when a dispatch leaves the corresponding option unset.
type StrategyDefaults struct {
	MaxRetriesPerStep int
	MaxReplans        int
	ConcurrencyLimit  int
}

// Options configures a Planmesh instance.
type Options struct {
	// ManagerConfig tunes cancellation, eviction and stream buffering.
	ManagerConfig manager.Config

	// LLM answers planning, reasoning, replanning and solve prompts.
	LLM core.LLMInvoker

	// Tools executes plan steps that name a tool.
	Tools core.ToolInvoker

	// Resolver defaults to a resolver over the built-in template catalog.
	Resolver *prompt.Resolver

	// Strategies overrides the defaults of individual strategies.
	Strategies map[core.StrategyKind]StrategyDefaults

	// PinnedVersions turns on version enforcement for every dispatch.
	PinnedVersions bool

	// MaxLLMCalls caps model calls per execution unless the dispatch sets its
	// own cap. 0 means unlimited.
	MaxLLMCalls int

	Callbacks *manager.CallbackManager
	Metrics   *metrics.Collector
	Logger    logging.Logger
}

// Planmesh runs tasks through the execution manager.
type Planmesh struct {
	opts    Options
	manager *manager.Manager
}

// New creates a Planmesh with the built-in strategies registered.
func New(optFns ...func(o *Options)) (*Planmesh, error) {
	opts := Options{
		ManagerConfig: manager.DefaultConfig,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Resolver == nil {
		catalog, err := prompt.DefaultCatalog()
		if err != nil {
			return nil, fmt.Errorf("load default templates: %w", err)
		}

		r, err := prompt.NewResolver(catalog, func(o *prompt.Options) { o.Logger = opts.Logger })
		if err != nil {
			return nil, fmt.Errorf("create resolver: %w", err)
		}

		opts.Resolver = r
	}

	m, err := manager.New(func(o *manager.Options) {
		o.Config = opts.ManagerConfig
		o.Resolver = opts.Resolver
		o.Callbacks = opts.Callbacks
		o.Metrics = opts.Metrics
		o.Logger = opts.Logger
	})
	if err != nil {
		return nil, err
	}

	pm := &Planmesh{opts: opts, manager: m}

	for _, kind := range []core.StrategyKind{
		core.KindSequentialReplanning,
		core.KindParallelTaskGraph,
		core.KindPlanThenSolve,
	} {
		if err := m.Register(manager.StrategyDescriptor{
			Kind:    kind,
			Phases:  strategy.Phases(kind),
			Factory: pm.factory(kind),
		}); err != nil {
			return nil, err
		}
	}

	return pm, nil
}

func (pm *Planmesh) factory(kind core.StrategyKind) func(core.Task) core.Strategy {
	return func(task core.Task) core.Strategy {
		optFns := []func(o *strategy.Options){
			strategy.WithLogger(logging.ForExecution(pm.opts.Logger, task.ExecutionID, string(kind))),
			strategy.WithMetrics(pm.opts.Metrics),
		}

		if d, ok := pm.opts.Strategies[kind]; ok {
			optFns = append(optFns, func(o *strategy.Options) {
				o.MaxRetriesPerStep = d.MaxRetriesPerStep
				o.MaxReplans = d.MaxReplans
				if d.ConcurrencyLimit > 0 {
					o.ConcurrencyLimit = d.ConcurrencyLimit
				}
			})
		}

		switch kind {
		case core.KindSequentialReplanning:
			return strategy.NewSequentialReplanning(pm.opts.LLM, pm.opts.Tools, optFns...)
		case core.KindPlanThenSolve:
			return strategy.NewPlanThenSolve(pm.opts.LLM, pm.opts.Tools, optFns...)
		default:
			return strategy.NewParallelTaskGraph(pm.opts.LLM, pm.opts.Tools, optFns...)
		}
	}
}

// Manager exposes the underlying execution manager, for registering custom
// strategies or callbacks.
func (pm *Planmesh) Manager() *manager.Manager { return pm.manager }

// Resolver returns the prompt template resolver.
func (pm *Planmesh) Resolver() *prompt.Resolver { return pm.opts.Resolver }

// Dispatch starts an execution and returns its id.
func (pm *Planmesh) Dispatch(ctx context.Context, task string, kind core.StrategyKind, opts core.Options) (string, error) {
	return pm.manager.Dispatch(ctx, task, kind, pm.withDefaults(opts))
}

func (pm *Planmesh) withDefaults(opts core.Options) core.Options {
	if pm.opts.PinnedVersions {
		opts.PinnedVersions = true
	}

	if opts.MaxLLMCalls == 0 {
		opts.MaxLLMCalls = pm.opts.MaxLLMCalls
	}

	return opts
}

// Events returns the ordered event stream of an execution.
func (pm *Planmesh) Events(id string) (<-chan core.Event, error) { return pm.manager.Events(id) }

// Stop requests cancellation of an execution.
func (pm *Planmesh) Stop(id string) error { return pm.manager.Stop(id) }

// GetProgress returns a snapshot of an execution.
func (pm *Planmesh) GetProgress(id string) (core.Snapshot, error) { return pm.manager.GetProgress(id) }

// Active returns the ids of registered executions.
func (pm *Planmesh) Active() []string { return pm.manager.Active() }

// Close cancels every execution and waits for them until ctx is done.
func (pm *Planmesh) Close(ctx context.Context) error { return pm.manager.Close(ctx) }

// Result is the outcome of RunSync.
type Result struct {
	ExecutionID string
	Events      []core.Event
	Terminal    core.Event
	Snapshot    core.Snapshot
}

// Text returns the final result text, or "" when the execution did not
// complete.
func (r *Result) Text() string {
	if r.Terminal.Type == core.EventFinalResult {
		return r.Terminal.ResultText
	}
	return ""
}

// Err returns the terminal error of a failed or cancelled execution.
func (r *Result) Err() error {
	if r.Terminal.Type == core.EventError && r.Terminal.Error != nil {
		return r.Terminal.Error
	}
	return nil
}

// RunSync dispatches a task and collects its events until the terminal event.
// If ctx is done first the execution is stopped and ctx.Err is returned with
// the events seen so far.
//
// onEvent, when non-nil, is called for every event as it arrives.
func (pm *Planmesh) RunSync(ctx context.Context, task string, kind core.StrategyKind, opts core.Options, onEvent ...func(core.Event)) (*Result, error) {
	id, err := pm.Dispatch(ctx, task, kind, opts)
	if err != nil {
		return nil, err
	}

	events, err := pm.manager.Events(id)
	if err != nil {
		return nil, err
	}

	res := &Result{ExecutionID: id}

	for {
		select {
		case <-ctx.Done():
			if err := pm.manager.Stop(id); err != nil {
				pm.opts.Logger.Warn("planmesh.stop.failed", "execution_id", id, "error", err)
			}
			res.Snapshot, _ = pm.manager.GetProgress(id)
			return res, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				snap, err := pm.manager.GetProgress(id)
				if err != nil {
					return res, err
				}
				res.Snapshot = snap
				return res, nil
			}

			res.Events = append(res.Events, ev)
			if ev.IsTerminal() {
				res.Terminal = ev
			}

			for _, fn := range onEvent {
				fn(ev)
			}
		}
	}
}
