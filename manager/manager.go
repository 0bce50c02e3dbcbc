package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/eventbus"
	"github.com/hupe1980/planmesh/logging"
	"github.com/hupe1980/planmesh/metrics"
	"github.com/hupe1980/planmesh/prompt"
)

var (
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("manager closed")

	// ErrCancelledBeforeStart is returned by Dispatch when Stop reached a
	// caller-chosen id before its strategy was started.
	ErrCancelledBeforeStart = errors.New("execution cancelled before start")

	// ErrCapacityExceeded is returned by Dispatch when MaxActiveExecutions
	// executions are already registered.
	ErrCapacityExceeded = errors.New("too many active executions")
)

// Config holds the manager's tuning parameters.
type Config struct {
	// CancellationTimeout is how long Stop waits for the strategy to
	// acknowledge cancellation before the manager finalizes the execution
	// itself.
	CancellationTimeout time.Duration

	// IdleTimeout evicts finished executions whose terminal event was never
	// drained by a consumer.
	IdleTimeout time.Duration

	// RetainFinished is the number of final snapshots kept after eviction,
	// so GetProgress and Stop keep answering for recently finished ids.
	RetainFinished int

	// EventBufferSize bounds each execution's event queue.
	EventBufferSize int

	// MaxActiveExecutions caps registered executions. 0 means unlimited.
	MaxActiveExecutions int
}

// DefaultConfig is used for every zero field of Options.Config.
var DefaultConfig = Config{
	CancellationTimeout: 5 * time.Second,
	IdleTimeout:         5 * time.Minute,
	RetainFinished:      1024,
	EventBufferSize:     eventbus.DefaultBufferSize,
}

// TemplateResolver resolves the prompt templates of a strategy's phases.
// *prompt.Resolver implements it.
type TemplateResolver interface {
	ResolveAll(phases []core.Phase, kind core.StrategyKind, overrides map[core.Phase]string, pinned bool) (map[core.Phase]core.TemplateRef, error)
}

// StrategyDescriptor registers a strategy kind. Factory is called once per
// execution; Phases lists the templates resolved before the execution starts.
type StrategyDescriptor struct {
	Kind    core.StrategyKind
	Phases  []core.Phase
	Factory func(task core.Task) core.Strategy
}

// Options configures a Manager.
type Options struct {
	Config Config

	// Resolver defaults to a resolver over prompt.DefaultCatalog.
	Resolver TemplateResolver

	// Bus defaults to a bus sized by Config.EventBufferSize that reports
	// drops to Metrics.
	Bus *eventbus.Bus

	Callbacks *CallbackManager
	Metrics   *metrics.Collector
	Tracer    trace.Tracer
	Logger    logging.Logger
}

// WithConfig sets the tuning parameters.
func WithConfig(cfg Config) func(o *Options) {
	return func(o *Options) { o.Config = cfg }
}

// WithResolver sets the template resolver.
func WithResolver(r TemplateResolver) func(o *Options) {
	return func(o *Options) { o.Resolver = r }
}

// WithBus sets the event bus.
func WithBus(b *eventbus.Bus) func(o *Options) {
	return func(o *Options) { o.Bus = b }
}

// WithCallbacks sets the lifecycle callbacks.
func WithCallbacks(cm *CallbackManager) func(o *Options) {
	return func(o *Options) { o.Callbacks = cm }
}

// WithMetrics sets the Prometheus collector.
func WithMetrics(c *metrics.Collector) func(o *Options) {
	return func(o *Options) { o.Metrics = c }
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) func(o *Options) {
	return func(o *Options) { o.Tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// Manager is the entry point for executions: it resolves templates, creates
// the execution context, runs the selected strategy on its own goroutine and
// owns the execution until it is evicted.
//
// Concurrency model:
//   - the registry is an immutable map behind an atomic pointer. Readers
//     (GetProgress, Stop, Events, Active) never take a lock; writers copy the
//     map under writeMu.
//   - each execution has one strategy goroutine. The manager only touches the
//     execution through its atomic status, the cancel flag and the stream.
//   - natural completion and the cancellation timeout race through
//     ExecutionContext.Finalize; exactly one of them emits the terminal event.
type Manager struct {
	opts     Options
	bus      *eventbus.Bus
	finished *lru.Cache[string, core.Snapshot]

	strategiesMu sync.RWMutex
	strategies   map[core.StrategyKind]StrategyDescriptor

	writeMu  sync.Mutex
	registry atomic.Pointer[map[string]*entry]

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closed     atomic.Bool
}

// entry is the manager's bookkeeping for one registered execution.
type entry struct {
	exec     *core.ExecutionContext
	strategy core.Strategy
	stream   *eventbus.Stream
	cancel   context.CancelFunc

	timerMu sync.Mutex
	timer   *time.Timer

	finishOnce sync.Once
	evictOnce  sync.Once
}

// New creates a Manager. Strategies are added with Register.
func New(optFns ...func(o *Options)) (*Manager, error) {
	opts := Options{
		Config: DefaultConfig,
		Logger: logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	applyConfigDefaults(&opts.Config)

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/hupe1980/planmesh/manager")
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

	m := &Manager{
		opts:       opts,
		strategies: make(map[core.StrategyKind]StrategyDescriptor),
	}

	m.bus = opts.Bus
	if m.bus == nil {
		m.bus = eventbus.New(
			eventbus.WithBufferSize(opts.Config.EventBufferSize),
			eventbus.WithLogger(opts.Logger),
			eventbus.WithDropHandler(func(_ string, t core.EventType) {
				opts.Metrics.EventDropped(string(t))
			}),
		)
	}

	finished, err := lru.New[string, core.Snapshot](opts.Config.RetainFinished)
	if err != nil {
		return nil, fmt.Errorf("create finished cache: %w", err)
	}

	m.finished = finished

	empty := make(map[string]*entry)
	m.registry.Store(&empty)

	m.baseCtx, m.baseCancel = context.WithCancel(context.Background())

	return m, nil
}

func applyConfigDefaults(cfg *Config) {
	if cfg.CancellationTimeout <= 0 {
		cfg.CancellationTimeout = DefaultConfig.CancellationTimeout
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig.IdleTimeout
	}

	if cfg.RetainFinished <= 0 {
		cfg.RetainFinished = DefaultConfig.RetainFinished
	}

	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = DefaultConfig.EventBufferSize
	}
}

// Register adds or replaces the descriptor of a strategy kind.
func (m *Manager) Register(desc StrategyDescriptor) error {
	if desc.Kind == "" {
		return errors.New("strategy kind is required")
	}

	if desc.Factory == nil {
		return fmt.Errorf("strategy %s: factory is required", desc.Kind)
	}

	m.strategiesMu.Lock()
	defer m.strategiesMu.Unlock()

	if _, exists := m.strategies[desc.Kind]; exists {
		m.opts.Logger.Warn("manager.strategy.replace", "strategy", string(desc.Kind))
	}

	m.strategies[desc.Kind] = desc

	return nil
}

// Strategies returns the registered kinds.
func (m *Manager) Strategies() []core.StrategyKind {
	m.strategiesMu.RLock()
	defer m.strategiesMu.RUnlock()

	kinds := make([]core.StrategyKind, 0, len(m.strategies))
	for k := range m.strategies {
		kinds = append(kinds, k)
	}

	return kinds
}

func (m *Manager) descriptor(kind core.StrategyKind) (StrategyDescriptor, bool) {
	m.strategiesMu.RLock()
	defer m.strategiesMu.RUnlock()
	d, ok := m.strategies[kind]
	return d, ok
}

// Dispatch starts an execution of task with the selected strategy and returns
// its id without waiting for it.
//
// Every validation happens before the execution is registered: unknown
// strategies, unresolvable templates, invalid caller plans and duplicate ids
// fail synchronously and leave no state behind.
func (m *Manager) Dispatch(ctx context.Context, task string, selector core.StrategyKind, opts core.Options) (id string, err error) {
	ctx, span := m.opts.Tracer.Start(ctx, "planmesh.dispatch", trace.WithAttributes(
		attribute.String("planmesh.strategy", string(selector)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("planmesh.execution_id", id))
			span.SetStatus(codes.Ok, "dispatched")
		}
		span.End()
	}()

	if m.closed.Load() {
		return "", ErrClosed
	}

	desc, ok := m.descriptor(selector)
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrUnknownStrategy, selector)
	}

	id = opts.ExecutionID
	if id == "" {
		id = core.NewID()
	} else if _, live := m.lookup(id); live {
		return "", fmt.Errorf("%w: %s", core.ErrDuplicateExecution, id)
	}

	templates, err := m.opts.Resolver.ResolveAll(desc.Phases, selector, opts.PromptOverrides, opts.PinnedVersions)
	if err != nil {
		return "", fmt.Errorf("resolve templates: %w", err)
	}

	if opts.Plan != nil {
		plan := opts.Plan.Clone()
		plan.ExecutionID = id
		if err := plan.Validate(); err != nil {
			return "", fmt.Errorf("caller plan: %w", err)
		}
		opts.Plan = plan
	}

	t := core.Task{
		ExecutionID: id,
		Description: task,
		Options:     opts,
		Templates:   templates,
	}

	cbCtx := &CallbackContext{ExecutionID: id, Strategy: selector, Task: t}
	if err := m.opts.Callbacks.ExecuteCallbacks(ctx, CallbackBeforeDispatch, cbCtx); err != nil {
		return "", err
	}

	e := &entry{
		exec:     core.NewExecutionContext(t, selector),
		strategy: desc.Factory(t),
	}

	if err := m.insert(e); err != nil {
		return "", err
	}

	if err := m.activate(e); err != nil {
		return "", err
	}

	runCtx, cancel := context.WithCancel(m.baseCtx)
	runCtx = trace.ContextWithSpanContext(runCtx, span.SpanContext())
	e.cancel = cancel

	m.opts.Metrics.ExecutionStarted()
	m.opts.Logger.Info("manager.dispatch", "execution_id", id, "strategy", string(selector), "templates", len(templates))

	m.wg.Add(1)
	go m.run(runCtx, e)

	cbCtx.Snapshot = e.exec.Snapshot()
	m.runCallbacks(ctx, CallbackAfterDispatch, cbCtx)

	return id, nil
}

// activate moves a registered execution from Pending to Running. A Stop that
// landed between insert and activate wins: the execution is finalized as
// cancelled before it ever ran, its timer is disarmed and it is unregistered.
func (m *Manager) activate(e *entry) error {
	if e.exec.CompareAndSwapStatus(core.StatusPending, core.StatusRunning) {
		return nil
	}

	id := e.exec.ExecutionID
	e.exec.Finalize(core.StatusCancelled)
	e.stopTimer()
	m.remove(e)
	m.bus.Remove(id)

	m.opts.Logger.Info("manager.dispatch.cancelled", "execution_id", id)
	return fmt.Errorf("%w: %s", ErrCancelledBeforeStart, id)
}

// run drives a strategy to completion and hands the execution to teardown.
func (m *Manager) run(ctx context.Context, e *entry) {
	defer m.wg.Done()

	id := e.exec.ExecutionID

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("strategy panic: %v", r)
				m.opts.Logger.Error("manager.strategy.panic", "execution_id", id, "panic", fmt.Sprint(r))
			}
		}()
		return e.strategy.Run(ctx, e.exec, e.stream.Emitter())
	}()

	if !e.exec.Status().IsTerminal() {
		// The strategy returned without finalizing. Close the execution so
		// consumers are never left waiting for a terminal event.
		info := core.NewErrorInfo(core.CodeInternal, "strategy returned without a terminal event")
		if err != nil {
			info.Message = err.Error()
		}

		if e.exec.Finalize(core.StatusFailed) {
			e.exec.SetTerminalError(info)
			if _, perr := e.stream.Publish(core.NewErrorEvent(id, info)); perr != nil {
				m.opts.Logger.Warn("manager.publish.failed", "execution_id", id, "error", perr)
			}
		}
	}

	if err != nil {
		m.opts.Logger.Debug("manager.run.error", "execution_id", id, "error", err)
	}

	m.finish(e)
}

// finish runs once per execution after it became terminal. It records the
// final snapshot and waits, off the caller's goroutine, until the terminal
// event was drained or the idle timeout elapsed before evicting.
func (m *Manager) finish(e *entry) {
	e.finishOnce.Do(func() {
		e.stopTimer()

		snap := m.snapshot(e)
		m.finished.Add(snap.ExecutionID, snap)

		m.opts.Metrics.ExecutionFinished(string(snap.Strategy), snap.Status.String())
		m.opts.Logger.Info("manager.finish",
			"execution_id", snap.ExecutionID,
			"status", snap.Status.String(),
			"revision", snap.PlanRevision,
			"steps_completed", snap.Progress.StepsCompleted,
		)

		m.runCallbacks(m.baseCtx, CallbackOnFinish, &CallbackContext{
			ExecutionID: snap.ExecutionID,
			Strategy:    snap.Strategy,
			Task:        e.exec.Task,
			Snapshot:    snap,
		})

		go m.awaitTeardown(e)
	})
}

func (m *Manager) awaitTeardown(e *entry) {
	idle := time.NewTimer(m.opts.Config.IdleTimeout)
	defer idle.Stop()

	select {
	case <-e.stream.Drained():
	case <-idle.C:
		m.opts.Logger.Debug("manager.idle", "execution_id", e.exec.ExecutionID)
	case <-m.baseCtx.Done():
	}

	m.evict(e)
	m.bus.Remove(e.exec.ExecutionID)
}

// evict removes the execution from the registry and releases its run context.
func (m *Manager) evict(e *entry) {
	e.evictOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}

		if !m.remove(e) {
			return
		}

		snap := m.snapshot(e)
		m.finished.Add(snap.ExecutionID, snap)

		m.opts.Metrics.ExecutionEvicted()
		m.opts.Logger.Debug("manager.evict", "execution_id", snap.ExecutionID, "status", snap.Status.String())

		m.runCallbacks(m.baseCtx, CallbackOnEvict, &CallbackContext{
			ExecutionID: snap.ExecutionID,
			Strategy:    snap.Strategy,
			Task:        e.exec.Task,
			Snapshot:    snap,
		})
	})
}

// Stop requests cancellation of an execution. It never waits for the
// strategy: the strategy observes the request at its next checkpoint, and if
// it has not finalized within CancellationTimeout the manager does.
//
// Stop is idempotent. Stopping a finished execution is a no-op; unknown ids
// return core.ErrNotFound.
func (m *Manager) Stop(id string) error {
	e, ok := m.lookup(id)
	if !ok {
		if m.finished.Contains(id) {
			return nil
		}
		return fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}

	if e.exec.Status().IsTerminal() {
		return nil
	}

	if !e.exec.RequestCancel() {
		return nil
	}

	if !e.exec.CompareAndSwapStatus(core.StatusRunning, core.StatusCancelling) {
		e.exec.CompareAndSwapStatus(core.StatusPending, core.StatusCancelling)
	}

	e.strategy.Cancel()
	e.armTimer(m.opts.Config.CancellationTimeout, func() { m.forceCancel(e) })

	m.opts.Logger.Info("manager.stop", "execution_id", id, "timeout", m.opts.Config.CancellationTimeout.String())

	m.runCallbacks(m.baseCtx, CallbackOnStop, &CallbackContext{
		ExecutionID: id,
		Strategy:    e.exec.Strategy,
		Task:        e.exec.Task,
		Snapshot:    m.snapshot(e),
	})

	return nil
}

// forceCancel finalizes an execution whose strategy did not acknowledge
// cancellation in time. Emissions the strategy makes afterwards are dropped
// by the status check and by the closed stream.
func (m *Manager) forceCancel(e *entry) {
	if !e.exec.Finalize(core.StatusCancelled) {
		return
	}

	id := e.exec.ExecutionID
	info := &core.ErrorInfo{
		Code:    core.CodeCancelled,
		Message: "execution cancelled",
		Details: map[string]any{"reason": core.ErrCancellationTimeout.Error()},
	}
	e.exec.SetTerminalError(info)

	m.opts.Logger.Warn("manager.cancel.forced", "execution_id", id, "error", core.ErrCancellationTimeout)

	if _, err := e.stream.Publish(core.NewErrorEvent(id, info)); err != nil {
		m.opts.Logger.Warn("manager.publish.failed", "execution_id", id, "error", err)
	}

	m.evict(e)
	m.finish(e)
}

// GetProgress returns a snapshot of a live or recently finished execution.
// The strategy's own progress estimate replaces the derived one when it knows
// the plan size.
func (m *Manager) GetProgress(id string) (core.Snapshot, error) {
	if e, ok := m.lookup(id); ok {
		return m.snapshot(e), nil
	}

	if snap, ok := m.finished.Get(id); ok {
		return snap, nil
	}

	return core.Snapshot{}, fmt.Errorf("%w: %s", core.ErrNotFound, id)
}

func (m *Manager) snapshot(e *entry) core.Snapshot {
	snap := e.exec.Snapshot()
	if p := e.strategy.Progress(); p.StepsTotal > 0 {
		snap.Progress = core.ComputeFraction(p)
	}
	return snap
}

// Events returns the ordered event stream of an execution. The channel closes
// after the terminal event was delivered. An execution has a single
// consumer.
func (m *Manager) Events(id string) (<-chan core.Event, error) {
	s, ok := m.bus.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, id)
	}
	return s.Events(), nil
}

// Active returns the ids of registered executions.
func (m *Manager) Active() []string {
	reg := m.load()
	ids := make([]string, 0, len(reg))
	for id := range reg {
		ids = append(ids, id)
	}
	return ids
}

// Close stops accepting dispatches, cancels every execution and waits for
// the strategy goroutines until ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, e := range m.load() {
		e.exec.RequestCancel()
		e.strategy.Cancel()
	}

	m.baseCancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		for _, e := range m.load() {
			m.forceCancel(e)
		}
		return ctx.Err()
	}

	for _, e := range m.load() {
		m.evict(e)
		m.bus.Remove(e.exec.ExecutionID)
	}

	return nil
}

func (m *Manager) runCallbacks(ctx context.Context, t CallbackType, cbCtx *CallbackContext) {
	if err := m.opts.Callbacks.ExecuteCallbacks(ctx, t, cbCtx); err != nil {
		m.opts.Logger.Warn("manager.callback.failed", "execution_id", cbCtx.ExecutionID, "type", string(t), "error", err)
	}
}

func (e *entry) armTimer(d time.Duration, fn func()) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer == nil {
		e.timer = time.AfterFunc(d, fn)
	}
}

func (e *entry) stopTimer() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Stop()
	}
}
