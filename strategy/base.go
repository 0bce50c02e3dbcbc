package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/logging"
	"github.com/hupe1980/planmesh/metrics"
)

const tracerName = "github.com/hupe1980/planmesh/strategy"

// Default recovery and fan-out bounds used when a dispatch leaves the
// corresponding option unset.
const (
	DefaultMaxRetriesPerStep = 1
	DefaultMaxReplans        = 2
	DefaultConcurrencyLimit  = 4
)

// ErrNoToolInvoker is returned when a plan step names a tool but the strategy
// was built without a tool invocation layer.
var ErrNoToolInvoker = errors.New("no tool invoker configured")

// Phases returns the prompt phases a strategy kind renders templates for.
func Phases(kind core.StrategyKind) []core.Phase {
	switch kind {
	case core.KindSequentialReplanning:
		return []core.Phase{core.PhasePlanning, core.PhaseExecution, core.PhaseReplanning}
	case core.KindParallelTaskGraph:
		return []core.Phase{core.PhasePlanning, core.PhaseExecution}
	case core.KindPlanThenSolve:
		return []core.Phase{core.PhasePlanning, core.PhaseExecution, core.PhaseSolve}
	default:
		return nil
	}
}

// Options configures the collaborators and defaults shared by every strategy.
type Options struct {
	Logger  logging.Logger
	Metrics *metrics.Collector
	Tracer  trace.Tracer

	// Defaults applied when the dispatch options leave a knob unset.
	MaxRetriesPerStep int
	MaxReplans        int
	ConcurrencyLimit  int
}

func defaultOptions() Options {
	return Options{
		Logger:            logging.NoOpLogger{},
		Tracer:            otel.Tracer(tracerName),
		MaxRetriesPerStep: DefaultMaxRetriesPerStep,
		MaxReplans:        DefaultMaxReplans,
		ConcurrencyLimit:  DefaultConcurrencyLimit,
	}
}

// WithLogger sets the logger used for step and lifecycle logging.
func WithLogger(l logging.Logger) func(o *Options) {
	return func(o *Options) { o.Logger = l }
}

// WithMetrics sets the Prometheus collector receiving step observations.
func WithMetrics(c *metrics.Collector) func(o *Options) {
	return func(o *Options) { o.Metrics = c }
}

// WithTracer overrides the OpenTelemetry tracer (defaults to the global provider).
func WithTracer(t trace.Tracer) func(o *Options) {
	return func(o *Options) { o.Tracer = t }
}

// base carries the lifecycle shared by all strategies: the cooperative
// cancel flag, the per-execution LLM call budget and the instrumented step
// executor. A base serves exactly one execution.
type base struct {
	kind  core.StrategyKind
	llm   core.LLMInvoker
	tools core.ToolInvoker
	opts  Options

	cancelled atomic.Bool
	exec      atomic.Pointer[core.ExecutionContext]

	once    sync.Once
	limiter *core.CallLimiter
}

func newBase(kind core.StrategyKind, llm core.LLMInvoker, tools core.ToolInvoker, optFns []func(o *Options)) base {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	return base{kind: kind, llm: llm, tools: tools, opts: opts}
}

// Kind implements core.Strategy.
func (b *base) Kind() core.StrategyKind { return b.kind }

// Cancel implements core.Strategy. It only sets a flag; Run observes it at
// its next checkpoint.
func (b *base) Cancel() { b.cancelled.Store(true) }

// Progress implements core.Strategy. It counts results of steps that belong
// to the current plan revision.
func (b *base) Progress() core.Progress {
	exec := b.exec.Load()
	if exec == nil {
		return core.Progress{}
	}
	plan := exec.Plan()
	if plan == nil {
		return core.Progress{}
	}

	p := core.Progress{StepsTotal: plan.Len()}
	results := exec.Results()
	for _, s := range plan.Steps {
		r, ok := results[s.ID]
		if !ok {
			continue
		}
		switch r.Status {
		case core.StepSuccess:
			p.StepsCompleted++
		case core.StepError:
			p.StepsFailed++
		case core.StepSkipped:
			p.StepsSkipped++
		}
	}
	return core.ComputeFraction(p)
}

func (b *base) init(task core.Task) {
	b.once.Do(func() {
		b.limiter = core.NewCallLimiter(task.Options.MaxLLMCalls)
	})
}

func (b *base) attach(exec *core.ExecutionContext) {
	b.init(exec.Task)
	b.exec.Store(exec)
}

// shouldStop is the cooperative cancellation checkpoint.
func (b *base) shouldStop(ctx context.Context, exec *core.ExecutionContext) bool {
	return b.cancelled.Load() || exec.CancelRequested() || ctx.Err() != nil
}

func (b *base) maxRetries(task core.Task) int {
	if v := task.Options.MaxRetriesPerStep; v != nil && *v >= 0 {
		return *v
	}
	return b.opts.MaxRetriesPerStep
}

func (b *base) maxReplans(task core.Task) int {
	if v := task.Options.MaxReplans; v != nil && *v >= 0 {
		return *v
	}
	return b.opts.MaxReplans
}

func (b *base) concurrency(task core.Task) int {
	if v := task.Options.ConcurrencyLimit; v > 0 {
		return v
	}
	if b.opts.ConcurrencyLimit > 0 {
		return b.opts.ConcurrencyLimit
	}
	return DefaultConcurrencyLimit
}

// vars builds template variables: caller variables first, then the task
// description, then the phase-specific extras.
func (b *base) vars(task core.Task, extra map[string]any) map[string]any {
	out := make(map[string]any, len(task.Options.Variables)+len(extra)+2)
	for k, v := range task.Options.Variables {
		out[k] = v
	}
	out["task"] = task.Description
	if d, ok := b.tools.(core.ToolDescriber); ok {
		out["tools"] = d.Describe()
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// invoke calls the LLM with the template resolved for phase, streaming
// deltas to onDelta when both the caller and the invoker support it.
func (b *base) invoke(ctx context.Context, task core.Task, phase core.Phase, vars map[string]any, onDelta func(string)) (string, error) {
	b.init(task)
	if b.llm == nil {
		return "", fmt.Errorf("%s phase: no llm invoker configured", phase)
	}
	ref, ok := task.Template(phase)
	if !ok {
		return "", fmt.Errorf("%w: no %s template resolved", core.ErrTemplateNotFound, phase)
	}
	if err := b.limiter.Acquire(phase); err != nil {
		b.opts.Logger.Warn("llm.budget_exhausted", "execution_id", task.ExecutionID, "phase", string(phase), "used", b.limiter.Used())
		return "", err
	}

	if onDelta != nil {
		if s, ok := b.llm.(core.StreamingLLMInvoker); ok {
			return s.InvokeStream(ctx, ref, vars, onDelta)
		}
	}
	return b.llm.Invoke(ctx, ref, vars)
}

// emit publishes a non-terminal event. Events from an execution that was
// already finalized (for example by the cancellation timeout) are discarded.
func (b *base) emit(exec *core.ExecutionContext, emitter core.Emitter, ev core.Event) {
	if exec.Status().IsTerminal() {
		b.opts.Logger.Debug("strategy.emit.discarded", "execution_id", exec.ExecutionID, "type", string(ev.Type))
		return
	}
	ev.ExecutionID = exec.ExecutionID
	if err := emitter.Emit(ev); err != nil {
		b.opts.Logger.Debug("strategy.emit.failed", "execution_id", exec.ExecutionID, "type", string(ev.Type), "error", err.Error())
	}
	exec.Touch()
}

// publishPlan stores the plan on the context and broadcasts it.
func (b *base) publishPlan(exec *core.ExecutionContext, emitter core.Emitter, plan *core.PlanGraph) {
	exec.SetPlan(plan)
	b.emit(exec, emitter, core.NewPlanUpdateEvent(exec.ExecutionID, plan))
	b.opts.Logger.Info("plan.published", "execution_id", exec.ExecutionID, "revision", plan.Revision, "steps", plan.Len())
}

// finish performs the terminal transition and emits the terminal event. The
// event is dropped when someone else finalized the context first.
func (b *base) finish(exec *core.ExecutionContext, emitter core.Emitter, to core.Status, ev core.Event) bool {
	if !exec.Finalize(to) {
		b.opts.Logger.Debug("strategy.finish.lost", "execution_id", exec.ExecutionID, "status", to.String())
		return false
	}
	if ev.Error != nil {
		exec.SetTerminalError(ev.Error)
	}
	ev.ExecutionID = exec.ExecutionID
	if err := emitter.Emit(ev); err != nil {
		b.opts.Logger.Warn("strategy.finish.emit_failed", "execution_id", exec.ExecutionID, "error", err.Error())
	}
	b.opts.Logger.Info("execution.finished", "execution_id", exec.ExecutionID, "strategy", string(b.kind), "status", to.String(), "llm_calls", b.limiter.Used())
	return true
}

func (b *base) finishCancelled(exec *core.ExecutionContext, emitter core.Emitter) error {
	info := core.NewErrorInfo(core.CodeCancelled, "execution cancelled")
	b.finish(exec, emitter, core.StatusCancelled, core.NewErrorEvent(exec.ExecutionID, info))
	return nil
}

func (b *base) finishError(exec *core.ExecutionContext, emitter core.Emitter, info *core.ErrorInfo) error {
	b.finish(exec, emitter, core.StatusFailed, core.NewErrorEvent(exec.ExecutionID, info))
	return info
}

func (b *base) finishResult(exec *core.ExecutionContext, emitter core.Emitter, text string, metadata map[string]any) error {
	b.finish(exec, emitter, core.StatusCompleted, core.NewFinalResultEvent(exec.ExecutionID, text, metadata))
	return nil
}

// initialPlan returns the caller-supplied plan or asks the planner for one.
// Planning failures are already converted to wire errors.
func (b *base) initialPlan(ctx context.Context, s core.Strategy, exec *core.ExecutionContext) (*core.PlanGraph, *core.ErrorInfo) {
	var (
		plan *core.PlanGraph
		err  error
	)
	if exec.Task.Options.Plan != nil {
		plan = adoptPlan(exec.ExecutionID, exec.Task.Options.Plan)
		err = plan.Validate()
	} else {
		plan, err = s.Plan(ctx, exec.Task)
	}
	if err != nil {
		return nil, planningError(err)
	}
	return plan, nil
}

// adoptPlan copies a caller-supplied plan and stamps it for this execution.
func adoptPlan(executionID string, p *core.PlanGraph) *core.PlanGraph {
	plan := p.Clone()
	plan.ExecutionID = executionID
	if plan.Revision == 0 {
		plan.Revision = 1
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	return plan
}

func planningError(err error) *core.ErrorInfo {
	switch {
	case errors.Is(err, core.ErrPlanCycleDetected), errors.Is(err, core.ErrInvalidPlan):
		return core.ToErrorInfo(err)
	default:
		return core.NewErrorInfo(core.CodePlanningFailed, err.Error())
	}
}

// executeStep runs a single step through the tool or LLM layer and reports
// it as ToolUpdate Running followed by its terminal status.
func (b *base) executeStep(ctx context.Context, exec *core.ExecutionContext, emitter core.Emitter, step core.PlanStep, deps map[string]any, attempt int) core.StepResult {
	b.emit(exec, emitter, core.NewToolUpdateEvent(exec.ExecutionID, step.ID, core.StepRunning, nil))

	ctx, span := b.opts.Tracer.Start(ctx, "planmesh.step", trace.WithAttributes(
		attribute.String("planmesh.execution_id", exec.ExecutionID),
		attribute.String("planmesh.strategy", string(b.kind)),
		attribute.String("planmesh.step_id", step.ID),
		attribute.String("planmesh.tool", step.ToolRef),
		attribute.Int("planmesh.attempt", attempt),
	))
	defer span.End()

	start := time.Now()
	output, err := b.callCollaborator(ctx, exec.Task, step, deps)
	dur := time.Since(start)

	var res core.StepResult
	if err != nil {
		res = core.ErrorResult(step.ID, fmt.Errorf("%w: %w", core.ErrStepExecution, err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		res = core.SuccessResult(step.ID, output)
		span.SetStatus(codes.Ok, "")
	}
	res.Attempts = attempt
	res.Duration = dur

	exec.RecordResult(res)
	b.opts.Metrics.ObserveStep(string(b.kind), string(res.Status), dur)
	b.opts.Logger.Info("step.finished",
		"execution_id", exec.ExecutionID,
		"step_id", step.ID,
		"status", string(res.Status),
		"attempt", attempt,
		"duration_ms", dur.Milliseconds(),
	)

	var partial any = res.Output
	if res.Error != nil {
		partial = res.Error
	}
	b.emit(exec, emitter, core.NewToolUpdateEvent(exec.ExecutionID, step.ID, res.Status, partial))

	return res
}

func (b *base) callCollaborator(ctx context.Context, task core.Task, step core.PlanStep, deps map[string]any) (any, error) {
	if step.ToolRef != "" {
		if b.tools == nil {
			return nil, fmt.Errorf("step %s: %w", step.ID, ErrNoToolInvoker)
		}
		return b.tools.Call(ctx, step.ToolRef, step.Parameters)
	}
	return b.invoke(ctx, task, core.PhaseExecution, b.vars(task, map[string]any{
		"step":         step,
		"dependencies": deps,
	}), nil)
}

// skipStep records and reports a step that will never run.
func (b *base) skipStep(exec *core.ExecutionContext, emitter core.Emitter, stepID, cause string) core.StepResult {
	res := core.SkippedResult(stepID, cause)
	exec.RecordResult(res)
	b.opts.Metrics.ObserveStep(string(b.kind), string(res.Status), 0)
	b.emit(exec, emitter, core.NewToolUpdateEvent(exec.ExecutionID, stepID, core.StepSkipped, res.Error))
	return res
}

// dependencyOutputs collects the rendered outputs of a step's dependencies.
func dependencyOutputs(step core.PlanStep, results map[string]core.StepResult) map[string]any {
	if len(step.DependsOn) == 0 {
		return nil
	}
	out := make(map[string]any, len(step.DependsOn))
	for _, dep := range step.DependsOn {
		if r, ok := results[dep]; ok && r.Status == core.StepSuccess {
			out[dep] = outputText(r.Output)
		}
	}
	return out
}

// outputText renders a step output for prompts and final results.
func outputText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// recoverRun converts a panic inside Run into a Failed execution.
func (b *base) recoverRun(exec *core.ExecutionContext, emitter core.Emitter, errp *error) {
	if r := recover(); r != nil {
		info := core.NewErrorInfo(core.CodeInternal, fmt.Sprintf("strategy panic: %v", r))
		b.opts.Logger.Error("strategy.panic", "execution_id", exec.ExecutionID, "panic", fmt.Sprint(r))
		*errp = b.finishError(exec, emitter, info)
	}
}
