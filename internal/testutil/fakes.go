package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/planmesh/core"
)

// Reply is one scripted LLM answer.
type Reply struct {
	Text string
	Err  error
}

// Text returns a successful reply.
func Text(s string) Reply { return Reply{Text: s} }

// Fail returns a failing reply.
func Fail(err error) Reply { return Reply{Err: err} }

// LLMCall records an invocation of ScriptedLLM.
type LLMCall struct {
	Ref  core.TemplateRef
	Vars map[string]any
}

// ScriptedLLM implements core.StreamingLLMInvoker with per-phase queues of
// replies. When a queue is exhausted the phase handler (if any) answers,
// otherwise the call fails.
type ScriptedLLM struct {
	mu       sync.Mutex
	queues   map[core.Phase][]Reply
	handlers map[core.Phase]func(vars map[string]any) (string, error)
	calls    []LLMCall
}

// NewScriptedLLM creates an empty script.
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{
		queues:   make(map[core.Phase][]Reply),
		handlers: make(map[core.Phase]func(map[string]any) (string, error)),
	}
}

// On queues replies for a phase (chainable).
func (l *ScriptedLLM) On(phase core.Phase, replies ...Reply) *ScriptedLLM {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queues[phase] = append(l.queues[phase], replies...)
	return l
}

// Handle installs a fallback handler for a phase (chainable).
func (l *ScriptedLLM) Handle(phase core.Phase, fn func(vars map[string]any) (string, error)) *ScriptedLLM {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[phase] = fn
	return l
}

// Invoke implements core.LLMInvoker.
func (l *ScriptedLLM) Invoke(ctx context.Context, ref core.TemplateRef, vars map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	l.calls = append(l.calls, LLMCall{Ref: ref, Vars: vars})
	if q := l.queues[ref.Phase]; len(q) > 0 {
		r := q[0]
		l.queues[ref.Phase] = q[1:]
		l.mu.Unlock()
		return r.Text, r.Err
	}
	fn := l.handlers[ref.Phase]
	l.mu.Unlock()

	if fn != nil {
		return fn(vars)
	}
	return "", fmt.Errorf("no scripted reply for phase %s", ref.Phase)
}

// InvokeStream implements core.StreamingLLMInvoker, delivering the reply
// word by word.
func (l *ScriptedLLM) InvokeStream(ctx context.Context, ref core.TemplateRef, vars map[string]any, onDelta func(string)) (string, error) {
	text, err := l.Invoke(ctx, ref, vars)
	if err != nil {
		return "", err
	}
	for i, w := range strings.SplitAfter(text, " ") {
		if w == "" && i > 0 {
			continue
		}
		onDelta(w)
	}
	return text, nil
}

// Calls returns all recorded invocations.
func (l *ScriptedLLM) Calls() []LLMCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LLMCall(nil), l.calls...)
}

// CallsFor counts invocations for a phase.
func (l *ScriptedLLM) CallsFor(phase core.Phase) int {
	n := 0
	for _, c := range l.Calls() {
		if c.Ref.Phase == phase {
			n++
		}
	}
	return n
}

// ToolFunc is a scripted tool implementation.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// ToolCall records an invocation of ScriptedTools.
type ToolCall struct {
	Tool   string
	Params map[string]any
}

// ScriptedTools implements core.ToolInvoker and core.ToolDescriber. It tracks
// the maximum number of concurrently running calls.
type ScriptedTools struct {
	mu         sync.Mutex
	handlers   map[string]ToolFunc
	calls      []ToolCall
	running    int
	maxRunning int
}

// NewScriptedTools creates an empty tool set.
func NewScriptedTools() *ScriptedTools {
	return &ScriptedTools{handlers: make(map[string]ToolFunc)}
}

// Handle registers a tool (chainable).
func (t *ScriptedTools) Handle(name string, fn ToolFunc) *ScriptedTools {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[name] = fn
	return t
}

// Call implements core.ToolInvoker.
func (t *ScriptedTools) Call(ctx context.Context, name string, params map[string]any) (any, error) {
	t.mu.Lock()
	fn, ok := t.handlers[name]
	t.calls = append(t.calls, ToolCall{Tool: name, Params: params})
	t.running++
	if t.running > t.maxRunning {
		t.maxRunning = t.running
	}
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.running--
		t.mu.Unlock()
	}()

	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return fn(ctx, params)
}

// Describe implements core.ToolDescriber.
func (t *ScriptedTools) Describe() []core.ToolDescription {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.ToolDescription, 0, len(t.handlers))
	for name := range t.handlers {
		out = append(out, core.ToolDescription{Name: name, Description: "scripted " + name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Calls returns all recorded invocations.
func (t *ScriptedTools) Calls() []ToolCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ToolCall(nil), t.calls...)
}

// CallsTo counts invocations of one tool.
func (t *ScriptedTools) CallsTo(name string) int {
	n := 0
	for _, c := range t.Calls() {
		if c.Tool == name {
			n++
		}
	}
	return n
}

// MaxConcurrent returns the highest number of simultaneous calls observed.
func (t *ScriptedTools) MaxConcurrent() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxRunning
}

// Returns is a tool that always answers v.
func Returns(v any) ToolFunc {
	return func(context.Context, map[string]any) (any, error) { return v, nil }
}

// Fails is a tool that always fails with err.
func Fails(err error) ToolFunc {
	return func(context.Context, map[string]any) (any, error) { return nil, err }
}

// FailsTimes is a tool that fails n times and then answers v.
func FailsTimes(n int, err error, v any) ToolFunc {
	var (
		mu    sync.Mutex
		count int
	)
	return func(context.Context, map[string]any) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		count++
		if count <= n {
			return nil, err
		}
		return v, nil
	}
}

// Echo is a tool returning its params.
func Echo() ToolFunc {
	return func(_ context.Context, params map[string]any) (any, error) { return params, nil }
}

// Blocking is a tool that signals started and then waits for release. It
// ignores ctx cancellation like a non-preemptible collaborator would.
func Blocking(started chan<- string, release <-chan struct{}, v any) ToolFunc {
	return func(_ context.Context, params map[string]any) (any, error) {
		if started != nil {
			started <- fmt.Sprint(params["id"])
		}
		<-release
		return v, nil
	}
}
