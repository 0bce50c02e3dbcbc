package model

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/logging"
)

// Renderer turns a resolved template and variables into prompt text.
// *prompt.Resolver implements it.
type Renderer interface {
	Render(ref core.TemplateRef, vars map[string]any) (string, error)
}

// InvokerOptions configures an Invoker.
type InvokerOptions struct {
	// System is sent as system instructions with every request.
	System string
	Logger logging.Logger
}

// Invoker bridges prompt templates to a Model. It implements
// core.LLMInvoker and core.StreamingLLMInvoker.
type Invoker struct {
	model    Model
	renderer Renderer
	opts     InvokerOptions
}

// NewInvoker creates an invoker rendering templates with r and generating with m.
func NewInvoker(m Model, r Renderer, optFns ...func(o *InvokerOptions)) *Invoker {
	opts := InvokerOptions{
		System: "You are a careful assistant inside a task orchestrator. Follow the output format exactly.",
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Invoker{model: m, renderer: r, opts: opts}
}

// Invoke implements core.LLMInvoker.
func (i *Invoker) Invoke(ctx context.Context, ref core.TemplateRef, vars map[string]any) (string, error) {
	return i.generate(ctx, ref, vars, nil)
}

// InvokeStream implements core.StreamingLLMInvoker.
func (i *Invoker) InvokeStream(ctx context.Context, ref core.TemplateRef, vars map[string]any, onDelta func(string)) (string, error) {
	return i.generate(ctx, ref, vars, onDelta)
}

func (i *Invoker) generate(ctx context.Context, ref core.TemplateRef, vars map[string]any, onDelta func(string)) (string, error) {
	text, err := i.renderer.Render(ref, vars)
	if err != nil {
		return "", err
	}

	start := time.Now()
	respCh, errCh := i.model.Generate(ctx, Request{
		System: i.opts.System,
		Prompt: text,
		Stream: onDelta != nil,
		JSON:   ref.Phase == core.PhasePlanning || ref.Phase == core.PhaseReplanning,
	})
	out, usage, err := Collect(ctx, respCh, errCh, onDelta)
	if err != nil {
		i.opts.Logger.Error("model.generate.error", "template", ref.String(), "provider", i.model.Info().Provider, "error", err.Error())
		return "", fmt.Errorf("%s: %w", i.model.Info().Provider, err)
	}

	args := []any{"template", ref.String(), "provider", i.model.Info().Provider, "duration_ms", time.Since(start).Milliseconds()}
	if usage != nil {
		args = append(args, "total_tokens", usage.TotalTokens)
	}
	i.opts.Logger.Debug("model.generate.done", args...)

	return out, nil
}
