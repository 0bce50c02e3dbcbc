package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/planmesh/core"
	"github.com/hupe1980/planmesh/logging"
)

// Registry routes tool_ref names to tools. It implements core.ToolInvoker and
// core.ToolDescriber.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger logging.Logger
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Logger logging.Logger
}

// NewRegistry creates a registry holding tools.
func NewRegistry(tools []Tool, optFns ...func(o *RegistryOptions)) *Registry {
	opts := RegistryOptions{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}

	r := &Registry{tools: make(map[string]Tool, len(tools)), logger: opts.Logger}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Call implements core.ToolInvoker.
func (r *Registry) Call(ctx context.Context, toolRef string, params map[string]any) (any, error) {
	t, ok := r.Get(toolRef)
	if !ok {
		return nil, NewToolError(toolRef, fmt.Sprintf("tool %q is not registered", toolRef), CodeNotFound)
	}
	if params == nil {
		params = map[string]any{}
	}

	r.logger.Debug("tool.registry.call", "tool", toolRef)

	return t.Call(ctx, params)
}

// Describe implements core.ToolDescriber. Tools are listed by name.
func (r *Registry) Describe() []core.ToolDescription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]core.ToolDescription, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, core.ToolDescription{Name: t.Name(), Description: t.Description(), Parameters: t.Parameters()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}
