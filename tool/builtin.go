package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Builtins returns the demo tool set used by the CLI and examples.
func Builtins() []Tool {
	return []Tool{NewEchoTool(), NewCalculatorTool(), NewScratchpadTool()}
}

// NewEchoTool returns a tool that returns its "text" argument, optionally
// upper-cased.
func NewEchoTool() *FunctionTool {
	return NewFunctionTool(
		"echo",
		"Return the given text unchanged (or upper-cased when upper=true).",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text":  map[string]any{"type": "string", "description": "Text to return"},
				"upper": map[string]any{"type": "boolean", "description": "Upper-case the text"},
			},
			"required": []string{"text"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			if upper, _ := args["upper"].(bool); upper {
				text = strings.ToUpper(text)
			}
			return text, nil
		},
	)
}

// NewCalculatorTool returns a tool applying a binary arithmetic operation.
func NewCalculatorTool() *FunctionTool {
	return NewFunctionTool(
		"calculator",
		"Apply op (add, sub, mul, div) to the numbers a and b.",
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"op": map[string]any{"type": "string", "enum": []string{"add", "sub", "mul", "div"}},
				"a":  map[string]any{"type": "number"},
				"b":  map[string]any{"type": "number"},
			},
			"required": []string{"op", "a", "b"},
		},
		func(_ context.Context, args map[string]any) (any, error) {
			a, err := toFloat(args["a"])
			if err != nil {
				return nil, fmt.Errorf("a: %w", err)
			}
			b, err := toFloat(args["b"])
			if err != nil {
				return nil, fmt.Errorf("b: %w", err)
			}
			switch op, _ := args["op"].(string); op {
			case "add":
				return a + b, nil
			case "sub":
				return a - b, nil
			case "mul":
				return a * b, nil
			case "div":
				if b == 0 {
					return nil, NewToolError("calculator", "division by zero", "DIVISION_BY_ZERO")
				}
				return a / b, nil
			default:
				return nil, fmt.Errorf("unknown op %q", op)
			}
		},
	)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

// ScratchpadTool is a shared key/value store steps can use to hand
// intermediate values to later steps.
type ScratchpadTool struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewScratchpadTool creates an empty scratchpad.
func NewScratchpadTool() *ScratchpadTool {
	return &ScratchpadTool{values: map[string]any{}}
}

// Name returns the tool identifier.
func (t *ScratchpadTool) Name() string { return "scratchpad" }

// Description returns the tool description.
func (t *ScratchpadTool) Description() string {
	return "Shared scratchpad. Operations: set (key, value), get (key), list."
}

// Parameters returns the JSON schema for tool parameters.
func (t *ScratchpadTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": map[string]any{"type": "string", "enum": []string{"get", "set", "list"}},
			"key":       map[string]any{"type": "string"},
			"value":     map[string]any{"description": "Value for set (any type)"},
		},
		"required": []string{"operation"},
	}
}

// Call implements the Tool interface.
func (t *ScratchpadTool) Call(_ context.Context, args map[string]any) (any, error) {
	operation, _ := args["operation"].(string)
	key, _ := args["key"].(string)

	switch operation {
	case "set":
		if key == "" {
			return nil, NewToolError(t.Name(), "key is required for set", CodeValidation)
		}
		t.mu.Lock()
		t.values[key] = args["value"]
		t.mu.Unlock()
		return map[string]any{"key": key, "value": args["value"]}, nil
	case "get":
		t.mu.RLock()
		v, ok := t.values[key]
		t.mu.RUnlock()
		return map[string]any{"key": key, "value": v, "exists": ok}, nil
	case "list":
		t.mu.RLock()
		keys := make([]string, 0, len(t.values))
		for k := range t.values {
			keys = append(keys, k)
		}
		t.mu.RUnlock()
		sort.Strings(keys)
		return keys, nil
	default:
		return nil, NewToolError(t.Name(), fmt.Sprintf("unknown operation: %s", operation), CodeValidation)
	}
}
