package model

import (
	"context"
	"fmt"
	"sync"
)

// Request captures the normalized model input produced by prompt rendering.
type Request struct {
	System string `json:"system,omitempty"` // Optional system instructions
	Prompt string `json:"prompt"`           // Rendered user prompt
	Stream bool   `json:"stream,omitempty"`

	// JSON asks the provider to answer with a single JSON object. It is set
	// for prompts whose answer is parsed as a plan.
	JSON bool `json:"json,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a (partial or final) chunk emitted by a model. Partial chunks
// carry a text delta; the final chunk carries the full text.
type Response struct {
	ID           string      `json:"id,omitempty"`
	Partial      bool        `json:"partial"`
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason,omitempty"` // "stop", "length", ...
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", ...
}

// Model is the minimal interface required to drive generation.
type Model interface {
	Generate(ctx context.Context, req Request) (<-chan Response, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Responses are looked up by exact prompt; otherwise queued responses are
// returned in order; otherwise the prompt is echoed.
type MockModel struct {
	info Info

	mu        sync.Mutex
	responses map[string]string
	queue     []string
	calls     []Request
}

// NewMockModel constructs a MockModel.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: provider},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Enqueue appends responses returned for prompts without a canned answer.
func (m *MockModel) Enqueue(responses ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
}

// Calls returns the requests received so far.
func (m *MockModel) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}

func (m *MockModel) next(req Request) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if r, ok := m.responses[req.Prompt]; ok {
		return r
	}
	if len(m.queue) > 0 {
		r := m.queue[0]
		m.queue = m.queue[1:]
		return r
	}
	return fmt.Sprintf("Mock response to: %s", req.Prompt)
}

// Generate implements Model; emits optional streaming word chunks then final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	go func() {
		defer close(respCh)
		defer close(errCh)
		if req.Prompt == "" {
			errCh <- fmt.Errorf("empty prompt")
			return
		}
		full := m.next(req)
		if req.Stream {
			for _, chunk := range splitChunks(full) {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{Partial: true, Text: chunk}:
				}
			}
		}
		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{Text: full, FinishReason: "stop"}:
		}
	}()
	return respCh, errCh
}

// splitChunks splits s after each space, keeping the separators.
func splitChunks(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == ' ' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

// Collect drains a Generate call. onDelta, when non-nil, receives every
// partial chunk. The final text is the last non-partial response, or the
// concatenated deltas when the provider sent none.
func Collect(ctx context.Context, respCh <-chan Response, errCh <-chan error, onDelta func(string)) (string, *TokenUsage, error) {
	var (
		final    string
		gotFinal bool
		deltas   []byte
		usage    *TokenUsage
	)

	for respCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case r, ok := <-respCh:
			if !ok {
				respCh = nil
				continue
			}
			if r.Usage != nil {
				usage = r.Usage
			}
			if r.Partial {
				deltas = append(deltas, r.Text...)
				if onDelta != nil && r.Text != "" {
					onDelta(r.Text)
				}
				continue
			}
			final, gotFinal = r.Text, true
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return "", nil, err
			}
		}
	}

	if !gotFinal {
		final = string(deltas)
	}
	return final, usage, nil
}
