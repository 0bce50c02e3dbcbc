package tool

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited decorates a tool with a token bucket. Calls wait for a token
// until ctx is done.
type RateLimited struct {
	Tool
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with the given burst.
func NewRateLimited(t Tool, rps float64, burst int) *RateLimited {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimited{Tool: t, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Call waits for a token and delegates to the wrapped tool.
func (r *RateLimited) Call(ctx context.Context, args map[string]any) (any, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, &ToolError{
			Tool:    r.Name(),
			Message: fmt.Sprintf("rate limit wait: %v", err),
			Code:    CodeRateLimited,
			cause:   err,
		}
	}
	return r.Tool.Call(ctx, args)
}
