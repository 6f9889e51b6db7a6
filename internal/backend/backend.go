// Package backend talks to the downstream inference service: plain
// completions, SSE streams, bounded retries and a circuit breaker so a
// degraded downstream does not cascade into the gateway.
package backend

import (
	"context"
	"errors"
)

// ErrUpstreamUnavailable indicates the backend is unreachable, timing
// out, or the circuit is open. Retryable from the caller's view.
var ErrUpstreamUnavailable = errors.New("backend: upstream unavailable")

// Request is one inference call.
type Request struct {
	Model     string `json:"model"`
	Prompt    string `json:"prompt"`
	MaxTokens int64  `json:"max_tokens,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

// Response is a completed inference result with token accounting.
type Response struct {
	Content          string `json:"content"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// Chunk is one increment of a streamed response. CompletionTokens is
// cumulative so consumers always know the partial spend.
type Chunk struct {
	Delta            string `json:"delta,omitempty"`
	PromptTokens     int64  `json:"prompt_tokens,omitempty"`
	CompletionTokens int64  `json:"completion_tokens,omitempty"`
	Done             bool   `json:"done,omitempty"`
}

// Caller is the downstream surface the orchestrator and ensemble
// strategies depend on. Tests substitute in-memory fakes.
type Caller interface {
	// Complete performs one non-streaming call.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream performs a streaming call, invoking onChunk for each
	// increment. The returned Response carries final token counts.
	// When the context is canceled mid-stream, the chunks already
	// delivered remain the caller's record of partial spend.
	Stream(ctx context.Context, req Request, onChunk func(Chunk) error) (*Response, error)
}
