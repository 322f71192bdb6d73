// Package outbound defines the outbound port interfaces: LLM
// providers, the cluster node directory, and distributed locks.
// Adapters implement these against concrete backends.
package outbound

import (
	"context"
	"errors"
)

// ChatMessage is one turn in a chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-agnostic completion request.
type ChatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	// AgentID attributes the request to an agent for rate limiting;
	// adapters never forward it to the provider.
	AgentID string `json:"agentId,omitempty"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// ChatResponse is the provider's complete answer.
type ChatResponse struct {
	Content    string `json:"content"`
	Model      string `json:"model,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      Usage  `json:"usage"`
}

// ChatDelta is one streaming fragment. Done is set on the final
// delta, which also carries the stop reason and usage.
type ChatDelta struct {
	Content    string `json:"content,omitempty"`
	Done       bool   `json:"done,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Usage      Usage  `json:"usage,omitempty"`
}

// ErrProviderUnavailable signals a transient provider failure that
// may be retried.
var ErrProviderUnavailable = errors.New("llm provider unavailable")

// ChatProvider is the outbound port to one LLM backend.
type ChatProvider interface {
	// Name identifies the provider for rate limit keys and logs.
	Name() string

	// Chat performs a blocking completion.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)

	// ChatStream delivers deltas to emit in order. A context
	// deadline mid-stream returns ctx.Err(); content already emitted
	// stands.
	ChatStream(ctx context.Context, req ChatRequest, emit func(ChatDelta) error) error
}

// EstimateTokens is the coarse pre-admission token estimate used for
// rate limiting: one token per four characters of request content,
// plus the configured completion budget.
func EstimateTokens(req ChatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	est := chars / 4
	if req.MaxTokens > 0 {
		est += req.MaxTokens
	} else {
		est += 1024
	}
	return est
}
