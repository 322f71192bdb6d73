// Package llm provides chat provider adapters: a scripted in-process
// provider for tests and local development, and a retry decorator
// applied to any provider.
package llm

import (
	"context"
	"strings"
	"sync"

	"github.com/Agent-Gate/agentgate/internal/port/outbound"
)

// Scripted answers from a fixed response list, cycling when
// exhausted. Streaming splits the response into word chunks.
type Scripted struct {
	name      string
	responses []string

	mu    sync.Mutex
	next  int
	calls int
}

// NewScripted builds a scripted provider. With no responses it echoes
// the last user message.
func NewScripted(name string, responses ...string) *Scripted {
	if name == "" {
		name = "scripted"
	}
	return &Scripted{name: name, responses: responses}
}

func (p *Scripted) Name() string { return p.name }

// Calls reports how many requests the provider has served.
func (p *Scripted) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *Scripted) pick(req outbound.ChatRequest) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.responses) == 0 {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == "user" {
				return req.Messages[i].Content
			}
		}
		return ""
	}
	out := p.responses[p.next%len(p.responses)]
	p.next++
	return out
}

func (p *Scripted) Chat(ctx context.Context, req outbound.ChatRequest) (outbound.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return outbound.ChatResponse{}, err
	}
	content := p.pick(req)
	return outbound.ChatResponse{
		Content:    content,
		Model:      req.Model,
		StopReason: "end_turn",
		Usage: outbound.Usage{
			PromptTokens:     outbound.EstimateTokens(req),
			CompletionTokens: len(content) / 4,
		},
	}, nil
}

func (p *Scripted) ChatStream(ctx context.Context, req outbound.ChatRequest, emit func(outbound.ChatDelta) error) error {
	content := p.pick(req)
	words := strings.Fields(content)
	for i, w := range words {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := w
		if i < len(words)-1 {
			chunk += " "
		}
		if err := emit(outbound.ChatDelta{Content: chunk}); err != nil {
			return err
		}
	}
	return emit(outbound.ChatDelta{
		Done:       true,
		StopReason: "end_turn",
		Usage: outbound.Usage{
			PromptTokens:     outbound.EstimateTokens(req),
			CompletionTokens: len(content) / 4,
		},
	})
}

var _ outbound.ChatProvider = (*Scripted)(nil)
