package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Agent-Gate/agentgate/internal/port/outbound"
)

// OpenAIConfig configures the OpenAI-compatible chat client. Any
// backend speaking the /v1/chat/completions dialect works.
type OpenAIConfig struct {
	// BaseURL without trailing slash, e.g. https://api.openai.com/v1.
	BaseURL string
	APIKey  string
	// Model used when the request does not name one.
	Model string
	// Timeout bounds one non-streaming call (default 60s). Streaming
	// calls are bounded by the caller's context only.
	Timeout time.Duration
}

func (c OpenAIConfig) withDefaults() OpenAIConfig {
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	return c
}

// OpenAI talks to an OpenAI-compatible chat completion endpoint.
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI builds the client.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	cfg = cfg.withDefaults()
	return &OpenAI{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (p *OpenAI) Name() string { return "openai" }

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		Delta        openAIMessage `json:"delta"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage openAIUsage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAI) buildRequest(req outbound.ChatRequest, stream bool) openAIRequest {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}
	msgs := make([]openAIMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openAIMessage{Role: m.Role, Content: m.Content}
	}
	return openAIRequest{
		Model:       model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (p *OpenAI) post(ctx context.Context, body openAIRequest) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", outbound.ErrProviderUnavailable, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		msg := readErrorMessage(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: status %d: %s", outbound.ErrProviderUnavailable, resp.StatusCode, msg)
	}
	if resp.StatusCode != http.StatusOK {
		msg := readErrorMessage(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("provider rejected request: status %d: %s", resp.StatusCode, msg)
	}
	return resp, nil
}

// Chat performs a blocking completion.
func (p *OpenAI) Chat(ctx context.Context, req outbound.ChatRequest) (outbound.ChatResponse, error) {
	resp, err := p.post(ctx, p.buildRequest(req, false))
	if err != nil {
		return outbound.ChatResponse{}, err
	}
	defer resp.Body.Close()

	var body openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return outbound.ChatResponse{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(body.Choices) == 0 {
		return outbound.ChatResponse{}, fmt.Errorf("provider returned no choices")
	}
	choice := body.Choices[0]
	return outbound.ChatResponse{
		Content:    choice.Message.Content,
		Model:      body.Model,
		StopReason: stopReason(choice.FinishReason),
		Usage: outbound.Usage{
			PromptTokens:     body.Usage.PromptTokens,
			CompletionTokens: body.Usage.CompletionTokens,
		},
	}, nil
}

// ChatStream performs a streaming completion, emitting one delta per
// SSE chunk and a final Done delta with stop reason and usage.
func (p *OpenAI) ChatStream(ctx context.Context, req outbound.ChatRequest, emit func(outbound.ChatDelta) error) error {
	resp, err := p.post(ctx, p.buildRequest(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var (
		finish string
		usage  outbound.Usage
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk openAIResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Usage != (openAIUsage{}) {
			usage = outbound.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			if err := emit(outbound.ChatDelta{Content: choice.Delta.Content}); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: stream interrupted: %v", outbound.ErrProviderUnavailable, err)
	}
	return emit(outbound.ChatDelta{
		Done:       true,
		StopReason: stopReason(finish),
		Usage:      usage,
	})
}

// stopReason normalizes finish reasons to the wire vocabulary.
func stopReason(finish string) string {
	switch finish {
	case "", "stop":
		return "stop"
	case "length":
		return "length"
	default:
		return finish
	}
}

func readErrorMessage(r io.Reader) string {
	var body openAIResponse
	if err := json.NewDecoder(io.LimitReader(r, 8192)).Decode(&body); err == nil &&
		body.Error != nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return "no error detail"
}

var _ outbound.ChatProvider = (*OpenAI)(nil)
