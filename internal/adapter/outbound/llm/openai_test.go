package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Agent-Gate/agentgate/internal/port/outbound"
)

func TestOpenAI_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k-test" {
			t.Errorf("auth header = %q", got)
		}
		fmt.Fprint(w, `{
			"model": "gpt-test",
			"choices": [{"message": {"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL + "/v1", APIKey: "k-test", Model: "gpt-test"})
	resp, err := p.Chat(context.Background(), outbound.ChatRequest{
		Messages: []outbound.ChatMessage{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi there" || resp.StopReason != "stop" {
		t.Errorf("response = %+v", resp)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAI_ChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hel\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL, Model: "gpt-test"})
	var content strings.Builder
	var final outbound.ChatDelta
	err := p.ChatStream(context.Background(), outbound.ChatRequest{
		Messages: []outbound.ChatMessage{{Role: "user", Content: "hello"}},
	}, func(d outbound.ChatDelta) error {
		if d.Done {
			final = d
		} else {
			content.WriteString(d.Content)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if content.String() != "hello" {
		t.Errorf("streamed content = %q", content.String())
	}
	if !final.Done || final.StopReason != "stop" || final.Usage.CompletionTokens != 2 {
		t.Errorf("final delta = %+v", final)
	}
}

func TestOpenAI_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error":{"message":"upstream overloaded"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL})
	_, err := p.Chat(context.Background(), outbound.ChatRequest{
		Messages: []outbound.ChatMessage{{Role: "user", Content: "x"}},
	})
	if !errors.Is(err, outbound.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
	if !strings.Contains(err.Error(), "upstream overloaded") {
		t.Errorf("err = %v, want provider message included", err)
	}
}

func TestOpenAI_ClientErrorIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"model not found"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{BaseURL: srv.URL})
	_, err := p.Chat(context.Background(), outbound.ChatRequest{
		Messages: []outbound.ChatMessage{{Role: "user", Content: "x"}},
	})
	if err == nil || errors.Is(err, outbound.ErrProviderUnavailable) {
		t.Errorf("err = %v, want terminal rejection", err)
	}
}
