package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tailcoach/backend/internal/config"
)

func newTestOpenAIClient(baseURL string) *OpenAIChatClient {
	return NewOpenAIChatClient(config.Config{
		OpenAIAPIKey:      "test-key",
		OpenAIBaseURL:     baseURL,
		AIMaxOutputTokens: 1200,
	})
}

func TestOpenAIQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Fatalf("unexpected auth header %q", got)
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload["model"] != "gpt-5-mini" {
			t.Fatalf("unexpected model %v", payload["model"])
		}
		messages, _ := payload["messages"].([]any)
		if len(messages) != 2 {
			t.Fatalf("expected system + user message, got %d", len(messages))
		}
		fmt.Fprint(w, `{
			"model": "gpt-5-mini",
			"choices": [{"message": {"role": "assistant", "content": "Keep sessions short."}}],
			"usage": {"prompt_tokens": 42, "completion_tokens": 12, "total_tokens": 54}
		}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	response, err := client.Query(context.Background(), AIModelRequest{
		Model:        "gpt-5-mini",
		SystemPrompt: "You are a trainer.",
		UserPrompt:   "How long should a session be?",
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if response.Answer != "Keep sessions short." {
		t.Fatalf("unexpected answer %q", response.Answer)
	}
	if response.Usage.PromptTokens != 42 || response.Usage.CompletionTokens != 12 {
		t.Fatalf("usage lost: %+v", response.Usage)
	}
}

func TestOpenAIQueryErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error": {"message": "rate limited"}}`)
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	_, err := client.Query(context.Background(), AIModelRequest{Model: "gpt-5-mini", UserPrompt: "hi"})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected a 429 error, got %v", err)
	}
}

func TestOpenAIQueryStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if payload["stream"] != true {
			t.Fatalf("expected stream request")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"model\":\"gpt-5-mini\",\"choices\":[{\"delta\":{\"content\":\"Keep \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"sessions short.\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[],\"usage\":{\"prompt_tokens\":40,\"completion_tokens\":10,\"total_tokens\":50}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	deltas := make([]string, 0, 4)
	response, err := client.QueryStream(
		context.Background(),
		AIModelRequest{Model: "gpt-5-mini", UserPrompt: "How long?"},
		func(delta string) { deltas = append(deltas, delta) },
	)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if response.Answer != "Keep sessions short." {
		t.Fatalf("unexpected accumulated answer %q", response.Answer)
	}
	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %v", deltas)
	}
	if response.Usage.CompletionTokens != 10 {
		t.Fatalf("usage event lost: %+v", response.Usage)
	}
	if response.Model != "gpt-5-mini" {
		t.Fatalf("model name lost: %q", response.Model)
	}
}

func TestOpenAIQueryStreamEmptyAnswer(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestOpenAIClient(server.URL)
	_, err := client.QueryStream(context.Background(), AIModelRequest{Model: "gpt-5-mini", UserPrompt: "hi"}, nil)
	if err == nil {
		t.Fatalf("empty stream must be an error")
	}
}

func TestOpenAIQueryMissingConfig(t *testing.T) {
	client := NewOpenAIChatClient(config.Config{})
	if _, err := client.Query(context.Background(), AIModelRequest{Model: "m", UserPrompt: "hi"}); err == nil {
		t.Fatalf("missing api key must be an error")
	}
}

func TestMockAIClient(t *testing.T) {
	mock := MockAIClient{Answer: "canned"}
	response, err := mock.Query(context.Background(), AIModelRequest{Model: "m", UserPrompt: "hi"})
	if err != nil || response.Answer != "canned" {
		t.Fatalf("unexpected mock behavior: %v %+v", err, response)
	}
	streamed := ""
	response, err = mock.QueryStream(context.Background(), AIModelRequest{Model: "m", UserPrompt: "hi"}, func(d string) {
		streamed += d
	})
	if err != nil || streamed != "canned" || response.Answer != "canned" {
		t.Fatalf("mock stream mismatch: %v %q", err, streamed)
	}
}
