package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"llmrelay/pkg/config"
	providertypes "llmrelay/pkg/provider/types"
)

const completionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o-mini",
  "choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": " hi there "}}],
  "usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
}`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New("openai", config.ProviderConfig{
		APIKey:      "sk-test",
		BaseURL:     server.URL,
		Model:       "gpt-4o-mini",
		MaxTokens:   100,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	return client
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New("openai", config.ProviderConfig{}); err == nil {
		t.Fatal("expected error when API key is missing")
	}
}

func TestNewRejectsUnknownVendorWithoutBaseURL(t *testing.T) {
	if _, err := New("mystery", config.ProviderConfig{APIKey: "k"}); err == nil {
		t.Fatal("expected error for vendor without default base url")
	}
}

func TestNewUsesVendorDefaults(t *testing.T) {
	client, err := New("xai", config.ProviderConfig{Name: "xai", APIKey: "xai-test"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if client.model != "grok-beta" {
		t.Fatalf("model = %q, want grok-beta", client.model)
	}
	if client.vendor != "xai" {
		t.Fatalf("vendor = %q, want xai", client.vendor)
	}
}

func TestCompleteSuccess(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("authorization = %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		writeJSON(w, http.StatusOK, completionBody)
	})

	result := client.Complete(context.Background(), providertypes.Request{Prompt: "hello", MaxTokens: 42}, time.Second)
	if !result.OK() {
		t.Fatalf("expected success, got %v", result.Failure)
	}
	if result.Text != "hi there" {
		t.Fatalf("text = %q, want %q", result.Text, "hi there")
	}
	if result.Metadata.Usage == nil || result.Metadata.Usage.TotalTokens != 8 {
		t.Fatalf("usage = %+v, want total 8", result.Metadata.Usage)
	}

	if got["model"] != "gpt-4o-mini" {
		t.Fatalf("request model = %v", got["model"])
	}
	if got["max_tokens"] != float64(42) {
		t.Fatalf("request max_tokens = %v, want 42", got["max_tokens"])
	}
	messages, _ := got["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("request messages = %v", got["messages"])
	}
	first, _ := messages[0].(map[string]any)
	if first["role"] != "user" || first["content"] != "hello" {
		t.Fatalf("request message = %v", first)
	}
}

func TestCompleteClassifiesFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		header    map[string]string
		wantKind  providertypes.FailureKind
		retryable bool
	}{
		{name: "unauthorized", status: 401, body: `{"error":{"message":"bad key","type":"invalid_request_error"}}`, wantKind: providertypes.KindAuthError},
		{name: "forbidden", status: 403, body: `{"error":{"message":"nope"}}`, wantKind: providertypes.KindAuthError},
		{name: "rate limited", status: 429, body: `{"error":{"message":"slow"}}`, header: map[string]string{"Retry-After": "2"}, wantKind: providertypes.KindRateLimited, retryable: true},
		{name: "server error", status: 503, body: `{"error":{"message":"down"}}`, wantKind: providertypes.KindUpstreamServerError, retryable: true},
		{name: "bad request", status: 400, body: `{"error":{"message":"bad"}}`, wantKind: providertypes.KindUnknown},
		{name: "no choices", status: 200, body: `{"id":"x","choices":[]}`, wantKind: providertypes.KindInvalidResponse},
		{name: "empty content", status: 200, body: `{"id":"x","choices":[{"message":{"role":"assistant","content":"  "}}]}`, wantKind: providertypes.KindInvalidResponse},
		{name: "not json", status: 200, body: `{"choices": [`, wantKind: providertypes.KindInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				for key, value := range tt.header {
					w.Header().Set(key, value)
				}
				writeJSON(w, tt.status, tt.body)
			})

			result := client.Complete(context.Background(), providertypes.Request{Prompt: "hello"}, time.Second)
			if result.OK() {
				t.Fatalf("expected failure, got text %q", result.Text)
			}
			if result.Failure.Kind != tt.wantKind {
				t.Fatalf("kind = %q, want %q (%v)", result.Failure.Kind, tt.wantKind, result.Failure)
			}
			if result.Failure.Retryable != tt.retryable {
				t.Fatalf("retryable = %v, want %v", result.Failure.Retryable, tt.retryable)
			}
			if tt.name == "rate limited" && result.Failure.RetryAfter != 2*time.Second {
				t.Fatalf("retry after = %v, want 2s", result.Failure.RetryAfter)
			}
		})
	}
}

func TestCompleteTimeout(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		writeJSON(w, http.StatusOK, completionBody)
	})

	result := client.Complete(context.Background(), providertypes.Request{Prompt: "hello"}, 50*time.Millisecond)
	if result.OK() {
		t.Fatal("expected timeout failure")
	}
	if result.Failure.Kind != providertypes.KindTimeout || !result.Failure.Retryable {
		t.Fatalf("failure = %+v, want retryable timeout", result.Failure)
	}
}
