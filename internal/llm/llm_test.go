package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestParseModelString(t *testing.T) {
	tests := []struct {
		in       string
		provider Provider
		name     string
	}{
		{"openai/gpt-4o", ProviderOpenAI, "gpt-4o"},
		{"anthropic/claude-3-haiku", ProviderAnthropic, "claude-3-haiku"},
		{"claude-sonnet-4", ProviderAnthropic, "claude-sonnet-4"},
		{"gpt-4o", ProviderOpenAI, "gpt-4o"},
		{"local-orchestrator-model", ProviderOpenAI, "local-orchestrator-model"},
	}

	for _, tt := range tests {
		provider, name := ParseModelString(tt.in)
		if provider != tt.provider || name != tt.name {
			t.Errorf("ParseModelString(%q) = (%s, %s), want (%s, %s)",
				tt.in, provider, name, tt.provider, tt.name)
		}
	}
}

func openAIServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIChat(t *testing.T) {
	srv := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		var req oaiRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" {
			t.Errorf("messages = %+v, want system prompt first", req.Messages)
		}

		json.NewEncoder(w).Encode(oaiResponse{
			Choices: []oaiChoice{{Message: oaiMessage{Role: "assistant", Content: "hello back"}}},
			Usage:   oaiUsage{PromptTokens: 12, CompletionTokens: 3},
		})
	})

	client := NewOpenAIClient(srv.URL+"/v1", "test-key")
	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:     "test-model",
		System:    "be brief",
		Messages:  []Message{{Role: RoleUser, Content: "hello"}},
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hello back" {
		t.Errorf("Content = %q, want %q", resp.Content, "hello back")
	}
	if resp.Usage.Total() != 15 {
		t.Errorf("Usage.Total = %d, want 15", resp.Usage.Total())
	}
}

func TestOpenAIChatRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(oaiResponse{
			Choices: []oaiChoice{{Message: oaiMessage{Content: "recovered"}}},
		})
	})

	client := NewOpenAIClient(srv.URL+"/v1", "")
	resp, err := client.Chat(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Chat after retry: %v", err)
	}
	if resp.Content != "recovered" {
		t.Errorf("Content = %q, want %q", resp.Content, "recovered")
	}
	if calls.Load() != 2 {
		t.Errorf("server saw %d calls, want 2", calls.Load())
	}
}

func TestOpenAIChatDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int64
	srv := openAIServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	client := NewOpenAIClient(srv.URL+"/v1", "")
	_, err := client.Chat(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if calls.Load() != 1 {
		t.Errorf("server saw %d calls, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestMockClientScript(t *testing.T) {
	mock := NewMockClient("one", "two")
	ctx := context.Background()

	for i, want := range []string{"one", "two", "two"} {
		resp, err := mock.Chat(ctx, ChatRequest{Model: "m"})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if resp.Content != want {
			t.Errorf("call %d = %q, want %q", i, resp.Content, want)
		}
	}
	if len(mock.Calls()) != 3 {
		t.Errorf("recorded calls = %d, want 3", len(mock.Calls()))
	}
}
