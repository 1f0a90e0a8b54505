package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"smartrag/internal/config"
	"smartrag/internal/llm"
)

func countTokensServer(t *testing.T, inputTokens int, onRequest func(map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqBody map[string]any
		if err := json.NewDecoder(r.Body).Decode(&reqBody); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		defer r.Body.Close()
		if onRequest != nil {
			onRequest(reqBody)
		}
		w.Header().Set("Content-Type", "application/json")
		b, _ := json.Marshal(map[string]any{"input_tokens": inputTokens})
		_, _ = w.Write(b)
	}))
}

func TestMessagesTokenizer_CountTokens(t *testing.T) {
	var gotModel, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var reqBody map[string]any
		_ = json.NewDecoder(r.Body).Decode(&reqBody)
		defer r.Body.Close()
		gotModel, _ = reqBody["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		b, _ := json.Marshal(map[string]any{"input_tokens": 42})
		_, _ = w.Write(b)
	}))
	t.Cleanup(srv.Close)

	client := New(config.AnthropicConfig{APIKey: "test-key", Model: "claude-3-sonnet", BaseURL: srv.URL}, srv.Client())
	count, err := client.Tokenizer().CountTokens(context.Background(), "Hello, world!")
	if err != nil {
		t.Fatalf("CountTokens returned error: %v", err)
	}
	if count != 42 {
		t.Errorf("expected 42 tokens, got %d", count)
	}
	if gotPath != "/v1/messages/count_tokens" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotModel == "" {
		t.Errorf("expected model in request body")
	}
}

func TestMessagesTokenizer_CountMessagesTokensExcludesSystem(t *testing.T) {
	var gotMessages []any
	srv := countTokensServer(t, 150, func(reqBody map[string]any) {
		gotMessages, _ = reqBody["messages"].([]any)
	})
	t.Cleanup(srv.Close)

	client := New(config.AnthropicConfig{APIKey: "test-key", Model: "claude-3-sonnet", BaseURL: srv.URL}, srv.Client())

	msgs := []llm.Message{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "user", Content: "What is Go?"},
		{Role: "assistant", Content: "Go is a programming language."},
		{Role: "user", Content: "Tell me more."},
	}
	count, err := client.Tokenizer().CountMessagesTokens(context.Background(), msgs)
	if err != nil {
		t.Fatalf("CountMessagesTokens returned error: %v", err)
	}
	if count != 150 {
		t.Errorf("expected 150 tokens, got %d", count)
	}
	// The system prompt rides in the top-level system field, not messages.
	if len(gotMessages) != 3 {
		t.Errorf("expected 3 messages (excluding system), got %d", len(gotMessages))
	}
}

func TestMessagesTokenizer_CountMessagesTokensWithToolCalls(t *testing.T) {
	srv := countTokensServer(t, 200, nil)
	t.Cleanup(srv.Close)

	client := New(config.AnthropicConfig{APIKey: "test-key", Model: "claude-3-sonnet", BaseURL: srv.URL}, srv.Client())

	msgs := []llm.Message{
		{Role: "user", Content: "What's the weather?"},
		{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{
				{ID: "call-1", Name: "get_weather", Args: json.RawMessage(`{"city":"NYC"}`)},
			},
		},
		{Role: "tool", ToolID: "call-1", Content: `{"temp": 72}`},
	}
	count, err := client.Tokenizer().CountMessagesTokens(context.Background(), msgs)
	if err != nil {
		t.Fatalf("CountMessagesTokens returned error: %v", err)
	}
	if count != 200 {
		t.Errorf("expected 200 tokens, got %d", count)
	}
}

func TestMessagesTokenizer_EmptyInput(t *testing.T) {
	client := New(config.AnthropicConfig{APIKey: "test-key", Model: "claude-3-sonnet"}, nil)
	tok := client.Tokenizer()

	count, err := tok.CountTokens(context.Background(), "")
	if err != nil {
		t.Fatalf("CountTokens returned error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 tokens for empty string, got %d", count)
	}

	count, err = tok.CountMessagesTokens(context.Background(), nil)
	if err != nil {
		t.Fatalf("CountMessagesTokens returned error: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 tokens for empty messages, got %d", count)
	}
}

func TestMessagesTokenizer_CachesCounts(t *testing.T) {
	callCount := 0
	srv := countTokensServer(t, 25, func(map[string]any) { callCount++ })
	t.Cleanup(srv.Close)

	client := New(config.AnthropicConfig{APIKey: "test-key", Model: "claude-3-sonnet", BaseURL: srv.URL}, srv.Client())
	tok := client.Tokenizer()

	ctx := context.Background()
	text := "This is a test message"

	count1, err := tok.CountTokens(ctx, text)
	if err != nil {
		t.Fatalf("first CountTokens returned error: %v", err)
	}
	if count1 != 25 || callCount != 1 {
		t.Errorf("expected 25 tokens from 1 API call, got %d tokens / %d calls", count1, callCount)
	}

	count2, err := tok.CountTokens(ctx, text)
	if err != nil {
		t.Fatalf("second CountTokens returned error: %v", err)
	}
	if count2 != 25 || callCount != 1 {
		t.Errorf("expected cache hit (25 tokens, still 1 call), got %d tokens / %d calls", count2, callCount)
	}
}
