package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"smartrag/internal/config"
	"smartrag/internal/llm"
)

type streamRecorder struct {
	deltas []string
	calls  []llm.ToolCall
}

func (s *streamRecorder) OnDelta(content string)     { s.deltas = append(s.deltas, content) }
func (s *streamRecorder) OnToolCall(tc llm.ToolCall) { s.calls = append(s.calls, tc) }

func TestChatReturnsChoice(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hello","tool_calls":[]}}],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`))
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	cli := New(config.OpenAIConfig{APIKey: "test", BaseURL: srv.URL, Model: "m"}, srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := cli.Chat(ctx, []llm.Message{{Role: "user", Content: "hi"}}, nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Content != "hello" {
		t.Fatalf("expected hello, got %q", msg.Content)
	}
}

func TestChatParsesToolCalls(t *testing.T) {
	var reqBody map[string]any
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		_ = json.NewDecoder(r.Body).Decode(&reqBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[{"id":"call-1","type":"function","function":{"name":"lookup","arguments":"{\"x\":2}"}}]}}]}`))
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	cli := New(config.OpenAIConfig{APIKey: "test", BaseURL: srv.URL, Model: "m"}, srv.Client())
	msg, err := cli.Chat(context.Background(), []llm.Message{{Role: "user", Content: "go"}}, []llm.ToolSchema{
		{Name: "lookup", Description: "d", Parameters: map[string]any{"type": "object"}},
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Name != "lookup" || msg.ToolCalls[0].ID != "call-1" {
		t.Fatalf("unexpected tool calls %+v", msg.ToolCalls)
	}
	if string(msg.ToolCalls[0].Args) != `{"x":2}` {
		t.Fatalf("unexpected args %s", msg.ToolCalls[0].Args)
	}
	if _, ok := reqBody["tools"]; !ok {
		t.Fatalf("expected tools in request body, got %#v", reqBody)
	}
}

func TestChatModelOverride(t *testing.T) {
	var gotModel string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	cli := New(config.OpenAIConfig{APIKey: "test", BaseURL: srv.URL, Model: "default-model"}, srv.Client())
	if _, err := cli.Chat(context.Background(), []llm.Message{{Role: "user", Content: "hi"}}, nil, "override-model"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotModel != "override-model" {
		t.Fatalf("expected per-call model override, got %q", gotModel)
	}
}

func writeChunk(w http.ResponseWriter, fl http.Flusher, payload string) {
	fmt.Fprintf(w, "data: %s\n\n", payload)
	if fl != nil {
		fl.Flush()
	}
}

func TestChatStreamDeltasAndToolCalls(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl, _ := w.(http.Flusher)
		writeChunk(w, fl, `{"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hel"}}]}`)
		writeChunk(w, fl, `{"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`)
		writeChunk(w, fl, `{"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call-1","type":"function","function":{"name":"lookup","arguments":"{\"x\":"}}]}}]}`)
		writeChunk(w, fl, `{"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"3}"}}]}}]}`)
		writeChunk(w, fl, `{"id":"c","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`)
		writeChunk(w, fl, `{"id":"c","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":5,"completion_tokens":4,"total_tokens":9}}`)
		writeChunk(w, fl, "[DONE]")
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	cli := New(config.OpenAIConfig{APIKey: "test", BaseURL: srv.URL, Model: "m"}, srv.Client())
	rec := &streamRecorder{}
	err := cli.ChatStream(context.Background(), []llm.Message{{Role: "user", Content: "go"}}, []llm.ToolSchema{
		{Name: "lookup", Parameters: map[string]any{"type": "object"}},
	}, "", rec)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Join(rec.deltas, ""); got != "hello" {
		t.Fatalf("unexpected deltas %q", got)
	}
	if len(rec.calls) != 1 || rec.calls[0].Name != "lookup" {
		t.Fatalf("unexpected tool calls %+v", rec.calls)
	}
	if string(rec.calls[0].Args) != `{"x":3}` {
		t.Fatalf("expected accumulated args, got %s", rec.calls[0].Args)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", " ", "a", "b"); got != "a" {
		t.Fatalf("expected a, got %q", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}
