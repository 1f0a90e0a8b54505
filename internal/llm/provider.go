package llm

import (
	"context"
	"encoding/json"
)

// ToolCall is one structured-output invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

// Message is the portable chat unit shared by every provider backend.
type Message struct {
	Role    string // "system" | "user" | "assistant" | "tool"
	Content string
	ToolID  string
	// ToolCalls are only set on assistant messages.
	ToolCalls []ToolCall
}

// ToolSchema declares one structured-output tool the model may call. The
// grounded-generation layer uses these for entity, relation, and table
// extraction.
type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// StreamHandler receives incremental output during ChatStream.
type StreamHandler interface {
	OnDelta(content string)
	OnToolCall(tc ToolCall)
}

// Provider is the single generation contract all strategies share; anthropic,
// openai, and google each implement it.
type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Message, error)
	ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, h StreamHandler) error
}
