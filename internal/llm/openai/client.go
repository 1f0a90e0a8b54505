// Package openai implements llm.Provider on top of the official openai-go
// Chat Completions API. OpenAI-compatible local servers (llama.cpp,
// mlx_lm.server, vLLM) are supported through the BaseURL knob.
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"smartrag/internal/config"
	"smartrag/internal/llm"
	"smartrag/internal/observability"
)

type Client struct {
	sdk   sdk.Client
	model string
}

func New(c config.OpenAIConfig, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	opts := []option.RequestOption{
		option.WithAPIKey(c.APIKey),
		option.WithHTTPClient(httpClient),
	}
	if base := strings.TrimSpace(c.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &Client{
		sdk:   sdk.NewClient(opts...),
		model: c.Model,
	}
}

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	ctx, span := llm.StartRequestSpan(ctx, "OpenAI Chat", firstNonEmpty(model, c.model), len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPayload(ctx, "prompt", msgs)
	log := observability.LoggerWithTrace(ctx)

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(firstNonEmpty(model, c.model)),
		Messages: AdaptMessages(msgs),
	}
	if len(tools) > 0 {
		params.Tools = AdaptSchemas(tools)
	}

	start := time.Now()
	comp, err := c.sdk.Chat.Completions.New(ctx, params)
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Int("tools", len(tools)).Dur("duration", dur).Msg("chat_completion_error")
		return llm.Message{}, err
	}

	var out llm.Message
	if len(comp.Choices) > 0 {
		msg := comp.Choices[0].Message
		out = llm.Message{Role: "assistant", Content: msg.Content}
		for _, tc := range msg.ToolCalls {
			switch v := tc.AsAny().(type) {
			case sdk.ChatCompletionMessageFunctionToolCall:
				out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
					ID:   v.ID,
					Name: v.Function.Name,
					Args: json.RawMessage(v.Function.Arguments),
				})
			case sdk.ChatCompletionMessageCustomToolCall:
				out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
					ID:   v.ID,
					Name: v.Custom.Name,
					Args: json.RawMessage(v.Custom.Input),
				})
			}
		}
	}
	llm.LogRedactedPayload(ctx, "response", comp.Choices)

	promptTokens := int(comp.Usage.PromptTokens)
	completionTokens := int(comp.Usage.CompletionTokens)
	llm.RecordTokenAttributes(span, promptTokens, completionTokens, int(comp.Usage.TotalTokens))
	llm.RecordTokenMetrics(string(params.Model), promptTokens, completionTokens)

	log.Debug().
		Str("model", string(params.Model)).
		Int("tools", len(tools)).
		Dur("duration", dur).
		Int("prompt_tokens", promptTokens).
		Int("completion_tokens", completionTokens).
		Msg("chat_completion_ok")

	return out, nil
}

// ChatStream streams completion deltas, accumulating tool calls across
// chunks (arguments arrive incrementally, keyed by the API-provided index)
// and flushing them once a finish reason is seen.
func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	ctx, span := llm.StartRequestSpan(ctx, "OpenAI ChatStream", firstNonEmpty(model, c.model), len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPayload(ctx, "prompt", msgs)
	log := observability.LoggerWithTrace(ctx)

	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(firstNonEmpty(model, c.model)),
		Messages: AdaptMessages(msgs),
	}
	if len(tools) > 0 {
		params.Tools = AdaptSchemas(tools)
	}
	// Ask for a final usage chunk so token counts can be recorded.
	params.StreamOptions.IncludeUsage = sdk.Bool(true)

	start := time.Now()
	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	toolCalls := make(map[int]*llm.ToolCall)
	toolCallsFlushed := false
	var promptTokens, completionTokens, totalTokens int

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			// The final chunk carries usage and no choices.
			if chunk.JSON.Usage.Valid() && chunk.JSON.Usage.Raw() != "null" {
				promptTokens = int(chunk.Usage.PromptTokens)
				completionTokens = int(chunk.Usage.CompletionTokens)
				totalTokens = int(chunk.Usage.TotalTokens)
			}
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content != "" && h != nil {
			h.OnDelta(delta.Content)
		}

		for _, tc := range delta.ToolCalls {
			idx := int(tc.Index)
			if toolCalls[idx] == nil {
				toolCalls[idx] = &llm.ToolCall{ID: tc.ID}
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[idx].Args = json.RawMessage(string(toolCalls[idx].Args) + tc.Function.Arguments)
			}
		}

		if chunk.Choices[0].FinishReason != "" && !toolCallsFlushed {
			for _, tc := range toolCalls {
				if tc == nil || tc.Name == "" {
					continue
				}
				if h != nil {
					h.OnToolCall(*tc)
				}
			}
			toolCallsFlushed = true
			// Keep reading: a final usage chunk may still arrive.
		}
	}

	err := stream.Err()
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", string(params.Model)).Dur("duration", dur).Msg("chat_stream_error")
		return err
	}

	llm.RecordTokenAttributes(span, promptTokens, completionTokens, totalTokens)
	llm.RecordTokenMetrics(string(params.Model), promptTokens, completionTokens)
	log.Debug().
		Str("model", string(params.Model)).
		Dur("duration", dur).
		Int("prompt_tokens", promptTokens).
		Int("completion_tokens", completionTokens).
		Msg("chat_stream_ok")
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
