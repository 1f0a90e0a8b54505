// Package google implements llm.Provider on top of the Gemini API via
// google.golang.org/genai.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"smartrag/internal/config"
	"smartrag/internal/llm"
	"smartrag/internal/observability"
)

type Client struct {
	client      *genai.Client
	model       string
	httpOptions genai.HTTPOptions
}

func New(cfg config.GoogleConfig, httpClient *http.Client) (*Client, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.0-flash"
	}

	httpOpts := genai.HTTPOptions{}
	if cfg.Timeout > 0 {
		t := time.Duration(cfg.Timeout) * time.Second
		httpOpts.Timeout = &t
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		httpOpts.BaseURL = strings.TrimSuffix(base, "/") + "/"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:      strings.TrimSpace(cfg.APIKey),
		HTTPClient:  httpClient,
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, fmt.Errorf("init google client: %w", err)
	}

	return &Client{client: client, model: model, httpOptions: httpOpts}, nil
}

func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	effectiveModel := c.pickModel(model)

	ctx, span := llm.StartRequestSpan(ctx, "Google Chat", effectiveModel, len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPayload(ctx, "prompt", msgs)
	log := observability.LoggerWithTrace(ctx)

	contents, err := toContents(msgs)
	if err != nil {
		span.RecordError(err)
		return llm.Message{}, err
	}
	toolDecls, toolCfg, err := adaptTools(tools)
	if err != nil {
		span.RecordError(err)
		return llm.Message{}, err
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, effectiveModel, contents, c.buildContentConfig(toolDecls, toolCfg))
	dur := time.Since(start)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("model", effectiveModel).Dur("duration", dur).Msg("google_chat_error")
		return llm.Message{}, err
	}

	msg, err := messageFromResponse(resp)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Dur("duration", dur).Msg("google_chat_response_parse_error")
		return llm.Message{}, err
	}

	if resp.UsageMetadata != nil {
		prompt := int(resp.UsageMetadata.PromptTokenCount)
		completion := int(resp.UsageMetadata.CandidatesTokenCount)
		llm.RecordTokenAttributes(span, prompt, completion, prompt+completion)
		llm.RecordTokenMetrics(effectiveModel, prompt, completion)
	}
	llm.LogRedactedPayload(ctx, "response", resp)
	log.Debug().Str("model", effectiveModel).Int("tools", len(tools)).Dur("duration", dur).Int("tool_calls", len(msg.ToolCalls)).Msg("google_chat_ok")

	return msg, nil
}

func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	effectiveModel := c.pickModel(model)

	ctx, span := llm.StartRequestSpan(ctx, "Google ChatStream", effectiveModel, len(tools), len(msgs))
	defer span.End()
	llm.LogRedactedPayload(ctx, "prompt", msgs)
	log := observability.LoggerWithTrace(ctx)

	contents, err := toContents(msgs)
	if err != nil {
		span.RecordError(err)
		return err
	}
	toolDecls, toolCfg, err := adaptTools(tools)
	if err != nil {
		span.RecordError(err)
		return err
	}

	start := time.Now()
	stream := c.client.Models.GenerateContentStream(ctx, effectiveModel, contents, c.buildContentConfig(toolDecls, toolCfg))

	var toolCallCount int
	for resp, err := range stream {
		if err != nil {
			span.RecordError(err)
			log.Error().Err(err).Dur("duration", time.Since(start)).Msg("google_stream_error")
			return err
		}
		msg, skip, err := messageFromStreamResponse(resp)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if skip {
			continue
		}
		if h != nil && msg.Content != "" {
			h.OnDelta(msg.Content)
		}
		for _, tc := range msg.ToolCalls {
			toolCallCount++
			if h != nil {
				h.OnToolCall(tc)
			}
		}
	}

	log.Debug().Dur("duration", time.Since(start)).Int("tool_calls", toolCallCount).Msg("google_stream_ok")
	return nil
}

func (c *Client) pickModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

func (c *Client) buildContentConfig(tools []*genai.Tool, toolCfg *genai.ToolConfig) *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		HTTPOptions: &c.httpOptions,
		Tools:       tools,
		ToolConfig:  toolCfg,
	}
}

func toContents(msgs []llm.Message) ([]*genai.Content, error) {
	if len(msgs) == 0 {
		return nil, fmt.Errorf("messages required")
	}

	toolNamesByID := make(map[string]string)
	var lastFuncName string
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		isSystem := role == "system"
		switch role {
		case "", "user", "system":
			role = genai.RoleUser
		case "assistant":
			role = genai.RoleModel
			for _, tc := range m.ToolCalls {
				if tc.ID != "" && tc.Name != "" {
					toolNamesByID[tc.ID] = tc.Name
				}
				if strings.TrimSpace(tc.Name) != "" {
					lastFuncName = tc.Name
				}
			}
		case "tool":
			// Tool responses are passed back as function responses.
			name := toolNamesByID[m.ToolID]
			if name == "" {
				name = lastFuncName
				if name == "" {
					name = "tool_response"
				}
			}
			respMap := map[string]any{}
			if trimmed := strings.TrimSpace(m.Content); trimmed != "" {
				if err := json.Unmarshal([]byte(trimmed), &respMap); err != nil {
					respMap = map[string]any{"output": m.Content}
				}
			}
			part := genai.NewPartFromFunctionResponse(name, respMap)
			part.FunctionResponse.ID = m.ToolID
			contents = append(contents, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
			continue
		default:
			return nil, fmt.Errorf("unsupported role for google provider: %s", m.Role)
		}
		text := m.Content
		if isSystem {
			text = "[system] " + text
		}
		parts := []*genai.Part{}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, &genai.Part{Text: text})
		}
		if role == genai.RoleModel {
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if len(tc.Args) > 0 {
					_ = json.Unmarshal(tc.Args, &args)
				}
				if len(args) == 0 && len(tc.Args) > 0 {
					args = map[string]any{"input": string(tc.Args)}
				}
				parts = append(parts, genai.NewPartFromFunctionCall(tc.Name, args))
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}
	return contents, nil
}

// messageFromStreamResponse parses one streaming chunk. skip=true marks an
// intermediate chunk with no actionable content, which is normal mid-stream.
func messageFromStreamResponse(resp *genai.GenerateContentResponse) (llm.Message, bool, error) {
	if resp == nil {
		return llm.Message{}, true, nil
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return llm.Message{}, false, fmt.Errorf("request blocked by google: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return llm.Message{}, true, nil
	}
	candidate := resp.Candidates[0]
	if err := finishReasonError(candidate.FinishReason); err != nil {
		return llm.Message{}, false, err
	}
	if candidate.Content == nil {
		return llm.Message{}, true, nil
	}
	msg := collectParts(candidate.Content)
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return llm.Message{}, true, nil
	}
	return msg, false, nil
}

func messageFromResponse(resp *genai.GenerateContentResponse) (llm.Message, error) {
	if resp == nil {
		return llm.Message{}, fmt.Errorf("nil response from google provider")
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return llm.Message{}, fmt.Errorf("request blocked by google: %s", resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return llm.Message{}, fmt.Errorf("no candidates in google response")
	}
	candidate := resp.Candidates[0]
	if err := finishReasonError(candidate.FinishReason); err != nil {
		return llm.Message{}, err
	}
	if candidate.Content == nil {
		return llm.Message{Role: "assistant"}, nil
	}
	return collectParts(candidate.Content), nil
}

func finishReasonError(reason genai.FinishReason) error {
	switch reason {
	case genai.FinishReasonSafety:
		return fmt.Errorf("response blocked by safety filters")
	case genai.FinishReasonRecitation:
		return fmt.Errorf("response blocked due to recitation")
	case genai.FinishReasonMalformedFunctionCall:
		return fmt.Errorf("malformed function call generated by model")
	}
	return nil
}

func collectParts(content *genai.Content) llm.Message {
	var sb strings.Builder
	var tcs []llm.ToolCall
	callIdx := 0
	for _, part := range content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			callIdx++
			id := part.FunctionCall.ID
			if strings.TrimSpace(id) == "" {
				id = "call-" + strconv.Itoa(callIdx)
			}
			tcs = append(tcs, llm.ToolCall{ID: id, Name: part.FunctionCall.Name, Args: args})
		}
	}
	return llm.Message{Role: "assistant", Content: sb.String(), ToolCalls: tcs}
}

func adaptTools(schemas []llm.ToolSchema) ([]*genai.Tool, *genai.ToolConfig, error) {
	if len(schemas) == 0 {
		return nil, nil, nil
	}
	fd := make([]*genai.FunctionDeclaration, 0, len(schemas))
	for _, s := range schemas {
		if strings.TrimSpace(s.Name) == "" {
			return nil, nil, fmt.Errorf("google provider: tool name required")
		}
		fd = append(fd, &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: s.Parameters,
		})
	}
	// AUTO lets the model decide between calling a function and answering in
	// text; AllowedFunctionNames is only valid in ANY mode.
	cfg := &genai.ToolConfig{
		FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode: genai.FunctionCallingConfigModeAuto,
		},
	}
	return []*genai.Tool{{FunctionDeclarations: fd}}, cfg, nil
}
