package anthropic

import (
	"context"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"smartrag/internal/llm"
	"smartrag/internal/observability"
)

// MessagesTokenizer implements llm.Tokenizer against the Messages API
// count_tokens endpoint, memoizing counts through a llm.TokenCache.
type MessagesTokenizer struct {
	sdk   anthropic.Client
	model string
	cache *llm.TokenCache
}

func NewMessagesTokenizer(sdk anthropic.Client, model string, cache *llm.TokenCache) *MessagesTokenizer {
	return &MessagesTokenizer{sdk: sdk, model: model, cache: cache}
}

// CountTokens counts tokens for a single text string.
func (t *MessagesTokenizer) CountTokens(ctx context.Context, text string) (int, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	if t.cache != nil {
		if count, ok := t.cache.Get(text); ok {
			return count, nil
		}
	}
	count, err := t.CountMessagesTokens(ctx, []llm.Message{{Role: "user", Content: text}})
	if err != nil {
		return 0, err
	}
	if t.cache != nil {
		t.cache.Set(text, count)
	}
	return count, nil
}

// CountMessagesTokens counts tokens for a conversation via the
// count_tokens endpoint.
func (t *MessagesTokenizer) CountMessagesTokens(ctx context.Context, msgs []llm.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	apiMsgs, system := t.buildMessageParams(msgs)
	params := anthropic.MessageCountTokensParams{
		Messages: apiMsgs,
		Model:    anthropic.Model(t.model),
	}
	if strings.TrimSpace(system) != "" {
		params.System = anthropic.MessageCountTokensParamsSystemUnion{
			OfString: anthropic.String(system),
		}
	}
	result, err := t.sdk.Messages.CountTokens(ctx, params)
	if err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("model", t.model).Msg("anthropic_count_tokens_error")
		return 0, err
	}
	return int(result.InputTokens), nil
}

func (t *MessagesTokenizer) buildMessageParams(msgs []llm.Message) ([]anthropic.MessageParam, string) {
	params := make([]anthropic.MessageParam, 0, len(msgs))
	var system string

	for _, m := range msgs {
		switch m.Role {
		case "system":
			system = m.Content
		case "user":
			if strings.TrimSpace(m.Content) != "" {
				params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if strings.TrimSpace(m.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, decodeArgs(tc.Args), tc.Name))
			}
			if len(blocks) > 0 {
				params = append(params, anthropic.NewAssistantMessage(blocks...))
			}
		case "tool":
			params = append(params, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolID, m.Content, false)))
		}
	}
	return params, system
}

var _ llm.Tokenizer = (*MessagesTokenizer)(nil)
