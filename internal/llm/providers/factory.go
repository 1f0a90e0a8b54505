// Package providers constructs the configured llm.Provider backend.
package providers

import (
	"fmt"
	"net/http"

	"smartrag/internal/config"
	"smartrag/internal/llm"
	"smartrag/internal/llm/anthropic"
	"smartrag/internal/llm/google"
	openaillm "smartrag/internal/llm/openai"
)

// Build constructs an llm.Provider from the configured provider name.
// "local" is an alias for the OpenAI client pointed at an OpenAI-compatible
// inference server via OPENAI_BASE_URL.
func Build(cfg config.Config, httpClient *http.Client) (llm.Provider, error) {
	switch cfg.LLMClient.Provider {
	case "", "openai", "local":
		return openaillm.New(cfg.LLMClient.OpenAI, httpClient), nil
	case "anthropic":
		return anthropic.New(cfg.LLMClient.Anthropic, httpClient), nil
	case "google":
		return google.New(cfg.LLMClient.Google, httpClient)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.LLMClient.Provider)
	}
}
