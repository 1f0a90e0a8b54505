package llm

import (
	"context"
	"encoding/json"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"smartrag/internal/observability"
)

var (
	logMu                sync.RWMutex
	enablePayloadLogging = false
	truncateBytes        = 0 // 0 means no truncation
)

var (
	tokenOnce         sync.Once
	promptCounter     otelmetric.Int64Counter
	completionCounter otelmetric.Int64Counter
)

// ensureTokenInstruments lazily initializes the OTel token counters;
// InitTracing/NewPrometheusMetrics should have installed a provider first
// under normal startup.
func ensureTokenInstruments() {
	tokenOnce.Do(func() {
		m := otel.Meter("internal/llm")
		promptCounter, _ = m.Int64Counter("llm.prompt_tokens", otelmetric.WithDescription("Cumulative prompt tokens by model"))
		completionCounter, _ = m.Int64Counter("llm.completion_tokens", otelmetric.WithDescription("Cumulative completion tokens by model"))
	})
}

// RecordTokenMetrics records one request's token usage against the model's
// cumulative counters.
func RecordTokenMetrics(model string, promptTokens, completionTokens int) {
	if model == "" || (promptTokens == 0 && completionTokens == 0) {
		return
	}
	ensureTokenInstruments()
	ctx := context.Background()
	attrs := otelmetric.WithAttributes(attribute.String("llm.model", model))
	if promptCounter != nil && promptTokens > 0 {
		promptCounter.Add(ctx, int64(promptTokens), attrs)
	}
	if completionCounter != nil && completionTokens > 0 {
		completionCounter.Add(ctx, int64(completionTokens), attrs)
	}
}

// ConfigureLogging sets global behavior for prompt/response payload logging.
// Call once at startup with values from the main config.
func ConfigureLogging(enable bool, truncate int) {
	logMu.Lock()
	defer logMu.Unlock()
	enablePayloadLogging = enable
	truncateBytes = truncate
}

// StartRequestSpan starts a tracer span for an LLM request and sets common
// attributes.
func StartRequestSpan(ctx context.Context, operation string, model string, tools int, messages int) (context.Context, trace.Span) {
	ctx, span := otel.Tracer("internal/llm").Start(ctx, operation)
	span.SetAttributes(attribute.String("llm.model", model), attribute.Int("llm.tools", tools), attribute.Int("llm.messages", messages))
	return ctx, span
}

// RecordTokenAttributes sets token count attributes on the provided span.
func RecordTokenAttributes(span trace.Span, promptTokens, completionTokens, totalTokens int) {
	if span == nil {
		return
	}
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", promptTokens),
		attribute.Int("llm.completion_tokens", completionTokens),
		attribute.Int("llm.total_tokens", totalTokens),
	)
}

func shouldLog() (bool, int) {
	logMu.RLock()
	defer logMu.RUnlock()
	return enablePayloadLogging, truncateBytes
}

// LogRedactedPayload logs a redacted copy of an LLM request or response
// payload at debug level; a no-op unless ConfigureLogging enabled it. Large
// payloads are truncated per configuration.
func LogRedactedPayload(ctx context.Context, field string, payload any) {
	ok, limit := shouldLog()
	if !ok {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	red := observability.RedactJSON(b)
	log := observability.LoggerWithTrace(ctx)
	if limit > 0 && len(red) > limit {
		if pb, err := json.Marshal(map[string]any{"truncated": true, "preview": string(red[:limit])}); err == nil {
			red = pb
		}
	}
	tmp := log.With().RawJSON(field, red).Logger()
	tmp.Debug().Msg("llm_" + field)
}
