package embedder

import (
	"context"

	"smartrag/internal/config"
)

// Client bundles the primary embedding model (used for the main index and
// query-time retrieval) with a separate fallback model reserved for
// FileLevelFallback. The fallback model's vectors are never written into the
// main vector index: it embeds ad hoc, on-demand windows of a source
// document and scores them in isolation.
type Client struct {
	Primary  Embedder
	Fallback Embedder
}

// NewClientFromConfig builds a Client from the embedding and embedding
// fallback sections of the loaded configuration. If cfg.EmbeddingFallback
// has neither a Model nor a BaseURL configured, the fallback embedder reuses the primary's
// configuration so FileLevelFallback still has something to call.
func NewClientFromConfig(cfg config.Config, dim, fallbackDim int) *Client {
	primary := NewClient(cfg.Embedding, dim)

	fbCfg := cfg.EmbeddingFallback
	if fbCfg.Model == "" && fbCfg.BaseURL == "" {
		fbCfg = cfg.Embedding
		if fallbackDim == 0 {
			fallbackDim = dim
		}
	}
	fallback := NewClient(fbCfg, fallbackDim)

	return &Client{Primary: primary, Fallback: fallback}
}

// EncodeBatch embeds texts with the primary model, for indexing and
// top-level query retrieval.
func (c *Client) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.Primary.EmbedBatch(ctx, texts)
}

// EncodeFallbackBatch embeds texts with the fallback model. Callers must
// never persist these vectors into the main vector index.
func (c *Client) EncodeFallbackBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return c.Fallback.EmbedBatch(ctx, texts)
}
