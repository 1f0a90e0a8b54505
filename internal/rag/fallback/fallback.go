// Package fallback implements FileLevelFallback: when the primary
// retrieval result is low-confidence, load the top result's source
// document directly, chunk it with a dedicated window size, and re-score
// with a separate (usually lighter) fallback embedding model. Any failure
// along this path returns the original primary result unchanged rather
// than surfacing an error, since this is a best-effort quality boost.
package fallback

import (
	"context"
	"math"
	"os"
	"sort"
	"strconv"

	"smartrag/internal/config"
	"smartrag/internal/rag/chunker"
	"smartrag/internal/rag/service"
	"smartrag/internal/rag/types"
)

// Embedder embeds text with the fallback model.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Reranker rescales candidate scores given the query and passage texts.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) []float64
}

// Fallback implements the low-confidence file-level fallback path.
type Fallback struct {
	cfg      config.FileFallbackConfig
	chunker  chunker.Chunker
	embedder Embedder
	reranker Reranker // optional
	readFile func(path string) (string, error)
	clock    service.Clock
	logger   service.Logger
}

// Option configures a Fallback.
type Option func(*Fallback)

func WithReranker(r Reranker) Option { return func(f *Fallback) { f.reranker = r } }
func WithClock(c service.Clock) Option { return func(f *Fallback) { f.clock = c } }
func WithLogger(l service.Logger) Option { return func(f *Fallback) { f.logger = l } }

// New constructs a Fallback using the given fallback embedder.
func New(cfg config.FileFallbackConfig, embedder Embedder, opts ...Option) *Fallback {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 50
	}
	f := &Fallback{
		cfg:      cfg,
		chunker:  chunker.SimpleChunker{},
		embedder: embedder,
		readFile: defaultReadFile,
		clock:    service.SystemClock{},
		logger:   service.NoopLogger{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func defaultReadFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Triggered reports whether the primary retrieval result's top score is
// below the configured confidence threshold, or the result is empty.
func (f *Fallback) Triggered(primary types.RetrievalResult) bool {
	if !f.cfg.Enabled {
		return false
	}
	if len(primary.Items) == 0 {
		return true
	}
	return primary.Items[0].Score < f.cfg.ConfidenceThreshold
}

// Run applies the fallback if triggered; otherwise it returns primary
// unchanged. Any failure (missing source path, unreadable file, chunking
// or embedding error) also returns primary unchanged.
func (f *Fallback) Run(ctx context.Context, q types.Question, primary types.RetrievalResult) types.RetrievalResult {
	if !f.Triggered(primary) || len(primary.Items) == 0 {
		return primary
	}
	sourcePath := primary.Items[0].Chunk.SourcePath
	if sourcePath == "" {
		return primary
	}

	start := f.clock.Now()
	content, err := f.readFile(sourcePath)
	if err != nil {
		f.logger.Debug("file fallback: could not read source file", map[string]any{"error": err.Error(), "path": sourcePath})
		return primary
	}

	chunks, err := f.chunker.Chunk(content, chunker.Options{
		Strategy:  "fixed",
		MaxTokens: f.cfg.ChunkSize,
		Overlap:   f.cfg.ChunkOverlap,
	})
	if err != nil || len(chunks) == 0 {
		return primary
	}

	texts := make([]string, 0, len(chunks)+1)
	texts = append(texts, q.Text)
	for _, c := range chunks {
		texts = append(texts, c.Text)
	}
	vecs, err := f.embedder.EmbedBatch(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		return primary
	}
	qVec := vecs[0]
	chunkVecs := vecs[1:]

	items := make([]types.Scored, len(chunks))
	for i, c := range chunks {
		items[i] = types.Scored{
			Chunk: types.Chunk{
				ID:         sourcePath + "#fallback-" + strconv.Itoa(c.Index),
				SourcePath: sourcePath,
				Ordinal:    c.Index,
				Text:       c.Text,
			},
			Score: cosineSimilarity(qVec, chunkVecs[i]),
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Score > items[j].Score })

	k := q.TopK
	if k <= 0 {
		k = 10
	}

	if f.reranker != nil && len(items) > 0 {
		top := items
		if len(top) > 2*k {
			top = top[:2*k]
		}
		passages := make([]string, len(top))
		for i, s := range top {
			passages[i] = s.Chunk.Text
		}
		scores := f.reranker.Rerank(ctx, q.Text, passages)
		if len(scores) == len(top) {
			for i := range top {
				top[i].Score = scores[i]
			}
			sort.SliceStable(top, func(i, j int) bool { return top[i].Score > top[j].Score })
			items = append(top, items[len(top):]...)
		}
	}
	if len(items) > k {
		items = items[:k]
	}

	elapsed := f.clock.Now().Sub(start).Milliseconds()
	timings := map[string]int64{}
	for tk, v := range primary.Timings {
		timings[tk] = v
	}
	timings["fallback_ms"] = elapsed

	return types.RetrievalResult{
		Items:             items,
		FallbackTriggered: true,
		FallbackLatencyMS: elapsed,
		Timings:           timings,
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

