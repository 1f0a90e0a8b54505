// Package hybrid implements the Hybrid retrieval strategy: concurrent dense
// and BM25 keyword search, fused by either a weighted sum of min-max
// normalized scores or reciprocal-rank fusion, with an optional cross-encoder
// rerank pass over the top candidates.
package hybrid

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"smartrag/internal/config"
	"smartrag/internal/rag/ragerr"
	"smartrag/internal/rag/service"
	"smartrag/internal/rag/types"
)

// QueryEmbedder embeds question text into a dense vector.
type QueryEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// DenseIndex performs approximate nearest-neighbor search.
type DenseIndex interface {
	Search(ctx context.Context, vector []float32, k int, scope types.Scope) ([]types.Scored, error)
}

// KeywordIndex performs BM25-scored keyword search.
type KeywordIndex interface {
	Search(ctx context.Context, query string, k int) ([]types.Scored, error)
}

// Reranker rescales candidate scores given the query and passage texts.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) []float64
}

// Retriever implements the Hybrid strategy.
type Retriever struct {
	embedder QueryEmbedder
	dense    DenseIndex
	keyword  KeywordIndex
	reranker Reranker // may be nil: rerank is skipped

	cfg     config.HybridConfig
	logger  service.Logger
	metrics service.Metrics
	clock   service.Clock
}

// Option configures a Retriever.
type Option func(*Retriever)

func WithReranker(r Reranker) Option { return func(ret *Retriever) { ret.reranker = r } }
func WithLogger(l service.Logger) Option {
	return func(ret *Retriever) { ret.logger = l }
}
func WithMetrics(m service.Metrics) Option {
	return func(ret *Retriever) { ret.metrics = m }
}
func WithClock(c service.Clock) Option { return func(ret *Retriever) { ret.clock = c } }

// New constructs a Hybrid Retriever.
func New(cfg config.HybridConfig, embedder QueryEmbedder, dense DenseIndex, keyword KeywordIndex, opts ...Option) *Retriever {
	if cfg.Alpha == 0 && cfg.FusionMode == "" {
		cfg.Alpha = 0.7
	}
	if cfg.RRFK == 0 {
		cfg.RRFK = 60
	}
	r := &Retriever{
		embedder: embedder,
		dense:    dense,
		keyword:  keyword,
		cfg:      cfg,
		logger:   service.NoopLogger{},
		metrics:  service.NoopMetrics{},
		clock:    service.SystemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve runs the full Hybrid pipeline and returns up to k results.
func (r *Retriever) Retrieve(ctx context.Context, q types.Question, scope types.Scope) (types.RetrievalResult, error) {
	k := q.TopK
	if k <= 0 {
		k = 10
	}
	kv := k * 2
	kb := r.cfg.BM25TopK
	if kb <= 0 {
		kb = k * 2
	}

	timings := map[string]int64{}
	start := r.clock.Now()

	var denseResults, keywordResults []types.Scored
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t0 := r.clock.Now()
		vecs, err := r.embedder.EmbedBatch(gctx, []string{q.Text})
		if err != nil {
			return ragerr.Wrap(ragerr.EmbeddingUnavailable, "failed to embed question", err)
		}
		if len(vecs) == 0 {
			return ragerr.New(ragerr.EmbeddingUnavailable, "empty embedding for question")
		}
		out, err := r.dense.Search(gctx, vecs[0], kv, scope)
		timings["dense_ms"] = r.clock.Now().Sub(t0).Milliseconds()
		if err != nil {
			return err
		}
		denseResults = out
		return nil
	})
	g.Go(func() error {
		t0 := r.clock.Now()
		out, err := r.keyword.Search(gctx, q.Text, kb)
		timings["keyword_ms"] = r.clock.Now().Sub(t0).Milliseconds()
		if err != nil {
			return err
		}
		keywordResults = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return types.RetrievalResult{}, err
	}

	var fused []types.Scored
	if r.cfg.FusionMode == "rrf" {
		fused = fuseRRF(denseResults, keywordResults, r.cfg.RRFK)
	} else {
		alpha := r.cfg.Alpha
		if alpha == 0 {
			alpha = 0.7
		}
		fused = fuseWeighted(denseResults, keywordResults, alpha)
	}

	if r.reranker != nil && len(fused) > 0 {
		top := fused
		if len(top) > 2*k {
			top = top[:2*k]
		}
		passages := make([]string, len(top))
		for i, s := range top {
			passages[i] = s.Chunk.Text
		}
		t0 := r.clock.Now()
		scores := r.reranker.Rerank(ctx, q.Text, passages)
		timings["rerank_ms"] = r.clock.Now().Sub(t0).Milliseconds()
		if len(scores) == len(top) {
			for i := range top {
				top[i].Score = scores[i]
			}
			sort.SliceStable(top, func(i, j int) bool { return top[i].Score > top[j].Score })
			fused = append(top, fused[len(top):]...)
		}
	}

	if len(fused) > k {
		fused = fused[:k]
	}
	timings["total_ms"] = r.clock.Now().Sub(start).Milliseconds()

	return types.RetrievalResult{Items: fused, Timings: timings}, nil
}

// minMaxNormalize rescales scores to [0, 1]. A constant input set maps to
// all 1.0 so it contributes its full weight rather than vanishing.
func minMaxNormalize(in []types.Scored) []types.Scored {
	if len(in) == 0 {
		return nil
	}
	min, max := in[0].Score, in[0].Score
	for _, s := range in[1:] {
		if s.Score < min {
			min = s.Score
		}
		if s.Score > max {
			max = s.Score
		}
	}
	out := make([]types.Scored, len(in))
	if max == min {
		for i, s := range in {
			out[i] = types.Scored{Chunk: s.Chunk, Score: 1.0}
		}
		return out
	}
	for i, s := range in {
		out[i] = types.Scored{Chunk: s.Chunk, Score: (s.Score - min) / (max - min)}
	}
	return out
}

// fuseWeighted combines dense and BM25 results as s = alpha*dense + (1-alpha)*bm25
// over min-max normalized per-list scores, deduplicating by chunk id (keeping
// the combined score), sorted by fused score descending, tie-broken by raw
// dense score descending then chunk id ascending.
func fuseWeighted(dense, keyword []types.Scored, alpha float64) []types.Scored {
	return fuse(dense, keyword, func(normDense, normKeyword []types.Scored) map[string]float64 {
		contrib := make(map[string]float64, len(normDense)+len(normKeyword))
		for _, s := range normDense {
			contrib[s.Chunk.ID] += alpha * s.Score
		}
		for _, s := range normKeyword {
			contrib[s.Chunk.ID] += (1 - alpha) * s.Score
		}
		return contrib
	})
}

// fuseRRF combines dense and BM25 rankings via reciprocal-rank fusion:
// s = sum(1 / (c + rank)) across whichever lists a chunk appears in, rank
// starting at 1.
func fuseRRF(dense, keyword []types.Scored, c int) []types.Scored {
	return fuse(dense, keyword, func(d, kidx []types.Scored) map[string]float64 {
		contrib := make(map[string]float64, len(d)+len(kidx))
		addRanked := func(list []types.Scored) {
			for i, s := range list {
				contrib[s.Chunk.ID] += 1.0 / float64(c+i+1)
			}
		}
		addRanked(d)
		addRanked(kidx)
		return contrib
	})
}

func fuse(dense, keyword []types.Scored, combine func(dense, keyword []types.Scored) map[string]float64) []types.Scored {
	// collapse duplicate chunk ids within each list, keeping the max score
	keepMax := func(list []types.Scored) []types.Scored {
		pos := make(map[string]int, len(list))
		out := make([]types.Scored, 0, len(list))
		for _, s := range list {
			if i, ok := pos[s.Chunk.ID]; ok {
				if s.Score > out[i].Score {
					out[i].Score = s.Score
				}
				continue
			}
			pos[s.Chunk.ID] = len(out)
			out = append(out, s)
		}
		return out
	}
	dense, keyword = keepMax(dense), keepMax(keyword)
	normDense := minMaxNormalize(dense)
	normKeyword := minMaxNormalize(keyword)

	chunkByID := make(map[string]types.Chunk, len(dense)+len(keyword))
	denseRawByID := make(map[string]float64, len(dense))
	for _, s := range dense {
		chunkByID[s.Chunk.ID] = s.Chunk
		denseRawByID[s.Chunk.ID] = s.Score
	}
	for _, s := range keyword {
		if _, ok := chunkByID[s.Chunk.ID]; !ok {
			chunkByID[s.Chunk.ID] = s.Chunk
		}
	}

	contrib := combine(normDense, normKeyword)

	out := make([]types.Scored, 0, len(contrib))
	for id, score := range contrib {
		out = append(out, types.Scored{Chunk: chunkByID[id], Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		di, dj := denseRawByID[out[i].Chunk.ID], denseRawByID[out[j].Chunk.ID]
		if di != dj {
			return di > dj
		}
		return out[i].Chunk.ID < out[j].Chunk.ID
	})
	return out
}
