// Package corpus implements the one-shot seeding pass that walks a
// directory of source documents, chunks each file, and writes the result
// into the dense vector index, the BM25 keyword index, and (best-effort,
// for operators who query it directly) the durable full-text backend in
// databases.Manager. This is the only write path into those indexes;
// Router strategies are read-only against them.
package corpus

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"smartrag/internal/config"
	"smartrag/internal/persistence/databases"
	"smartrag/internal/rag/chunker"
	"smartrag/internal/rag/keyword"
	"smartrag/internal/rag/types"
	"smartrag/internal/rag/vectorindex"
)

// Embedder embeds chunk text for the dense index.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Seeder walks a corpus directory and populates the retrieval indexes.
type Seeder struct {
	embedder Embedder
	dense    *vectorindex.Index
	kw       *keyword.Index
	fts      databases.FullTextSearch // optional, may be nil
	cfg      config.FileFallbackConfig

	mu     sync.Mutex
	ready  bool
	chunks int64
}

// New constructs a Seeder. fts may be nil when the search backend is "none".
func New(embedder Embedder, dense *vectorindex.Index, kw *keyword.Index, fts databases.FullTextSearch, cfg config.FileFallbackConfig) *Seeder {
	return &Seeder{embedder: embedder, dense: dense, kw: kw, fts: fts, cfg: cfg}
}

// Status reports whether seeding has completed and how many chunks were
// indexed, for GET /seed-status.
func (s *Seeder) Status(context.Context) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready, int(atomic.LoadInt64(&s.chunks)), nil
}

// Seed walks root, chunking every regular file it finds, and indexes each
// chunk into the dense index, the keyword index, and (if configured) the
// durable full-text backend. It returns the total number of chunks
// indexed. A per-file failure is skipped rather than aborting the walk.
func (s *Seeder) Seed(ctx context.Context, root string) (int, error) {
	var total int
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		n, err := s.indexDocument(ctx, path, raw)
		if err == nil {
			total += n
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	s.finish(total)
	return total, nil
}

// indexDocument chunks raw (after any format-specific preprocessing),
// embeds the chunks, and writes them into the dense index, the keyword
// index, and (if configured) the durable full-text backend. It is the
// shared tail of both the local-directory walk in Seed and any other
// document source (see s3.go) feeding this Seeder.
func (s *Seeder) indexDocument(ctx context.Context, path string, raw []byte) (int, error) {
	chunkSize := s.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 500
	}
	overlap := s.cfg.ChunkOverlap

	text := preprocess(path, raw)
	parts, err := (chunker.SimpleChunker{}).Chunk(text, chunker.Options{
		Strategy:  "fixed",
		MaxTokens: chunkSize,
		Overlap:   overlap,
	})
	if err != nil || len(parts) == 0 {
		return 0, err
	}

	texts := make([]string, len(parts))
	for i, p := range parts {
		texts[i] = p.Text
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	var n int
	for i, p := range parts {
		id := chunkID(path, p.Index)
		c := types.Chunk{ID: id, SourcePath: path, Ordinal: p.Index, Text: p.Text}
		if i < len(vectors) {
			c.Vector = vectors[i]
		}

		if c.Vector != nil {
			_ = s.dense.Upsert(ctx, c, types.ScopeSystem)
		}
		_ = s.kw.Upsert(ctx, c)
		if s.fts != nil {
			_ = s.fts.Index(ctx, id, p.Text, map[string]string{"source_path": path})
		}
		n++
	}
	return n, nil
}

func (s *Seeder) finish(n int) {
	s.mu.Lock()
	s.ready = true
	atomic.AddInt64(&s.chunks, int64(n))
	s.mu.Unlock()
}

func chunkID(path string, ordinal int) string {
	h := sha1.New()
	h.Write([]byte(path))
	sum := h.Sum(nil)
	return hex.EncodeToString(sum)[:16] + "-" + strconv.Itoa(ordinal)
}
