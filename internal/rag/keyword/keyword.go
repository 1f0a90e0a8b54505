// Package keyword implements a persistent, on-disk BM25 keyword index
// backed by bleve/v2. Startup is instant when the index directory already
// exists; it shares the same chunk-id universe as the vector index.
package keyword

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/blevesearch/bleve/v2"
	// Registers the "en" analyzer; bleve does not load language analyzers
	// by default and index creation fails on an unknown analyzer name.
	_ "github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"

	"smartrag/internal/rag/ragerr"
	"smartrag/internal/rag/types"
)

// bleveDoc is the document shape stored in the index.
type bleveDoc struct {
	Text       string `json:"text"`
	SourcePath string `json:"source_path"`
}

// Index wraps a bleve index for BM25-scored keyword retrieval.
type Index struct {
	mu  sync.RWMutex
	idx bleve.Index
}

// Open opens the index at path, creating it (and any parent directories)
// if it does not yet exist. An empty path opens an in-memory index, used
// in tests.
func Open(path string) (*Index, error) {
	m, err := buildMapping()
	if err != nil {
		return nil, fmt.Errorf("keyword index mapping: %w", err)
	}

	if path == "" {
		idx, err := bleve.NewMemOnly(m)
		if err != nil {
			return nil, err
		}
		return &Index{idx: idx}, nil
	}

	if _, err := os.Stat(path); err == nil {
		idx, openErr := bleve.Open(path)
		if openErr == nil {
			return &Index{idx: idx}, nil
		}
		// corrupted or unreadable: rebuild from scratch
		_ = os.RemoveAll(path)
	}
	idx, err := bleve.New(path, m)
	if err != nil {
		return nil, err
	}
	return &Index{idx: idx}, nil
}

func buildMapping() (*mapping.IndexMappingImpl, error) {
	doc := bleve.NewDocumentMapping()
	text := bleve.NewTextFieldMapping()
	text.Analyzer = "en"
	doc.AddFieldMappingsAt("text", text)
	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m, nil
}

// Upsert indexes or re-indexes one chunk.
func (idx *Index) Upsert(ctx context.Context, chunk types.Chunk) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.idx.Index(chunk.ID, bleveDoc{Text: chunk.Text, SourcePath: chunk.SourcePath})
}

// Remove deletes a chunk from the index.
func (idx *Index) Remove(ctx context.Context, chunkID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.idx.Delete(chunkID)
}

// Search returns up to k BM25-scored hits for the query text.
func (idx *Index) Search(ctx context.Context, query string, k int) ([]types.Scored, error) {
	if idx == nil || idx.idx == nil {
		return nil, ragerr.New(ragerr.IndexUnavailable, "keyword index not configured")
	}
	if k <= 0 {
		k = 10
	}
	q := bleve.NewMatchQuery(query)
	q.SetField("text")
	req :=bleve.NewSearchRequestOptions(q, k, 0, false)
	req.Fields = []string{"text", "source_path"}

	idx.mu.RLock()
	result, err := idx.idx.SearchInContext(ctx, req)
	idx.mu.RUnlock()
	if err != nil {
		return nil, ragerr.Wrap(ragerr.IndexUnavailable, "keyword search failed", err)
	}

	out := make([]types.Scored, 0, len(result.Hits))
	for _, hit := range result.Hits {
		sourcePath, _ := hit.Fields["source_path"].(string)
		text, _ := hit.Fields["text"].(string)
		out = append(out, types.Scored{
			Chunk: types.Chunk{ID: hit.ID, SourcePath: sourcePath, Text: text},
			Score: hit.Score,
		})
	}
	return out, nil
}

// Close releases the underlying index handle.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.idx.Close()
}
