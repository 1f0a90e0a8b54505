// Package vectorindex adapts a databases.VectorStore into the ANN search
// contract the retrieval strategies expect: search by vector, top k,
// filtered by a scope tag (system/user/all).
package vectorindex

import (
	"context"

	"smartrag/internal/persistence/databases"
	"smartrag/internal/rag/ragerr"
	"smartrag/internal/rag/types"
)

// Index wraps a databases.VectorStore with scope filtering.
type Index struct {
	store databases.VectorStore
}

// New constructs an Index over the given backend.
func New(store databases.VectorStore) *Index {
	return &Index{store: store}
}

// Upsert stores a chunk's vector with its scope tag in the payload.
func (idx *Index) Upsert(ctx context.Context, chunk types.Chunk, scope types.Scope) error {
	md := make(map[string]string, len(chunk.Payload)+3)
	for k, v := range chunk.Payload {
		md[k] = v
	}
	md["source_path"] = chunk.SourcePath
	md["scope"] = string(scope)
	md["text"] = chunk.Text
	return idx.store.Upsert(ctx, chunk.ID, chunk.Vector, md)
}

// Search returns up to k hits scored by cosine similarity, filtered to the
// requested scope ("all" disables the filter).
func (idx *Index) Search(ctx context.Context, vector []float32, k int, scope types.Scope) ([]types.Scored, error) {
	if idx.store == nil {
		return nil, ragerr.New(ragerr.IndexUnavailable, "vector index not configured")
	}
	var filter map[string]string
	if scope != "" && scope != types.ScopeAll {
		filter = map[string]string{"scope": string(scope)}
	}
	results, err := idx.store.SimilaritySearch(ctx, vector, k, filter)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.IndexUnavailable, "vector search failed", err)
	}
	out := make([]types.Scored, 0, len(results))
	for _, r := range results {
		out = append(out, types.Scored{
			Chunk: types.Chunk{
				ID:         r.ID,
				SourcePath: r.Metadata["source_path"],
				Text:       r.Metadata["text"],
				Payload:    r.Metadata,
			},
			Score: r.Score,
		})
	}
	return out, nil
}
