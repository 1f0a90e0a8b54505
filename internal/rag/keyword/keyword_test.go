package keyword

import (
	"context"
	"path/filepath"
	"testing"

	"smartrag/internal/rag/types"
)

func TestUpsertSearch_ReturnsMatchingChunkByKeyword(t *testing.T) {
	idx, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	chunks := []types.Chunk{
		{ID: "c1", SourcePath: "a.md", Text: "the quarterly revenue grew sharply"},
		{ID: "c2", SourcePath: "b.md", Text: "unrelated discussion about weather patterns"},
	}
	for _, c := range chunks {
		if err := idx.Upsert(ctx, c); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	hits, err := idx.Search(ctx, "quarterly revenue", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatalf("expected at least one hit")
	}
	if hits[0].Chunk.ID != "c1" {
		t.Fatalf("expected top hit c1, got %s", hits[0].Chunk.ID)
	}
}

func TestRemove_ExcludesChunkFromSubsequentSearch(t *testing.T) {
	idx, err := Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	c := types.Chunk{ID: "c1", SourcePath: "a.md", Text: "elephants roam the savanna"}
	if err := idx.Upsert(ctx, c); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Remove(ctx, "c1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	hits, err := idx.Search(ctx, "elephants", 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits after removal, got %d", len(hits))
	}
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bm25")

	idx, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	if err := idx.Upsert(ctx, types.Chunk{ID: "c1", SourcePath: "a.md", Text: "persisted content here"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	hits, err := reopened.Search(ctx, "persisted content", 10)
	if err != nil {
		t.Fatalf("Search after reopen: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit after reopen, got %d", len(hits))
	}
}
