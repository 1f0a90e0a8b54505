package graphrag

import (
	"context"
	"encoding/json"
	"testing"

	"smartrag/internal/config"
	"smartrag/internal/llm"
	"smartrag/internal/rag/llmgen"
	"smartrag/internal/rag/progress"
	"smartrag/internal/rag/types"
)

// fakeRetriever returns entity-seeded relation passages for any entity-named
// query and an empty result for the direct question retrieval, keeping the
// test focused on graph building and traversal rather than retrieval fusion.
type fakeRetriever struct{}

func (fakeRetriever) Retrieve(ctx context.Context, q types.Question, scope types.Scope) (types.RetrievalResult, error) {
	if q.Text == "alice" {
		return types.RetrievalResult{Items: []types.Scored{
			{Chunk: types.Chunk{ID: "c1", SourcePath: "a.txt", Text: "Alice works at Acme."}, Score: 0.9},
		}}, nil
	}
	return types.RetrievalResult{}, nil
}

type fakeProvider struct{}

func (fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string) (llm.Message, error) {
	for _, tool := range tools {
		switch tool.Name {
		case "extract_entities":
			args, _ := json.Marshal(map[string]any{
				"entities": []map[string]string{{"name": "alice"}},
			})
			return llm.Message{ToolCalls: []llm.ToolCall{{Name: "extract_entities", Args: args}}}, nil
		case "extract_relations":
			args, _ := json.Marshal(map[string]any{
				"nodes": []map[string]string{{"name": "alice", "type": "person"}, {"name": "acme", "type": "org"}},
				"edges": []map[string]any{{"source": "alice", "relation": "works_at", "target": "acme", "weight": 1.0}},
			})
			return llm.Message{ToolCalls: []llm.ToolCall{{Name: "extract_relations", Args: args}}}, nil
		}
	}
	return llm.Message{}, nil
}

func (fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, h llm.StreamHandler) error {
	return nil
}

func TestAnswerBuildsGraphAndTraversesFromQueryEntities(t *testing.T) {
	gen := llmgen.New(fakeProvider{}, "test-model")
	g := New(config.GraphJITConfig{MaxChunks: 4, BatchSize: 4, TimeoutMS: 5000, Parallelism: 2, MaxHops: 2}, fakeRetriever{}, gen, nil)

	if g.HasNode("alice") {
		t.Fatalf("graph should start empty")
	}

	res, err := g.Answer(context.Background(), types.Question{Text: "where does alice work?", Scope: types.ScopeAll}, progress.New())
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if !g.HasNode("alice") || !g.HasNode("acme") {
		t.Fatalf("expected alice and acme to be merged into the graph")
	}
	if res.Context == "" {
		t.Fatalf("expected non-empty subgraph context after traversal from the query entity")
	}
}

func TestMergeLockedDedupsEdgesAndIncrementsMentions(t *testing.T) {
	gen := llmgen.New(fakeProvider{}, "test-model")
	g := New(config.GraphJITConfig{}, fakeRetriever{}, gen, nil)

	extracted := llmgen.ExtractedGraph{
		Nodes: []types.GraphNode{{Name: "alice", Type: "person", Mentions: 1}},
		Edges: []types.GraphEdge{{Src: "alice", Rel: "works_at", Dst: "acme", Weight: 1}},
	}

	g.mu.Lock()
	g.mergeLocked(context.Background(), extracted)
	g.mergeLocked(context.Background(), extracted)
	g.mu.Unlock()

	if g.nodes["alice"].Mentions != 2 {
		t.Fatalf("expected a second merge of the same node to increment Mentions to 2, got %d", g.nodes["alice"].Mentions)
	}
	if len(g.edges) != 1 {
		t.Fatalf("expected the (src,rel,dst) dedup invariant to keep a single edge, got %d", len(g.edges))
	}
}
