// Package graphrag implements the just-in-time EntityGraph strategy:
// extract entity mentions from the question, determine which are missing
// from the graph, retrieve and batch chunks for each missing entity,
// extract nodes/edges from those chunks with bounded-parallel LLM calls,
// traverse a bounded-hop subgraph from the query entities, and concatenate
// that subgraph context with a direct vector retrieval of the question
// before generation.
//
// The in-process adjacency map is guarded by a mutex; traverseLocked returns an
// owned snapshot so callers never hold the lock during an LLM call, per
// the teacher's copy-on-read style in internal/persistence/databases.
// Nodes and edges are mirrored into a databases.GraphDB so the graph
// survives process restarts, exercising the teacher's graph backend
// (memory or Postgres) which otherwise has no caller left once the
// ingestion-shaped service.Retrieve path is retired.
package graphrag

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"smartrag/internal/config"
	"smartrag/internal/persistence/databases"
	"smartrag/internal/rag/llmgen"
	"smartrag/internal/rag/progress"
	"smartrag/internal/rag/ragerr"
	"smartrag/internal/rag/types"
)

// Retriever retrieves chunks for a question, as implemented by the Hybrid
// retriever.
type Retriever interface {
	Retrieve(ctx context.Context, q types.Question, scope types.Scope) (types.RetrievalResult, error)
}

// Graph is the in-process, mutex-guarded entity-relation graph plus the
// JIT builder that grows it on demand.
type Graph struct {
	mu    sync.RWMutex
	nodes map[string]*types.GraphNode
	// edges keyed by (src, rel, dst) per the dedup invariant.
	edges map[[3]string]*types.GraphEdge
	adj   map[string][]string // src -> list of (rel,dst) encoded as "rel\x00dst"

	cfg       config.GraphJITConfig
	retriever Retriever
	gen       *llmgen.Generator
	backend   databases.GraphDB
}

// New constructs an empty Graph.
func New(cfg config.GraphJITConfig, retriever Retriever, gen *llmgen.Generator, backend databases.GraphDB) *Graph {
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4
	}
	if cfg.TimeoutMS <= 0 {
		cfg.TimeoutMS = 30000
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = 2
	}
	return &Graph{
		nodes:     make(map[string]*types.GraphNode),
		edges:     make(map[[3]string]*types.GraphEdge),
		adj:       make(map[string][]string),
		cfg:       cfg,
		retriever: retriever,
		gen:       gen,
		backend:   backend,
	}
}

// HasNode reports whether name (already canonicalized) is a known node.
func (g *Graph) HasNode(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[name]
	return ok
}

// mergeLocked merges extracted nodes/edges under the edge-dedup invariant.
// Caller must hold g.mu for writing.
func (g *Graph) mergeLocked(ctx context.Context, extracted llmgen.ExtractedGraph) {
	for _, n := range extracted.Nodes {
		if existing, ok := g.nodes[n.Name]; ok {
			existing.Mentions++
			continue
		}
		cp := n
		g.nodes[n.Name] = &cp
		if g.backend != nil {
			_ = g.backend.UpsertNode(ctx, n.Name, []string{n.Type}, map[string]any{"mentions": cp.Mentions})
		}
	}
	for _, e := range extracted.Edges {
		key := [3]string{e.Src, e.Rel, e.Dst}
		if _, ok := g.edges[key]; ok {
			continue
		}
		cp := e
		g.edges[key] = &cp
		g.adj[e.Src] = append(g.adj[e.Src], e.Rel+"\x00"+e.Dst)
		if g.backend != nil {
			_ = g.backend.UpsertEdge(ctx, e.Src, e.Rel, e.Dst, map[string]any{"weight": e.Weight})
		}
	}
}

// Subgraph is an owned snapshot of nodes/edges reachable within H hops.
type Subgraph struct {
	Nodes []types.GraphNode
	Edges []types.GraphEdge
}

// Context renders the subgraph as a compact textual block for inclusion in
// the generation prompt.
func (s Subgraph) Context() string {
	if len(s.Edges) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Known relationships:\n")
	for _, e := range s.Edges {
		b.WriteString("- ")
		b.WriteString(e.Src)
		b.WriteString(" ")
		b.WriteString(e.Rel)
		b.WriteString(" ")
		b.WriteString(e.Dst)
		b.WriteString("\n")
	}
	return b.String()
}

// traverseLocked does a bounded-hop BFS from seeds and returns an owned
// snapshot. Caller must hold g.mu for reading.
func (g *Graph) traverseLocked(seeds []string, hops int) Subgraph {
	visited := map[string]bool{}
	frontier := append([]string{}, seeds...)
	for _, s := range seeds {
		visited[s] = true
	}
	var out Subgraph
	seenEdge := map[[3]string]bool{}
	for hop := 0; hop < hops && len(frontier) > 0; hop++ {
		var next []string
		for _, src := range frontier {
			for _, enc := range g.adj[src] {
				parts := strings.SplitN(enc, "\x00", 2)
				if len(parts) != 2 {
					continue
				}
				rel, dst := parts[0], parts[1]
				key := [3]string{src, rel, dst}
				if !seenEdge[key] {
					seenEdge[key] = true
					out.Edges = append(out.Edges, types.GraphEdge{Src: src, Rel: rel, Dst: dst})
				}
				if !visited[dst] {
					visited[dst] = true
					next = append(next, dst)
				}
			}
		}
		frontier = next
	}
	for name := range visited {
		if n, ok := g.nodes[name]; ok {
			out.Nodes = append(out.Nodes, *n)
		}
	}
	sort.Slice(out.Nodes, func(i, j int) bool { return out.Nodes[i].Name < out.Nodes[j].Name })
	return out
}

// Result is the combined output of one JIT graph-answer pass.
type Result struct {
	Context  string
	Chunks   []types.Scored
	Timings  map[string]int64
	Iterations int
}

// Answer runs the full JIT pipeline described in spec.md section 4.7:
// extract question entities, fill in missing ones from retrieved chunks
// via bounded-parallel LLM extraction, traverse a subgraph from the query
// entities, and concatenate it with a direct vector retrieval of the
// question.
func (g *Graph) Answer(ctx context.Context, q types.Question, bus *progress.Bus) (Result, error) {
	timings := map[string]int64{}
	start := time.Now()

	deadline := time.Now().Add(time.Duration(g.cfg.TimeoutMS) * time.Millisecond)
	jitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	bus.Emit("extracting entities from question", nil)
	t0 := time.Now()
	entityNames, err := g.gen.ExtractEntityNames(ctx, q.Text)
	timings["entity_extraction_ms"] = time.Since(t0).Milliseconds()
	if err != nil {
		return Result{}, ragerr.Wrap(ragerr.StrategyFailed, "entity extraction failed", err)
	}

	var missing []string
	g.mu.RLock()
	for _, e := range entityNames {
		if _, ok := g.nodes[e]; !ok {
			missing = append(missing, e)
		}
	}
	g.mu.RUnlock()

	t0 = time.Now()
	g.buildMissing(jitCtx, missing, bus)
	timings["jit_build_ms"] = time.Since(t0).Milliseconds()

	t0 = time.Now()
	g.mu.RLock()
	sub := g.traverseLocked(entityNames, g.cfg.MaxHops)
	g.mu.RUnlock()
	timings["graph_query_ms"] = time.Since(t0).Milliseconds()

	bus.Emit("retrieving passages for the original question", nil)
	t0 = time.Now()
	directResult, err := g.retriever.Retrieve(ctx, q, q.Scope)
	timings["direct_retrieval_ms"] = time.Since(t0).Milliseconds()
	if err != nil {
		return Result{}, err
	}

	subCtx := sub.Context()
	timings["total_ms"] = time.Since(start).Milliseconds()
	return Result{
		Context: subCtx,
		Chunks:  directResult.Items,
		Timings: timings,
	}, nil
}

// buildMissing retrieves chunks for each missing entity, batches them into
// groups of BatchSize, and issues up to Parallelism concurrent LLM
// extraction calls, merging results into the graph as they complete.
// Progress batch i/N is emitted for each batch whose extraction succeeds
// and is merged; a failed or skipped batch emits nothing. On jitCtx
// deadline exceedance, whatever nodes/edges already merged are kept
// (monotonic growth).
func (g *Graph) buildMissing(jitCtx context.Context, missing []string, bus *progress.Bus) {
	type batch struct {
		entity   string
		passages []string
	}
	var batches []batch
	for _, entity := range missing {
		res, err := g.retriever.Retrieve(jitCtx, types.Question{Text: entity, TopK: g.cfg.MaxChunks}, types.ScopeAll)
		if err != nil {
			continue
		}
		texts := make([]string, 0, len(res.Items))
		for _, it := range res.Items {
			texts = append(texts, it.Chunk.Text)
		}
		for i := 0; i < len(texts); i += g.cfg.BatchSize {
			end := i + g.cfg.BatchSize
			if end > len(texts) {
				end = len(texts)
			}
			batches = append(batches, batch{entity: entity, passages: texts[i:end]})
		}
	}
	if len(batches) == 0 {
		return
	}

	sem := make(chan struct{}, g.cfg.Parallelism)
	grp, gctx := errgroup.WithContext(jitCtx)
	total := len(batches)
	for i, b := range batches {
		i, b := i, b
		grp.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-jitCtx.Done():
				return nil
			}
			defer func() { <-sem }()

			if gctx.Err() != nil {
				return nil
			}
			extracted, err := g.gen.ExtractRelations(gctx, b.entity, b.passages)
			if err != nil {
				return nil // best-effort: a failed batch doesn't fail the whole build
			}
			g.mu.Lock()
			g.mergeLocked(jitCtx, extracted)
			g.mu.Unlock()
			bus.Emit("jit graph batch processed", map[string]any{"batch_index": i + 1, "batch_total": total})
			return nil
		})
	}
	_ = grp.Wait()
}
