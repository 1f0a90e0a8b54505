package router

import (
	"context"
	"time"

	"smartrag/internal/rag/fallback"
	"smartrag/internal/rag/graphrag"
	"smartrag/internal/rag/hybrid"
	"smartrag/internal/rag/iterative"
	"smartrag/internal/rag/llmgen"
	"smartrag/internal/rag/progress"
	"smartrag/internal/rag/table"
	"smartrag/internal/rag/types"
)

// Strategy is the uniform contract the four retrieval arms implement:
// run(question) -> (answer, progress emitted on bus). Modeled as a tagged
// dispatch table (map[types.ArmName]Strategy) rather than an inheritance
// hierarchy, per the teacher's flat-interface style.
type Strategy interface {
	Run(ctx context.Context, q types.Question, bus *progress.Bus) (types.Answer, error)
}

// hybridStrategy wires HybridRetriever + FileLevelFallback + grounded
// generation into the Strategy contract.
type hybridStrategy struct {
	retriever *hybrid.Retriever
	fallback  *fallback.Fallback
	gen       *llmgen.Generator
}

func (s *hybridStrategy) Run(ctx context.Context, q types.Question, bus *progress.Bus) (types.Answer, error) {
	bus.Emit("retrieving candidates", nil)
	t0 := time.Now()
	result, err := s.retriever.Retrieve(ctx, q, q.Scope)
	if err != nil {
		return types.Answer{}, err
	}
	retrievalMS := time.Since(t0).Milliseconds()
	progress.EmitRetrieval(bus, len(result.Items), retrievalMS, types.BuildCitations(result.Items))

	if s.fallback != nil {
		bus.Emit("checking file-level fallback trigger", nil)
		result = s.fallback.Run(ctx, q, result)
	}

	bus.Emit("generating grounded answer", nil)
	t0 = time.Now()
	gen, err := s.gen.GroundedAnswer(ctx, q.Text, result.Items)
	if err != nil {
		return types.Answer{}, err
	}
	genMS := time.Since(t0).Milliseconds()

	timings := mergeTimings(result.Timings, map[string]int64{
		"retrieval_ms":  retrievalMS,
		"generation_ms": genMS,
	})
	ans := types.Answer{
		Text:       gen.Text,
		Citations:  types.BuildCitations(result.Items),
		Confidence: gen.Confidence,
		Strategy:   string(types.ArmHybrid),
		TokenUsage: gen.Usage,
		CostUSD:    gen.CostUSD,
		Timings:    timings,
	}
	if result.FallbackTriggered {
		ans.FallbackTriggered = true
		if ans.Timings == nil {
			ans.Timings = map[string]int64{}
		}
		ans.Timings["fallback_latency_ms"] = result.FallbackLatencyMS
	}
	return ans, nil
}

// iterativeStrategy wires the Self-RAG refinement loop.
type iterativeStrategy struct {
	refiner *iterative.Refiner
}

func (s *iterativeStrategy) Run(ctx context.Context, q types.Question, bus *progress.Bus) (types.Answer, error) {
	res, err := s.refiner.Run(ctx, q, bus)
	if err != nil {
		return types.Answer{}, err
	}
	timings := res.Timings
	if timings == nil {
		timings = map[string]int64{}
	}
	return types.Answer{
		Text:       res.Text,
		Citations:  types.BuildCitations(res.Citations),
		Confidence: res.Confidence,
		Strategy:   string(types.ArmIterative),
		TokenUsage: res.Usage,
		CostUSD:    res.CostUSD,
		Timings:    timings,
		Truncated:  res.Truncated,
	}, nil
}

// graphStrategy wires the JIT EntityGraph builder into generation, with
// the subgraph context concatenated ahead of the directly retrieved
// chunks as a synthetic numbered context window.
type graphStrategy struct {
	graph *graphrag.Graph
	gen   *llmgen.Generator
}

func (s *graphStrategy) Run(ctx context.Context, q types.Question, bus *progress.Bus) (types.Answer, error) {
	t0 := time.Now()
	res, err := s.graph.Answer(ctx, q, bus)
	if err != nil {
		return types.Answer{}, err
	}
	progress.EmitRetrieval(bus, len(res.Chunks), time.Since(t0).Milliseconds(), types.BuildCitations(res.Chunks))

	chunks := res.Chunks
	if res.Context != "" {
		synthetic := types.Scored{
			Chunk: types.Chunk{ID: "graph-context", SourcePath: "entity-graph", Text: res.Context},
			Score: 1.0,
		}
		chunks = append([]types.Scored{synthetic}, chunks...)
	}

	bus.Emit("generating grounded answer", nil)
	t0 = time.Now()
	gen, err := s.gen.GroundedAnswer(ctx, q.Text, chunks)
	if err != nil {
		return types.Answer{}, err
	}
	timings := mergeTimings(res.Timings, map[string]int64{"generation_ms": time.Since(t0).Milliseconds()})

	return types.Answer{
		Text:       gen.Text,
		Citations:  types.BuildCitations(res.Chunks),
		Confidence: gen.Confidence,
		Strategy:   string(types.ArmGraph),
		TokenUsage: gen.Usage,
		CostUSD:    gen.CostUSD,
		Timings:    timings,
	}, nil
}

// tableStrategy wires the TableExtractor.
type tableStrategy struct {
	extractor *table.Extractor
}

func (s *tableStrategy) Run(ctx context.Context, q types.Question, bus *progress.Bus) (types.Answer, error) {
	res, err := s.extractor.Run(ctx, q, bus)
	if err != nil {
		return types.Answer{}, err
	}
	return types.Answer{
		Text:       res.Text,
		Citations:  types.BuildCitations(res.Citations),
		Confidence: res.Confidence,
		Strategy:   string(types.ArmTable),
		TokenUsage: res.Usage,
		CostUSD:    res.CostUSD,
		Timings:    res.Timings,
		Table:      res.Table,
	}, nil
}

// BuildStrategies assembles the dispatch table New expects, one Strategy
// per bandit arm. fb may be nil to disable the file-level fallback on the
// Hybrid arm.
func BuildStrategies(retriever *hybrid.Retriever, fb *fallback.Fallback, graph *graphrag.Graph, refiner *iterative.Refiner, extractor *table.Extractor, gen *llmgen.Generator) map[types.ArmName]Strategy {
	return map[types.ArmName]Strategy{
		types.ArmHybrid:    &hybridStrategy{retriever: retriever, fallback: fb, gen: gen},
		types.ArmIterative: &iterativeStrategy{refiner: refiner},
		types.ArmGraph:     &graphStrategy{graph: graph, gen: gen},
		types.ArmTable:     &tableStrategy{extractor: extractor},
	}
}

func mergeTimings(sets ...map[string]int64) map[string]int64 {
	out := map[string]int64{}
	for _, s := range sets {
		for k, v := range s {
			out[k] = v
		}
	}
	return out
}
