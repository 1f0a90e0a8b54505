// Package table implements the TableExtractor strategy: retrieve top-k
// chunks for a comparison/list/aggregation question, ask the model to
// synthesize a structured table via tool-call output, and fall back to
// signaling STRATEGY_FAILED (so the Router retries with Hybrid once) when
// the model declines to emit one.
package table

import (
	"context"
	"time"

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

// Extractor implements the Table strategy.
type Extractor struct {
	retriever Retriever
	gen       *llmgen.Generator
}

// New constructs an Extractor.
func New(retriever Retriever, gen *llmgen.Generator) *Extractor {
	return &Extractor{retriever: retriever, gen: gen}
}

// Result is the outcome of a table-extraction pass.
type Result struct {
	Table      *types.Table
	Text       string
	Confidence float64
	Citations  []types.Scored
	Usage      types.TokenUsage
	CostUSD    float64
	Timings    map[string]int64
}

// Run retrieves chunks and asks the model to synthesize a table. It
// returns a STRATEGY_FAILED error when the model declines, so the Router's
// existing one-shot Hybrid-fallback rule picks it up per spec.md section 4.8.
func (e *Extractor) Run(ctx context.Context, q types.Question, bus *progress.Bus) (Result, error) {
	timings := map[string]int64{}
	start := time.Now()

	bus.Emit("retrieving context for table synthesis", nil)
	t0 := time.Now()
	retrieval, err := e.retriever.Retrieve(ctx, q, q.Scope)
	retrievalMS := time.Since(t0).Milliseconds()
	timings["retrieval_ms"] = retrievalMS
	if err != nil {
		return Result{}, err
	}
	bus.EmitRetrieval(len(retrieval.Items), retrievalMS, types.BuildCitations(retrieval.Items))

	bus.Emit("synthesizing table", nil)
	t0 = time.Now()
	tbl, gen, err := e.gen.ExtractTable(ctx, q.Text, retrieval.Items)
	timings["table_synthesis_ms"] = time.Since(t0).Milliseconds()
	if err != nil {
		return Result{}, err
	}
	if tbl == nil {
		return Result{}, ragerr.New(ragerr.StrategyFailed, "table extractor: model emitted no table")
	}

	timings["total_ms"] = time.Since(start).Milliseconds()
	return Result{
		Table:      tbl,
		Text:       gen.Text,
		Confidence: gen.Confidence,
		Citations:  retrieval.Items,
		Usage:      gen.Usage,
		CostUSD:    gen.CostUSD,
		Timings:    timings,
	}, nil
}
