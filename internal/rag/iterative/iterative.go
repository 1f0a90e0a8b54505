// Package iterative implements the Self-RAG IterativeRefiner: generate,
// self-assess, critique-and-refine the query, re-retrieve, and stop on a
// confidence threshold, a marginal-improvement floor, an iteration cap, or
// the request deadline — returning the best answer seen by confidence.
package iterative

import (
	"context"
	"strconv"
	"time"

	"smartrag/internal/config"
	"smartrag/internal/rag/llmgen"
	"smartrag/internal/rag/progress"
	"smartrag/internal/rag/types"
)

// Retriever retrieves chunks for a question, as implemented by the Hybrid
// retriever.
type Retriever interface {
	Retrieve(ctx context.Context, q types.Question, scope types.Scope) (types.RetrievalResult, error)
}

// Refiner runs the Self-RAG loop.
type Refiner struct {
	cfg       config.SelfRAGConfig
	retriever Retriever
	gen       *llmgen.Generator
}

// New constructs a Refiner.
func New(cfg config.SelfRAGConfig, retriever Retriever, gen *llmgen.Generator) *Refiner {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 3
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.75
	}
	if cfg.MinImprovement <= 0 {
		cfg.MinImprovement = 0.05
	}
	return &Refiner{cfg: cfg, retriever: retriever, gen: gen}
}

// Result is the best answer produced across the refinement loop.
type Result struct {
	Text       string
	Confidence float64
	Citations  []types.Scored
	Usage      types.TokenUsage
	CostUSD    float64
	Iterations int
	Truncated  bool
	Timings    map[string]int64
}

// Run executes the refinement loop, honoring ctx's deadline. If the
// deadline is exceeded mid-loop, the best answer seen so far is returned
// with Truncated=true rather than an error.
func (r *Refiner) Run(ctx context.Context, q types.Question, bus *progress.Bus) (Result, error) {
	timings := map[string]int64{}
	start := time.Now()

	bus.Emit("initial retrieval", nil)
	t0 := time.Now()
	retrieval, err := r.retriever.Retrieve(ctx, q, q.Scope)
	retrievalMS := time.Since(t0).Milliseconds()
	timings["retrieval_ms_0"] = retrievalMS
	if err != nil {
		return Result{}, err
	}
	bus.EmitRetrieval(len(retrieval.Items), retrievalMS, types.BuildCitations(retrieval.Items))

	bus.Emit("initial generation", nil)
	t0 = time.Now()
	gen, err := r.gen.GroundedAnswer(ctx, q.Text, retrieval.Items)
	timings["generation_ms_0"] = time.Since(t0).Milliseconds()
	if err != nil {
		return Result{}, err
	}

	best := Result{
		Text:       gen.Text,
		Confidence: gen.Confidence,
		Citations:  retrieval.Items,
		Usage:      gen.Usage,
		CostUSD:    gen.CostUSD,
		Iterations: 1,
	}

	if !r.cfg.Enabled {
		// Refinement switched off: the arm degenerates to a single
		// retrieve-and-generate pass.
		timings["total_ms"] = time.Since(start).Milliseconds()
		best.Timings = timings
		return best, nil
	}

	currentQuestion := q
	for iter := 1; iter < r.cfg.MaxIterations; iter++ {
		if deadlineExceeded(ctx) {
			best.Truncated = true
			break
		}
		if best.Confidence >= r.cfg.ConfidenceThreshold {
			break
		}

		bus.Emit("critiquing answer and refining query", map[string]any{"iteration": iter})
		refinedQuery, err := r.gen.Critique(ctx, q.Text, best.Text)
		if err != nil {
			break
		}
		currentQuestion = types.Question{Text: refinedQuery, TopK: q.TopK, Scope: q.Scope}

		if deadlineExceeded(ctx) {
			best.Truncated = true
			break
		}

		t0 = time.Now()
		retrieval, err = r.retriever.Retrieve(ctx, currentQuestion, currentQuestion.Scope)
		timings["retrieval_ms_"+strconv.Itoa(iter)] = time.Since(t0).Milliseconds()
		if err != nil {
			break
		}

		t0 = time.Now()
		gen, err = r.gen.GroundedAnswer(ctx, q.Text, retrieval.Items)
		timings["generation_ms_"+strconv.Itoa(iter)] = time.Since(t0).Milliseconds()
		if err != nil {
			break
		}

		improvement := gen.Confidence - best.Confidence
		candidate := Result{
			Text:       gen.Text,
			Confidence: gen.Confidence,
			Citations:  retrieval.Items,
			Usage:      sumUsage(best.Usage, gen.Usage),
			CostUSD:    best.CostUSD + gen.CostUSD,
			Iterations: iter + 1,
		}
		if gen.Confidence > best.Confidence {
			best = candidate
		} else {
			best.Usage = candidate.Usage
			best.CostUSD = candidate.CostUSD
			best.Iterations = candidate.Iterations
		}
		if improvement < r.cfg.MinImprovement {
			break
		}
	}

	timings["total_ms"] = time.Since(start).Milliseconds()
	best.Timings = timings
	return best, nil
}

func deadlineExceeded(ctx context.Context) bool {
	dl, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return time.Now().After(dl)
}

func sumUsage(a, b types.TokenUsage) types.TokenUsage {
	return types.TokenUsage{
		PromptTokens:     a.PromptTokens + b.PromptTokens,
		CompletionTokens: a.CompletionTokens + b.CompletionTokens,
		TotalTokens:      a.TotalTokens + b.TotalTokens,
	}
}
