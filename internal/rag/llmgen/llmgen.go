// Package llmgen wraps an llm.Provider with the grounded-answer generation
// contract the retrieval strategies share: a numbered-context prompt that
// instructs the model to cite by number, a confidence score derived from
// the model's own self-report or a chunk-agreement heuristic, and the
// structured-output tool calls used by the entity graph and table
// extractor. Kept as a thin, strategy-agnostic layer so Hybrid, Self-RAG,
// Graph, and Table all share one prompt-building and usage-accounting
// path, per the teacher's single-Provider-interface style in
// internal/llm/provider.go.
package llmgen

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"smartrag/internal/llm"
	"smartrag/internal/rag/ragerr"
	"smartrag/internal/rag/types"
)

// Generator produces grounded answers and structured extractions through
// an llm.Provider.
type Generator struct {
	provider llm.Provider
	model    string

	// CostPerInputToken and CostPerOutputToken are USD-per-token estimates
	// used only to populate Answer.CostUSD; they are deployment defaults,
	// not billing-accurate figures.
	CostPerInputToken  float64
	CostPerOutputToken float64
}

// New constructs a Generator bound to the given model name.
func New(provider llm.Provider, model string) *Generator {
	return &Generator{
		provider:           provider,
		model:              model,
		CostPerInputToken:  0.0000005,
		CostPerOutputToken: 0.0000015,
	}
}

// chat calls the provider with exponential backoff plus jitter, retrying
// transient failures (rate limits, transport errors) up to three attempts
// before surfacing UPSTREAM_UNAVAILABLE.
func (g *Generator) chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema) (llm.Message, error) {
	const maxAttempts = 3
	var lastErr error
	backoff := 250 * time.Millisecond
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := g.provider.Chat(ctx, msgs, tools, g.model)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if attempt == maxAttempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		select {
		case <-ctx.Done():
			return llm.Message{}, ragerr.Wrap(ragerr.UpstreamUnavailable, "llm request canceled", ctx.Err())
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
	}
	return llm.Message{}, ragerr.Wrap(ragerr.UpstreamUnavailable, "llm provider unavailable after retries", lastErr)
}

// Generated is the result of one grounded generation call.
type Generated struct {
	Text       string
	Confidence float64
	Usage      types.TokenUsage
	CostUSD    float64
}

const groundedSystemPrompt = `You are a retrieval-augmented question-answering assistant. Answer only from the numbered context windows provided. Cite sources inline using bracketed numbers like [1] or [2]. If the context does not contain the answer, say so plainly instead of guessing. After the answer, on its own line, write "Confidence: " followed by a number between 0 and 1 representing how well the context supports your answer.`

// GroundedAnswer builds a numbered-context prompt from chunks, asks the
// model to answer with inline citations, and extracts a confidence score
// either from the model's self-reported "Confidence: x" line or, failing
// that, a heuristic based on agreement between the top chunks' scores.
func (g *Generator) GroundedAnswer(ctx context.Context, question string, chunks []types.Scored) (Generated, error) {
	prompt := buildContextPrompt(question, chunks)
	msgs := []llm.Message{
		{Role: "system", Content: groundedSystemPrompt},
		{Role: "user", Content: prompt},
	}
	resp, err := g.chat(ctx, msgs, nil)
	if err != nil {
		return Generated{}, err
	}
	text, confidence := extractConfidence(resp.Content)
	if confidence < 0 {
		confidence = heuristicConfidence(chunks)
	}
	usage := g.estimateUsage(ctx, msgs, resp.Content)
	return Generated{
		Text:       strings.TrimSpace(text),
		Confidence: confidence,
		Usage:      usage,
		CostUSD:    g.costOf(usage),
	}, nil
}

// Critique asks the model to critique its current answer against the
// question and context, proposing a refined sub-query to retrieve with
// next. Used by the Self-RAG iterative refiner.
func (g *Generator) Critique(ctx context.Context, question, currentAnswer string) (string, error) {
	msgs := []llm.Message{
		{Role: "system", Content: "You critique a draft answer's grounding and propose ONE refined search query that would surface better evidence. Reply with only the refined query, nothing else."},
		{Role: "user", Content: fmt.Sprintf("Original question: %s\n\nDraft answer: %s\n\nRefined query:", question, currentAnswer)},
	}
	resp, err := g.chat(ctx, msgs, nil)
	if err != nil {
		return "", err
	}
	q := strings.TrimSpace(resp.Content)
	if q == "" {
		q = question
	}
	return q, nil
}

var entityExtractionSchema = llm.ToolSchema{
	Name:        "extract_entities",
	Description: "Extract the named entities mentioned in the text.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"entities": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
						"type": map[string]any{"type": "string"},
					},
					"required": []string{"name"},
				},
			},
		},
		"required": []string{"entities"},
	},
}

// ExtractEntityNames asks the model to extract entity mentions from text
// via structured output, returning canonicalized (lower-cased) names.
func (g *Generator) ExtractEntityNames(ctx context.Context, text string) ([]string, error) {
	msgs := []llm.Message{
		{Role: "system", Content: "Extract named entities (people, places, organizations, works) mentioned in the user's text."},
		{Role: "user", Content: text},
	}
	resp, err := g.chat(ctx, msgs, []llm.ToolSchema{entityExtractionSchema})
	if err != nil {
		return nil, err
	}
	var names []string
	for _, tc := range resp.ToolCalls {
		if tc.Name != "extract_entities" {
			continue
		}
		var parsed struct {
			Entities []struct {
				Name string `json:"name"`
			} `json:"entities"`
		}
		if err := json.Unmarshal(tc.Args, &parsed); err != nil {
			continue
		}
		for _, e := range parsed.Entities {
			if n := strings.ToLower(strings.TrimSpace(e.Name)); n != "" {
				names = append(names, n)
			}
		}
	}
	return names, nil
}

var relationExtractionSchema = llm.ToolSchema{
	Name:        "extract_relations",
	Description: "Extract entity nodes and the relations between them from the passages.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"nodes": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"name": map[string]any{"type": "string"},
						"type": map[string]any{"type": "string"},
					},
					"required": []string{"name"},
				},
			},
			"edges": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"source":   map[string]any{"type": "string"},
						"relation": map[string]any{"type": "string"},
						"target":   map[string]any{"type": "string"},
						"weight":   map[string]any{"type": "number"},
					},
					"required": []string{"source", "relation", "target"},
				},
			},
		},
		"required": []string{"nodes", "edges"},
	},
}

// ExtractedGraph is the structured result of one relation-extraction call.
type ExtractedGraph struct {
	Nodes []types.GraphNode
	Edges []types.GraphEdge
}

// ExtractRelations asks the model to extract entities and relations from a
// batch of passages, for merging into the JIT entity graph.
func (g *Generator) ExtractRelations(ctx context.Context, entity string, passages []string) (ExtractedGraph, error) {
	body := strings.Join(passages, "\n---\n")
	msgs := []llm.Message{
		{Role: "system", Content: "Extract entities and the relations between them from the passages. Focus especially on relations involving \"" + entity + "\". Relation labels should be short verb phrases (e.g. married_to, works_at, located_in)."},
		{Role: "user", Content: body},
	}
	resp, err := g.chat(ctx, msgs, []llm.ToolSchema{relationExtractionSchema})
	if err != nil {
		return ExtractedGraph{}, err
	}
	var out ExtractedGraph
	for _, tc := range resp.ToolCalls {
		if tc.Name != "extract_relations" {
			continue
		}
		var parsed struct {
			Nodes []struct {
				Name string `json:"name"`
				Type string `json:"type"`
			} `json:"nodes"`
			Edges []struct {
				Source   string  `json:"source"`
				Relation string  `json:"relation"`
				Target   string  `json:"target"`
				Weight   float64 `json:"weight"`
			} `json:"edges"`
		}
		if err := json.Unmarshal(tc.Args, &parsed); err != nil {
			continue
		}
		for _, n := range parsed.Nodes {
			name := strings.ToLower(strings.TrimSpace(n.Name))
			if name == "" {
				continue
			}
			out.Nodes = append(out.Nodes, types.GraphNode{Name: name, Type: n.Type, Mentions: 1})
		}
		for _, e := range parsed.Edges {
			src := strings.ToLower(strings.TrimSpace(e.Source))
			dst := strings.ToLower(strings.TrimSpace(e.Target))
			rel := strings.ToLower(strings.TrimSpace(e.Relation))
			if src == "" || dst == "" || rel == "" {
				continue
			}
			weight := e.Weight
			if weight == 0 {
				weight = 1
			}
			out.Edges = append(out.Edges, types.GraphEdge{Src: src, Rel: rel, Dst: dst, Weight: weight})
		}
	}
	return out, nil
}

var tableExtractionSchema = llm.ToolSchema{
	Name:        "emit_table",
	Description: "Emit a comparison/list/aggregation table synthesized from the retrieved context, with a short natural-language summary.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"headers": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"rows": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"summary": map[string]any{"type": "string"},
		},
		"required": []string{"headers", "rows", "summary"},
	},
}

// ExtractTable asks the model to synthesize a table from the numbered
// context windows. Returns a nil table and a nil error when the model
// declines to emit one; the Generated still carries the call's usage.
func (g *Generator) ExtractTable(ctx context.Context, question string, chunks []types.Scored) (*types.Table, Generated, error) {
	prompt := buildContextPrompt(question, chunks)
	msgs := []llm.Message{
		{Role: "system", Content: "The user's question asks for a comparison, list, or aggregation. Synthesize a table from the numbered context windows by calling emit_table. If the context truly contains nothing tabular, do not call the tool."},
		{Role: "user", Content: prompt},
	}
	resp, err := g.chat(ctx, msgs, []llm.ToolSchema{tableExtractionSchema})
	if err != nil {
		return nil, Generated{}, err
	}
	usage := g.estimateUsage(ctx, msgs, resp.Content)
	gen := Generated{Usage: usage, CostUSD: g.costOf(usage)}
	for _, tc := range resp.ToolCalls {
		if tc.Name != "emit_table" {
			continue
		}
		var parsed struct {
			Headers []string   `json:"headers"`
			Rows    [][]string `json:"rows"`
			Summary string     `json:"summary"`
		}
		if err := json.Unmarshal(tc.Args, &parsed); err != nil {
			continue
		}
		if len(parsed.Headers) == 0 || len(parsed.Rows) == 0 {
			continue
		}
		gen.Text = parsed.Summary
		gen.Confidence = heuristicConfidence(chunks)
		return &types.Table{Headers: parsed.Headers, Rows: parsed.Rows, Summary: parsed.Summary}, gen, nil
	}
	return nil, gen, nil
}

func buildContextPrompt(question string, chunks []types.Scored) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nContext windows:\n")
	for i, c := range chunks {
		b.WriteString("[")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString("] (source: ")
		b.WriteString(c.Chunk.SourcePath)
		b.WriteString(")\n")
		b.WriteString(c.Chunk.Text)
		b.WriteString("\n\n")
	}
	return b.String()
}

// extractConfidence pulls a trailing "Confidence: x" line off the model's
// reply. Returns confidence -1 when no such line is present, signaling the
// caller to fall back to the chunk-agreement heuristic.
func extractConfidence(text string) (string, float64) {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "confidence:") {
			raw := strings.TrimSpace(trimmed[len("confidence:"):])
			raw = strings.TrimSuffix(raw, "%")
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				if v > 1 {
					v = v / 100
				}
				v = clamp01(v)
				rest := strings.Join(append(append([]string{}, lines[:i]...), lines[i+1:]...), "\n")
				return rest, v
			}
			return strings.Join(lines[:i], "\n"), -1
		}
	}
	return text, -1
}

// heuristicConfidence estimates confidence from the agreement (closeness)
// between the top two chunks' scores when no self-reported score is
// available: high agreement (small gap) and a high top score both raise
// confidence.
func heuristicConfidence(chunks []types.Scored) float64 {
	if len(chunks) == 0 {
		return 0.3
	}
	top := chunks[0].Score
	conf := clamp01(top)
	if len(chunks) > 1 {
		gap := math.Abs(chunks[0].Score - chunks[1].Score)
		agreement := clamp01(1 - gap)
		conf = clamp01(0.6*conf + 0.4*agreement)
	}
	return conf
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (g *Generator) estimateUsage(ctx context.Context, msgs []llm.Message, completion string) types.TokenUsage {
	prompt := 0
	if tp, ok := g.provider.(llm.TokenizableProvider); ok {
		if n, err := tp.Tokenizer().CountMessagesTokens(ctx, msgs); err == nil {
			prompt = n
		}
	}
	if prompt == 0 {
		prompt = llm.EstimateTokensForMessages(msgs)
	}
	completionTokens := llm.EstimateTokens(completion)
	return types.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completionTokens,
		TotalTokens:      prompt + completionTokens,
	}
}

func (g *Generator) costOf(u types.TokenUsage) float64 {
	return float64(u.PromptTokens)*g.CostPerInputToken + float64(u.CompletionTokens)*g.CostPerOutputToken
}
