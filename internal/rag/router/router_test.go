package router

import (
	"context"
	"testing"

	"smartrag/internal/config"
	"smartrag/internal/rag/bandit"
	"smartrag/internal/rag/cache"
	"smartrag/internal/rag/classify"
	"smartrag/internal/rag/progress"
	"smartrag/internal/rag/ragerr"
	"smartrag/internal/rag/registry"
	"smartrag/internal/rag/types"
)

type fakeStrategy struct {
	calls  int
	answer types.Answer
	err    error
}

func (f *fakeStrategy) Run(ctx context.Context, q types.Question, bus *progress.Bus) (types.Answer, error) {
	f.calls++
	return f.answer, f.err
}

func answerWithCitation(text, strategy string) types.Answer {
	return types.Answer{
		Text:       text,
		Confidence: 0.8,
		Strategy:   strategy,
		Citations:  []types.Citation{{SourcePath: "a.txt", Score: 0.9, Rank: 1}},
		TokenUsage: types.TokenUsage{PromptTokens: 120, CompletionTokens: 40, TotalTokens: 160},
		CostUSD:    0.0042,
	}
}

func newTestRouter(t *testing.T, strategies map[types.ArmName]Strategy) *Router {
	t.Helper()
	b := bandit.New(bandit.Config{})
	reg := registry.New(0)
	cl := classify.New(0)
	ac := cache.New(config.AnswerCacheConfig{Enabled: true}, nil)
	t.Cleanup(ac.Close)
	return New(Config{UpdateBanditOnForced: true}, cl, ac, b, reg, strategies)
}

func TestAskForcedArmBypassesClassificationAndUsesNamedStrategy(t *testing.T) {
	table := &fakeStrategy{answer: answerWithCitation("a table answer", "table")}
	hybrid := &fakeStrategy{answer: answerWithCitation("a hybrid answer", "hybrid")}
	r := newTestRouter(t, map[types.ArmName]Strategy{
		types.ArmTable:  table,
		types.ArmHybrid: hybrid,
	})

	resp, err := r.Ask(context.Background(), types.Question{Text: "compare x and y"}, types.ArmTable)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Answer.Strategy != "table" {
		t.Fatalf("expected forced table strategy to run, got %q", resp.Answer.Strategy)
	}
	if table.calls != 1 || hybrid.calls != 0 {
		t.Fatalf("expected only the forced strategy to run, got table=%d hybrid=%d", table.calls, hybrid.calls)
	}
	if resp.QueryID == "" {
		t.Fatalf("expected a non-empty query id")
	}
}

func TestAskFallsBackToHybridOnStrategyFailure(t *testing.T) {
	graph := &fakeStrategy{err: ragerr.New(ragerr.StrategyFailed, "graph extraction failed")}
	hybrid := &fakeStrategy{answer: answerWithCitation("hybrid saved the day", "hybrid")}
	r := newTestRouter(t, map[types.ArmName]Strategy{
		types.ArmGraph:  graph,
		types.ArmHybrid: hybrid,
	})

	resp, err := r.Ask(context.Background(), types.Question{Text: "who is related to whom?"}, types.ArmGraph)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Answer.Strategy != "hybrid" {
		t.Fatalf("expected the answer to be attributed to the hybrid fallback, got %q", resp.Answer.Strategy)
	}
	if graph.calls != 1 || hybrid.calls != 1 {
		t.Fatalf("expected exactly one attempt then one fallback, got graph=%d hybrid=%d", graph.calls, hybrid.calls)
	}
}

func TestAskServesSecondIdenticalQuestionFromCache(t *testing.T) {
	hybrid := &fakeStrategy{answer: answerWithCitation("cached-worthy answer", "hybrid")}
	r := newTestRouter(t, map[types.ArmName]Strategy{types.ArmHybrid: hybrid})

	first, err := r.Ask(context.Background(), types.Question{Text: "what is the plot?"}, types.ArmHybrid)
	if err != nil {
		t.Fatalf("first Ask: %v", err)
	}
	if first.Answer.CacheHit {
		t.Fatalf("expected a cache miss on the first call")
	}
	if first.Answer.TokenUsage.TotalTokens == 0 {
		t.Fatalf("expected the first (generated) answer to report non-zero token usage")
	}

	second, err := r.Ask(context.Background(), types.Question{Text: "what is the plot?"}, "")
	if err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	if !second.Answer.CacheHit {
		t.Fatalf("expected the second identical question to be served from cache")
	}
	if hybrid.calls != 1 {
		t.Fatalf("expected the strategy to run only once, got %d calls", hybrid.calls)
	}
	if second.Answer.TokenUsage.TotalTokens != 0 {
		t.Fatalf("expected zero token usage on a cache hit, got %+v", second.Answer.TokenUsage)
	}
	if second.Answer.CostUSD != 0 {
		t.Fatalf("expected zero cost on a cache hit, got %v", second.Answer.CostUSD)
	}
}

func TestFeedbackUpdatesBanditAfterAsk(t *testing.T) {
	hybrid := &fakeStrategy{answer: answerWithCitation("an answer", "hybrid")}
	r := newTestRouter(t, map[types.ArmName]Strategy{types.ArmHybrid: hybrid})

	resp, err := r.Ask(context.Background(), types.Question{Text: "tell me about the ending"}, types.ArmHybrid)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	result, err := r.Feedback(resp.QueryID, 1.0)
	if err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	if !result.BanditUpdated {
		t.Fatalf("expected the bandit to be updated from feedback")
	}
	if result.StrategyUpdated != types.ArmHybrid {
		t.Fatalf("expected feedback to be attributed to the hybrid arm, got %s", result.StrategyUpdated)
	}
}

func TestFeedbackUnknownQueryIDFails(t *testing.T) {
	r := newTestRouter(t, map[types.ArmName]Strategy{types.ArmHybrid: &fakeStrategy{}})
	_, err := r.Feedback("does-not-exist", 1.0)
	if err == nil {
		t.Fatalf("expected an error for an unknown query id")
	}
	rerr, ok := err.(*ragerr.Error)
	if !ok || rerr.Kind != ragerr.QueryIDNotFound {
		t.Fatalf("expected QueryIDNotFound, got %v", err)
	}
}

func TestAskDisabledBanditRoutesByClassificationAlone(t *testing.T) {
	graph := &fakeStrategy{answer: answerWithCitation("graph answer", "graph")}
	hybrid := &fakeStrategy{answer: answerWithCitation("hybrid answer", "hybrid")}
	b := bandit.New(bandit.Config{})
	reg := registry.New(0)
	cl := classify.New(0)
	ac := cache.New(config.AnswerCacheConfig{}, nil)
	t.Cleanup(ac.Close)
	r := New(Config{DisableBandit: true}, cl, ac, b, reg, map[types.ArmName]Strategy{
		types.ArmGraph:  graph,
		types.ArmHybrid: hybrid,
	})

	resp, err := r.Ask(context.Background(), types.Question{Text: "show the relationships between the characters"}, "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Answer.Strategy != "graph" {
		t.Fatalf("expected a relational question to hard-route to graph, got %q", resp.Answer.Strategy)
	}
	before := b.Snapshot()[types.ArmGraph]
	if before.Trials != 0 {
		t.Fatalf("expected no bandit update with the bandit disabled, got %d trials", before.Trials)
	}
}

func TestAskStrategyOverrideForcesArmWithoutBanditUpdate(t *testing.T) {
	table := &fakeStrategy{answer: answerWithCitation("a table answer", "table")}
	hybrid := &fakeStrategy{answer: answerWithCitation("a hybrid answer", "hybrid")}
	b := bandit.New(bandit.Config{})
	reg := registry.New(0)
	cl := classify.New(0)
	ac := cache.New(config.AnswerCacheConfig{}, nil)
	t.Cleanup(ac.Close)
	r := New(Config{}, cl, ac, b, reg, map[types.ArmName]Strategy{
		types.ArmTable:  table,
		types.ArmHybrid: hybrid,
	})

	resp, err := r.Ask(context.Background(), types.Question{Text: "anything at all", StrategyOverride: " Table "}, "")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Answer.Strategy != "table" {
		t.Fatalf("expected the override to force the table arm, got %q", resp.Answer.Strategy)
	}
	if table.calls != 1 || hybrid.calls != 0 {
		t.Fatalf("expected only the overridden strategy to run, got table=%d hybrid=%d", table.calls, hybrid.calls)
	}
	if got := b.Snapshot()[types.ArmTable].Trials; got != 0 {
		t.Fatalf("expected no bandit update on an overridden run, got %d trials", got)
	}
}

func TestAskUnknownStrategyOverrideIsInvalidInput(t *testing.T) {
	r := newTestRouter(t, map[types.ArmName]Strategy{types.ArmHybrid: &fakeStrategy{}})
	_, err := r.Ask(context.Background(), types.Question{Text: "q", StrategyOverride: "nonsense"}, "")
	if !ragerr.Is(err, ragerr.InvalidInput) {
		t.Fatalf("expected INVALID_INPUT for an unknown override, got %v", err)
	}
}
