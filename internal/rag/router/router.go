// Package router implements the engine's core orchestration: classify the
// question, consult the AnswerCache, pick an eligible bandit arm, run its
// strategy under a request deadline, validate the evidence (falling back
// to Hybrid once on failure), compute the automatic reward, update the
// Bandit, record a QueryRecord, and optionally insert into the
// AnswerCache.
package router

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"smartrag/internal/rag/analytics"
	"smartrag/internal/rag/bandit"
	"smartrag/internal/rag/cache"
	"smartrag/internal/rag/classify"
	"smartrag/internal/rag/progress"
	"smartrag/internal/rag/ragerr"
	"smartrag/internal/rag/registry"
	"smartrag/internal/rag/service"
	"smartrag/internal/rag/types"
)

// Config configures a Router.
type Config struct {
	RequestDeadline time.Duration
	LatencyBudgetMS int
	// UpdateBanditOnForced controls whether forced-arm requests
	// (/ask-hybrid, /ask-iterative, /ask-graph, /ask-table) still feed the
	// Bandit. Defaults to false: spec.md section 9's open question
	// recommends not updating on forced runs, to avoid operator bias
	// polluting the learned policy.
	UpdateBanditOnForced bool
	// DisableBandit (SMART_RAG_BANDIT_ENABLED=false) routes by the hard
	// classification rules alone — relational to graph, tabular to table,
	// everything else to hybrid — and never updates the posterior.
	DisableBandit bool
}

// Router ties the Bandit, AnswerCache, QueryRegistry, Classifier, and the
// four Strategy implementations into the end-to-end request flow.
type Router struct {
	cfg         Config
	classifier  *classify.Classifier
	cache       *cache.Cache
	bandit      *bandit.Bandit
	registry    *registry.Registry
	strategies  map[types.ArmName]Strategy
	logger      service.Logger
	metrics     service.Metrics
	analytics   analytics.Sink
	newQueryID  func() string
}

// Option configures optional Router dependencies.
type Option func(*Router)

func WithLogger(l service.Logger) Option       { return func(r *Router) { r.logger = l } }
func WithMetrics(m service.Metrics) Option     { return func(r *Router) { r.metrics = m } }
func WithAnalytics(s analytics.Sink) Option {
	return func(r *Router) {
		if s != nil {
			r.analytics = s
		}
	}
}

// New constructs a Router. strategies must contain an entry for each of
// hybrid, iterative, graph, and table.
func New(cfg Config, classifier *classify.Classifier, answerCache *cache.Cache, b *bandit.Bandit, reg *registry.Registry, strategies map[types.ArmName]Strategy, opts ...Option) *Router {
	if cfg.RequestDeadline <= 0 {
		cfg.RequestDeadline = 30 * time.Second
	}
	if cfg.LatencyBudgetMS <= 0 {
		cfg.LatencyBudgetMS = 8000
	}
	r := &Router{
		cfg:        cfg,
		classifier: classifier,
		cache:      answerCache,
		bandit:     b,
		registry:   reg,
		strategies: strategies,
		logger:     service.NoopLogger{},
		metrics:    service.NoopMetrics{},
		analytics:  analytics.NoopSink{},
		newQueryID: func() string { return uuid.NewString() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

var allArms = []types.ArmName{types.ArmHybrid, types.ArmIterative, types.ArmGraph, types.ArmTable}

// Response is the full result of one Ask call, including routing metadata
// the HTTP layer needs beyond the Answer itself.
type Response struct {
	Answer  types.Answer
	QueryID string
	Bus     *progress.Bus
}

// Ask runs the full router pipeline for one question. forcedArm, if
// non-empty, bypasses classification and bandit sampling and forces the
// named strategy (the /ask-hybrid, /ask-iterative, /ask-graph, /ask-table
// endpoints). A fresh progress.Bus is created and returned in Response;
// use AskOnBus to supply one the caller is already draining concurrently
// (the streaming endpoint).
func (r *Router) Ask(ctx context.Context, q types.Question, forcedArm types.ArmName) (Response, error) {
	return r.AskOnBus(ctx, q, forcedArm, progress.New())
}

// AskOnBus is Ask, but publishes progress to the caller-supplied bus
// instead of allocating a new one. The caller must drain bus; AskOnBus
// calls bus.Close() itself on every return path once the pipeline
// finishes, so the caller does not close it.
func (r *Router) AskOnBus(ctx context.Context, q types.Question, forcedArm types.ArmName, bus *progress.Bus) (Response, error) {
	if q.Text == "" {
		bus.Close()
		return Response{Bus: bus}, ragerr.New(ragerr.InvalidInput, "question text must not be empty")
	}
	if q.TopK <= 0 {
		q.TopK = 10
	}

	// A strategy_override in the request body forces an arm the same way
	// the per-arm endpoints do, including their no-bandit-update policy.
	if forcedArm == "" && q.StrategyOverride != "" {
		forcedArm = types.ArmName(strings.ToLower(strings.TrimSpace(q.StrategyOverride)))
	}

	deadline := time.Now().Add(r.cfg.RequestDeadline)
	reqCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	queryID := r.newQueryID()

	if cached, layer, ok := r.cache.Lookup(reqCtx, q.Text); ok {
		r.metrics.IncCounter("answer_cache_hits_total", map[string]string{"layer": layer})
		bus.EmitFinal("answer served from cache", map[string]any{"layer": layer})
		cached.CacheHit = true
		cached.CacheLayer = layer
		// spec.md section 4.11 step 2: a cache hit returns zero token usage,
		// since nothing was generated for this request.
		cached.TokenUsage = types.TokenUsage{}
		cached.CostUSD = 0
		bus.Close()
		return Response{Answer: cached, QueryID: queryID, Bus: bus}, nil
	}

	classification := r.classifier.Classify(q.Text)
	bus.Emit("classified question", map[string]any{"classification": string(classification)})

	forced := forcedArm != ""
	var arm types.ArmName
	if forced {
		if _, ok := r.strategies[forcedArm]; !ok {
			bus.Close()
			return Response{Bus: bus}, ragerr.New(ragerr.InvalidInput, "unknown forced strategy: "+string(forcedArm))
		}
		arm = forcedArm
	} else if r.cfg.DisableBandit {
		switch classification {
		case types.ClassRelational:
			arm = types.ArmGraph
		case types.ClassTabular:
			arm = types.ArmTable
		default:
			arm = types.ArmHybrid
		}
	} else {
		eligible := r.eligibleArms(classification)
		arm = r.bandit.Sample(eligible)
		if arm == "" {
			arm = types.ArmHybrid
		}
	}

	answer, usedFallback, err := r.runWithFallback(reqCtx, arm, q, bus)
	latencyMS := time.Since(deadline.Add(-r.cfg.RequestDeadline)).Milliseconds()
	r.bandit.RecordLatency(arm, latencyMS)

	if err != nil {
		if ragerr.Is(err, ragerr.DeadlineExceeded) || reqCtx.Err() == context.DeadlineExceeded {
			r.logger.Error("request deadline exceeded", map[string]any{"query_id": queryID, "arm": string(arm)})
			bus.EmitFinal("deadline exceeded", nil)
			bus.Close()
			return Response{QueryID: queryID, Bus: bus}, ragerr.New(ragerr.DeadlineExceeded, "request deadline exceeded")
		}
		r.logger.Error("strategy failed", map[string]any{"query_id": queryID, "arm": string(arm), "error": err.Error()})
		bus.EmitFinal("strategy failed", map[string]any{"error": err.Error()})
		bus.Close()
		return Response{QueryID: queryID, Bus: bus}, err
	}
	answer.Strategy = string(arm)
	if usedFallback {
		answer.Strategy = string(types.ArmHybrid)
	}

	if len(answer.Citations) == 0 {
		answer.NoEvidence = true
		if answer.Text == "" {
			answer.Text = "I don't have enough grounded evidence in the corpus to answer that confidently."
		}
		if answer.Confidence > 0.3 {
			answer.Confidence = 0.3
		}
	}

	reward := bandit.Reward(answer.Confidence, len(answer.Citations), latencyMS, r.cfg.LatencyBudgetMS)
	if !r.cfg.DisableBandit && (!forced || r.cfg.UpdateBanditOnForced) {
		_ = r.bandit.Update(arm, reward)
	}

	rec := types.QueryRecord{
		QueryID:         queryID,
		Arm:             arm,
		AutomaticReward: reward,
		Timestamp:       time.Now(),
		Question:        truncate(q.Text, 200),
	}
	r.registry.Put(rec)
	r.analytics.RecordQuery(reqCtx, rec, "auto")

	if !answer.NoEvidence && len(answer.Citations) > 0 {
		r.cache.Insert(reqCtx, q.Text, answer, len(answer.Citations))
	}

	r.metrics.ObserveHistogram("router_request_ms", float64(latencyMS), map[string]string{"arm": string(arm)})
	bus.EmitFinal("done", map[string]any{"total_ms": latencyMS})
	bus.Close()
	return Response{Answer: answer, QueryID: queryID, Bus: bus}, nil
}

// runWithFallback executes arm's strategy; if it fails with STRATEGY_FAILED
// (or returns zero citations) and arm is not already Hybrid, it retries
// once with Hybrid, per spec.md section 4.11 rule 6 and section 7.
func (r *Router) runWithFallback(ctx context.Context, arm types.ArmName, q types.Question, bus *progress.Bus) (types.Answer, bool, error) {
	strat, ok := r.strategies[arm]
	if !ok {
		return types.Answer{}, false, ragerr.New(ragerr.InvalidInput, "no strategy registered for arm: "+string(arm))
	}
	answer, err := strat.Run(ctx, q, bus)
	if err == nil && len(answer.Citations) > 0 {
		return answer, false, nil
	}
	if arm == types.ArmHybrid {
		if err != nil {
			return types.Answer{}, false, err
		}
		return answer, false, nil
	}
	// Any failure (STRATEGY_FAILED, NO_EVIDENCE, or a transport-level error
	// from the strategy's own dependencies) or a zero-citation answer
	// triggers the one-shot Hybrid retry.
	hybridStrat, ok := r.strategies[types.ArmHybrid]
	if !ok {
		if err != nil {
			return types.Answer{}, false, err
		}
		return answer, false, nil
	}
	bus.Emit("falling back to hybrid", map[string]any{"original_arm": string(arm)})
	fallbackAnswer, ferr := hybridStrat.Run(ctx, q, bus)
	if ferr != nil {
		if err != nil {
			return types.Answer{}, false, err
		}
		return types.Answer{}, false, ferr
	}
	return fallbackAnswer, true, nil
}

// eligibleArms hard-routes relational -> graph and tabular -> table;
// otherwise all four arms minus any whose recent p95 latency exceeds 1.5x
// the configured latency budget.
func (r *Router) eligibleArms(c types.Classification) []types.ArmName {
	switch c {
	case types.ClassRelational:
		return []types.ArmName{types.ArmGraph}
	case types.ClassTabular:
		return []types.ArmName{types.ArmTable}
	}
	out := make([]types.ArmName, 0, len(allArms))
	for _, a := range allArms {
		if r.bandit.LatencyExceedsBudget(a) {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 {
		out = append(out, types.ArmHybrid)
	}
	return out
}

// FeedbackResult reports the outcome of applying user feedback.
type FeedbackResult struct {
	StrategyUpdated types.ArmName
	BanditUpdated   bool
	Message         string
}

// Feedback applies a user rating to the arm originally chosen for
// queryID, blending it with the recorded automatic reward per spec.md
// section 4.10's additive-correction policy: the earlier automatic
// update is never rolled back.
func (r *Router) Feedback(queryID string, rating float64) (FeedbackResult, error) {
	rec, err := r.registry.Get(queryID)
	if err != nil {
		return FeedbackResult{}, err
	}
	final := bandit.FinalReward(rating, rec.AutomaticReward)
	if err := r.bandit.Update(rec.Arm, final); err != nil {
		return FeedbackResult{StrategyUpdated: rec.Arm, BanditUpdated: false, Message: "feedback recorded but persistence failed"}, nil
	}
	r.analytics.RecordQuery(context.Background(), types.QueryRecord{
		QueryID:         queryID,
		Arm:             rec.Arm,
		AutomaticReward: final,
		Timestamp:       time.Now(),
		Question:        rec.Question,
	}, "feedback")
	return FeedbackResult{StrategyUpdated: rec.Arm, BanditUpdated: true, Message: "feedback applied"}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
