package config

import "testing"

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()
	if cfg.Hybrid.Alpha != 0.7 {
		t.Fatalf("default HYBRID_ALPHA = %v, want 0.7", cfg.Hybrid.Alpha)
	}
	if cfg.Bandit.Epsilon != 0.1 {
		t.Fatalf("default BANDIT_EPSILON = %v, want 0.1", cfg.Bandit.Epsilon)
	}
	if cfg.AnswerCache.SimilarityThreshold != 0.85 {
		t.Fatalf("default ANSWER_CACHE_SIMILARITY_THRESHOLD = %v, want 0.85", cfg.AnswerCache.SimilarityThreshold)
	}
	if cfg.SelfRAG.MaxIterations != 3 {
		t.Fatalf("default SELF_RAG_MAX_ITERATIONS = %v, want 3", cfg.SelfRAG.MaxIterations)
	}
	if cfg.FileFallback.ConfidenceThreshold != 0.65 {
		t.Fatalf("default CONFIDENCE_FALLBACK_THRESHOLD = %v, want 0.65", cfg.FileFallback.ConfidenceThreshold)
	}
	if cfg.GraphJIT.BatchSize != 4 {
		t.Fatalf("default GRAPH_JIT_BATCH_SIZE = %v, want 4", cfg.GraphJIT.BatchSize)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("HYBRID_ALPHA", "0.5")
	t.Setenv("BM25_TOP_K", "25")
	t.Setenv("ENABLE_SELF_RAG", "false")
	t.Setenv("SMART_RAG_LATENCY_BUDGET_MS", "4000")

	cfg := Load()
	if cfg.Hybrid.Alpha != 0.5 {
		t.Fatalf("HYBRID_ALPHA override not applied: got %v", cfg.Hybrid.Alpha)
	}
	if cfg.Hybrid.BM25TopK != 25 {
		t.Fatalf("BM25_TOP_K override not applied: got %v", cfg.Hybrid.BM25TopK)
	}
	if cfg.SelfRAG.Enabled {
		t.Fatalf("ENABLE_SELF_RAG override not applied")
	}
	if cfg.Bandit.LatencyBudgetMS != 4000 {
		t.Fatalf("SMART_RAG_LATENCY_BUDGET_MS override not applied: got %v", cfg.Bandit.LatencyBudgetMS)
	}
}

func TestLoad_MalformedNumericFallsBackToDefault(t *testing.T) {
	t.Setenv("HYBRID_ALPHA", "not-a-number")
	cfg := Load()
	if cfg.Hybrid.Alpha != 0.7 {
		t.Fatalf("malformed HYBRID_ALPHA should fall back to default, got %v", cfg.Hybrid.Alpha)
	}
}
