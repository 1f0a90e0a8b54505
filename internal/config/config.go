// Package config loads smartrag's runtime configuration from the process
// environment. Every knob is an env var, trimmed of surrounding whitespace,
// with sane defaults applied in Load; an optional CONFIG_FILE YAML overlay
// can supply values for keys the environment leaves unset. There is no
// flags layer.
package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AnthropicPromptCacheConfig controls Anthropic prompt-caching scope.
type AnthropicPromptCacheConfig struct {
	Enabled        bool
	CacheSystem    bool
	CacheTools     bool
	CacheMessages  bool
}

// AnthropicConfig configures the Anthropic LLM provider.
type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	PromptCache AnthropicPromptCacheConfig
}

// OpenAIConfig configures the OpenAI (or OpenAI-compatible) LLM provider.
// Local inference servers (llama.cpp, mlx_lm.server, vLLM) are selected by
// pointing BaseURL at them.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// GoogleConfig configures the Google Gemini LLM provider.
type GoogleConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout int // seconds
}

// LLMClientConfig selects and configures the active LLM provider.
type LLMClientConfig struct {
	Provider  string // "anthropic" | "openai" | "google" | "local"
	Anthropic AnthropicConfig
	OpenAI    OpenAIConfig
	Google    GoogleConfig
}

// EmbeddingConfig configures an embedding HTTP endpoint (primary or fallback).
type EmbeddingConfig struct {
	Model     string
	BaseURL   string
	Path      string
	APIHeader string
	APIKey    string
	Timeout   int // seconds
	// Dimension is the expected vector width for this model. Only the
	// primary embedding model's dimension must match the vector index.
	Dimension int
}

// RerankConfig configures the reranker HTTP endpoint and its fallback.
type RerankConfig struct {
	BaseURL          string
	Model            string
	FallbackModel    string
	APIHeader        string
	APIKey           string
	Timeout          int // seconds
	P95ThresholdMS   int
}

// DBBackendConfig configures one logical database backend (search, vector, or graph).
type DBBackendConfig struct {
	Backend    string // "memory" | "auto" | "postgres" | "qdrant" | "none"
	DSN        string
	Dimensions int
	Metric     string
	Collection string // qdrant only
}

// DBConfig groups the three persistence backends behind databases.Manager.
type DBConfig struct {
	DefaultDSN string
	Search     DBBackendConfig
	Vector     DBBackendConfig
	Graph      DBBackendConfig
}

// BanditConfig configures the Thompson-sampling bandit and its persistence.
type BanditConfig struct {
	Enabled           bool
	StateFile         string
	DefaultStateFile  string
	Epsilon           float64
	LatencyBudgetMS   int
}

// HybridConfig configures the fusion behavior of the hybrid retriever.
type HybridConfig struct {
	Alpha      float64 // dense weight in weighted-sum fusion
	FusionMode string  // "weighted" | "rrf"
	RRFK       int
	BM25TopK   int
}

// AnswerCacheConfig configures the three-layer semantic answer cache.
type AnswerCacheConfig struct {
	Enabled             bool
	TTLHours            int
	MaxSize             int
	SimilarityThreshold float64
	RedisAddr           string
}

// SelfRAGConfig configures the iterative refinement (Self-RAG) loop.
type SelfRAGConfig struct {
	Enabled            bool
	ConfidenceThreshold float64
	MaxIterations      int
	MinImprovement     float64
}

// FileFallbackConfig configures the low-confidence file-level fallback.
type FileFallbackConfig struct {
	Enabled            bool
	ConfidenceThreshold float64
	ChunkSize          int
	ChunkOverlap       int
}

// GraphJITConfig configures the just-in-time entity-graph builder.
type GraphJITConfig struct {
	MaxChunks   int
	BatchSize   int
	TimeoutMS   int
	Parallelism int
	MaxHops     int
}

// OAuth2Config configures the client-credentials grant used to authenticate
// outbound calls when embedding/rerank/LLM endpoints sit behind an OAuth2
// gateway instead of a static API key.
type OAuth2Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       string // comma-separated
}

// ClickHouseConfig configures the optional analytics sink for query
// records and bandit rewards.
type ClickHouseConfig struct {
	DSN   string
	Table string
}

// KafkaConfig configures the optional event-stream publisher for bandit
// reward/feedback updates.
type KafkaConfig struct {
	Brokers string
	Topic   string
}

// ObsConfig configures the OTLP trace exporter.
type ObsConfig struct {
	OTLP           string
	ServiceName    string
	ServiceVersion string
	Environment    string
}

// Config is the top-level configuration object for the service.
type Config struct {
	ListenAddr string

	Obs ObsConfig

	OAuth2     OAuth2Config
	ClickHouse ClickHouseConfig
	Kafka      KafkaConfig

	LLMClient LLMClientConfig

	Embedding         EmbeddingConfig
	EmbeddingFallback EmbeddingConfig

	Rerank RerankConfig

	DB DBConfig

	Bandit      BanditConfig
	Hybrid      HybridConfig
	AnswerCache AnswerCacheConfig
	SelfRAG     SelfRAGConfig
	FileFallback FileFallbackConfig
	GraphJIT    GraphJITConfig

	KeywordIndexDir  string
	RequestDeadlineMS int
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func getenv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func getenvDefault(key, def string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// loadYAMLOverlay reads a YAML file of key/value pairs (the same keys
// documented for the environment) and applies any that are not already
// set in the process environment, so an operator can ship one config.yaml
// instead of a long list of -e flags while still letting a real
// environment variable win. Silently does nothing if path is empty or
// the file cannot be read/parsed, since this is a convenience layer, not
// the configuration source of truth.
func loadYAMLOverlay(path string) {
	if path == "" {
		return
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var overlay map[string]string
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return
	}
	for k, v := range overlay {
		if _, set := os.LookupEnv(k); !set {
			_ = os.Setenv(k, v)
		}
	}
}

// Load reads the process environment (optionally preceded by a .env file
// and/or a CONFIG_FILE YAML overlay in the working directory, if present)
// into a Config with defaults applied.
func Load() Config {
	_ = godotenv.Load()
	loadYAMLOverlay(os.Getenv("CONFIG_FILE"))

	cfg := Config{
		ListenAddr: getenvDefault("LISTEN_ADDR", ":8080"),

		Obs: ObsConfig{
			OTLP:           getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:    getenvDefault("OTEL_SERVICE_NAME", "smartrag"),
			ServiceVersion: getenvDefault("OTEL_SERVICE_VERSION", "dev"),
			Environment:    getenvDefault("OTEL_ENVIRONMENT", "development"),
		},

		OAuth2: OAuth2Config{
			TokenURL:     getenv("OAUTH2_TOKEN_URL"),
			ClientID:     getenv("OAUTH2_CLIENT_ID"),
			ClientSecret: getenv("OAUTH2_CLIENT_SECRET"),
			Scopes:       getenv("OAUTH2_SCOPES"),
		},

		ClickHouse: ClickHouseConfig{
			DSN:   getenv("CLICKHOUSE_DSN"),
			Table: getenvDefault("CLICKHOUSE_QUERY_TABLE", "rag_query_events"),
		},

		Kafka: KafkaConfig{
			Brokers: getenv("KAFKA_BROKERS"),
			Topic:   getenvDefault("KAFKA_REWARD_TOPIC", "rag-bandit-rewards"),
		},

		LLMClient: LLMClientConfig{
			Provider: strings.ToLower(getenvDefault("LLM_PROVIDER", "openai")),
			Anthropic: AnthropicConfig{
				APIKey:  getenv("ANTHROPIC_API_KEY"),
				BaseURL: getenv("ANTHROPIC_BASE_URL"),
				Model:   getenv("ANTHROPIC_MODEL"),
				PromptCache: AnthropicPromptCacheConfig{
					Enabled:       getenvBool("ANTHROPIC_PROMPT_CACHE_ENABLED", false),
					CacheSystem:   getenvBool("ANTHROPIC_PROMPT_CACHE_SYSTEM", false),
					CacheTools:    getenvBool("ANTHROPIC_PROMPT_CACHE_TOOLS", false),
					CacheMessages: getenvBool("ANTHROPIC_PROMPT_CACHE_MESSAGES", false),
				},
			},
			OpenAI: OpenAIConfig{
				APIKey:  getenv("OPENAI_API_KEY"),
				BaseURL: getenv("OPENAI_BASE_URL"),
				Model:   getenvDefault("OPENAI_MODEL", "gpt-4o-mini"),
			},
			Google: GoogleConfig{
				APIKey:  getenv("GOOGLE_API_KEY"),
				BaseURL: getenv("GOOGLE_BASE_URL"),
				Model:   getenvDefault("GOOGLE_MODEL", "gemini-2.0-flash"),
				Timeout: getenvInt("GOOGLE_TIMEOUT_SECONDS", 30),
			},
		},

		Embedding: EmbeddingConfig{
			Model:     getenvDefault("EMBEDDING_MODEL", "text-embedding-3-small"),
			BaseURL:   getenv("EMBEDDING_BASE_URL"),
			Path:      getenvDefault("EMBEDDING_PATH", "/embeddings"),
			APIHeader: getenvDefault("EMBEDDING_API_HEADER", "Authorization"),
			APIKey:    getenv("EMBEDDING_API_KEY"),
			Timeout:   getenvInt("EMBEDDING_TIMEOUT_SECONDS", 30),
			Dimension: getenvInt("EMBEDDING_DIMENSION", 1536),
		},
		EmbeddingFallback: EmbeddingConfig{
			Model:     getenvDefault("EMBEDDING_FALLBACK_MODEL", "text-embedding-3-small"),
			BaseURL:   firstNonEmpty(getenv("EMBEDDING_FALLBACK_BASE_URL"), getenv("EMBEDDING_BASE_URL")),
			Path:      getenvDefault("EMBEDDING_FALLBACK_PATH", "/embeddings"),
			APIHeader: getenvDefault("EMBEDDING_FALLBACK_API_HEADER", "Authorization"),
			APIKey:    firstNonEmpty(getenv("EMBEDDING_FALLBACK_API_KEY"), getenv("EMBEDDING_API_KEY")),
			Timeout:   getenvInt("EMBEDDING_FALLBACK_TIMEOUT_SECONDS", 15),
			Dimension: getenvInt("EMBEDDING_FALLBACK_DIMENSION", 1536),
		},

		Rerank: RerankConfig{
			BaseURL:        getenv("RERANK_BASE_URL"),
			Model:          getenv("RERANK_MODEL"),
			FallbackModel:  getenv("RERANK_FALLBACK_MODEL"),
			APIHeader:      getenvDefault("RERANK_API_HEADER", "Authorization"),
			APIKey:         getenv("RERANK_API_KEY"),
			Timeout:        getenvInt("RERANK_TIMEOUT_SECONDS", 10),
			P95ThresholdMS: getenvInt("RERANK_P95_THRESHOLD_MS", 800),
		},

		DB: DBConfig{
			DefaultDSN: getenv("DB_DEFAULT_DSN"),
			Search: DBBackendConfig{
				Backend: getenvDefault("SEARCH_BACKEND", "memory"),
				DSN:     getenv("SEARCH_DSN"),
			},
			Vector: DBBackendConfig{
				Backend:    getenvDefault("VECTOR_BACKEND", "memory"),
				DSN:        getenv("VECTOR_DSN"),
				Dimensions: getenvInt("VECTOR_DIMENSIONS", 1536),
				Metric:     getenvDefault("VECTOR_METRIC", "cosine"),
				Collection: getenvDefault("VECTOR_COLLECTION", "smartrag_chunks"),
			},
			Graph: DBBackendConfig{
				Backend: getenvDefault("GRAPH_BACKEND", "memory"),
				DSN:     getenv("GRAPH_DSN"),
			},
		},

		Bandit: BanditConfig{
			Enabled:          getenvBool("SMART_RAG_BANDIT_ENABLED", true),
			StateFile:        getenvDefault("BANDIT_STATE_FILE", "data/bandit_state.json"),
			DefaultStateFile: getenvDefault("BANDIT_DEFAULT_STATE_FILE", "data/bandit_default.json"),
			Epsilon:          getenvFloat("BANDIT_EPSILON", 0.1),
			LatencyBudgetMS:  getenvInt("SMART_RAG_LATENCY_BUDGET_MS", 8000),
		},

		Hybrid: HybridConfig{
			Alpha:      getenvFloat("HYBRID_ALPHA", 0.7),
			FusionMode: getenvDefault("HYBRID_FUSION_MODE", "weighted"),
			RRFK:       getenvInt("HYBRID_RRF_K", 60),
			BM25TopK:   getenvInt("BM25_TOP_K", 50),
		},

		AnswerCache: AnswerCacheConfig{
			Enabled:             getenvBool("ENABLE_QUERY_CACHE", true),
			TTLHours:            getenvInt("ANSWER_CACHE_TTL_HOURS", 24),
			MaxSize:             getenvInt("ANSWER_CACHE_MAX_SIZE", 1000),
			SimilarityThreshold: getenvFloat("ANSWER_CACHE_SIMILARITY_THRESHOLD", 0.85),
			RedisAddr:           getenv("ANSWER_CACHE_REDIS_ADDR"),
		},

		SelfRAG: SelfRAGConfig{
			Enabled:             getenvBool("ENABLE_SELF_RAG", true),
			ConfidenceThreshold: getenvFloat("SELF_RAG_CONFIDENCE_THRESHOLD", 0.75),
			MaxIterations:       getenvInt("SELF_RAG_MAX_ITERATIONS", 3),
			MinImprovement:      getenvFloat("SELF_RAG_MIN_IMPROVEMENT", 0.05),
		},

		FileFallback: FileFallbackConfig{
			Enabled:             getenvBool("ENABLE_FILE_LEVEL_FALLBACK", true),
			ConfidenceThreshold: getenvFloat("CONFIDENCE_FALLBACK_THRESHOLD", 0.65),
			ChunkSize:           getenvInt("FILE_FALLBACK_CHUNK_SIZE", 500),
			ChunkOverlap:        getenvInt("FILE_FALLBACK_CHUNK_OVERLAP", 50),
		},

		GraphJIT: GraphJITConfig{
			MaxChunks:   getenvInt("GRAPH_JIT_MAX_CHUNKS", 8),
			BatchSize:   getenvInt("GRAPH_JIT_BATCH_SIZE", 4),
			TimeoutMS:   getenvInt("GRAPH_JIT_TIMEOUT_MS", 30000),
			Parallelism: getenvInt("GRAPH_JIT_PARALLELISM", 4),
			MaxHops:     getenvInt("GRAPH_JIT_MAX_HOPS", 2),
		},

		KeywordIndexDir:   getenvDefault("KEYWORD_INDEX_DIR", "data/keyword_index"),
		RequestDeadlineMS: getenvInt("REQUEST_DEADLINE_MS", 30000),
	}

	return cfg
}
