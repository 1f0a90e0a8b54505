// Command ragserver wires the retrieval-and-generation engine into an HTTP
// server: configuration, persistence backends, the embedding/rerank/LLM
// clients, the four retrieval strategies, the bandit-routed Router, and
// the corpus seeder, then serves the ask/feedback/status endpoints.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"smartrag/internal/config"
	"smartrag/internal/httpapi"
	"smartrag/internal/llm"
	"smartrag/internal/llm/providers"
	"smartrag/internal/observability"
	"smartrag/internal/persistence/databases"
	"smartrag/internal/rag/analytics"
	"smartrag/internal/rag/bandit"
	"smartrag/internal/rag/cache"
	"smartrag/internal/rag/classify"
	"smartrag/internal/rag/corpus"
	"smartrag/internal/rag/embedder"
	"smartrag/internal/rag/fallback"
	"smartrag/internal/rag/graphrag"
	"smartrag/internal/rag/hybrid"
	"smartrag/internal/rag/iterative"
	"smartrag/internal/rag/keyword"
	"smartrag/internal/rag/llmgen"
	"smartrag/internal/rag/obs"
	"smartrag/internal/rag/registry"
	"smartrag/internal/rag/rerank"
	"smartrag/internal/rag/router"
	"smartrag/internal/rag/table"
	"smartrag/internal/rag/vectorindex"
)

// primaryEmbedder adapts embedder.Client's primary model to the
// EmbedBatch(ctx, texts) contract shared by hybrid.QueryEmbedder,
// cache.Embedder, and corpus.Embedder.
type primaryEmbedder struct{ client *embedder.Client }

func (p primaryEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return p.client.EncodeBatch(ctx, texts)
}

// fallbackEmbedder adapts embedder.Client's fallback model to the
// fallback.Embedder contract.
type fallbackEmbedder struct{ client *embedder.Client }

func (f fallbackEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return f.client.EncodeFallbackBatch(ctx, texts)
}

func main() {
	observability.InitLogger("ragserver.log", getLogLevel())

	cfg := config.Load()

	if shutdown, err := observability.InitTracing(context.Background(), cfg.Obs); err != nil {
		log.Warn().Err(err).Msg("otlp tracing init failed, continuing without tracing")
	} else {
		defer func() { _ = shutdown(context.Background()) }()
	}

	metricsHandler, err := obs.NewPrometheusMetrics()
	if err != nil {
		log.Warn().Err(err).Msg("prometheus metrics init failed, /metrics will be unavailable")
		metricsHandler = nil
	}
	metrics := obs.NewOtelMetrics()
	logger := obs.ZerologLogger{}

	// Redacted prompt/response payload logging, off unless explicitly enabled.
	llm.ConfigureLogging(os.Getenv("LLM_LOG_PAYLOADS") == "true", 4096)

	httpClient := observability.NewHTTPClient(nil)
	httpClient = observability.WithOAuth2(httpClient, observability.OAuth2Config{
		TokenURL:     cfg.OAuth2.TokenURL,
		ClientID:     cfg.OAuth2.ClientID,
		ClientSecret: cfg.OAuth2.ClientSecret,
		Scopes:       observability.ParseScopes(cfg.OAuth2.Scopes),
	})

	dbMgr, err := databases.NewManager(context.Background(), cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init persistence backends")
	}
	defer dbMgr.Close()

	embedClient := embedder.NewClientFromConfig(cfg, cfg.Embedding.Dimension, cfg.EmbeddingFallback.Dimension)
	primaryEmbed := primaryEmbedder{embedClient}

	kwIndex, err := keyword.Open(cfg.KeywordIndexDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open keyword index")
	}
	defer kwIndex.Close()

	denseIndex := vectorindex.New(dbMgr.Vector)

	rerankClient := rerank.New(cfg.Rerank, httpClient, logger)

	hybridRetriever := hybrid.New(cfg.Hybrid, primaryEmbed, denseIndex, kwIndex,
		hybrid.WithReranker(rerankClient), hybrid.WithLogger(logger), hybrid.WithMetrics(metrics))

	var fileFallback *fallback.Fallback
	if cfg.FileFallback.Enabled {
		fileFallback = fallback.New(cfg.FileFallback, fallbackEmbedder{embedClient},
			fallback.WithReranker(rerankClient), fallback.WithLogger(logger))
	}

	llmProvider, err := providers.Build(cfg, httpClient)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build LLM provider")
	}
	gen := llmgen.New(llmProvider, activeModel(cfg))

	seeder := corpus.New(primaryEmbed, denseIndex, kwIndex, dbMgr.Search, cfg.FileFallback)
	if dir := os.Getenv("CORPUS_DIR"); dir != "" {
		go func() {
			n, err := seeder.Seed(context.Background(), dir)
			if err != nil {
				log.Error().Err(err).Msg("corpus seed failed")
				return
			}
			log.Info().Int("chunks", n).Msg("corpus seed complete")
		}()
	}
	if bucket := os.Getenv("CORPUS_S3_BUCKET"); bucket != "" {
		go func() {
			n, err := seeder.SeedS3(context.Background(), bucket, os.Getenv("CORPUS_S3_PREFIX"))
			if err != nil {
				log.Error().Err(err).Msg("corpus s3 seed failed")
				return
			}
			log.Info().Int("chunks", n).Str("bucket", bucket).Msg("corpus s3 seed complete")
		}()
	}

	graph := graphrag.New(cfg.GraphJIT, hybridRetriever, gen, dbMgr.Graph)
	refiner := iterative.New(cfg.SelfRAG, hybridRetriever, gen)
	tableExtractor := table.New(hybridRetriever, gen)

	answerCache := cache.New(cfg.AnswerCache, primaryEmbed)
	classifier := classify.New(0)

	banditCfg := bandit.Config{
		StatePath:        cfg.Bandit.StateFile,
		DefaultStatePath: cfg.Bandit.DefaultStateFile,
		Epsilon:          cfg.Bandit.Epsilon,
		LatencyBudgetMS:  cfg.Bandit.LatencyBudgetMS,
	}
	b := bandit.New(banditCfg, bandit.WithLogger(logger), bandit.WithMetrics(metrics))
	reg := registry.New(0)

	strategies := router.BuildStrategies(hybridRetriever, fileFallback, graph, refiner, tableExtractor, gen)

	routerCfg := router.Config{
		RequestDeadline: time.Duration(cfg.RequestDeadlineMS) * time.Millisecond,
		LatencyBudgetMS: cfg.Bandit.LatencyBudgetMS,
		DisableBandit:   !cfg.Bandit.Enabled,
	}
	chSink, err := analytics.NewClickHouse(context.Background(), cfg.ClickHouse)
	if err != nil {
		log.Warn().Err(err).Msg("clickhouse analytics sink unavailable, continuing without it")
		chSink = nil
	}
	kafkaSink, err := analytics.NewKafka(cfg.Kafka)
	if err != nil {
		log.Warn().Err(err).Msg("kafka reward-event sink unavailable, continuing without it")
		kafkaSink = nil
	}
	if kafkaSink != nil {
		defer kafkaSink.Close()
	}
	rt := router.New(routerCfg, classifier, answerCache, b, reg, strategies,
		router.WithLogger(logger), router.WithMetrics(metrics),
		router.WithAnalytics(analytics.Multi{analytics.Or(chSink, analytics.NoopSink{}), kafkaSink}))

	server := httpapi.NewServer(rt, seeder.Status, metricsHandler)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server,
	}

	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("ragserver listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

func getLogLevel() string {
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		return lvl
	}
	return "info"
}

// activeModel returns the model name of the configured LLM provider, for
// llmgen's cost estimation and prompt construction.
func activeModel(cfg config.Config) string {
	switch cfg.LLMClient.Provider {
	case "anthropic":
		return cfg.LLMClient.Anthropic.Model
	case "google":
		return cfg.LLMClient.Google.Model
	default:
		return cfg.LLMClient.OpenAI.Model
	}
}
