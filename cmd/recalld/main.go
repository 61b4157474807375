package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/knoguchi/recall/internal/cache"
	"github.com/knoguchi/recall/internal/config"
	"github.com/knoguchi/recall/internal/embedder"
	"github.com/knoguchi/recall/internal/llm"
	"github.com/knoguchi/recall/internal/metrics"
	"github.com/knoguchi/recall/internal/persist"
	"github.com/knoguchi/recall/internal/reranker"
	"github.com/knoguchi/recall/internal/retriever"
	"github.com/knoguchi/recall/internal/server"
	"github.com/knoguchi/recall/internal/vectorstore"
)

func main() {
	// Set up structured logging
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("failed to run server", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting retrieval cache service",
		"http_port", cfg.HTTPPort,
		"vector_backend", cfg.VectorBackend,
		"environment", cfg.Environment,
	)

	// Vector store backend
	var store vectorstore.VectorStore
	switch cfg.VectorBackend {
	case "qdrant":
		qdrant, err := vectorstore.NewQdrantStore(ctx, cfg.QdrantGRPCURL, cfg.QdrantCollection)
		if err != nil {
			return fmt.Errorf("failed to connect to Qdrant: %w", err)
		}
		defer qdrant.Close()
		store = qdrant
		slog.Info("connected to Qdrant", "collection", cfg.QdrantCollection)
	case "pgvector":
		pg, err := vectorstore.NewPgVectorStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		defer pg.Close()
		store = pg
		slog.Info("connected to PostgreSQL with pgvector")
	default:
		return fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}

	// Ollama embedder and LLM-backed reranker
	embed := embedder.NewOllamaEmbedder(embedder.OllamaConfig{
		BaseURL: cfg.OllamaURL,
		Model:   cfg.OllamaEmbeddingModel,
	})
	slog.Info("initialized Ollama embedder", "model", cfg.OllamaEmbeddingModel)

	llmClient := llm.NewOllamaClient(
		llm.WithBaseURL(cfg.OllamaURL),
		llm.WithModel(cfg.OllamaRerankModel),
	)
	rerank := reranker.NewLLMReranker(llmClient)
	slog.Info("initialized LLM reranker", "model", cfg.OllamaRerankModel)

	// Cache tiers
	exact, err := cache.NewExactCache(cfg.ExactCacheSize, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to create exact cache: %w", err)
	}
	semantic := cache.NewSemanticCache(cache.SemanticConfig{
		Capacity:         cfg.SemanticCacheSize,
		BruteForceCutoff: cfg.BruteForceCutoff,
	}, slog.Default())

	recorder := metrics.NewRecorder(cfg.MetricsWindowSize)

	// Durable persistence, best effort
	var sink retriever.EntrySink
	var syncer *persist.Syncer
	if cfg.PersistEnabled {
		redisStore, err := persist.NewRedisStore(ctx, cfg.RedisURL, cfg.CacheTTL)
		if err != nil {
			slog.Warn("redis unavailable, persistence disabled", "error", err)
		} else {
			defer redisStore.Close()
			syncer = persist.NewSyncer(redisStore, exact, semantic, persist.SyncerConfig{
				QueueDepth:       cfg.SyncQueueDepth,
				SnapshotInterval: cfg.SnapshotInterval,
				MaxRetries:       cfg.MaxRetries,
			}, slog.Default())
			syncer.Rehydrate(ctx)
			syncer.Start()
			defer syncer.Close()
			sink = syncer
			slog.Info("connected to Redis", "snapshot_interval", cfg.SnapshotInterval)
		}
	}

	orch := retriever.New(embed, store, rerank, exact, semantic, recorder, sink, retriever.Config{
		DefaultTopK:         cfg.DefaultTopK,
		OverfetchFactor:     cfg.OverfetchFactor,
		SimilarityThreshold: cfg.SimilarityThreshold,
		CacheTTL:            cfg.CacheTTL,
		EmbedTimeout:        cfg.EmbedTimeout,
		VectorTimeout:       cfg.VectorTimeout,
		RerankTimeout:       cfg.RerankTimeout,
		MaxRetries:          cfg.MaxRetries,
		BackfillExact:       cfg.BackfillExact,
	}, slog.Default())

	httpServer := server.NewHTTPServer(orch, server.HTTPServerConfig{
		Port:        cfg.HTTPPort,
		AdminAPIKey: cfg.AdminAPIKey,
		Logger:      slog.Default(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}

	slog.Info("service stopped")
	return nil
}
