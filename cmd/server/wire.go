package main

import (
	"context"
	"fmt"

	"github.com/qdrant/go-client/qdrant"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"finops-core/internal/adapter/client"
	"finops-core/internal/adapter/store"
	"finops-core/internal/cache"
	"finops-core/internal/compress"
	"finops-core/internal/config"
	"finops-core/internal/costing"
	"finops-core/internal/domain/entity"
	"finops-core/internal/domain/repository"
	"finops-core/internal/feedback"
	"finops-core/internal/pipeline"
	"finops-core/internal/quality"
	"finops-core/internal/queue"
	"finops-core/internal/rag"
	"finops-core/internal/routing"
	"finops-core/internal/usecase"
)

const (
	ragMaxTokens      = 2000
	ingestConcurrency = 4
)

type knowledge struct {
	genai      *genai.Client
	embedder   *client.Embedder
	qdrant     *qdrant.Client // nil when running on the in-memory store
	store      repository.VectorStore
	vectorizer *rag.Vectorizer
}

// buildKnowledge wires the embedder and the knowledge collection. Without a
// Qdrant host the knowledge base lives in memory for the process lifetime.
func buildKnowledge(ctx context.Context, cfg config.Config, logger *zap.Logger) (*knowledge, error) {
	gc, err := client.NewGenAIClient(ctx, cfg.GenAI)
	if err != nil {
		return nil, fmt.Errorf("failed to init genai client: %w", err)
	}
	kb := &knowledge{genai: gc, embedder: client.NewEmbedderFromClient(gc, cfg.GenAI.EmbeddingModel)}

	if cfg.Qdrant.Host == "" {
		logger.Warn("QDRANT_HOST not set, using in-memory vector store")
		kb.store = store.NewMemoryVectors()
	} else {
		// Qdrant for the knowledge base and the semantic cache
		kb.qdrant, err = qdrant.NewClient(&qdrant.Config{
			Host: cfg.Qdrant.Host,
			Port: cfg.Qdrant.Port,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to qdrant: %w", err)
		}
		qs := store.NewQdrantStore(kb.qdrant, cfg.Qdrant.KnowledgeCollection, store.WithQdrantLogger(logger))
		if err := qs.InitCollection(ctx, cfg.Qdrant.Dim, "category", "sector"); err != nil {
			return nil, fmt.Errorf("failed to init qdrant collection: %w", err)
		}
		kb.store = qs
	}
	kb.vectorizer = rag.NewVectorizer(kb.embedder, kb.store, ingestConcurrency, logger)
	return kb, nil
}

type services struct {
	gateway  *usecase.Gateway
	provider repository.AIProvider
	embedder repository.Embedder
	queue    *queue.Queue
	closers  []func() error
	logger   *zap.Logger
}

func (s *services) close() {
	// The gateway waits for background bookkeeping, which may still need
	// the queue and the stores.
	s.gateway.Close()
	s.queue.Stop()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn("close failed", zap.Error(err))
		}
	}
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*services, error) {
	kb, err := buildKnowledge(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	svc := &services{embedder: kb.embedder, logger: logger}

	// Semantic cache collection
	var cacheStore repository.CacheStore
	if kb.qdrant != nil {
		qs := store.NewQdrantStore(kb.qdrant, cfg.Qdrant.CacheCollection,
			store.WithFreshness(cfg.Cache.TTL),
			store.WithQdrantLogger(logger))
		if err := qs.InitCollection(ctx, cfg.Qdrant.Dim, "type", "sector"); err != nil {
			return nil, fmt.Errorf("failed to init qdrant collection: %w", err)
		}
		cacheStore = qs
		svc.closers = append(svc.closers, kb.qdrant.Close)
	} else {
		cacheStore = store.NewMemoryVectors()
	}

	// Redis for rate limiting and workflow snapshots
	var limiter repository.TokenLimiter
	var workflows repository.WorkflowStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		limiter = store.NewRedisLimiter(rdb, cfg.Redis.TokenLimit)
		workflows = store.NewRedisWorkflows(rdb, cfg.Redis.JobTTL)
		svc.closers = append(svc.closers, rdb.Close)
	} else {
		logger.Warn("REDIS_ADDR not set, token limits disabled and workflow status kept in memory only")
	}

	// SQLite for the interaction log
	interactions, err := store.OpenInteractions(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening interaction log: %w", err)
	}
	svc.closers = append(svc.closers, interactions.Close)

	catalog, err := routing.DefaultCatalog(cfg.Models.Fast, cfg.Models.Balanced, cfg.Models.Premium, cfg.Models.Expert)
	if err != nil {
		return nil, err
	}
	router := routing.NewRouter(catalog, routing.DefaultPolicy(), logger)
	provider := usecase.NewResilientProvider(client.NewGeminiClientFromClient(kb.genai), catalog, logger)
	svc.provider = provider

	q, err := queue.New(map[string]queue.LaneConfig{
		string(entity.Phase1): lane(cfg.Phases.Phase1),
		string(entity.Phase2): lane(cfg.Phases.Phase2),
		string(entity.Phase3): lane(cfg.Phases.Phase3),
	}, logger)
	if err != nil {
		return nil, err
	}
	q.Start(context.Background())
	svc.queue = q

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if workflows != nil {
		opts = append(opts, pipeline.WithStore(workflows))
	}
	orch := pipeline.New(q, pipeline.NewModelExecutor(provider, router, pipeline.DefaultPrompts(), logger), opts...)

	fb := feedback.NewEngine(feedback.DefaultConfig(),
		feedback.WithStore(interactions),
		feedback.WithKnowledge(kb.vectorizer),
		feedback.WithLogger(logger))
	if n, err := fb.Restore(ctx); err != nil {
		logger.Warn("interaction log not restored", zap.Error(err))
	} else {
		logger.Info("interaction log restored", zap.Int("interactions", n))
	}

	svc.gateway = usecase.NewGateway(usecase.Deps{
		Limiter:    limiter,
		Cache:      cache.New(cacheStore, kb.embedder, cache.Options{Threshold: cfg.Cache.Threshold, TTL: cfg.Cache.TTL}, logger),
		Predictor:  costing.NewPredictor(costing.DefaultWeights(), logger),
		Router:     router,
		Compressor: compress.New(compress.DefaultOptions(), logger),
		Knowledge:  rag.NewBuilder(rag.NewSearch(kb.embedder, kb.store, logger), ragMaxTokens),
		Pipeline:   orch,
		Assessor:   quality.NewAssessor(quality.DefaultPenalties()),
		Feedback:   fb,
		Logger:     logger,
	})
	return svc, nil
}

func lane(p config.PhaseConfig) queue.LaneConfig {
	return queue.LaneConfig{
		Concurrency: p.Concurrency,
		RateMax:     p.RateMax,
		RateWindow:  p.RateWindow,
		Timeout:     p.Timeout,
		Attempts:    p.Attempts,
	}
}
