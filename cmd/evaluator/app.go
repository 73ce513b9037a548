package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/alqutdigital/legal-rag-eval/internal/config"
	"github.com/alqutdigital/legal-rag-eval/internal/embedder"
	"github.com/alqutdigital/legal-rag-eval/internal/events"
	"github.com/alqutdigital/legal-rag-eval/internal/llm"
	"github.com/alqutdigital/legal-rag-eval/internal/rag"
	"github.com/alqutdigital/legal-rag-eval/internal/rag/evaluation"
	"github.com/alqutdigital/legal-rag-eval/internal/rag/relevance"
	"github.com/alqutdigital/legal-rag-eval/internal/storage"
	"github.com/alqutdigital/legal-rag-eval/pkg/logger"
	"github.com/alqutdigital/legal-rag-eval/pkg/shutdown"
)

// app holds the process-wide clients of one command invocation. Every
// client is registered with the shutdown handler and closed in LIFO order.
type app struct {
	cfg      *config.Config
	log      *logger.Logger
	shutdown *shutdown.Handler
	runID    string

	cache        storage.Cache
	cacheManager *storage.CacheManager
	db           *storage.PostgresDB
	store        *storage.PgVectorStore
	nats         *events.NATSClient
}

func newApp(cfg *config.Config) *app {
	runID := uuid.NewString()
	log := newLogger(cfg).WithRun(runID)

	return &app{
		cfg:      cfg,
		log:      log,
		shutdown: shutdown.New(log.Logger, cfg.Status.ShutdownTimeout),
		runID:    runID,
		cache:    storage.NewNullCacheManager(),
	}
}

func (a *app) close() {
	if err := a.shutdown.Shutdown(); err != nil {
		a.log.WithError(err).Warn("shutdown completed with errors")
	}
}

// openCache connects to Redis when enabled. An unreachable Redis leaves the
// null cache in place.
func (a *app) openCache(ctx context.Context) {
	if !a.cfg.Redis.Enabled {
		return
	}

	client, err := storage.NewRedisClient(ctx, storage.RedisConfig{
		Host:     a.cfg.Redis.Host,
		Port:     a.cfg.Redis.Port,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err != nil {
		a.log.WithError(err).Warn("failed to connect to Redis, caching disabled", "addr", a.cfg.Redis.Addr())
		return
	}

	cm := storage.NewCacheManager(ctx, client, a.log.Logger, storage.DefaultCacheConfig())
	a.shutdown.RegisterNamed("redis", func(context.Context) error { return cm.Close() })
	a.cacheManager = cm
	a.cache = cm
}

// openStore connects to the pgvector database once.
func (a *app) openStore(ctx context.Context) (*storage.PgVectorStore, error) {
	if a.store != nil {
		return a.store, nil
	}

	db, err := storage.NewPostgres(ctx, storage.PostgresConfig{
		Host:         a.cfg.Database.Host,
		Port:         a.cfg.Database.Port,
		User:         a.cfg.Database.User,
		Password:     a.cfg.Database.Password,
		Database:     a.cfg.Database.Database,
		SSLMode:      a.cfg.Database.SSLMode,
		MaxOpenConns: a.cfg.Database.MaxOpenConns,
		MaxIdleConns: a.cfg.Database.MaxIdleConns,

		StatementTimeout: a.cfg.Eval.RetrievalTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.shutdown.RegisterNamed("postgres", func(context.Context) error { return db.Close() })

	a.db = db
	a.store = storage.NewPgVectorStore(db, "", a.log.Logger)
	return a.store, nil
}

// loadIndexes opens every configured index. An index that cannot be loaded
// is skipped; the run fails only when none loads.
func (a *app) loadIndexes(ctx context.Context) ([]evaluation.Index, error) {
	var indexes []evaluation.Index

	switch a.cfg.Eval.Backend {
	case config.BackendPgVector:
		store, err := a.openStore(ctx)
		if err != nil {
			a.log.WithError(err).Error("pgvector backend unavailable")
			return nil, fmt.Errorf("%w: %v", evaluation.ErrNoIndexes, err)
		}

		emb, err := a.newEmbedder()
		if err != nil {
			return nil, err
		}

		mode := rag.SearchType(a.cfg.Eval.SearchMode)
		for _, ic := range a.cfg.Indexes {
			var retriever rag.Retriever = rag.NewIndexRetriever(store, ic.Collection, emb, a.log.Logger, rag.RetrieverConfig{SearchType: mode})
			retriever = rag.NewCachedRetriever(ic.Name, "pgvector:"+string(mode), retriever, a.cache)
			indexes = append(indexes, evaluation.Index{
				Name:      ic.Name,
				Label:     ic.Label,
				Retriever: retriever,
				Catalog:   relevance.BuildCatalog(ctx, ic.Name, store.Collection(ic.Collection), a.log.Logger),
			})
		}

	default:
		for _, ic := range a.cfg.Indexes {
			ds := storage.NewDocStore(ic.Path, a.log.Logger)
			retriever, err := rag.NewDocstoreRetriever(ctx, ds, a.log.Logger)
			if err != nil {
				a.log.WithError(err).Warn("failed to load index, skipping its runs", "index", ic.Name, "path", ic.Path)
				continue
			}
			indexes = append(indexes, evaluation.Index{
				Name:      ic.Name,
				Label:     ic.Label,
				Retriever: retriever,
				Catalog:   relevance.BuildCatalog(ctx, ic.Name, ds, a.log.Logger),
			})
		}
	}

	if len(indexes) == 0 {
		return nil, evaluation.ErrNoIndexes
	}
	return indexes, nil
}

// loadCatalogs builds the catalog of every configured index without loading
// retrievers.
func (a *app) loadCatalogs(ctx context.Context) ([]relevance.Catalog, error) {
	catalogs := make([]relevance.Catalog, 0, len(a.cfg.Indexes))

	if a.cfg.Eval.Backend == config.BackendPgVector {
		store, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		for _, ic := range a.cfg.Indexes {
			catalogs = append(catalogs, relevance.BuildCatalog(ctx, ic.Name, store.Collection(ic.Collection), a.log.Logger))
		}
		return catalogs, nil
	}

	for _, ic := range a.cfg.Indexes {
		catalogs = append(catalogs, relevance.BuildCatalog(ctx, ic.Name, storage.NewDocStore(ic.Path, a.log.Logger), a.log.Logger))
	}
	return catalogs, nil
}

// newEmbedder creates the query embedder; keyword search needs none.
func (a *app) newEmbedder() (rag.Embedder, error) {
	if a.cfg.Eval.SearchMode == string(rag.SearchTypeKeyword) {
		return nil, nil
	}

	defaults := embedder.DefaultEmbedderConfig(a.cfg.Embedding.APIKey)
	emb, err := embedder.NewOpenAIEmbedder(embedder.EmbedderConfig{
		APIKey:         a.cfg.Embedding.APIKey,
		BaseURL:        a.cfg.Embedding.BaseURL,
		Model:          a.cfg.Embedding.Model,
		Dimensions:     a.cfg.Embedding.Dimensions,
		MaxRetries:     defaults.MaxRetries,
		RetryDelay:     defaults.RetryDelay,
		RateLimitRPM:   a.cfg.Embedding.RateLimit,
		CacheSize:      a.cfg.Embedding.CacheSize,
		RequestTimeout: a.cfg.Eval.RetrievalTimeout,
	}, a.cache, a.log)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return emb, nil
}

func (a *app) newMapper() (*relevance.Mapper, error) {
	mapper, err := relevance.NewMapper(relevance.MapperConfig{
		Threshold: a.cfg.Eval.FuzzyThreshold,
		Method:    a.cfg.Eval.MatchMethod,
		Limit:     a.cfg.Eval.FuzzyLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create relevance mapper: %w", err)
	}
	return mapper, nil
}

// newAnswering creates the query rewriter and the answer generator. The
// provider is only built when generation or HyDE needs it.
func (a *app) newAnswering() (*rag.QueryRewriter, *rag.Generator, error) {
	eval := a.cfg.Eval

	var provider llm.Provider
	if eval.UseLLM || eval.UseHyDE {
		p, err := a.newProvider()
		if err != nil {
			return nil, nil, err
		}
		provider = p
	}

	var hydeProvider llm.Provider
	if eval.UseHyDE {
		hydeProvider = provider
	}
	rewriter := rag.NewQueryRewriter(rag.QueryRewriterConfig{
		E5Instructions: eval.E5Instructions,
		UseHyDE:        eval.UseHyDE,
		MaxTokens:      a.cfg.LLM.MaxOutputTokens,
	}, hydeProvider, a.cache, a.log.Logger)

	var generator *rag.Generator
	if eval.UseLLM {
		passages := rag.DefaultPassageBuilderConfig()
		passages.MaxTokens = eval.MaxPromptTokens
		builder := rag.NewPassageBuilder(a.log.Logger, passages)
		generator = rag.NewGenerator(provider, builder, a.cache, rag.GeneratorConfig{
			MaxPassages:     eval.MaxPassages,
			MaxOutputTokens: a.cfg.LLM.MaxOutputTokens,
			Temperature:     a.cfg.LLM.Temperature,
		}, a.log.Logger)
	}

	return rewriter, generator, nil
}

// newProvider builds the configured LLM provider behind a guard owning the
// generation timeout and request limit.
func (a *app) newProvider() (llm.Provider, error) {
	lc := a.cfg.LLM

	var baseURL string
	switch strings.ToLower(lc.Provider) {
	case string(llm.ProviderOllama):
		baseURL = lc.OllamaBaseURL
	case string(llm.ProviderLMStudio):
		baseURL = lc.LMStudioBaseURL
	}

	provider, err := llm.NewProvider(llm.ProviderConfig{
		Provider:    lc.Provider,
		Model:       lc.Model,
		APIKey:      lc.ResolveAPIKey(),
		BaseURL:     baseURL,
		MaxTokens:   lc.MaxOutputTokens,
		Temperature: lc.Temperature,
	}, a.log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	return llm.NewGuardedProvider(provider, llm.GuardConfig{
		Timeout:           a.cfg.Eval.GenerationTimeout,
		RequestsPerMinute: lc.RequestsPerMinute,
	}, a.log.Logger), nil
}
