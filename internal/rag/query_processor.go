package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alqutdigital/legal-rag-eval/internal/llm"
	"github.com/alqutdigital/legal-rag-eval/internal/storage"
)

// E5QueryPrefix is prepended to queries for E5-family embedding models.
const E5QueryPrefix = "query: "

// HyDEPrompt asks the model for a hypothetical answer to search with.
const HyDEPrompt = "Please write a short, hypothetical answer to the following legal question. " +
	"This will be used for a vector search, so focus on relevant legal concepts and terminology.\n\n" +
	"Question: %s\n\nHypothetical Answer:"

// QueryRewriterConfig holds configuration for query rewriting.
type QueryRewriterConfig struct {
	E5Instructions bool
	UseHyDE        bool
	MaxTokens      int
}

// QueryRewriter turns a question into the text sent to retrievers. HyDE
// rewrites are computed once per sample and shared across runs.
type QueryRewriter struct {
	config   QueryRewriterConfig
	provider llm.Provider
	cache    storage.Cache
	logger   *slog.Logger

	mu   sync.Mutex
	memo map[string]*hydeEntry
}

type hydeEntry struct {
	once sync.Once
	text string
}

// NewQueryRewriter creates a rewriter. provider is only used with HyDE.
func NewQueryRewriter(config QueryRewriterConfig, provider llm.Provider, cache storage.Cache, logger *slog.Logger) *QueryRewriter {
	if logger == nil {
		logger = slog.Default()
	}
	if cache == nil {
		cache = storage.NewNullCacheManager()
	}
	return &QueryRewriter{
		config:   config,
		provider: provider,
		cache:    cache,
		logger:   logger.With("component", "query_rewriter"),
		memo:     make(map[string]*hydeEntry),
	}
}

// HyDE reports whether hypothetical-answer rewriting is on.
func (q *QueryRewriter) HyDE() bool {
	return q.config.UseHyDE
}

// IndexQuery is the query used for single-index runs.
func (q *QueryRewriter) IndexQuery(ctx context.Context, sampleID, question string) string {
	text := q.base(ctx, sampleID, question)
	if q.config.E5Instructions {
		text = E5QueryPrefix + text
	}
	return text
}

// CombinedQuery is the query used for the combined generation run. It never
// carries the E5 prefix.
func (q *QueryRewriter) CombinedQuery(ctx context.Context, sampleID, question string) string {
	return q.base(ctx, sampleID, question)
}

func (q *QueryRewriter) base(ctx context.Context, sampleID, question string) string {
	if !q.config.UseHyDE || q.provider == nil {
		return question
	}

	q.mu.Lock()
	entry, ok := q.memo[sampleID]
	if !ok {
		entry = &hydeEntry{}
		q.memo[sampleID] = entry
	}
	q.mu.Unlock()

	entry.once.Do(func() {
		entry.text = q.hypothetical(ctx, question)
	})
	return entry.text
}

// hypothetical asks the provider for a hypothetical answer, returning the
// question itself on any failure.
func (q *QueryRewriter) hypothetical(ctx context.Context, question string) string {
	key := storage.BuildTextKey(q.provider.Name(), q.provider.Model(), question)
	if cached, ok, err := q.cache.GetText(ctx, storage.TextKindHyDE, key); err == nil && ok {
		return cached
	}

	resp, err := q.provider.Chat(ctx, llm.Prompt(fmt.Sprintf(HyDEPrompt, question), q.config.MaxTokens, 0))
	if err != nil || resp.IsEmpty() {
		if err == nil {
			err = ErrEmptyGeneration
		}
		q.logger.Warn("HyDE generation failed, using original question",
			"question", truncateForLog(question, 50),
			"error", err,
		)
		return question
	}

	text := strings.TrimSpace(resp.Text)
	if err := q.cache.SetText(ctx, storage.TextKindHyDE, key, text); err != nil {
		q.logger.Debug("failed to cache HyDE rewrite", "error", err)
	}
	return text
}

func truncateForLog(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
