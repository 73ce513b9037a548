// Package rag provides the retrieval and answer-generation side of the
// evaluator: index retrievers, passage assembly, query rewriting and answers.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/alqutdigital/legal-rag-eval/internal/storage"
)

// RetrievedItem is one ranked result of a retrieval call.
type RetrievedItem struct {
	SourceID string  `json:"source"`
	Rank     int     `json:"rank"`
	Score    float64 `json:"score"`
	Text     string  `json:"text"`
}

// Retriever is the read-only query contract every index implements.
// Results are ranked 1..n with n <= k.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]RetrievedItem, error)
}

// Embedder defines the interface for generating query embeddings.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchType defines the type of search to perform.
type SearchType string

const (
	SearchTypeSemantic SearchType = "semantic"
	SearchTypeKeyword  SearchType = "keyword"
	SearchTypeHybrid   SearchType = "hybrid"
)

// ErrNoEmbedder is returned by semantic search without an embedder.
var ErrNoEmbedder = errors.New("embedder not configured")

// RetrieverConfig holds configuration for the pgvector retriever.
type RetrieverConfig struct {
	SearchType     SearchType
	MinScore       float64
	RRFConstant    int     // k constant for RRF (default: 60)
	SemanticWeight float64 // Weight for semantic search results (0-1)
	KeywordWeight  float64 // Weight for keyword search results (0-1)
}

// DefaultRetrieverConfig returns a default configuration.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		SearchType:     SearchTypeHybrid,
		RRFConstant:    60,
		SemanticWeight: 0.7,
		KeywordWeight:  0.3,
	}
}

// IndexRetriever searches one collection of a pgvector chunk store.
type IndexRetriever struct {
	store      storage.ChunkStore
	collection string
	embedder   Embedder
	logger     *slog.Logger
	config     RetrieverConfig
}

// NewIndexRetriever creates a retriever over collection. embedder may be nil
// for keyword-only search.
func NewIndexRetriever(store storage.ChunkStore, collection string, embedder Embedder, logger *slog.Logger, config RetrieverConfig) *IndexRetriever {
	if logger == nil {
		logger = slog.Default()
	}

	defaults := DefaultRetrieverConfig()
	if config.SearchType == "" {
		config.SearchType = defaults.SearchType
	}
	if config.RRFConstant == 0 {
		config.RRFConstant = defaults.RRFConstant
	}
	if config.SemanticWeight == 0 {
		config.SemanticWeight = defaults.SemanticWeight
	}
	if config.KeywordWeight == 0 {
		config.KeywordWeight = defaults.KeywordWeight
	}

	return &IndexRetriever{
		store:      store,
		collection: collection,
		embedder:   embedder,
		logger:     logger.With("component", "retriever", "collection", collection),
		config:     config,
	}
}

// Retrieve performs retrieval using the configured search type.
func (r *IndexRetriever) Retrieve(ctx context.Context, query string, k int) ([]RetrievedItem, error) {
	if k <= 0 {
		return nil, nil
	}

	var (
		chunks []storage.IndexChunk
		err    error
	)
	switch r.config.SearchType {
	case SearchTypeSemantic:
		chunks, err = r.semanticSearch(ctx, query, k)
	case SearchTypeKeyword:
		chunks, err = r.store.KeywordSearch(ctx, r.collection, query, k)
	default:
		chunks, err = r.hybridSearch(ctx, query, k)
	}
	if err != nil {
		return nil, err
	}

	return chunksToItems(chunks, k), nil
}

func (r *IndexRetriever) semanticSearch(ctx context.Context, query string, topK int) ([]storage.IndexChunk, error) {
	if r.embedder == nil {
		return nil, ErrNoEmbedder
	}

	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	return r.store.Search(ctx, storage.SearchQuery{
		Collection: r.collection,
		Embedding:  embedding,
		TopK:       topK,
		MinScore:   r.config.MinScore,
	})
}

// hybridSearch combines semantic and keyword search using RRF. One failing
// side degrades to the other; both failing is an error.
func (r *IndexRetriever) hybridSearch(ctx context.Context, query string, topK int) ([]storage.IndexChunk, error) {
	semantic, semErr := r.semanticSearch(ctx, query, topK*2)
	if semErr != nil {
		r.logger.Warn("semantic search failed in hybrid", "error", semErr)
	}

	keyword, kwErr := r.store.KeywordSearch(ctx, r.collection, query, topK*2)
	if kwErr != nil {
		r.logger.Warn("keyword search failed in hybrid", "error", kwErr)
	}

	if semErr != nil && kwErr != nil {
		return nil, errors.Join(semErr, kwErr)
	}

	return reciprocalRankFusion(semantic, keyword, r.config, topK), nil
}

// reciprocalRankFusion combines results from semantic and keyword search.
// RRF score = sum( w / (k + rank) ). Ties break on chunk ID.
func reciprocalRankFusion(semantic, keyword []storage.IndexChunk, cfg RetrieverConfig, topK int) []storage.IndexChunk {
	type rrfItem struct {
		chunk storage.IndexChunk
		score float64
	}

	scores := make(map[string]*rrfItem)
	k := float64(cfg.RRFConstant)

	add := func(chunks []storage.IndexChunk, weight float64) {
		for rank, chunk := range chunks {
			s := weight * (1.0 / (k + float64(rank+1)))
			if existing, ok := scores[chunk.ID]; ok {
				existing.score += s
				continue
			}
			scores[chunk.ID] = &rrfItem{chunk: chunk, score: s}
		}
	}
	add(semantic, cfg.SemanticWeight)
	add(keyword, cfg.KeywordWeight)

	results := make([]rrfItem, 0, len(scores))
	for _, item := range scores {
		results = append(results, *item)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].chunk.ID < results[j].chunk.ID
	})

	final := make([]storage.IndexChunk, 0, topK)
	for i := 0; i < len(results) && i < topK; i++ {
		results[i].chunk.Score = results[i].score
		final = append(final, results[i].chunk)
	}
	return final
}

// chunksToItems ranks chunks 1..n, truncated to k.
func chunksToItems(chunks []storage.IndexChunk, k int) []RetrievedItem {
	if len(chunks) > k {
		chunks = chunks[:k]
	}
	items := make([]RetrievedItem, 0, len(chunks))
	for i, c := range chunks {
		source := c.Source
		if source == "" {
			source = storage.SourceOf(c.Metadata)
		}
		items = append(items, RetrievedItem{
			SourceID: source,
			Rank:     i + 1,
			Score:    c.Score,
			Text:     c.Content,
		})
	}
	return items
}

// Sources returns the source IDs of items in rank order.
func Sources(items []RetrievedItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.SourceID
	}
	return out
}

// Texts returns the passage texts of items in rank order.
func Texts(items []RetrievedItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Text
	}
	return out
}

// Rerank copies items and renumbers them 1..n in their current order.
func Rerank(items []RetrievedItem) []RetrievedItem {
	out := make([]RetrievedItem, len(items))
	for i, it := range items {
		it.Rank = i + 1
		out[i] = it
	}
	return out
}
