package rag

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/legal-rag-eval/internal/llm"
	"github.com/alqutdigital/legal-rag-eval/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockChunkStore implements storage.ChunkStore for testing.
type MockChunkStore struct {
	searchResults  []storage.IndexChunk
	keywordResults []storage.IndexChunk
	searchErr      error
	keywordErr     error
	lastSearch     storage.SearchQuery
	searchCalls    int
	keywordCalls   int
}

func (m *MockChunkStore) Search(ctx context.Context, query storage.SearchQuery) ([]storage.IndexChunk, error) {
	m.searchCalls++
	m.lastSearch = query
	return m.searchResults, m.searchErr
}

func (m *MockChunkStore) KeywordSearch(ctx context.Context, collection, query string, topK int) ([]storage.IndexChunk, error) {
	m.keywordCalls++
	return m.keywordResults, m.keywordErr
}

func (m *MockChunkStore) ListSources(ctx context.Context, collection string) ([]string, error) {
	return nil, nil
}

func (m *MockChunkStore) Health(ctx context.Context) error { return nil }

// MockEmbedder implements Embedder for testing.
type MockEmbedder struct {
	embedding []float32
	err       error
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedding, m.err
}

// MockRetriever returns canned items.
type MockRetriever struct {
	items []RetrievedItem
	err   error
	calls atomic.Int64
	fn    func(ctx context.Context, query string, k int) ([]RetrievedItem, error)
}

func (m *MockRetriever) Retrieve(ctx context.Context, query string, k int) ([]RetrievedItem, error) {
	m.calls.Add(1)
	if m.fn != nil {
		return m.fn(ctx, query, k)
	}
	items := m.items
	if len(items) > k {
		items = items[:k]
	}
	return items, m.err
}

// memCache is an in-memory storage.Cache.
type memCache struct {
	mu        sync.Mutex
	retrieval map[string][]storage.IndexChunk
	text      map[string]string
}

func newMemCache() *memCache {
	return &memCache{retrieval: map[string][]storage.IndexChunk{}, text: map[string]string{}}
}

func (c *memCache) GetEmbedding(ctx context.Context, q string) ([]float32, bool, error) {
	return nil, false, nil
}
func (c *memCache) SetEmbedding(ctx context.Context, q string, e []float32) error { return nil }
func (c *memCache) GetRetrieval(ctx context.Context, key string) ([]storage.IndexChunk, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.retrieval[key]
	return v, ok, nil
}
func (c *memCache) SetRetrieval(ctx context.Context, key string, chunks []storage.IndexChunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retrieval[key] = chunks
	return nil
}
func (c *memCache) GetText(ctx context.Context, kind, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.text[kind+":"+key]
	return v, ok, nil
}
func (c *memCache) SetText(ctx context.Context, kind, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text[kind+":"+key] = value
	return nil
}
func (c *memCache) GetMetrics() storage.CacheMetrics { return storage.CacheMetrics{} }

func chunk(id, source, content string) storage.IndexChunk {
	return storage.IndexChunk{ID: id, Source: source, Content: content}
}

func TestIndexRetriever_Semantic(t *testing.T) {
	store := &MockChunkStore{searchResults: []storage.IndexChunk{
		chunk("1", "a.pdf", "alpha"),
		chunk("2", "b.pdf", "beta"),
		chunk("3", "", "gamma"),
	}}
	store.searchResults[2].Metadata = map[string]any{"title": "C"}

	r := NewIndexRetriever(store, "acts", &MockEmbedder{embedding: []float32{0.1}}, quietLogger(),
		RetrieverConfig{SearchType: SearchTypeSemantic})

	items, err := r.Retrieve(context.Background(), "query", 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "acts", store.lastSearch.Collection)
	assert.Equal(t, []string{"a.pdf", "b.pdf", "C"}, Sources(items))
	for i, it := range items {
		assert.Equal(t, i+1, it.Rank)
	}
	assert.Equal(t, 0, store.keywordCalls)
}

func TestIndexRetriever_SemanticWithoutEmbedder(t *testing.T) {
	r := NewIndexRetriever(&MockChunkStore{}, "acts", nil, quietLogger(), RetrieverConfig{SearchType: SearchTypeSemantic})
	_, err := r.Retrieve(context.Background(), "q", 5)
	assert.ErrorIs(t, err, ErrNoEmbedder)
}

func TestIndexRetriever_Hybrid(t *testing.T) {
	t.Run("fuses both lists", func(t *testing.T) {
		store := &MockChunkStore{
			searchResults:  []storage.IndexChunk{chunk("1", "a", "x"), chunk("2", "b", "x")},
			keywordResults: []storage.IndexChunk{chunk("2", "b", "x"), chunk("3", "c", "x")},
		}
		r := NewIndexRetriever(store, "acts", &MockEmbedder{embedding: []float32{1}}, quietLogger(), DefaultRetrieverConfig())

		items, err := r.Retrieve(context.Background(), "q", 2)
		require.NoError(t, err)
		// "b" appears in both lists and must win.
		assert.Equal(t, []string{"b", "a"}, Sources(items))
		assert.Equal(t, 4, store.lastSearch.TopK)
	})

	t.Run("degrades to keyword", func(t *testing.T) {
		store := &MockChunkStore{keywordResults: []storage.IndexChunk{chunk("3", "c", "x")}}
		r := NewIndexRetriever(store, "acts", &MockEmbedder{err: errors.New("offline")}, quietLogger(), DefaultRetrieverConfig())

		items, err := r.Retrieve(context.Background(), "q", 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, Sources(items))
	})

	t.Run("both sides failing is an error", func(t *testing.T) {
		store := &MockChunkStore{keywordErr: errors.New("pg down")}
		r := NewIndexRetriever(store, "acts", nil, quietLogger(), DefaultRetrieverConfig())

		_, err := r.Retrieve(context.Background(), "q", 5)
		assert.Error(t, err)
	})
}

func TestReciprocalRankFusion_Deterministic(t *testing.T) {
	semantic := []storage.IndexChunk{chunk("b", "b", ""), chunk("a", "a", "")}
	keyword := []storage.IndexChunk{chunk("a", "a", ""), chunk("b", "b", "")}
	cfg := RetrieverConfig{RRFConstant: 60, SemanticWeight: 0.5, KeywordWeight: 0.5}

	first := reciprocalRankFusion(semantic, keyword, cfg, 2)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, reciprocalRankFusion(semantic, keyword, cfg, 2))
	}
	assert.Equal(t, "a", first[0].ID)
}

func TestDocstoreRetriever_BM25(t *testing.T) {
	r := newDocstoreRetriever([]storage.DocstoreEntry{
		{ID: "1", PageContent: "The Indian Penal Code defines cheating in Section 420.", Metadata: map[string]any{"source": "acts/IPC.pdf"}},
		{ID: "2", PageContent: "Bail may be granted by the Sessions Court.", Metadata: map[string]any{"source": "acts/CrPC.pdf"}},
		{ID: "3", PageContent: "Cheating and dishonestly inducing delivery of property is punishable.", Metadata: map[string]any{"source": "judgments/State_v_Ram.pdf"}},
	})
	assert.Equal(t, 3, r.Len())

	items, err := r.Retrieve(context.Background(), "what is cheating under section 420", 5)
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, "acts/IPC.pdf", items[0].SourceID)
	assert.Equal(t, 1, items[0].Rank)
	assert.NotContains(t, Sources(items), "acts/CrPC.pdf")

	items, err = r.Retrieve(context.Background(), "section 420", 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	items, err = r.Retrieve(context.Background(), "zzz", 5)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSafeRetriever(t *testing.T) {
	ctx := context.Background()
	items := []RetrievedItem{{SourceID: "a", Rank: 1}, {SourceID: "b", Rank: 2}}

	t.Run("passes items through and truncates", func(t *testing.T) {
		s := NewSafeRetriever("acts", &MockRetriever{fn: func(context.Context, string, int) ([]RetrievedItem, error) {
			return items, nil
		}}, time.Second, quietLogger())
		got, err := s.Retrieve(ctx, "q", 1)
		require.NoError(t, err)
		assert.Len(t, got, 1)
		assert.Equal(t, "acts", s.Name())
	})

	t.Run("error yields no items", func(t *testing.T) {
		s := NewSafeRetriever("acts", &MockRetriever{items: items, err: errors.New("boom")}, time.Second, quietLogger())
		got, err := s.Retrieve(ctx, "q", 5)
		assert.Error(t, err)
		assert.Nil(t, got)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		s := NewSafeRetriever("acts", &MockRetriever{fn: func(context.Context, string, int) ([]RetrievedItem, error) {
			panic("index corrupted")
		}}, time.Second, quietLogger())
		got, err := s.Retrieve(ctx, "q", 5)
		assert.ErrorIs(t, err, ErrRetrieverPanic)
		assert.Nil(t, got)
	})

	t.Run("timeout", func(t *testing.T) {
		s := NewSafeRetriever("acts", &MockRetriever{fn: func(ctx context.Context, _ string, _ int) ([]RetrievedItem, error) {
			<-ctx.Done()
			return items, nil
		}}, 10*time.Millisecond, quietLogger())
		got, err := s.Retrieve(ctx, "q", 5)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Nil(t, got)
	})

	t.Run("timeout holds when the retriever ignores ctx", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		s := NewSafeRetriever("acts", &MockRetriever{fn: func(context.Context, string, int) ([]RetrievedItem, error) {
			<-release
			return items, nil
		}}, 20*time.Millisecond, quietLogger())

		start := time.Now()
		got, err := s.Retrieve(ctx, "q", 5)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Nil(t, got)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}

func TestCachedRetriever(t *testing.T) {
	inner := &MockRetriever{items: []RetrievedItem{
		{SourceID: "a", Rank: 1, Score: 0.9, Text: "alpha"},
		{SourceID: "b", Rank: 2, Score: 0.5, Text: "beta"},
	}}
	c := NewCachedRetriever("acts", "docstore", inner, newMemCache())

	first, err := c.Retrieve(context.Background(), "q", 2)
	require.NoError(t, err)
	second, err := c.Retrieve(context.Background(), "q", 2)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.calls.Load())

	_, err = c.Retrieve(context.Background(), "q", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), inner.calls.Load())
}

func TestBestSentence(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		question string
		want     string
	}{
		{name: "empty text", text: "", question: "q", want: ""},
		{name: "largest overlap wins", text: "Bail is discretionary. Cheating is punishable under Section 420. Appeals lie to the High Court.",
			question: "What section punishes cheating?", want: "Cheating is punishable under Section 420"},
		{name: "first wins ties", text: "Alpha one.\nAlpha two.", question: "alpha", want: "Alpha one"},
		{name: "no question tokens", text: "First sentence. Second sentence.", question: "the ?", want: "First sentence"},
		{name: "no sentences", text: " ... ", question: "anything", want: "..."},
		{name: "no overlap keeps first", text: "One. Two.", question: "zebra", want: "One"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BestSentence(tt.text, tt.question))
		})
	}

	long := strings.Repeat("word ", 200)
	assert.Len(t, []rune(BestSentence(long, "word")), 600)
	assert.Len(t, []rune(BestSentence(long, "")), 300)

	assert.Equal(t, "", HeuristicAnswer(nil, "q"))
}

func TestPassageBuilder(t *testing.T) {
	pb := NewPassageBuilder(quietLogger(), DefaultPassageBuilderConfig())

	block := pb.Build([]RetrievedItem{
		{SourceID: "a.pdf", Text: "  first passage  "},
		{SourceID: "b.pdf", Text: "second"},
	})
	assert.Equal(t, "[1] first passage\n(Source: a.pdf)\n\n[2] second\n(Source: b.pdf)", block.Text)
	assert.Equal(t, 2, block.Included)

	long := strings.Repeat("x", 900)
	block = pb.Build([]RetrievedItem{{SourceID: "s", Text: long}})
	assert.True(t, strings.HasPrefix(block.Text, "[1] "+strings.Repeat("x", 800)+"…\n"))

	small := NewPassageBuilder(quietLogger(), PassageBuilderConfig{SnippetChars: 800, TotalChars: 40})
	block = small.Build([]RetrievedItem{
		{SourceID: "a", Text: "short"},
		{SourceID: "b", Text: "this one does not fit in the remaining budget"},
		{SourceID: "c", Text: "x"},
	})
	assert.Equal(t, 1, block.Included)
	assert.Equal(t, "[1] short\n(Source: a)", block.Text)

	assert.Equal(t, "", pb.Build(nil).Text)
}

func TestPassageBuilder_TokenBudget(t *testing.T) {
	items := []RetrievedItem{
		{SourceID: "a", Text: "short"},
		{SourceID: "b", Text: "a second passage that no longer fits the token budget"},
		{SourceID: "c", Text: "x"},
	}
	first := "[1] short\n(Source: a)\n\n"

	unlimited := NewPassageBuilder(quietLogger(), DefaultPassageBuilderConfig())
	full := unlimited.Build(items)
	assert.Equal(t, 3, full.Included)
	assert.Greater(t, full.Tokens, unlimited.CountTokens(first), "tokens are counted without a budget")

	cfg := DefaultPassageBuilderConfig()
	cfg.MaxTokens = unlimited.CountTokens(first) + 1
	capped := NewPassageBuilder(quietLogger(), cfg).Build(items)
	assert.Equal(t, 1, capped.Included)
	assert.Equal(t, "[1] short\n(Source: a)", capped.Text)
	assert.LessOrEqual(t, capped.Tokens, cfg.MaxTokens)
}

func TestGenerator(t *testing.T) {
	ctx := context.Background()
	items := []RetrievedItem{
		{SourceID: "a.pdf", Rank: 1, Text: "Cheating is punishable under Section 420. Other text."},
		{SourceID: "b.pdf", Rank: 2, Text: "Unrelated."},
	}
	question := "What punishes cheating?"
	heuristic := HeuristicAnswer(items, question)

	t.Run("generated", func(t *testing.T) {
		provider := llm.NewMockProvider("Section 420 applies [1].")
		g := NewGenerator(provider, nil, nil, DefaultGeneratorConfig(), quietLogger())
		ans := g.Generate(ctx, question, items)
		assert.Equal(t, AnswerModeGenerated, ans.Mode)
		assert.Equal(t, "Section 420 applies [1].", ans.Text)
		assert.Empty(t, ans.FallbackReason)

		prompt := provider.Requests()[0].Messages[0].Text
		assert.Contains(t, prompt, "Question: What punishes cheating?")
		assert.Contains(t, prompt, "[2] Unrelated.\n(Source: b.pdf)")
		assert.True(t, strings.HasSuffix(prompt, "Format: <answer in 1-3 sentences> [citations]"))
		assert.Positive(t, ans.PromptTokens)
		assert.Equal(t, 2, ans.Passages)
	})

	failures := map[string]*llm.MockProvider{
		FallbackError: {Respond: func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
			return nil, errors.New("quota")
		}},
		FallbackEmpty: llm.NewMockProvider("   "),
		FallbackPanic: {Respond: func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
			panic("bad response")
		}},
		FallbackTimeout: {Respond: func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
			return nil, context.DeadlineExceeded
		}},
	}
	for reason, provider := range failures {
		t.Run("fallback "+reason, func(t *testing.T) {
			g := NewGenerator(provider, nil, nil, DefaultGeneratorConfig(), quietLogger())
			ans := g.Generate(ctx, question, items)
			assert.Equal(t, AnswerModeHeuristic, ans.Mode)
			assert.Equal(t, reason, ans.FallbackReason)
			assert.Equal(t, heuristic, ans.Text)
		})
	}

	t.Run("heuristic only", func(t *testing.T) {
		g := NewGenerator(nil, nil, nil, DefaultGeneratorConfig(), quietLogger())
		assert.False(t, g.Enabled())
		ans := g.Generate(ctx, question, items)
		assert.Equal(t, AnswerModeHeuristic, ans.Mode)
		assert.Empty(t, ans.FallbackReason)
		assert.Equal(t, heuristic, ans.Text)
	})

	t.Run("caps passages", func(t *testing.T) {
		provider := llm.NewMockProvider("ok")
		g := NewGenerator(provider, nil, nil, GeneratorConfig{MaxPassages: 1}, quietLogger())
		ans := g.Generate(ctx, question, items)
		assert.Equal(t, 1, ans.Passages)
		assert.NotContains(t, provider.Requests()[0].Messages[0].Text, "[2]")
	})

	t.Run("cached generation skips provider", func(t *testing.T) {
		provider := llm.NewMockProvider("cached answer")
		cache := newMemCache()
		g := NewGenerator(provider, nil, cache, DefaultGeneratorConfig(), quietLogger())
		g.Generate(ctx, question, items)
		ans := g.Generate(ctx, question, items)
		assert.Equal(t, "cached answer", ans.Text)
		assert.Equal(t, 1, provider.Calls())
	})
}

func TestQueryRewriter(t *testing.T) {
	ctx := context.Background()

	plain := NewQueryRewriter(QueryRewriterConfig{E5Instructions: true}, nil, nil, quietLogger())
	assert.Equal(t, "query: what is bail", plain.IndexQuery(ctx, "0", "what is bail"))
	assert.Equal(t, "what is bail", plain.CombinedQuery(ctx, "0", "what is bail"))

	provider := llm.NewMockProvider("Bail is the conditional release of an accused.")
	hyde := NewQueryRewriter(QueryRewriterConfig{UseHyDE: true, E5Instructions: true}, provider, nil, quietLogger())
	assert.True(t, hyde.HyDE())
	assert.Equal(t, "query: Bail is the conditional release of an accused.", hyde.IndexQuery(ctx, "0", "what is bail"))
	assert.Equal(t, "Bail is the conditional release of an accused.", hyde.CombinedQuery(ctx, "0", "what is bail"))
	assert.Equal(t, 1, provider.Calls())
	assert.Contains(t, provider.Requests()[0].Messages[0].Text, "Question: what is bail\n\nHypothetical Answer:")

	failing := &llm.MockProvider{Respond: func(context.Context, llm.ChatRequest) (*llm.ChatResponse, error) {
		return nil, errors.New("quota")
	}}
	fallback := NewQueryRewriter(QueryRewriterConfig{UseHyDE: true}, failing, nil, quietLogger())
	assert.Equal(t, "what is bail", fallback.IndexQuery(ctx, "1", "what is bail"))
}
