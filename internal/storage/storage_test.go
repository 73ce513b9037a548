package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/legal-rag-eval/pkg/logger"
)

// mockRedis is an in-memory RedisClient.
type mockRedis struct {
	mu      sync.Mutex
	data    map[string]string
	pingErr error
	setErr  error
}

func newMockRedis() *mockRedis {
	return &mockRedis{data: make(map[string]string)}
}

func (m *mockRedis) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

func (m *mockRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		m.data[key] = string(v)
	case string:
		m.data[key] = v
	default:
		return errors.New("unsupported value type")
	}
	return nil
}

func (m *mockRedis) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *mockRedis) Keys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (m *mockRedis) Ping(ctx context.Context) error { return m.pingErr }
func (m *mockRedis) Close() error                   { return nil }

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(filepath.Join(dir, name)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestDocStore_LoadJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, DocstoreJSON, `{
		"_dict": {"store": {
			"b": {"page_content": "Section 420 deals with cheating.", "metadata": {"source": "acts/IPC.pdf", "doc_id": 42}},
			"a": {"page_content": "Bail provisions.", "metadata": {"title": "CrPC"}},
			"c": {"page_content": "No metadata.", "metadata": {}}
		}}
	}`)

	ds := NewDocStore(dir, logger.Discard())
	entries, err := ds.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "CrPC", entries[0].Source())
	assert.Equal(t, "acts/IPC.pdf", entries[1].Source())

	sources, err := ds.ListSources(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"CrPC", "acts/IPC.pdf", "42"}, sources)
}

func TestDocStore_LoadJSONL(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, DocstoreJSONL, strings.Join([]string{
		`{"id": "1", "page_content": "first", "metadata": {"source": "a.pdf"}}`,
		`not json`,
		``,
		`{"page_content": "second", "metadata": {"source": "b.pdf"}}`,
	}, "\n"))

	entries, err := NewDocStore(dir, logger.Discard()).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "00000004", entries[0].ID)
	assert.Equal(t, "1", entries[1].ID)
}

func TestDocStore_Missing(t *testing.T) {
	_, err := NewDocStore(t.TempDir(), logger.Discard()).ListSources(context.Background())
	assert.ErrorIs(t, err, ErrDocstoreNotFound)
}

func TestDocStore_Malformed(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, DocstoreJSON, `{"_dict": [1, 2]}`)

	_, err := NewDocStore(dir, logger.Discard()).Load(context.Background())
	assert.Error(t, err)
}

func TestSourceOf(t *testing.T) {
	assert.Equal(t, "a.pdf", SourceOf(map[string]any{"source": " a.pdf ", "title": "A"}))
	assert.Equal(t, "A", SourceOf(map[string]any{"source": "", "title": "A"}))
	assert.Equal(t, "", SourceOf(nil))
	assert.Equal(t, []string{"a.pdf", "7"}, IdentifiersOf(map[string]any{"source": "a.pdf", "doc_id": float64(7)}))
}

func TestVectorParam(t *testing.T) {
	assert.Equal(t, "[0.5,-1,0.25]", vectorParam([]float32{0.5, -1, 0.25}))
	assert.Equal(t, "[0.1]", vectorParam([]float32{0.1}))
	assert.Equal(t, "", vectorParam(nil))
}

func TestNewPgVectorStore_QuotesTable(t *testing.T) {
	vs := NewPgVectorStore(nil, "chunks; DROP TABLE x", logger.Discard())
	assert.Contains(t, vs.semanticSQL, `FROM "chunks; DROP TABLE x"`)

	vs = NewPgVectorStore(nil, "", nil)
	assert.Contains(t, vs.keywordSQL, `FROM "index_chunks"`)
	assert.Contains(t, vs.sourcesSQL, "ORDER BY ident")
}

func TestCacheManager_RoundTrips(t *testing.T) {
	ctx := context.Background()
	cm := NewCacheManager(ctx, newMockRedis(), logger.Discard(), DefaultCacheConfig())
	require.True(t, cm.IsHealthy())

	_, ok, err := cm.GetEmbedding(ctx, "query: bail")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cm.SetEmbedding(ctx, "query: bail", []float32{0.1, 0.2}))
	emb, ok, err := cm.GetEmbedding(ctx, "query: bail")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2}, emb)

	chunks := []IndexChunk{{ID: "1", Source: "a.pdf", Content: "text", Score: 0.9}}
	key := BuildRetrievalKey("acts", "hybrid", "bail", 5)
	require.NoError(t, cm.SetRetrieval(ctx, key, chunks))
	got, ok, err := cm.GetRetrieval(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, chunks, got)

	textKey := BuildTextKey("gemini-2.5-pro", "prompt")
	require.NoError(t, cm.SetText(ctx, TextKindGeneration, textKey, "answer [1]"))
	text, ok, err := cm.GetText(ctx, TextKindGeneration, textKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "answer [1]", text)

	m := cm.GetMetrics()
	assert.Equal(t, uint64(1), m.EmbeddingHits)
	assert.Equal(t, uint64(1), m.EmbeddingMisses)
	assert.Equal(t, uint64(1), m.RetrievalHits)
	assert.Equal(t, uint64(1), m.TextHits)

	require.NoError(t, cm.InvalidateAll(ctx))
	_, ok, _ = cm.GetText(ctx, TextKindGeneration, textKey)
	assert.False(t, ok)
}

func TestCacheManager_Degradation(t *testing.T) {
	ctx := context.Background()

	unhealthy := newMockRedis()
	unhealthy.pingErr = errors.New("connection refused")
	cm := NewCacheManager(ctx, unhealthy, logger.Discard(), DefaultCacheConfig())
	assert.False(t, cm.IsHealthy())
	require.NoError(t, cm.SetText(ctx, TextKindHyDE, "k", "v"))
	_, ok, err := cm.GetText(ctx, TextKindHyDE, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	failing := newMockRedis()
	failing.setErr = errors.New("OOM")
	cm = NewCacheManager(ctx, failing, logger.Discard(), DefaultCacheConfig())
	assert.NoError(t, cm.SetText(ctx, TextKindHyDE, "k", "v"))
	assert.Equal(t, uint64(1), cm.GetMetrics().Errors)

	strict := DefaultCacheConfig()
	strict.GracefulDegradation = false
	cm = NewCacheManager(ctx, failing, logger.Discard(), strict)
	assert.Error(t, cm.SetText(ctx, TextKindHyDE, "k", "v"))

	assert.False(t, NewCacheManager(ctx, nil, logger.Discard(), DefaultCacheConfig()).IsHealthy())
}

func TestCacheManager_DisablesAfterConsecutiveErrors(t *testing.T) {
	ctx := context.Background()
	failing := newMockRedis()
	failing.setErr = errors.New("READONLY replica")

	cfg := DefaultCacheConfig()
	cfg.MaxConsecutiveErrors = 3
	cm := NewCacheManager(ctx, failing, logger.Discard(), cfg)

	for i := range 2 {
		require.NoError(t, cm.SetText(ctx, TextKindHyDE, "k", "v"))
		assert.True(t, cm.IsHealthy(), "after %d errors", i+1)
	}
	require.NoError(t, cm.SetText(ctx, TextKindHyDE, "k", "v"))
	assert.False(t, cm.IsHealthy())

	// Disabled caches stop talking to Redis.
	require.NoError(t, cm.SetText(ctx, TextKindHyDE, "k", "v"))
	assert.Equal(t, uint64(3), cm.GetMetrics().Errors)
}

func TestCacheManager_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	redis := newMockRedis()
	cm := NewCacheManager(ctx, redis, logger.Discard(), DefaultCacheConfig())

	redis.data["legaleval:embed:"+HashKey("q")] = "abc"
	_, ok, err := cm.GetEmbedding(ctx, "q")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), cm.GetMetrics().Errors)
	assert.Zero(t, cm.GetMetrics().EmbeddingHits)
}

func TestNullCacheManager(t *testing.T) {
	var c Cache = NewNullCacheManager()
	ctx := context.Background()
	require.NoError(t, c.SetText(ctx, TextKindGeneration, "k", "v"))
	_, ok, err := c.GetText(ctx, TextKindGeneration, "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, CacheMetrics{}, c.GetMetrics())
}

func TestEncodeDecodeEmbedding(t *testing.T) {
	in := []float32{1.5, -0.25, 0}
	out, err := decodeEmbedding(encodeEmbedding(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeEmbedding([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestListFilesAndRunPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "summary.csv", "x")
	writeFile(t, dir, "StoreA_Acts_k5/aggregate.json", "{}")

	files, err := listFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join("StoreA_Acts_k5", "aggregate.json"), "summary.csv"}, files)

	assert.Equal(t, "runs/run-1/StoreA_Acts_k5/aggregate.json", BuildRunPath("run-1", filepath.Join("StoreA_Acts_k5", "aggregate.json")))
	assert.Equal(t, "text/csv; charset=utf-8", detectContentType("summary.csv"))
	assert.Equal(t, "application/x-ndjson", detectContentType("records.jsonl"))
	assert.Equal(t, "application/octet-stream", detectContentType("index.faiss"))
}

func TestSplitLast(t *testing.T) {
	files := []string{"StoreA_Acts_k5/records.jsonl", "run_manifest.json", "summary.csv"}
	body, tail := splitLast(files, []string{"run_manifest.json"})
	assert.Equal(t, []string{"StoreA_Acts_k5/records.jsonl", "summary.csv"}, body)
	assert.Equal(t, []string{"run_manifest.json"}, tail)

	body, tail = splitLast(files, nil)
	assert.Equal(t, files, body)
	assert.Empty(t, tail)
}
