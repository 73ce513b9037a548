package storage

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// RedisClient is the subset of Redis commands the cache manager issues.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// Cache is what retrievers, the embedder and the generator memoize through.
// A miss is (zero, false, nil); errors are reserved for corrupt entries.
type Cache interface {
	GetEmbedding(ctx context.Context, query string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, query string, embedding []float32) error
	GetRetrieval(ctx context.Context, key string) ([]IndexChunk, bool, error)
	SetRetrieval(ctx context.Context, key string, chunks []IndexChunk) error
	GetText(ctx context.Context, kind, key string) (string, bool, error)
	SetText(ctx context.Context, kind, key, value string) error
	GetMetrics() CacheMetrics
}

// Text cache kinds.
const (
	TextKindGeneration = "gen"
	TextKindHyDE       = "hyde"
)

type CacheConfig struct {
	Prefix       string
	EmbeddingTTL time.Duration
	RetrievalTTL time.Duration
	TextTTL      time.Duration
	// GracefulDegradation swallows write errors instead of returning them.
	GracefulDegradation bool
	// MaxConsecutiveErrors disables the cache for the rest of the process
	// after that many Redis failures in a row; 0 never disables it.
	MaxConsecutiveErrors int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Prefix:               "legaleval",
		EmbeddingTTL:         24 * time.Hour,
		RetrievalTTL:         6 * time.Hour,
		TextTTL:              24 * time.Hour,
		GracefulDegradation:  true,
		MaxConsecutiveErrors: 5,
	}
}

// CacheMetrics is recorded in the run manifest.
type CacheMetrics struct {
	EmbeddingHits   uint64 `json:"embedding_hits"`
	EmbeddingMisses uint64 `json:"embedding_misses"`
	RetrievalHits   uint64 `json:"retrieval_hits"`
	RetrievalMisses uint64 `json:"retrieval_misses"`
	TextHits        uint64 `json:"text_hits"`
	TextMisses      uint64 `json:"text_misses"`
	Errors          uint64 `json:"errors"`
}

type area int

const (
	areaEmbedding area = iota
	areaRetrieval
	areaText
	areaCount
)

type hitMiss struct {
	hits, misses atomic.Uint64
}

// CacheManager is the Redis-backed Cache.
type CacheManager struct {
	client RedisClient
	cfg    CacheConfig
	log    *slog.Logger

	stats    [areaCount]hitMiss
	errs     atomic.Uint64
	failures atomic.Int64
	healthy  atomic.Bool
}

// NewCacheManager pings client once; a nil or unreachable client yields a
// manager that misses on every read.
func NewCacheManager(ctx context.Context, client RedisClient, logger *slog.Logger, cfg CacheConfig) *CacheManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultCacheConfig().Prefix
	}
	cm := &CacheManager{client: client, cfg: cfg, log: logger.With("component", "cache_manager")}
	if client == nil {
		return cm
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		cm.log.Warn("redis ping failed, cache disabled", "error", err)
		return cm
	}
	cm.healthy.Store(true)
	return cm
}

func (cm *CacheManager) IsHealthy() bool {
	return cm.client != nil && cm.healthy.Load()
}

func (cm *CacheManager) GetMetrics() CacheMetrics {
	s := &cm.stats
	return CacheMetrics{
		EmbeddingHits:   s[areaEmbedding].hits.Load(),
		EmbeddingMisses: s[areaEmbedding].misses.Load(),
		RetrievalHits:   s[areaRetrieval].hits.Load(),
		RetrievalMisses: s[areaRetrieval].misses.Load(),
		TextHits:        s[areaText].hits.Load(),
		TextMisses:      s[areaText].misses.Load(),
		Errors:          cm.errs.Load(),
	}
}

func (cm *CacheManager) GetEmbedding(ctx context.Context, query string) ([]float32, bool, error) {
	raw, ok := cm.fetch(ctx, areaEmbedding, cm.key("embed", HashKey(query)))
	if !ok {
		return nil, false, nil
	}
	emb, err := decodeEmbedding([]byte(raw))
	if err != nil {
		return nil, false, cm.corrupt("embedding", err)
	}
	cm.stats[areaEmbedding].hits.Add(1)
	return emb, true, nil
}

func (cm *CacheManager) SetEmbedding(ctx context.Context, query string, embedding []float32) error {
	return cm.store(ctx, cm.key("embed", HashKey(query)), encodeEmbedding(embedding), cm.cfg.EmbeddingTTL)
}

// GetRetrieval looks up a key built by BuildRetrievalKey.
func (cm *CacheManager) GetRetrieval(ctx context.Context, key string) ([]IndexChunk, bool, error) {
	raw, ok := cm.fetch(ctx, areaRetrieval, cm.key("retrieve", key))
	if !ok {
		return nil, false, nil
	}
	var chunks []IndexChunk
	if err := json.Unmarshal([]byte(raw), &chunks); err != nil {
		return nil, false, cm.corrupt("retrieval", err)
	}
	cm.stats[areaRetrieval].hits.Add(1)
	return chunks, true, nil
}

func (cm *CacheManager) SetRetrieval(ctx context.Context, key string, chunks []IndexChunk) error {
	data, err := json.Marshal(chunks)
	if err != nil {
		return fmt.Errorf("encode retrieval for cache: %w", err)
	}
	return cm.store(ctx, cm.key("retrieve", key), data, cm.cfg.RetrievalTTL)
}

// GetText looks up a generated answer or HyDE passage; key is usually
// built by BuildTextKey.
func (cm *CacheManager) GetText(ctx context.Context, kind, key string) (string, bool, error) {
	raw, ok := cm.fetch(ctx, areaText, cm.key(kind, key))
	if ok {
		cm.stats[areaText].hits.Add(1)
	}
	return raw, ok, nil
}

func (cm *CacheManager) SetText(ctx context.Context, kind, key, value string) error {
	return cm.store(ctx, cm.key(kind, key), value, cm.cfg.TextTTL)
}

// InvalidateAll deletes every key under the prefix.
func (cm *CacheManager) InvalidateAll(ctx context.Context) error {
	if !cm.IsHealthy() {
		return nil
	}
	keys, err := cm.client.Keys(ctx, cm.cfg.Prefix+":*")
	if err != nil {
		return fmt.Errorf("list cache keys: %w", err)
	}
	if err := cm.client.Del(ctx, keys...); err != nil {
		return fmt.Errorf("delete %d cache keys: %w", len(keys), err)
	}
	cm.log.Info("cache invalidated", "keys", len(keys))
	return nil
}

func (cm *CacheManager) Close() error {
	if cm.client == nil {
		return nil
	}
	return cm.client.Close()
}

// fetch counts a miss for absent keys and for Redis errors; the caller
// counts the hit once the value decodes.
func (cm *CacheManager) fetch(ctx context.Context, a area, key string) (string, bool) {
	if !cm.IsHealthy() {
		return "", false
	}
	raw, err := cm.client.Get(ctx, key)
	switch {
	case err == nil:
		cm.failures.Store(0)
		return raw, true
	case !errors.Is(err, ErrCacheMiss):
		cm.fail("read", err)
	}
	cm.stats[a].misses.Add(1)
	return "", false
}

func (cm *CacheManager) store(ctx context.Context, key string, value any, ttl time.Duration) error {
	if !cm.IsHealthy() {
		return nil
	}
	if err := cm.client.Set(ctx, key, value, ttl); err != nil {
		cm.fail("write", err)
		if cm.cfg.GracefulDegradation {
			return nil
		}
		return fmt.Errorf("cache write %s: %w", key, err)
	}
	cm.failures.Store(0)
	return nil
}

func (cm *CacheManager) fail(op string, err error) {
	cm.errs.Add(1)
	n := cm.failures.Add(1)
	cm.log.Warn("cache "+op+" failed", "error", err, "consecutive", n)

	limit := int64(cm.cfg.MaxConsecutiveErrors)
	if limit > 0 && n >= limit && cm.healthy.CompareAndSwap(true, false) {
		cm.log.Error("cache disabled for the rest of the run", "consecutive_errors", n)
	}
}

func (cm *CacheManager) corrupt(what string, err error) error {
	cm.errs.Add(1)
	cm.log.Error("discarding corrupt cache entry", "kind", what, "error", err)
	return fmt.Errorf("decode cached %s: %w", what, err)
}

func (cm *CacheManager) key(parts ...string) string {
	return cm.cfg.Prefix + ":" + strings.Join(parts, ":")
}

// BuildRetrievalKey identifies one (index, mode, query, k) retrieval.
func BuildRetrievalKey(index, mode, query string, topK int) string {
	return strings.Join([]string{index, mode, strconv.Itoa(topK), HashKey(query)}, ":")
}

// BuildTextKey hashes the inputs that determine a generated text.
func BuildTextKey(parts ...string) string {
	return HashKey(strings.Join(parts, "\x1f"))
}

// HashKey is a 128-bit hex digest of value.
func HashKey(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:16])
}

// Embeddings are stored as little-endian float32s.
func encodeEmbedding(v []float32) []byte {
	buf := make([]byte, 0, 4*len(v))
	for _, f := range v {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("embedding payload of %d bytes is not a float32 vector", len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return v, nil
}

// NullCacheManager misses on every read and drops every write.
type NullCacheManager struct{}

func NewNullCacheManager() *NullCacheManager { return &NullCacheManager{} }

func (NullCacheManager) GetEmbedding(context.Context, string) ([]float32, bool, error) {
	return nil, false, nil
}

func (NullCacheManager) SetEmbedding(context.Context, string, []float32) error { return nil }

func (NullCacheManager) GetRetrieval(context.Context, string) ([]IndexChunk, bool, error) {
	return nil, false, nil
}

func (NullCacheManager) SetRetrieval(context.Context, string, []IndexChunk) error { return nil }

func (NullCacheManager) GetText(context.Context, string, string) (string, bool, error) {
	return "", false, nil
}

func (NullCacheManager) SetText(context.Context, string, string, string) error { return nil }

func (NullCacheManager) GetMetrics() CacheMetrics { return CacheMetrics{} }

var (
	_ Cache = (*CacheManager)(nil)
	_ Cache = (*NullCacheManager)(nil)
)
