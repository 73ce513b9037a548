// Package embedder turns retrieval queries into vectors for the pgvector backend.
package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/alqutdigital/legal-rag-eval/internal/storage"
	"github.com/alqutdigital/legal-rag-eval/pkg/logger"
)

// maxBackoff caps the wait between two embedding attempts.
const maxBackoff = 30 * time.Second

// Embedder maps a query to a vector in the index's embedding space.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelName() string
}

type EmbedderConfig struct {
	APIKey  string
	BaseURL string // OpenAI-compatible endpoint, e.g. a local e5 server
	Model   string
	// Dimensions is sent to the hosted API only; a custom BaseURL serves
	// its native size.
	Dimensions     int
	MaxRetries     int
	RetryDelay     time.Duration
	RateLimitRPM   int
	CacheSize      int // in-process LRU entries, 0 disables
	RequestTimeout time.Duration
}

func DefaultEmbedderConfig(apiKey string) EmbedderConfig {
	return EmbedderConfig{
		APIKey:         apiKey,
		Model:          "text-embedding-3-small",
		Dimensions:     1536,
		MaxRetries:     3,
		RetryDelay:     time.Second,
		RateLimitRPM:   3000,
		CacheSize:      1000,
		RequestTimeout: 30 * time.Second,
	}
}

// EmbedderStats is a snapshot of the embedder's counters.
type EmbedderStats struct {
	TotalRequests int64 `json:"total_requests"`
	TotalTokens   int64 `json:"total_tokens"`
	LocalHits     int64 `json:"local_hits"`
	SharedHits    int64 `json:"shared_hits"`
	Errors        int64 `json:"errors"`
}

type counters struct {
	requests, tokens, localHits, sharedHits, errors atomic.Int64
}

// OpenAIEmbedder calls an OpenAI-compatible embeddings API behind an
// in-process LRU and the shared Redis cache.
type OpenAIEmbedder struct {
	api     *openai.Client
	cfg     EmbedderConfig
	limiter *rate.Limiter
	local   *lruCache
	shared  storage.Cache
	log     *logger.Logger
	n       counters
}

// NewOpenAIEmbedder needs an API key, a base URL, or both. shared may be nil.
func NewOpenAIEmbedder(cfg EmbedderConfig, shared storage.Cache, log *logger.Logger) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("an embedding API key or base URL is required")
	}
	defaults := DefaultEmbedderConfig("")
	if cfg.RateLimitRPM <= 0 {
		cfg.RateLimitRPM = defaults.RateLimitRPM
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaults.RetryDelay
	}
	if log == nil {
		log = logger.Default()
	}
	if shared == nil {
		shared = storage.NewNullCacheManager()
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		api:     openai.NewClientWithConfig(apiCfg),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimitRPM)), max(1, cfg.RateLimitRPM/60)),
		local:   newLRUCache(cfg.CacheSize),
		shared:  shared,
		log:     log.WithComponent("embedder"),
	}, nil
}

// Embed returns the vector for text. The in-process cache is consulted
// before Redis, and a fresh vector is written back to both.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.local.get(text); ok {
		e.n.localHits.Add(1)
		return v, nil
	}
	if v, ok, err := e.shared.GetEmbedding(ctx, text); err == nil && ok {
		e.n.sharedHits.Add(1)
		e.local.set(text, v)
		return v, nil
	}

	v, err := e.fetch(ctx, text)
	if err != nil {
		e.n.errors.Add(1)
		return nil, err
	}
	e.local.set(text, v)
	if err := e.shared.SetEmbedding(ctx, text, v); err != nil {
		e.log.WithError(err).Warn("embedding not cached")
	}
	return v, nil
}

// fetch calls the API until it succeeds, the error is not transient, or
// MaxRetries retries have been spent.
func (e *OpenAIEmbedder) fetch(ctx context.Context, text string) ([]float32, error) {
	for attempt := 1; ; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("embedding rate limit: %w", err)
		}
		v, err := e.call(ctx, text)
		if err == nil {
			return v, nil
		}
		if attempt > e.cfg.MaxRetries || !retryable(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("embed query after %d attempt(s): %w", attempt, err)
		}

		wait := backoff(e.cfg.RetryDelay, attempt)
		e.log.WithError(err).Warn("embedding request failed, retrying", "attempt", attempt, "wait", wait)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

func (e *OpenAIEmbedder) call(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	req := openai.EmbeddingRequest{Input: []string{text}, Model: openai.EmbeddingModel(e.cfg.Model)}
	if e.cfg.BaseURL == "" && e.cfg.Dimensions > 0 {
		req.Dimensions = e.cfg.Dimensions
	}
	resp, err := e.api.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, err
	}
	e.n.requests.Add(1)
	e.n.tokens.Add(int64(resp.Usage.TotalTokens))

	if n := len(resp.Data); n != 1 {
		return nil, fmt.Errorf("embedding API returned %d vectors for one input", n)
	}
	return resp.Data[0].Embedding, nil
}

// retryable reports whether err is throttling, a server fault or a
// transport failure. Client errors such as a bad key or model are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	default:
		return true
	}
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// backoff doubles base per attempt up to maxBackoff.
func backoff(base time.Duration, attempt int) time.Duration {
	d := base << min(attempt-1, 16)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (e *OpenAIEmbedder) Dimension() int    { return e.cfg.Dimensions }
func (e *OpenAIEmbedder) ModelName() string { return e.cfg.Model }

func (e *OpenAIEmbedder) GetStats() EmbedderStats {
	return EmbedderStats{
		TotalRequests: e.n.requests.Load(),
		TotalTokens:   e.n.tokens.Load(),
		LocalHits:     e.n.localHits.Load(),
		SharedHits:    e.n.sharedHits.Load(),
		Errors:        e.n.errors.Load(),
	}
}

// lruCache holds recent query embeddings keyed by the SHA-256 of the
// query. A nil *lruCache is a valid, always-empty cache.
type lruCache struct {
	entries *lru.Cache[[32]byte, []float32]
}

func newLRUCache(size int) *lruCache {
	if size <= 0 {
		return nil
	}
	c, err := lru.New[[32]byte, []float32](size)
	if err != nil {
		return nil
	}
	return &lruCache{entries: c}
}

func (c *lruCache) get(text string) ([]float32, bool) {
	if c == nil {
		return nil, false
	}
	return c.entries.Get(sha256.Sum256([]byte(text)))
}

func (c *lruCache) set(text string, embedding []float32) {
	if c == nil {
		return
	}
	c.entries.Add(sha256.Sum256([]byte(text)), embedding)
}

func (c *lruCache) size() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}

// MockEmbedder returns unit-length vectors derived from an FNV hash of the
// text, so equal queries always land on the same point.
type MockEmbedder struct {
	dimension int
	err       error
}

func NewMockEmbedder(dimension int) *MockEmbedder {
	return &MockEmbedder{dimension: dimension}
}

// WithError makes every Embed call fail with err.
func (m *MockEmbedder) WithError(err error) *MockEmbedder {
	m.err = err
	return m
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := make([]float32, m.dimension)
	var norm float64
	var seed [8]byte
	for i := range v {
		h := fnv.New64a()
		binary.LittleEndian.PutUint64(seed[:], uint64(i))
		h.Write(seed[:])
		h.Write([]byte(text))
		x := float64(int64(h.Sum64())) / math.MaxInt64
		v[i] = float32(x)
		norm += x * x
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range v {
			v[i] *= scale
		}
	}
	return v, nil
}

func (m *MockEmbedder) Dimension() int    { return m.dimension }
func (m *MockEmbedder) ModelName() string { return "mock-embedder" }
