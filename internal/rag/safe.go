package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alqutdigital/legal-rag-eval/internal/storage"
)

// ErrRetrieverPanic wraps a panic recovered from a retriever.
var ErrRetrieverPanic = errors.New("retriever panicked")

// SafeRetriever bounds each call with a timeout and converts panics to
// errors. On any failure it returns no items and a non-nil error, which
// callers record instead of propagating.
type SafeRetriever struct {
	name    string
	inner   Retriever
	timeout time.Duration
	logger  *slog.Logger
}

// NewSafeRetriever wraps inner. A zero timeout disables the deadline.
func NewSafeRetriever(name string, inner Retriever, timeout time.Duration, logger *slog.Logger) *SafeRetriever {
	if logger == nil {
		logger = slog.Default()
	}
	return &SafeRetriever{
		name:    name,
		inner:   inner,
		timeout: timeout,
		logger:  logger.With("component", "safe_retriever", "index", name),
	}
}

type retrieval struct {
	items []RetrievedItem
	err   error
}

// Retrieve implements Retriever. The inner call runs on its own goroutine,
// so the deadline holds even when the retriever never looks at ctx; a call
// abandoned that way finishes in the background and its result is dropped.
func (s *SafeRetriever) Retrieve(ctx context.Context, query string, k int) ([]RetrievedItem, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	done := make(chan retrieval, 1)
	go func() {
		var r retrieval
		defer func() {
			if p := recover(); p != nil {
				r = retrieval{err: fmt.Errorf("%w: %v", ErrRetrieverPanic, p)}
			}
			done <- r
		}()
		r.items, r.err = s.inner.Retrieve(callCtx, query, k)
	}()

	var r retrieval
	select {
	case r = <-done:
		if r.err == nil {
			r.err = callCtx.Err()
		}
	case <-callCtx.Done():
		r.err = callCtx.Err()
	}

	if r.err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("retrieval failed", "error", r.err, "k", k)
		}
		return nil, r.err
	}
	if len(r.items) > k {
		r.items = r.items[:k]
	}
	return r.items, nil
}

// Name returns the index name.
func (s *SafeRetriever) Name() string {
	return s.name
}

// CachedRetriever memoizes retrieval results in a shared cache.
type CachedRetriever struct {
	index string
	mode  string
	inner Retriever
	cache storage.Cache
}

// NewCachedRetriever wraps inner. mode distinguishes otherwise identical
// keys, e.g. the backend and search type.
func NewCachedRetriever(index, mode string, inner Retriever, cache storage.Cache) *CachedRetriever {
	if cache == nil {
		cache = storage.NewNullCacheManager()
	}
	return &CachedRetriever{index: index, mode: mode, inner: inner, cache: cache}
}

// Retrieve implements Retriever.
func (c *CachedRetriever) Retrieve(ctx context.Context, query string, k int) ([]RetrievedItem, error) {
	key := storage.BuildRetrievalKey(c.index, c.mode, query, k)

	if chunks, ok, err := c.cache.GetRetrieval(ctx, key); err == nil && ok {
		return chunksToItems(chunks, k), nil
	}

	items, err := c.inner.Retrieve(ctx, query, k)
	if err != nil {
		return nil, err
	}

	chunks := make([]storage.IndexChunk, len(items))
	for i, it := range items {
		chunks[i] = storage.IndexChunk{
			ID:      strconv.Itoa(it.Rank),
			Source:  it.SourceID,
			Content: it.Text,
			Score:   it.Score,
		}
	}
	// Cache write failures only cost a future miss.
	_ = c.cache.SetRetrieval(ctx, key, chunks)

	return items, nil
}
