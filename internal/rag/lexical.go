package rag

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/alqutdigital/legal-rag-eval/internal/storage"
	"github.com/alqutdigital/legal-rag-eval/internal/textnorm"
)

// BM25 parameters.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

type posting struct {
	doc int
	tf  int
}

// DocstoreRetriever ranks the passages of a local docstore with BM25.
// The index is built once at construction and is read-only afterwards,
// so Retrieve is safe for concurrent use.
type DocstoreRetriever struct {
	entries      []storage.DocstoreEntry
	postings     map[string][]posting
	docLengths   []int
	avgDocLength float64
	logger       *slog.Logger
}

// NewDocstoreRetriever loads the docstore and builds its term index.
func NewDocstoreRetriever(ctx context.Context, store *storage.DocStore, logger *slog.Logger) (*DocstoreRetriever, error) {
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load docstore %s: %w", store.Dir(), err)
	}

	r := newDocstoreRetriever(entries)
	r.logger = logger.With("component", "docstore_retriever", "dir", store.Dir())
	r.logger.Info("docstore indexed",
		"passages", len(entries),
		"terms", len(r.postings),
	)
	return r, nil
}

func newDocstoreRetriever(entries []storage.DocstoreEntry) *DocstoreRetriever {
	r := &DocstoreRetriever{
		entries:    entries,
		postings:   make(map[string][]posting),
		docLengths: make([]int, len(entries)),
		logger:     slog.Default(),
	}

	total := 0
	for i, e := range entries {
		terms := textnorm.RougeTokens(e.PageContent)
		r.docLengths[i] = len(terms)
		total += len(terms)

		tf := make(map[string]int, len(terms))
		for _, t := range terms {
			tf[t]++
		}
		for t, n := range tf {
			r.postings[t] = append(r.postings[t], posting{doc: i, tf: n})
		}
	}
	if len(entries) > 0 {
		r.avgDocLength = float64(total) / float64(len(entries))
	}
	return r
}

// Len returns the number of indexed passages.
func (r *DocstoreRetriever) Len() int {
	return len(r.entries)
}

// Retrieve returns the k best-scoring passages for query. Ties keep
// docstore order.
func (r *DocstoreRetriever) Retrieve(ctx context.Context, query string, k int) ([]RetrievedItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 || len(r.entries) == 0 {
		return nil, nil
	}

	scores := make(map[int]float64)
	seen := make(map[string]bool)
	for _, term := range textnorm.RougeTokens(query) {
		if seen[term] {
			continue
		}
		seen[term] = true

		plist := r.postings[term]
		if len(plist) == 0 {
			continue
		}
		idf := r.idf(len(plist))
		for _, p := range plist {
			tf := float64(p.tf)
			docLen := float64(r.docLengths[p.doc])
			denominator := tf + bm25K1*(1-bm25B+bm25B*(docLen/r.avgDocLength))
			scores[p.doc] += idf * (tf * (bm25K1 + 1)) / denominator
		}
	}

	docs := make([]int, 0, len(scores))
	for doc, s := range scores {
		if s > 0 {
			docs = append(docs, doc)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if scores[docs[i]] != scores[docs[j]] {
			return scores[docs[i]] > scores[docs[j]]
		}
		return docs[i] < docs[j]
	})
	if len(docs) > k {
		docs = docs[:k]
	}

	items := make([]RetrievedItem, len(docs))
	for i, doc := range docs {
		e := r.entries[doc]
		items[i] = RetrievedItem{
			SourceID: e.Source(),
			Rank:     i + 1,
			Score:    scores[doc],
			Text:     e.PageContent,
		}
	}
	return items, nil
}

func (r *DocstoreRetriever) idf(df int) float64 {
	n := float64(len(r.entries))
	idf := math.Log(1 + (n-float64(df)+0.5)/(float64(df)+0.5))
	if idf < 0 {
		return 0
	}
	return idf
}
