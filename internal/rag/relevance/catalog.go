// Package relevance builds per-index source catalogs and maps golden case
// names onto the sources each index considers relevant.
package relevance

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// SourceLister lists the source identifiers of an index from its metadata
// store. Implementations must not load embeddings.
type SourceLister interface {
	ListSources(ctx context.Context) ([]string, error)
}

// Catalog is the sorted, de-duplicated list of source identifiers of one index.
type Catalog struct {
	Index     string
	Sources   []string
	Available bool
	Err       error

	titles []string // NormalizeTitle of each source, parallel to Sources
}

// NewCatalog returns an available catalog of the de-duplicated sources with
// their normalized titles precomputed.
func NewCatalog(index string, sources []string) Catalog {
	sources = uniqueSorted(sources)
	return Catalog{
		Index:     index,
		Sources:   sources,
		Available: true,
		titles:    normalizeAll(sources),
	}
}

// Size returns the number of sources in the catalog.
func (c Catalog) Size() int {
	return len(c.Sources)
}

// Titles returns the normalized title of each source. Catalogs built by
// literal rather than NewCatalog get them computed on every call.
func (c Catalog) Titles() []string {
	if len(c.titles) == len(c.Sources) {
		return c.titles
	}
	return normalizeAll(c.Sources)
}

func normalizeAll(sources []string) []string {
	titles := make([]string, len(sources))
	for i, src := range sources {
		titles[i] = NormalizeTitle(src)
	}
	return titles
}

// BuildCatalog reads the metadata store behind lister. A missing or broken
// store yields an empty, unavailable catalog rather than an error.
func BuildCatalog(ctx context.Context, index string, lister SourceLister, logger *slog.Logger) Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "catalog", "index", index)

	if lister == nil {
		logger.Warn("no metadata store configured, ranking metrics will be unavailable")
		return Catalog{Index: index}
	}

	raw, err := lister.ListSources(ctx)
	if err != nil {
		logger.Warn("metadata store unavailable, ranking metrics will be reported as 0", "error", err)
		return Catalog{Index: index, Err: err}
	}

	catalog := NewCatalog(index, raw)
	logger.Info("catalog built", "sources", catalog.Size())
	return catalog
}

// Union merges the sources of several catalogs.
func Union(catalogs ...Catalog) []string {
	var all []string
	for _, c := range catalogs {
		all = append(all, c.Sources...)
	}
	return uniqueSorted(all)
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
