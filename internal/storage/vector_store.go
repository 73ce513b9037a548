package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// DefaultChunkTable holds the chunks of every index, one collection per index.
const DefaultChunkTable = "index_chunks"

const defaultTopK = 10

// ChunkStore is the read-only query contract of a pgvector-backed index.
type ChunkStore interface {
	Search(ctx context.Context, query SearchQuery) ([]IndexChunk, error)
	KeywordSearch(ctx context.Context, collection, query string, topK int) ([]IndexChunk, error)
	ListSources(ctx context.Context, collection string) ([]string, error)
	Health(ctx context.Context) error
}

// SearchQuery asks for the TopK chunks of Collection closest to Embedding
// by cosine similarity. Chunks scoring MinScore or less are dropped when
// MinScore is positive.
type SearchQuery struct {
	Collection string
	Embedding  []float32
	TopK       int
	MinScore   float64
}

// PgVectorStore answers ChunkStore queries from a single chunk table.
type PgVectorStore struct {
	db  *PostgresDB
	log *slog.Logger

	semanticSQL string
	keywordSQL  string
	sourcesSQL  string
}

func NewPgVectorStore(db *PostgresDB, table string, logger *slog.Logger) *PgVectorStore {
	if logger == nil {
		logger = slog.Default()
	}
	if table == "" {
		table = DefaultChunkTable
	}
	t := pq.QuoteIdentifier(table)

	return &PgVectorStore{
		db:  db,
		log: logger.With("component", "vector_store", "table", table),
		// Ties break on id so equal-score chunks rank the same on every run.
		semanticSQL: `SELECT id, content, metadata, 1 - (embedding <=> $1::vector) AS score
FROM ` + t + `
WHERE collection = $2 AND embedding IS NOT NULL
  AND ($3::float8 <= 0 OR 1 - (embedding <=> $1::vector) > $3)
ORDER BY embedding <=> $1::vector, id
LIMIT $4`,
		keywordSQL: `SELECT id, content, metadata,
  ts_rank(to_tsvector('english', content), plainto_tsquery('english', $1)) AS score
FROM ` + t + `
WHERE collection = $2 AND to_tsvector('english', content) @@ plainto_tsquery('english', $1)
ORDER BY score DESC, id
LIMIT $3`,
		sourcesSQL: `SELECT DISTINCT ident FROM (
  SELECT COALESCE(NULLIF(metadata->>'source', ''), metadata->>'title') AS ident FROM ` + t + ` WHERE collection = $1
  UNION
  SELECT metadata->>'doc_id' FROM ` + t + ` WHERE collection = $1
) s
WHERE ident <> ''
ORDER BY ident`,
	}
}

// Health pings the database and checks that pgvector is installed.
func (vs *PgVectorStore) Health(ctx context.Context) error {
	return vs.db.Health(ctx)
}

func (vs *PgVectorStore) Search(ctx context.Context, q SearchQuery) ([]IndexChunk, error) {
	if len(q.Embedding) == 0 {
		return nil, errors.New("semantic search needs a query embedding")
	}
	k := topK(q.TopK)
	start := time.Now()
	rows, err := vs.db.QueryContext(ctx, vs.semanticSQL, vectorParam(q.Embedding), q.Collection, q.MinScore, k)
	chunks, err := vs.collect(rows, err)
	vs.observe("semantic", q.Collection, k, start, len(chunks), err)
	if err != nil {
		return nil, fmt.Errorf("semantic search of %s: %w", q.Collection, err)
	}
	return chunks, nil
}

// KeywordSearch ranks chunks by ts_rank against an English plainto_tsquery.
func (vs *PgVectorStore) KeywordSearch(ctx context.Context, collection, query string, k int) ([]IndexChunk, error) {
	k = topK(k)
	start := time.Now()
	rows, err := vs.db.QueryContext(ctx, vs.keywordSQL, query, collection, k)
	chunks, err := vs.collect(rows, err)
	vs.observe("keyword", collection, k, start, len(chunks), err)
	if err != nil {
		return nil, fmt.Errorf("keyword search of %s: %w", collection, err)
	}
	return chunks, nil
}

// ListSources returns the distinct source, title and doc_id identifiers of
// a collection, sorted. Embeddings are never read. An empty collection is
// an error.
func (vs *PgVectorStore) ListSources(ctx context.Context, collection string) ([]string, error) {
	rows, err := vs.db.QueryContext(ctx, vs.sourcesSQL, collection)
	if err != nil {
		return nil, fmt.Errorf("list sources of %s: %w", collection, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("list sources of %s: %w", collection, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sources of %s: %w", collection, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("collection %q has no chunks", collection)
	}
	return out, nil
}

func (vs *PgVectorStore) Collection(name string) *CollectionView {
	return NewCollectionView(vs, name)
}

// CollectionView scopes a ChunkStore to one collection so it can serve as
// a catalog source.
type CollectionView struct {
	store ChunkStore
	name  string
}

func NewCollectionView(store ChunkStore, name string) *CollectionView {
	return &CollectionView{store: store, name: name}
}

func (c *CollectionView) Name() string { return c.name }

func (c *CollectionView) ListSources(ctx context.Context) ([]string, error) {
	return c.store.ListSources(ctx, c.name)
}

// collect drains rows of (id, content, metadata, score). queryErr is the
// error returned alongside rows.
func (vs *PgVectorStore) collect(rows *sql.Rows, queryErr error) ([]IndexChunk, error) {
	if queryErr != nil {
		return nil, queryErr
	}
	defer rows.Close()

	var chunks []IndexChunk
	for rows.Next() {
		var (
			c    IndexChunk
			meta []byte
		)
		if err := rows.Scan(&c.ID, &c.Content, &meta, &c.Score); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &c.Metadata); err != nil {
				vs.log.Warn("ignoring malformed chunk metadata", "chunk_id", c.ID, "error", err)
			}
		}
		c.Source = SourceOf(c.Metadata)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func (vs *PgVectorStore) observe(mode, collection string, k int, start time.Time, n int, err error) {
	if err != nil {
		vs.log.Error("chunk search failed", "mode", mode, "collection", collection, "error", err)
		return
	}
	vs.log.Debug("chunk search", "mode", mode, "collection", collection, "top_k", k, "hits", n, "took", time.Since(start))
}

func topK(k int) int {
	if k <= 0 {
		return defaultTopK
	}
	return k
}

// vectorParam renders v as a pgvector text literal, e.g. [0.5,-1].
func vectorParam(v []float32) string {
	if len(v) == 0 {
		return ""
	}
	buf := make([]byte, 0, 2+len(v)*10)
	buf = append(buf, '[')
	for i, x := range v {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendFloat(buf, float64(x), 'f', -1, 32)
	}
	return string(append(buf, ']'))
}
