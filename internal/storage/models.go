// Package storage provides read access to document indexes and the caches,
// databases and object stores the evaluator talks to.
package storage

import (
	"fmt"
	"strings"
)

// IndexChunk is one stored passage of a document index.
type IndexChunk struct {
	ID       string         `json:"id"`
	Source   string         `json:"source"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Score    float64        `json:"score"`
}

// DocstoreEntry is one record of a serialized LangChain docstore.
type DocstoreEntry struct {
	ID          string         `json:"id"`
	PageContent string         `json:"page_content"`
	Metadata    map[string]any `json:"metadata"`
}

// Source returns the entry's source identifier.
func (e DocstoreEntry) Source() string {
	return SourceOf(e.Metadata)
}

// SourceOf extracts the source identifier from chunk metadata, preferring
// "source" and falling back to "title".
func SourceOf(metadata map[string]any) string {
	for _, key := range []string{"source", "title"} {
		if s := metadataString(metadata, key); s != "" {
			return s
		}
	}
	return ""
}

// IdentifiersOf returns every catalog identifier carried by metadata: the
// source (or title) and the doc_id when present.
func IdentifiersOf(metadata map[string]any) []string {
	var ids []string
	if src := SourceOf(metadata); src != "" {
		ids = append(ids, src)
	}
	if docID := metadataString(metadata, "doc_id"); docID != "" {
		ids = append(ids, docID)
	}
	return ids
}

func metadataString(metadata map[string]any, key string) string {
	v, ok := metadata[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}
