package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Docstore file names inside an index directory.
const (
	DocstoreJSON  = "docstore.json"
	DocstoreJSONL = "docstore.jsonl"
)

// ErrDocstoreNotFound is returned when an index directory has no docstore.
var ErrDocstoreNotFound = errors.New("docstore not found")

// DocStore reads the metadata store of a local index directory. It never
// touches vector files.
type DocStore struct {
	dir    string
	logger *slog.Logger
}

// NewDocStore creates a DocStore rooted at dir.
func NewDocStore(dir string, logger *slog.Logger) *DocStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocStore{
		dir:    dir,
		logger: logger.With("component", "docstore", "dir", dir),
	}
}

// Dir returns the index directory.
func (d *DocStore) Dir() string {
	return d.dir
}

// Load reads every entry, ordered by ID.
func (d *DocStore) Load(ctx context.Context) ([]DocstoreEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		entries []DocstoreEntry
		err     error
	)
	switch {
	case fileExists(filepath.Join(d.dir, DocstoreJSON)):
		entries, err = d.loadJSON(filepath.Join(d.dir, DocstoreJSON))
	case fileExists(filepath.Join(d.dir, DocstoreJSONL)):
		entries, err = d.loadJSONL(ctx, filepath.Join(d.dir, DocstoreJSONL))
	default:
		return nil, fmt.Errorf("%w in %s", ErrDocstoreNotFound, d.dir)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	d.logger.Debug("docstore loaded", "entries", len(entries))
	return entries, nil
}

// ListSources returns the source and doc_id identifiers of every entry.
func (d *DocStore) ListSources(ctx context.Context) ([]string, error) {
	entries, err := d.Load(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		ids = append(ids, IdentifiersOf(e.Metadata)...)
	}
	return ids, nil
}

// langchainDocstore mirrors the JSON layout of a serialized InMemoryDocstore.
type langchainDocstore struct {
	Dict struct {
		Store map[string]DocstoreEntry `json:"store"`
	} `json:"_dict"`
	Store map[string]DocstoreEntry `json:"store"`
}

func (d *DocStore) loadJSON(path string) ([]DocstoreEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read docstore: %w", err)
	}

	var raw langchainDocstore
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse docstore %s: %w", path, err)
	}

	store := raw.Dict.Store
	if store == nil {
		store = raw.Store
	}
	if store == nil {
		return nil, fmt.Errorf("failed to parse docstore %s: no store object", path)
	}

	entries := make([]DocstoreEntry, 0, len(store))
	for id, e := range store {
		if e.ID == "" {
			e.ID = id
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (d *DocStore) loadJSONL(ctx context.Context, path string) ([]DocstoreEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open docstore: %w", err)
	}
	defer f.Close()

	var entries []DocstoreEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var e DocstoreEntry
		if err := json.Unmarshal([]byte(text), &e); err != nil {
			d.logger.Warn("skipping malformed docstore line", "line", line, "error", err)
			continue
		}
		if e.ID == "" {
			e.ID = fmt.Sprintf("%08d", line)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read docstore %s: %w", path, err)
	}
	return entries, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
