package evaluation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoSamples is returned when a dataset yields no usable samples.
var ErrNoSamples = errors.New("dataset has no valid samples")

// QuerySample is one golden question/answer pair.
type QuerySample struct {
	// ID is the zero-based position of the entry in the dataset file.
	ID            string `json:"id"`
	Position      int    `json:"-"`
	Question      string `json:"question"`
	GoldAnswer    string `json:"answer"`
	CaseName      string `json:"case_name"`
	JudgementDate string `json:"judgement_date,omitempty"`
}

// DatasetStats describes what LoadDataset kept and skipped.
type DatasetStats struct {
	Entries int `json:"entries"`
	Kept    int `json:"kept"`
	Skipped int `json:"skipped"`
}

// LoadDataset reads a JSON array, JSONL or YAML dataset. Malformed entries
// are skipped with a warning; ids keep their original positions.
func LoadDataset(path string, logger *slog.Logger) ([]QuerySample, DatasetStats, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dataset", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, DatasetStats{}, fmt.Errorf("failed to read dataset: %w", err)
	}

	entries, err := decodeEntries(path, data)
	if err != nil {
		return nil, DatasetStats{}, fmt.Errorf("failed to parse dataset: %w", err)
	}

	stats := DatasetStats{Entries: len(entries)}
	samples := make([]QuerySample, 0, len(entries))
	for i, entry := range entries {
		sample, reason := toSample(i, entry)
		if reason != "" {
			logger.Warn("skipping dataset entry", "index", i, "reason", reason)
			stats.Skipped++
			continue
		}
		samples = append(samples, sample)
	}
	stats.Kept = len(samples)

	if len(samples) == 0 {
		return nil, stats, ErrNoSamples
	}

	logger.Info("dataset loaded", "entries", stats.Entries, "kept", stats.Kept, "skipped", stats.Skipped)
	return samples, stats, nil
}

// decodeEntries returns the raw entries of the dataset. Entries that are not
// objects are kept as-is so they can be reported and skipped.
func decodeEntries(path string, data []byte) ([]any, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var entries []any
		if err := yaml.Unmarshal(data, &entries); err != nil {
			return nil, err
		}
		return entries, nil
	case ".jsonl", ".ndjson":
		return decodeJSONL(data)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] != '[' {
		return decodeJSONL(data)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}
	entries := make([]any, len(raw))
	for i, r := range raw {
		var v any
		if err := json.Unmarshal(r, &v); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries[i] = v
	}
	return entries, nil
}

// decodeJSONL treats every non-blank line as one entry. A line that is not
// valid JSON is kept as a string so it is skipped like any non-object.
func decodeJSONL(data []byte) ([]any, error) {
	var entries []any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(line, &v); err != nil {
			v = string(line)
		}
		entries = append(entries, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func toSample(position int, entry any) (QuerySample, string) {
	obj, ok := entry.(map[string]any)
	if !ok {
		return QuerySample{}, "not an object"
	}

	caseName, ok := field(obj, "case_name")
	if !ok {
		return QuerySample{}, "missing case_name"
	}
	question, _ := field(obj, "question")
	if question == "" {
		return QuerySample{}, "blank question"
	}
	answer, _ := field(obj, "answer")
	if answer == "" {
		return QuerySample{}, "blank answer"
	}
	date, _ := field(obj, "judgement_date")

	return QuerySample{
		ID:            strconv.Itoa(position),
		Position:      position,
		Question:      question,
		GoldAnswer:    answer,
		CaseName:      caseName,
		JudgementDate: date,
	}, ""
}

// field returns the trimmed string value of key. Scalars are formatted;
// null counts as missing.
func field(obj map[string]any, key string) (string, bool) {
	v, ok := obj[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t), true
	case map[string]any, []any:
		return "", false
	default:
		return strings.TrimSpace(fmt.Sprint(t)), true
	}
}
