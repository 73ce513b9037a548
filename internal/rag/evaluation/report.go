package evaluation

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alqutdigital/legal-rag-eval/internal/storage"
)

// Output file names.
const (
	AggregateFile      = "aggregate.json"
	PerRecordFile      = "per_record.csv"
	RecordsFile        = "records.jsonl"
	RelevanceStatsFile = "relevance_mapping_stats.json"
	DebugOverviewFile  = "debug_overview.jsonl"
	ManifestFile       = "run_manifest.json"
)

var summaryHeader = []string{
	"Store", "k", "N", "EM", "F1", "ROUGE1", "ROUGE2", "ROUGEL",
	"Hit@k", "MRR", "nDCG", "Oracle@k", "RankingAvailable",
}

// IndexRelevanceStats counts relevance outcomes for one index.
type IndexRelevanceStats struct {
	Index      string `json:"index"`
	Available  bool   `json:"available"`
	NonEmpty   int    `json:"non_empty"`
	Exact      int    `json:"exact"`
	Normalized int    `json:"normalized"`
	Fuzzy      int    `json:"fuzzy"`
	NoMatch    int    `json:"no_match"`
}

// RelevanceStats is written to relevance_mapping_stats.json.
type RelevanceStats struct {
	Total        int                   `json:"total"`
	NonEmpty     int                   `json:"non_empty"`
	Coverage     float64               `json:"coverage"`
	CatalogSizes map[string]int        `json:"catalog_sizes"`
	Indexes      []IndexRelevanceStats `json:"indexes"`
}

// DebugEntry is one line of debug_overview.jsonl.
type DebugEntry struct {
	ID              string   `json:"id"`
	CaseName        string   `json:"case_name"`
	RelevantSources []string `json:"relevant_sources"`
	ATopSources     []string `json:"a_top_sources"`
	BTopSources     []string `json:"b_top_sources"`
	AIntersection   []string `json:"a_intersection"`
	BIntersection   []string `json:"b_intersection"`
}

// ManifestRun describes one run in the manifest.
type ManifestRun struct {
	Name    string       `json:"name"`
	N       int          `json:"N"`
	Latency LatencyStats `json:"latency"`
}

// Manifest is written to run_manifest.json. It is the only output carrying
// timestamps and latencies.
type Manifest struct {
	RunID       string               `json:"run_id"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
	Interrupted bool                 `json:"interrupted"`
	Dataset     DatasetStats         `json:"dataset"`
	Records     int                  `json:"records"`
	Dropped     int                  `json:"dropped"`
	Runs        []ManifestRun        `json:"runs"`
	Cache       storage.CacheMetrics `json:"cache"`
	Config      any                  `json:"config,omitempty"`
	Artifacts   []string             `json:"artifacts,omitempty"`
}

// Reporter writes evaluation output under one directory. It is owned by the
// collector goroutine.
type Reporter struct {
	outDir  string
	hyde    bool
	logger  *slog.Logger
	streams map[string]*os.File
}

// NewReporter creates outDir if needed.
func NewReporter(outDir string, hyde bool, logger *slog.Logger) (*Reporter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Reporter{
		outDir:  outDir,
		hyde:    hyde,
		logger:  logger.With("component", "reporter"),
		streams: make(map[string]*os.File),
	}, nil
}

// OutDir returns the output directory.
func (r *Reporter) OutDir() string {
	return r.outDir
}

// SummaryBase returns the summary file name without extension.
func (r *Reporter) SummaryBase() string {
	if r.hyde {
		return "summary_hyde"
	}
	return "summary"
}

// Stream appends rec to its run's records.jsonl as soon as it completes, so
// partial results survive a crash. WriteRun later rewrites the file in
// sample order.
func (r *Reporter) Stream(rec *Record) error {
	f, ok := r.streams[rec.run]
	if !ok {
		dir := filepath.Join(r.outDir, rec.run)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create run directory: %w", err)
		}
		var err error
		f, err = os.Create(filepath.Join(dir, RecordsFile))
		if err != nil {
			return fmt.Errorf("failed to open record stream: %w", err)
		}
		r.streams[rec.run] = f
	}

	line, err := marshalLine(rec)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to stream record: %w", err)
	}
	return nil
}

// WriteRun writes aggregate.json, per_record.csv and records.jsonl for one run.
func (r *Reporter) WriteRun(agg AggregateResult, records []*Record) error {
	if f, ok := r.streams[agg.Run]; ok {
		f.Close()
		delete(r.streams, agg.Run)
	}

	dir := filepath.Join(r.outDir, agg.Run)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	if err := writeJSON(filepath.Join(dir, AggregateFile), agg); err != nil {
		return err
	}

	var jsonl bytes.Buffer
	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, perRecordHeader)
	for _, rec := range records {
		line, err := marshalLine(rec)
		if err != nil {
			return err
		}
		jsonl.Write(line)
		rows = append(rows, rec.csvRow())
	}
	if err := writeFileAtomic(filepath.Join(dir, RecordsFile), jsonl.Bytes()); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(dir, PerRecordFile), rows); err != nil {
		return err
	}

	r.logger.Info("run written", "run", agg.Run, "records", len(records))
	return nil
}

// WriteSummary writes the summary csv, json and md files.
func (r *Reporter) WriteSummary(results []AggregateResult) error {
	rows := make([][]string, 0, len(results)+1)
	rows = append(rows, summaryHeader)
	for _, res := range results {
		rows = append(rows, []string{
			res.Store, fmt.Sprint(res.K), fmt.Sprint(res.N),
			formatFloat(res.EM), formatFloat(res.F1),
			formatFloat(res.ROUGE1), formatFloat(res.ROUGE2), formatFloat(res.ROUGEL),
			formatFloat(res.Hit), formatFloat(res.MRR), formatFloat(res.NDCG), formatFloat(res.Oracle),
			fmt.Sprint(res.RankingAvailable),
		})
	}

	base := filepath.Join(r.outDir, r.SummaryBase())
	if err := writeCSV(base+".csv", rows); err != nil {
		return err
	}
	if results == nil {
		results = []AggregateResult{}
	}
	if err := writeJSON(base+".json", results); err != nil {
		return err
	}
	return writeFileAtomic(base+".md", []byte(FormatSummaryMarkdown(results)))
}

// WriteRelevanceStats writes relevance_mapping_stats.json.
func (r *Reporter) WriteRelevanceStats(stats RelevanceStats) error {
	return writeJSON(filepath.Join(r.outDir, RelevanceStatsFile), stats)
}

// WriteDebugOverview writes debug_overview.jsonl.
func (r *Reporter) WriteDebugOverview(entries []DebugEntry) error {
	var buf bytes.Buffer
	for _, e := range entries {
		line, err := marshalLine(e)
		if err != nil {
			return err
		}
		buf.Write(line)
	}
	return writeFileAtomic(filepath.Join(r.outDir, DebugOverviewFile), buf.Bytes())
}

// WriteManifest writes run_manifest.json.
func (r *Reporter) WriteManifest(m Manifest) error {
	return writeJSON(filepath.Join(r.outDir, ManifestFile), m)
}

// Close closes any open record streams.
func (r *Reporter) Close() error {
	var firstErr error
	for run, f := range r.streams {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.streams, run)
	}
	return firstErr
}

// FormatSummaryMarkdown formats aggregate results as markdown.
func FormatSummaryMarkdown(results []AggregateResult) string {
	var sb strings.Builder
	sb.WriteString("# Evaluation Results\n\n")

	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Store | k | N | EM | F1 | ROUGE1 | ROUGE2 | ROUGEL | Hit@k | MRR | nDCG | Oracle@k |\n")
	sb.WriteString("|-------|---|---|----|----|--------|--------|--------|-------|-----|------|----------|\n")
	for _, res := range results {
		fmt.Fprintf(&sb, "| %s | %d | %d | %.4f | %.4f | %.4f | %.4f | %.4f | %s | %s | %s | %.4f |\n",
			res.Store, res.K, res.N,
			res.EM, res.F1, res.ROUGE1, res.ROUGE2, res.ROUGEL,
			rankingCell(res.Hit, res.RankingAvailable),
			rankingCell(res.MRR, res.RankingAvailable),
			rankingCell(res.NDCG, res.RankingAvailable),
			res.Oracle,
		)
	}
	sb.WriteString("\n")

	var notes []string
	for _, res := range results {
		if res.Fallbacks > 0 || res.RetrievalErrors > 0 {
			notes = append(notes, fmt.Sprintf("| %s | %d | %d | %d |\n", res.Run, res.N, res.Fallbacks, res.RetrievalErrors))
		}
	}
	if len(notes) > 0 {
		sb.WriteString("## Absorbed Failures\n\n")
		sb.WriteString("| Run | N | Fallbacks | Retrieval failures |\n")
		sb.WriteString("|-----|---|-----------|--------------------|\n")
		for _, n := range notes {
			sb.WriteString(n)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// rankingCell marks ranking metrics of an index without a catalog.
func rankingCell(v float64, available bool) string {
	if !available {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", v)
}

func marshalLine(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, append(data, '\n'))
}

func writeCSV(path string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, buf.Bytes())
}

// writeFileAtomic replaces path via a temporary file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
