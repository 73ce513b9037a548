package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alqutdigital/legal-rag-eval/internal/rag"
	"github.com/alqutdigital/legal-rag-eval/internal/rag/relevance"
)

var (
	// ErrNoIndexes is returned when no index could be loaded.
	ErrNoIndexes = errors.New("no index could be loaded")
	// ErrInterrupted is returned when the run was cancelled before finishing.
	ErrInterrupted = errors.New("interrupted")
)

// Index is one searchable index with its source catalog.
type Index struct {
	// Name is the short index name, e.g. "acts".
	Name string
	// Label prefixes run names, e.g. "StoreA_Acts".
	Label     string
	Retriever rag.Retriever
	Catalog   relevance.Catalog
}

// Observer is notified of run progress from the collector goroutine.
type Observer interface {
	RunPlanned(runs []RunSpec, samples int)
	RecordCompleted(run RunSpec, rec *Record, elapsed time.Duration)
	EvaluationFinished(result *Result)
}

// RunnerConfig holds configuration for the evaluation runner.
type RunnerConfig struct {
	RunID            string
	Ks               []int
	Workers          int
	RetrievalTimeout time.Duration
	Debug            bool
	DebugN           int
	DebugTopK        int
}

// DefaultRunnerConfig returns a default configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Ks:               []int{5, 10, 20},
		Workers:          4,
		RetrievalTimeout: 30 * time.Second,
		DebugN:           25,
		DebugTopK:        10,
	}
}

// Result summarizes a finished (or interrupted) evaluation.
type Result struct {
	RunID       string            `json:"run_id"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Interrupted bool              `json:"interrupted"`
	Runs        []RunSpec         `json:"runs"`
	Aggregates  []AggregateResult `json:"aggregates"`
	Relevance   RelevanceStats    `json:"relevance"`
	Latency     []ManifestRun     `json:"latency"`
	Records     int               `json:"records"`
	Dropped     int               `json:"dropped"`
	OutDir      string            `json:"out_dir"`
}

// Manifest builds the run manifest for r.
func (r *Result) Manifest(dataset DatasetStats, config any) Manifest {
	return Manifest{
		RunID:       r.RunID,
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
		Interrupted: r.Interrupted,
		Dataset:     dataset,
		Records:     r.Records,
		Dropped:     r.Dropped,
		Runs:        r.Latency,
		Config:      config,
	}
}

// Runner executes the evaluation matrix over a worker pool.
type Runner struct {
	indexes   []Index
	mapper    *relevance.Mapper
	rewriter  *rag.QueryRewriter
	generator *rag.Generator
	reporter  *Reporter
	calc      *MetricsCalculator
	config    RunnerConfig
	logger    *slog.Logger
	observers []Observer
}

// NewRunner creates a runner. Retrievers are wrapped so that failures,
// panics and timeouts become empty results. A nil rewriter or generator
// means plain questions and heuristic answers.
func NewRunner(
	indexes []Index,
	mapper *relevance.Mapper,
	rewriter *rag.QueryRewriter,
	generator *rag.Generator,
	reporter *Reporter,
	config RunnerConfig,
	logger *slog.Logger,
) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(indexes) == 0 {
		return nil, ErrNoIndexes
	}
	if reporter == nil {
		return nil, fmt.Errorf("a reporter is required")
	}
	if mapper == nil {
		var err error
		if mapper, err = relevance.NewMapper(relevance.DefaultMapperConfig()); err != nil {
			return nil, err
		}
	}
	if rewriter == nil {
		rewriter = rag.NewQueryRewriter(rag.QueryRewriterConfig{}, nil, nil, logger)
	}
	if generator == nil {
		generator = rag.NewGenerator(nil, nil, nil, rag.DefaultGeneratorConfig(), logger)
	}

	defaults := DefaultRunnerConfig()
	config.Ks = normalizeKs(config.Ks)
	if len(config.Ks) == 0 {
		config.Ks = defaults.Ks
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.DebugN <= 0 {
		config.DebugN = defaults.DebugN
	}
	if config.DebugTopK <= 0 {
		config.DebugTopK = defaults.DebugTopK
	}
	if config.RunID == "" {
		config.RunID = uuid.NewString()
	}

	wrapped := make([]Index, len(indexes))
	for i, idx := range indexes {
		idx.Retriever = rag.NewSafeRetriever(idx.Name, idx.Retriever, config.RetrievalTimeout, logger)
		wrapped[i] = idx
	}

	return &Runner{
		indexes:   wrapped,
		mapper:    mapper,
		rewriter:  rewriter,
		generator: generator,
		reporter:  reporter,
		calc:      NewMetricsCalculator(),
		config:    config,
		logger:    logger.With("component", "runner", "run_id", config.RunID),
	}, nil
}

// AddObserver registers o for progress notifications.
func (r *Runner) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
}

// Plan returns the runs in summary order: every index for every k, then the
// combined generation run when a provider is configured.
func (r *Runner) Plan() []RunSpec {
	prefix, suffix := "", ""
	if r.rewriter.HyDE() {
		prefix, suffix = "HyDE_", "_hyde"
	}

	var runs []RunSpec
	for _, idx := range r.indexes {
		for _, k := range r.config.Ks {
			runs = append(runs, RunSpec{
				Name:             fmt.Sprintf("%s_k%d%s", idx.Label, k, suffix),
				Store:            prefix + idx.Label,
				Kind:             RunKindIndex,
				Index:            idx.Name,
				K:                k,
				RankK:            k,
				RankingAvailable: idx.Catalog.Available,
			})
		}
	}

	if !r.generator.Enabled() {
		return runs
	}

	provider, model := r.generator.Model()
	available := false
	for _, idx := range r.indexes {
		available = available || idx.Catalog.Available
	}
	for _, k := range r.config.Ks {
		runs = append(runs, RunSpec{
			Name:             fmt.Sprintf("LLM_%s_%s_k%d%s", ProviderLabel(provider), strings.ReplaceAll(model, "/", "_"), k, suffix),
			Store:            fmt.Sprintf("%sLLM_%s_%s", prefix, ProviderLabel(provider), model),
			Kind:             RunKindCombined,
			K:                k,
			RankK:            min(k, r.generator.MaxPassages()),
			RankingAvailable: available,
		})
	}
	return runs
}

type job struct {
	run    RunSpec
	index  int
	sample QuerySample
	sets   []relevance.Set
}

type jobResult struct {
	run     RunSpec
	record  *Record
	elapsed time.Duration
}

// Run evaluates samples across the matrix and writes every report. On
// cancellation completed records are still reported and ErrInterrupted is
// returned with the partial result.
func (r *Runner) Run(ctx context.Context, samples []QuerySample) (*Result, error) {
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	result := &Result{RunID: r.config.RunID, StartedAt: time.Now().UTC(), OutDir: r.reporter.OutDir()}

	sets := r.mapRelevance(samples)
	result.Relevance = r.relevanceStats(samples, sets)
	if err := r.reporter.WriteRelevanceStats(result.Relevance); err != nil {
		return nil, err
	}
	r.logger.Info("relevance mapped",
		"samples", result.Relevance.Total,
		"non_empty", result.Relevance.NonEmpty,
		"coverage", result.Relevance.Coverage,
	)

	if r.config.Debug {
		if err := r.reporter.WriteDebugOverview(r.debugOverview(ctx, samples, sets)); err != nil {
			return nil, err
		}
	}

	runs := r.Plan()
	result.Runs = runs
	maxPos := 0
	for _, s := range samples {
		maxPos = max(maxPos, s.Position+1)
	}
	agg := NewAggregator(runs, maxPos)

	for _, o := range r.observers {
		o.RunPlanned(runs, len(samples))
	}
	r.logger.Info("starting evaluation", "runs", len(runs), "samples", len(samples), "workers", r.config.Workers)

	jobs := make(chan job)
	results := make(chan jobResult, r.config.Workers)

	go func() {
		defer close(jobs)
		for _, run := range runs {
			index := r.indexPosition(run.Index)
			for i, s := range samples {
				select {
				case <-ctx.Done():
					return
				case jobs <- job{run: run, index: index, sample: s, sets: sets[i]}:
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < r.config.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				start := time.Now()
				rec := r.execute(ctx, j)
				if ctx.Err() != nil {
					rec = nil
				}
				results <- jobResult{run: j.run, record: rec, elapsed: time.Since(start)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Collector: the only goroutine touching agg and the reporter.
	for res := range results {
		if res.record == nil {
			result.Dropped++
			continue
		}
		agg.Add(res.record, res.elapsed)
		if err := r.reporter.Stream(res.record); err != nil {
			r.logger.Warn("failed to stream record", "run", res.run.Name, "error", err)
		}
		for _, o := range r.observers {
			o.RecordCompleted(res.run, res.record, res.elapsed)
		}
	}

	result.Interrupted = ctx.Err() != nil
	result.Aggregates = agg.Finalize()
	result.Records = agg.Count()
	for i, run := range runs {
		if err := r.reporter.WriteRun(result.Aggregates[i], agg.Records(run.Name)); err != nil {
			return result, err
		}
		result.Latency = append(result.Latency, ManifestRun{
			Name:    run.Name,
			N:       result.Aggregates[i].N,
			Latency: agg.Latency(run.Name),
		})
	}
	if err := r.reporter.WriteSummary(result.Aggregates); err != nil {
		return result, err
	}
	result.FinishedAt = time.Now().UTC()

	for _, o := range r.observers {
		o.EvaluationFinished(result)
	}

	if result.Interrupted {
		r.logger.Warn("evaluation interrupted", "records", result.Records, "dropped", result.Dropped)
		return result, ErrInterrupted
	}
	r.logger.Info("evaluation completed",
		"records", result.Records,
		"duration", result.FinishedAt.Sub(result.StartedAt),
	)
	return result, nil
}

func (r *Runner) indexPosition(name string) int {
	for i, idx := range r.indexes {
		if idx.Name == name {
			return i
		}
	}
	return -1
}

// mapRelevance computes the relevance set of every (sample, index) pair once.
func (r *Runner) mapRelevance(samples []QuerySample) [][]relevance.Set {
	sets := make([][]relevance.Set, len(samples))
	for i, s := range samples {
		sets[i] = make([]relevance.Set, len(r.indexes))
		for j, idx := range r.indexes {
			sets[i][j] = r.mapper.Lookup(s.ID, s.CaseName, idx.Catalog)
		}
	}
	return sets
}

func (r *Runner) relevanceStats(samples []QuerySample, sets [][]relevance.Set) RelevanceStats {
	stats := RelevanceStats{
		Total:        len(samples),
		CatalogSizes: make(map[string]int, len(r.indexes)+1),
		Indexes:      make([]IndexRelevanceStats, len(r.indexes)),
	}

	catalogs := make([]relevance.Catalog, len(r.indexes))
	for j, idx := range r.indexes {
		catalogs[j] = idx.Catalog
		stats.CatalogSizes[idx.Name] = idx.Catalog.Size()
		stats.Indexes[j] = IndexRelevanceStats{Index: idx.Name, Available: idx.Catalog.Available}
	}
	stats.CatalogSizes["union"] = len(relevance.Union(catalogs...))

	for i := range samples {
		if len(relevance.Merge(sets[i]...).Sources) > 0 {
			stats.NonEmpty++
		}
		for j, set := range sets[i] {
			is := &stats.Indexes[j]
			if len(set.Sources) > 0 {
				is.NonEmpty++
			}
			switch set.Stage {
			case relevance.StageExact:
				is.Exact++
			case relevance.StageNormalized:
				is.Normalized++
			case relevance.StageFuzzy:
				is.Fuzzy++
			default:
				if set.Status == relevance.StatusNoMatch {
					is.NoMatch++
				}
			}
		}
	}
	if stats.Total > 0 {
		stats.Coverage = float64(stats.NonEmpty) / float64(stats.Total)
	}
	return stats
}

// debugOverview retrieves the top sources of the first two indexes for the
// first DebugN samples.
func (r *Runner) debugOverview(ctx context.Context, samples []QuerySample, sets [][]relevance.Set) []DebugEntry {
	n := min(r.config.DebugN, len(samples))
	entries := make([]DebugEntry, 0, n)
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		s := samples[i]
		union := relevance.Merge(sets[i]...)
		entry := DebugEntry{
			ID:              s.ID,
			CaseName:        s.CaseName,
			RelevantSources: union.Sources,
		}
		if entry.RelevantSources == nil {
			entry.RelevantSources = []string{}
		}

		top := make([][]string, 2)
		for j := 0; j < len(r.indexes) && j < 2; j++ {
			query := r.rewriter.IndexQuery(ctx, s.ID, s.Question)
			items, _ := r.indexes[j].Retriever.Retrieve(ctx, query, r.config.DebugTopK)
			top[j] = rag.Sources(items)
		}
		entry.ATopSources, entry.AIntersection = nonNil(top[0]), intersect(top[0], union)
		entry.BTopSources, entry.BIntersection = nonNil(top[1]), intersect(top[1], union)
		entries = append(entries, entry)
	}
	return entries
}

func (r *Runner) execute(ctx context.Context, j job) *Record {
	rec := newRecord(j.sample, j.run)
	if j.run.Kind == RunKindCombined {
		r.evaluateCombined(ctx, j, rec)
	} else {
		r.evaluateIndex(ctx, j, rec)
	}
	return rec
}

func (r *Runner) evaluateIndex(ctx context.Context, j job, rec *Record) {
	if j.index < 0 {
		rec.RetrievalError = fmt.Sprintf("unknown index %q", j.run.Index)
		r.score(rec, r.generator.Heuristic(rec.Question, nil), nil, relevance.Set{Status: relevance.StatusCatalogUnavailable}, false, j.run.RankK)
		return
	}
	idx := r.indexes[j.index]

	query := r.rewriter.IndexQuery(ctx, j.sample.ID, j.sample.Question)
	items, err := idx.Retriever.Retrieve(ctx, query, j.run.K)
	if err != nil {
		rec.RetrievalError = err.Error()
	}

	ans := r.generator.Heuristic(j.sample.Question, items)
	r.score(rec, ans, items, j.sets[j.index], idx.Catalog.Available, j.run.RankK)
}

// evaluateCombined retrieves from every index in order, caps the passages
// and generates with fallback.
func (r *Runner) evaluateCombined(ctx context.Context, j job, rec *Record) {
	query := r.rewriter.CombinedQuery(ctx, j.sample.ID, j.sample.Question)

	var combined []rag.RetrievedItem
	var failures []string
	available := false
	for _, idx := range r.indexes {
		available = available || idx.Catalog.Available
		items, err := idx.Retriever.Retrieve(ctx, query, j.run.K)
		if err != nil {
			failures = append(failures, idx.Name+": "+err.Error())
		}
		combined = append(combined, items...)
	}
	if len(failures) > 0 {
		rec.RetrievalError = strings.Join(failures, "; ")
	}
	if maxPassages := r.generator.MaxPassages(); len(combined) > maxPassages {
		combined = combined[:maxPassages]
	}
	combined = rag.Rerank(combined)

	ans := r.generator.Generate(ctx, j.sample.Question, combined)
	r.score(rec, ans, combined, relevance.Merge(j.sets...), available, j.run.RankK)
}

func (r *Runner) score(rec *Record, ans rag.Answer, items []rag.RetrievedItem, set relevance.Set, available bool, k int) {
	rec.setAnswer(ans, r.calc.ScoreAnswer(ans.Text, rec.Gold))
	rec.setRetrieved(items)
	rec.setRelevance(set, available)

	ranking := r.calc.ScoreRanking(rag.Sources(items), rag.Texts(items), set.Sources, rec.Gold, k)
	if !available {
		ranking.Hit, ranking.MRR, ranking.NDCG = 0, 0, 0
	}
	rec.setRanking(ranking)
}

// ProviderLabel returns the display label of a provider in run names.
func ProviderLabel(provider string) string {
	switch strings.ToLower(provider) {
	case "gemini", "google":
		return "Gemini"
	case "anthropic", "claude":
		return "Anthropic"
	case "openai":
		return "OpenAI"
	case "ollama":
		return "Ollama"
	case "lmstudio":
		return "LMStudio"
	case "":
		return "LLM"
	default:
		return strings.ToUpper(provider[:1]) + provider[1:]
	}
}

func normalizeKs(ks []int) []int {
	seen := make(map[int]bool, len(ks))
	var out []int
	for _, k := range ks {
		if k > 0 && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Ints(out)
	return out
}

func intersect(sources []string, set relevance.Set) []string {
	seen := make(map[string]bool)
	out := []string{}
	for _, s := range sources {
		if set.Contains(s) && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
