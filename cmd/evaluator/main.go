// Package main is the entry point for the legal RAG evaluation CLI.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alqutdigital/legal-rag-eval/internal/api"
	"github.com/alqutdigital/legal-rag-eval/internal/api/handlers"
	"github.com/alqutdigital/legal-rag-eval/internal/config"
	"github.com/alqutdigital/legal-rag-eval/internal/events"
	"github.com/alqutdigital/legal-rag-eval/internal/rag/evaluation"
	"github.com/alqutdigital/legal-rag-eval/internal/rag/relevance"
	"github.com/alqutdigital/legal-rag-eval/internal/storage"
	"github.com/alqutdigital/legal-rag-eval/internal/telemetry"
	"github.com/alqutdigital/legal-rag-eval/pkg/logger"
)

// Version information (set during build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes.
const (
	exitOK          = 0
	exitSetup       = 1
	exitInterrupted = 130
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, evaluation.ErrInterrupted), errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitSetup
	}
}

func run() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "evaluator",
		Short:         "Legal RAG retrieval evaluation harness",
		Long:          "Evaluates retrieval over the Acts and Judgments indexes against a golden QA dataset.",
		Version:       fmt.Sprintf("%s (built %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newCatalogCmd())
	rootCmd.AddCommand(newRelevanceCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// newRunCmd creates the run subcommand.
func newRunCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the evaluation matrix",
		Long:  "Evaluate every index at every k, plus the combined generation run when --use-llm is set.",
		Example: `  # Heuristic answers over local docstores
  evaluator run --dataset data/golden_dataset.json --k 5,10,20

  # Combined run with Gemini generation and HyDE rewriting
  evaluator run --use-llm --use-hyde --provider gemini --model gemini-2.5-pro

  # pgvector backend with a status server
  evaluator run --backend pgvector --status-addr 127.0.0.1:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluation(cmd.Context(), cmd, opts)
		},
	}

	opts.register(cmd, true)
	return cmd
}

// newCatalogCmd creates the catalog subcommand.
func newCatalogCmd() *cobra.Command {
	opts := &options{}
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Show source catalog sizes per index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCatalog(cmd.Context(), cmd, opts, jsonOutput)
		},
	}

	opts.register(cmd, false)
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output in JSON format")
	return cmd
}

// newRelevanceCmd creates the relevance subcommand.
func newRelevanceCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "relevance",
		Short: "Print the relevance set of every sample as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelevance(cmd.Context(), cmd, opts)
		},
	}

	opts.register(cmd, false)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "evaluator %s (built %s)\n", Version, BuildTime)
		},
	}
}

// runEvaluation executes the run command.
func runEvaluation(parent context.Context, cmd *cobra.Command, opts *options) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	a := newApp(cfg)
	defer a.close()

	ctx, stop := a.shutdown.WatchSignals(parent)
	defer stop()

	a.log.Info("starting evaluation",
		"version", Version,
		"dataset", cfg.Eval.DatasetPath,
		"backend", cfg.Eval.Backend,
		"ks", cfg.Eval.SortedKs(),
		"use_llm", cfg.Eval.UseLLM,
		"use_hyde", cfg.Eval.UseHyDE,
	)

	samples, stats, err := evaluation.LoadDataset(cfg.Eval.DatasetPath, a.log.Logger)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}

	a.openCache(ctx)

	indexes, err := a.loadIndexes(ctx)
	if err != nil {
		return err
	}

	mapper, err := a.newMapper()
	if err != nil {
		return err
	}

	rewriter, generator, err := a.newAnswering()
	if err != nil {
		return err
	}

	reporter, err := evaluation.NewReporter(cfg.Eval.OutputDir, cfg.Eval.UseHyDE, a.log.Logger)
	if err != nil {
		return err
	}
	defer reporter.Close()

	runner, err := evaluation.NewRunner(indexes, mapper, rewriter, generator, reporter, evaluation.RunnerConfig{
		RunID:            a.runID,
		Ks:               cfg.Eval.SortedKs(),
		Workers:          cfg.Eval.Workers,
		RetrievalTimeout: cfg.Eval.RetrievalTimeout,
		Debug:            cfg.Eval.Debug,
		DebugN:           cfg.Eval.DebugN,
	}, a.log.Logger)
	if err != nil {
		return err
	}

	progress := telemetry.NewProgress()
	metrics := telemetry.NewMetrics(nil)
	runner.AddObserver(newBarObserver(os.Stdout))
	runner.AddObserver(progress)
	runner.AddObserver(metrics)

	if cfg.Eval.PublishEvents {
		if publisher := a.openPublisher(ctx); publisher != nil {
			runner.AddObserver(publisher)
		}
	}

	if cfg.Status.Addr != "" {
		if err := a.startStatusServer(progress, metrics); err != nil {
			return err
		}
	}

	result, runErr := runner.Run(ctx, samples)
	if result == nil {
		return runErr
	}

	manifest := result.Manifest(stats, cfg.Redacted())
	manifest.Cache = a.cache.GetMetrics()

	if cfg.Eval.Upload && !result.Interrupted {
		manifest.Artifacts = a.upload(ctx, reporter, manifest)
	}

	if err := reporter.WriteManifest(manifest); err != nil {
		return err
	}

	printSummary(os.Stdout, result)
	return runErr
}

// runCatalog executes the catalog command.
func runCatalog(parent context.Context, cmd *cobra.Command, opts *options, jsonOutput bool) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	a := newApp(cfg)
	defer a.close()

	catalogs, err := a.loadCatalogs(parent)
	if err != nil {
		return err
	}

	type catalogView struct {
		Index     string `json:"index"`
		Available bool   `json:"available"`
		Sources   int    `json:"sources"`
		Error     string `json:"error,omitempty"`
	}
	views := make([]catalogView, 0, len(catalogs))
	for _, c := range catalogs {
		v := catalogView{Index: c.Index, Available: c.Available, Sources: c.Size()}
		if c.Err != nil {
			v.Error = c.Err.Error()
		}
		views = append(views, v)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		data, err := json.MarshalIndent(map[string]any{
			"indexes": views,
			"union":   len(relevance.Union(catalogs...)),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tAVAILABLE\tSOURCES\tERROR")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", v.Index, v.Available, v.Sources, v.Error)
	}
	fmt.Fprintf(tw, "union\t\t%d\t\n", len(relevance.Union(catalogs...)))
	return tw.Flush()
}

// runRelevance executes the relevance command.
func runRelevance(parent context.Context, cmd *cobra.Command, opts *options) error {
	if parent == nil {
		parent = context.Background()
	}

	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	a := newApp(cfg)
	defer a.close()

	samples, _, err := evaluation.LoadDataset(cfg.Eval.DatasetPath, a.log.Logger)
	if err != nil {
		return fmt.Errorf("failed to load dataset: %w", err)
	}

	catalogs, err := a.loadCatalogs(parent)
	if err != nil {
		return err
	}

	mapper, err := a.newMapper()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetEscapeHTML(false)
	for _, s := range samples {
		sets := make(map[string]relevance.Set, len(catalogs))
		for _, c := range catalogs {
			sets[c.Index] = mapper.Lookup(s.ID, s.CaseName, c)
		}
		if err := enc.Encode(map[string]any{
			"id":        s.ID,
			"case_name": s.CaseName,
			"relevance": sets,
		}); err != nil {
			return err
		}
	}
	return nil
}

// upload publishes the output directory and returns the object keys.
func (a *app) upload(ctx context.Context, reporter *evaluation.Reporter, manifest evaluation.Manifest) []string {
	store, err := storage.NewMinIOStorage(storage.MinIOConfig{
		Endpoint:        a.cfg.Storage.Endpoint,
		AccessKeyID:     a.cfg.Storage.AccessKeyID,
		SecretAccessKey: a.cfg.Storage.SecretAccessKey,
		BucketName:      a.cfg.Storage.BucketName,
		UseSSL:          a.cfg.Storage.UseSSL,
		Region:          a.cfg.Storage.Region,
	})
	if err != nil {
		a.log.WithError(err).Warn("failed to initialize storage, skipping upload")
		return nil
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if err := store.InitBucket(uploadCtx); err != nil {
		a.log.WithError(err).Warn("failed to initialize bucket, skipping upload")
		return nil
	}

	// The manifest goes up last and is written before the upload starts.
	if err := reporter.WriteManifest(manifest); err != nil {
		a.log.WithError(err).Warn("failed to write manifest before upload")
	}

	keys, err := store.UploadDir(uploadCtx, reporter.OutDir(), a.runID, evaluation.ManifestFile)
	if err != nil {
		a.log.WithError(err).Warn("upload incomplete", "uploaded", len(keys))
	} else {
		a.log.Info("uploaded output", "bucket", a.cfg.Storage.BucketName, "objects", len(keys))
	}
	return keys
}

// startStatusServer serves /health, /ready, /progress and /metrics.
func (a *app) startStatusServer(progress *telemetry.Progress, metrics *telemetry.Metrics) error {
	checks := map[string]handlers.HealthChecker{}
	if a.db != nil {
		checks["postgres"] = a.db
	}
	if a.cacheManager != nil {
		checks["redis"] = handlers.CheckFunc(func(ctx context.Context) error {
			if !a.cacheManager.IsHealthy() {
				return errors.New("redis unavailable")
			}
			return nil
		})
	}
	if a.nats != nil {
		checks["nats"] = handlers.CheckFunc(func(ctx context.Context) error {
			if !a.nats.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		})
	}

	routerCfg := api.DefaultRouterConfig()
	routerCfg.Version = Version
	router := api.NewStatusRouter(api.Dependencies{
		Logger:   a.log.Logger,
		Progress: progress,
		Metrics:  metrics.Handler(),
		Checks:   checks,
	}, routerCfg)

	serverCfg := api.DefaultServerConfig()
	serverCfg.Addr = a.cfg.Status.Addr
	srv := api.NewServer(router, serverCfg, a.log.Logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start status server: %w", err)
	}
	a.shutdown.RegisterNamed("status_server", srv.Shutdown)
	return nil
}

// openPublisher connects to NATS. Failures disable event publishing.
func (a *app) openPublisher(ctx context.Context) *events.Publisher {
	natsCfg := events.DefaultNATSConfig()
	natsCfg.URL = a.cfg.NATS.URL

	client, err := events.NewNATSClient(natsCfg, a.log.Logger)
	if err != nil {
		a.log.WithError(err).Warn("failed to connect to NATS, events disabled")
		return nil
	}
	a.shutdown.RegisterNamed("nats", func(context.Context) error { return client.Close() })

	if err := client.SetupStream(ctx); err != nil {
		a.log.WithError(err).Warn("failed to set up event stream, events disabled")
		return nil
	}
	a.nats = client
	return events.NewPublisher(client, a.runID, a.log.Logger)
}

func printSummary(w *os.File, result *evaluation.Result) {
	fmt.Fprintln(w)
	fmt.Fprint(w, evaluation.FormatSummaryMarkdown(result.Aggregates))
	fmt.Fprintf(w, "\nResults written to %s\n", filepath.Clean(result.OutDir))
	if result.Interrupted {
		fmt.Fprintf(w, "Run interrupted: %d records kept, %d dropped\n", result.Records, result.Dropped)
	}
}

// newLogger builds the process logger from configuration.
func newLogger(cfg *config.Config) *logger.Logger {
	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	log.SetDefault()
	return log
}
