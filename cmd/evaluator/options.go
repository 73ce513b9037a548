package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/alqutdigital/legal-rag-eval/internal/config"
)

// options holds command-line overrides. A flag only overrides the
// environment when it was set explicitly.
type options struct {
	Dataset        string
	ActsStore      string
	JudgmentsStore string
	Backend        string
	SearchMode     string
	FuzzyThreshold float64
	MatchMethod    string
	FuzzyLimit     int
	LogLevel       string

	Ks                []int
	OutDir            string
	UseLLM            bool
	Provider          string
	Model             string
	APIKey            string
	MaxPassages       int
	MaxOutputTokens   int
	MaxPromptTokens   int
	Workers           int
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration
	E5Instructions    bool
	UseHyDE           bool
	Debug             bool
	DebugN            int
	Upload            bool
	PublishEvents     bool
	StatusAddr        string
}

// register adds the flags of a command. Evaluation flags are only added to run.
func (o *options) register(cmd *cobra.Command, evaluation bool) {
	f := cmd.Flags()

	f.StringVarP(&o.Dataset, "dataset", "d", "", "Golden dataset (JSON array, JSONL or YAML)")
	f.StringVar(&o.ActsStore, "acts-store", "", "Acts docstore directory")
	f.StringVar(&o.JudgmentsStore, "judgments-store", "", "Judgments docstore directory")
	f.StringVar(&o.Backend, "backend", "", "Index backend: 'docstore' or 'pgvector'")
	f.StringVar(&o.SearchMode, "search-mode", "", "pgvector search mode: 'semantic', 'keyword' or 'hybrid'")
	f.Float64Var(&o.FuzzyThreshold, "fuzzy-threshold", 0, "Minimum fuzzy score (0-100) for relevance mapping")
	f.StringVar(&o.MatchMethod, "match-method", "", "Fuzzy scorer: 'token_set', 'token_sort' or 'ratio'")
	f.IntVar(&o.FuzzyLimit, "fuzzy-limit", 0, "Max fuzzy matches per sample, 0 keeps all")
	f.StringVar(&o.LogLevel, "log-level", "", "Log level: debug, info, warn or error")

	if !evaluation {
		return
	}

	f.IntSliceVarP(&o.Ks, "k", "k", nil, "Cut-off values, repeatable or comma separated (default 5,10,20)")
	f.StringVarP(&o.OutDir, "outdir", "o", "", "Output directory")
	f.BoolVar(&o.UseLLM, "use-llm", false, "Add the combined run with LLM generation")
	f.StringVar(&o.Provider, "provider", "", "LLM provider: gemini, anthropic, openai, ollama or lmstudio")
	f.StringVar(&o.Model, "model", "", "LLM model name")
	f.StringVar(&o.APIKey, "api-key", "", "LLM API key (defaults to the provider's environment variable)")
	f.IntVar(&o.MaxPassages, "max-passages", 0, "Passages sent to the LLM")
	f.IntVar(&o.MaxOutputTokens, "max-output-tokens", 0, "Generation output token cap")
	f.IntVar(&o.MaxPromptTokens, "max-prompt-tokens", 0, "Token budget of the passage block sent to the LLM (0 = unlimited)")
	f.IntVarP(&o.Workers, "workers", "w", 0, "Number of concurrent workers")
	f.DurationVar(&o.RetrievalTimeout, "retrieval-timeout", 0, "Per-query retrieval timeout")
	f.DurationVar(&o.GenerationTimeout, "generation-timeout", 0, "Per-call generation timeout")
	f.BoolVar(&o.E5Instructions, "e5-instructions", false, "Prefix retrieval queries with 'query: '")
	f.BoolVar(&o.UseHyDE, "use-hyde", false, "Retrieve with a hypothetical answer instead of the question")
	f.BoolVar(&o.Debug, "debug", false, "Write debug_overview.jsonl")
	f.IntVar(&o.DebugN, "debug-n", 0, "Samples in the debug overview (default 25)")
	f.BoolVar(&o.Upload, "upload", false, "Upload the output directory to object storage")
	f.BoolVar(&o.PublishEvents, "publish-events", false, "Publish run lifecycle events to NATS")
	f.StringVar(&o.StatusAddr, "status-addr", "", "Serve health, progress and metrics on this address")
}

// apply copies explicitly set flags onto cfg.
func (o *options) apply(cmd *cobra.Command, cfg *config.Config) {
	changed := cmd.Flags().Changed

	if changed("dataset") {
		cfg.Eval.DatasetPath = o.Dataset
	}
	if changed("acts-store") {
		setIndexPath(cfg, "acts", o.ActsStore)
	}
	if changed("judgments-store") {
		setIndexPath(cfg, "judgments", o.JudgmentsStore)
	}
	if changed("backend") {
		cfg.Eval.Backend = o.Backend
	}
	if changed("search-mode") {
		cfg.Eval.SearchMode = o.SearchMode
	}
	if changed("fuzzy-threshold") {
		cfg.Eval.FuzzyThreshold = o.FuzzyThreshold
	}
	if changed("match-method") {
		cfg.Eval.MatchMethod = o.MatchMethod
	}
	if changed("fuzzy-limit") {
		cfg.Eval.FuzzyLimit = o.FuzzyLimit
	}
	if changed("log-level") {
		cfg.Log.Level = o.LogLevel
	}

	if changed("k") {
		cfg.Eval.Ks = o.Ks
	}
	if changed("outdir") {
		cfg.Eval.OutputDir = o.OutDir
	}
	if changed("use-llm") {
		cfg.Eval.UseLLM = o.UseLLM
	}
	if changed("provider") {
		cfg.LLM.Provider = o.Provider
	}
	if changed("model") {
		cfg.LLM.Model = o.Model
	}
	if changed("api-key") {
		cfg.LLM.APIKey = o.APIKey
	}
	if changed("max-passages") {
		cfg.Eval.MaxPassages = o.MaxPassages
	}
	if changed("max-output-tokens") {
		cfg.LLM.MaxOutputTokens = o.MaxOutputTokens
	}
	if changed("max-prompt-tokens") {
		cfg.Eval.MaxPromptTokens = o.MaxPromptTokens
	}
	if changed("workers") {
		cfg.Eval.Workers = o.Workers
	}
	if changed("retrieval-timeout") {
		cfg.Eval.RetrievalTimeout = o.RetrievalTimeout
	}
	if changed("generation-timeout") {
		cfg.Eval.GenerationTimeout = o.GenerationTimeout
	}
	if changed("e5-instructions") {
		cfg.Eval.E5Instructions = o.E5Instructions
	}
	if changed("use-hyde") {
		cfg.Eval.UseHyDE = o.UseHyDE
	}
	if changed("debug") {
		cfg.Eval.Debug = o.Debug
	}
	if changed("debug-n") {
		cfg.Eval.DebugN = o.DebugN
	}
	if changed("upload") {
		cfg.Eval.Upload = o.Upload
	}
	if changed("publish-events") {
		cfg.Eval.PublishEvents = o.PublishEvents
	}
	if changed("status-addr") {
		cfg.Status.Addr = o.StatusAddr
	}
}

func setIndexPath(cfg *config.Config, name, path string) {
	for i := range cfg.Indexes {
		if cfg.Indexes[i].Name == name {
			cfg.Indexes[i].Path = path
		}
	}
}

// loadConfig loads the environment, applies flag overrides and validates.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	opts.apply(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
