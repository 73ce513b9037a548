// Package config provides configuration management for the evaluator.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/alqutdigital/legal-rag-eval/internal/llm"
)

// ErrInvalid is returned by Validate for unusable configuration.
var ErrInvalid = errors.New("invalid configuration")

// Index backends.
const (
	BackendDocstore = "docstore"
	BackendPgVector = "pgvector"
)

// Config holds all configuration for the evaluator.
type Config struct {
	Eval      EvalConfig
	Indexes   []IndexConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	NATS      NATSConfig
	Storage   StorageConfig
	Status    StatusConfig
	Log       LogConfig
}

// EvalConfig holds the evaluation run parameters.
type EvalConfig struct {
	DatasetPath       string
	OutputDir         string
	Ks                []int
	Workers           int
	RetrievalTimeout  time.Duration
	GenerationTimeout time.Duration

	Backend    string
	SearchMode string

	FuzzyThreshold float64
	MatchMethod    string
	FuzzyLimit     int

	UseLLM          bool
	MaxPassages     int
	MaxPromptTokens int // token budget of the prompt's passage block, 0 disables
	E5Instructions  bool
	UseHyDE         bool

	Debug  bool
	DebugN int

	Upload        bool
	PublishEvents bool
}

// IndexConfig describes one read-only document index.
type IndexConfig struct {
	Name       string // short key, e.g. "acts"
	Label      string // report label, e.g. "StoreA_Acts"
	Path       string // docstore directory
	Collection string // pgvector collection
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	Provider          string
	Model             string
	APIKey            string
	GeminiKey         string
	AnthropicKey      string
	OpenAIKey         string
	MaxOutputTokens   int
	Temperature       float64
	OllamaBaseURL     string
	LMStudioBaseURL   string
	RequestsPerMinute int
}

// EmbeddingConfig holds query embedding configuration for the pgvector backend.
type EmbeddingConfig struct {
	Model      string
	Dimensions int
	APIKey     string
	BaseURL    string
	CacheSize  int
	RateLimit  int
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// NATSConfig holds NATS configuration.
type NATSConfig struct {
	URL string
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	UseSSL          bool
	Region          string
}

// StatusConfig holds the optional status server configuration.
type StatusConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level     string
	Format    string
	AddSource bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	geminiKey := getEnv("GEMINI_API_KEY", getEnv("GOOGLE_API_KEY", ""))

	cfg := &Config{
		Eval: EvalConfig{
			DatasetPath:       getEnv("EVAL_DATASET", "data/golden_dataset.json"),
			OutputDir:         getEnv("EVAL_OUTDIR", "results"),
			Ks:                getEnvAsIntList("EVAL_K", []int{5, 10, 20}),
			Workers:           getEnvAsInt("EVAL_WORKERS", 4),
			RetrievalTimeout:  getEnvAsDuration("EVAL_RETRIEVAL_TIMEOUT", 30*time.Second),
			GenerationTimeout: getEnvAsDuration("EVAL_GENERATION_TIMEOUT", 60*time.Second),
			Backend:           getEnv("INDEX_BACKEND", BackendDocstore),
			SearchMode:        getEnv("SEARCH_MODE", "hybrid"),
			FuzzyThreshold:    getEnvAsFloat("EVAL_FUZZY_THRESHOLD", 80),
			MatchMethod:       getEnv("EVAL_MATCH_METHOD", "token_set"),
			FuzzyLimit:        getEnvAsInt("EVAL_FUZZY_LIMIT", 0),
			UseLLM:            getEnvAsBool("EVAL_USE_LLM", false),
			MaxPassages:       getEnvAsInt("EVAL_MAX_PASSAGES", 10),
			MaxPromptTokens:   getEnvAsInt("EVAL_MAX_PROMPT_TOKENS", 0),
			E5Instructions:    getEnvAsBool("EVAL_E5_INSTRUCTIONS", false),
			UseHyDE:           getEnvAsBool("EVAL_USE_HYDE", false),
			Debug:             getEnvAsBool("EVAL_DEBUG", false),
			DebugN:            getEnvAsInt("EVAL_DEBUG_N", 25),
			Upload:            getEnvAsBool("EVAL_UPLOAD", false),
			PublishEvents:     getEnvAsBool("EVAL_PUBLISH_EVENTS", false),
		},
		Indexes: []IndexConfig{
			{
				Name:       "acts",
				Label:      "StoreA_Acts",
				Path:       getEnv("ACTS_STORE_PATH", "stores/acts"),
				Collection: getEnv("ACTS_COLLECTION", "acts"),
			},
			{
				Name:       "judgments",
				Label:      "StoreB_Judgments",
				Path:       getEnv("JUDGMENTS_STORE_PATH", "stores/judgments"),
				Collection: getEnv("JUDGMENTS_COLLECTION", "judgments"),
			},
		},
		LLM: LLMConfig{
			Provider:          getEnv("LLM_PROVIDER", "gemini"),
			Model:             getEnv("LLM_MODEL", "gemini-2.5-pro"),
			GeminiKey:         geminiKey,
			AnthropicKey:      getEnv("ANTHROPIC_API_KEY", ""),
			OpenAIKey:         getEnv("OPENAI_API_KEY", ""),
			MaxOutputTokens:   getEnvAsInt("LLM_MAX_OUTPUT_TOKENS", 512),
			Temperature:       getEnvAsFloat("LLM_TEMPERATURE", 0),
			OllamaBaseURL:     getEnv("OLLAMA_BASE_URL", "http://localhost:11434/v1"),
			LMStudioBaseURL:   getEnv("LMSTUDIO_BASE_URL", "http://localhost:1234/v1"),
			RequestsPerMinute: getEnvAsInt("LLM_REQUESTS_PER_MINUTE", 60),
		},
		Embedding: EmbeddingConfig{
			Model:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimensions: getEnvAsInt("EMBEDDING_DIMENSIONS", 1536),
			APIKey:     getEnv("EMBEDDING_API_KEY", getEnv("OPENAI_API_KEY", "")),
			BaseURL:    getEnv("EMBEDDING_BASE_URL", ""),
			CacheSize:  getEnvAsInt("EMBEDDING_CACHE_SIZE", 1000),
			RateLimit:  getEnvAsInt("EMBEDDING_RATE_LIMIT", 3000),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "postgres"),
			Password:     getEnv("DB_PASSWORD", ""),
			Database:     getEnv("DB_NAME", "legal_rag"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL: getEnv("NATS_URL", "nats://localhost:4222"),
		},
		Storage: StorageConfig{
			Endpoint:        getEnv("STORAGE_ENDPOINT", "localhost:9000"),
			AccessKeyID:     getEnv("STORAGE_ACCESS_KEY", "minioadmin"),
			SecretAccessKey: getEnv("STORAGE_SECRET_KEY", "minioadmin"),
			BucketName:      getEnv("STORAGE_BUCKET", "legal-rag-eval"),
			UseSSL:          getEnvAsBool("STORAGE_USE_SSL", false),
			Region:          getEnv("STORAGE_REGION", "us-east-1"),
		},
		Status: StatusConfig{
			Addr:            getEnv("STATUS_ADDR", ""),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			Format:    getEnv("LOG_FORMAT", "text"),
			AddSource: getEnvAsBool("LOG_ADD_SOURCE", false),
		},
	}

	return cfg, nil
}

// ResolveAPIKey picks the key matching the configured provider unless one was
// set explicitly.
func (c *LLMConfig) ResolveAPIKey() string {
	if c.APIKey != "" {
		return c.APIKey
	}
	switch strings.ToLower(c.Provider) {
	case "gemini", "google":
		return c.GeminiKey
	case "anthropic", "claude":
		return c.AnthropicKey
	case "openai":
		return c.OpenAIKey
	}
	return ""
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Eval.DatasetPath) == "" {
		problems = append(problems, "dataset path is required")
	}
	if strings.TrimSpace(c.Eval.OutputDir) == "" {
		problems = append(problems, "output directory is required")
	}
	if len(c.Eval.Ks) == 0 {
		problems = append(problems, "at least one k is required")
	}
	for _, k := range c.Eval.Ks {
		if k <= 0 {
			problems = append(problems, fmt.Sprintf("k must be positive, got %d", k))
		}
	}
	if c.Eval.Workers <= 0 {
		problems = append(problems, "workers must be positive")
	}
	if c.Eval.RetrievalTimeout <= 0 || c.Eval.GenerationTimeout <= 0 {
		problems = append(problems, "timeouts must be positive")
	}
	if c.Eval.FuzzyThreshold < 0 || c.Eval.FuzzyThreshold > 100 {
		problems = append(problems, "fuzzy threshold must be within [0,100]")
	}
	if !slices.Contains([]string{"token_set", "token_sort", "ratio"}, c.Eval.MatchMethod) {
		problems = append(problems, fmt.Sprintf("unknown match method %q", c.Eval.MatchMethod))
	}
	if c.Eval.FuzzyLimit < 0 {
		problems = append(problems, "fuzzy limit must not be negative")
	}
	if !slices.Contains([]string{BackendDocstore, BackendPgVector}, c.Eval.Backend) {
		problems = append(problems, fmt.Sprintf("unknown index backend %q", c.Eval.Backend))
	}
	if !slices.Contains([]string{"semantic", "keyword", "hybrid"}, c.Eval.SearchMode) {
		problems = append(problems, fmt.Sprintf("unknown search mode %q", c.Eval.SearchMode))
	}
	if c.Eval.DebugN < 0 {
		problems = append(problems, "debug-n must not be negative")
	}
	if len(c.Indexes) == 0 {
		problems = append(problems, "at least one index is required")
	}

	if c.Eval.UseLLM || c.Eval.UseHyDE {
		if c.Eval.MaxPassages <= 0 {
			problems = append(problems, "max passages must be positive")
		}
		if c.Eval.MaxPromptTokens < 0 {
			problems = append(problems, "max prompt tokens must not be negative")
		}
		if c.LLM.MaxOutputTokens <= 0 {
			problems = append(problems, "max output tokens must be positive")
		}
		if err := llm.ValidateProviderConfig(llm.ProviderConfig{
			Provider: c.LLM.Provider,
			APIKey:   c.LLM.ResolveAPIKey(),
		}); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Redacted returns a copy safe for writing into run manifests.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***REDACTED***"
	}
	c.LLM.APIKey = mask(c.LLM.APIKey)
	c.LLM.GeminiKey = mask(c.LLM.GeminiKey)
	c.LLM.AnthropicKey = mask(c.LLM.AnthropicKey)
	c.LLM.OpenAIKey = mask(c.LLM.OpenAIKey)
	c.Embedding.APIKey = mask(c.Embedding.APIKey)
	c.Database.Password = mask(c.Database.Password)
	c.Redis.Password = mask(c.Redis.Password)
	c.Storage.SecretAccessKey = mask(c.Storage.SecretAccessKey)
	c.Indexes = slices.Clone(c.Indexes)
	c.Eval.Ks = slices.Clone(c.Eval.Ks)
	return c
}

// SortedKs returns the configured k values ascending and de-duplicated.
func (c *EvalConfig) SortedKs() []int {
	ks := slices.Clone(c.Ks)
	slices.Sort(ks)
	return slices.Compact(ks)
}

// Addr returns the Redis host:port address.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsIntList(key string, defaultValue []int) []int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	ints, err := ParseIntList(value)
	if err != nil || len(ints) == 0 {
		return defaultValue
	}
	return ints
}

// ParseIntList parses a comma separated list such as "5,10,20".
func ParseIntList(value string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %q as integer: %w", part, err)
		}
		out = append(out, n)
	}
	return out, nil
}
