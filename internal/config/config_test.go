package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := validConfig(t)

	assert.Equal(t, []int{5, 10, 20}, cfg.Eval.Ks)
	assert.Equal(t, 80.0, cfg.Eval.FuzzyThreshold)
	assert.Equal(t, "token_set", cfg.Eval.MatchMethod)
	assert.Equal(t, 10, cfg.Eval.MaxPassages)
	assert.Equal(t, 0, cfg.Eval.MaxPromptTokens)
	assert.Equal(t, 25, cfg.Eval.DebugN)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	assert.Equal(t, 512, cfg.LLM.MaxOutputTokens)
	require.Len(t, cfg.Indexes, 2)
	assert.Equal(t, "StoreA_Acts", cfg.Indexes[0].Label)
	assert.Equal(t, "StoreB_Judgments", cfg.Indexes[1].Label)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("EVAL_K", "20, 5")
	t.Setenv("EVAL_WORKERS", "8")
	t.Setenv("EVAL_RETRIEVAL_TIMEOUT", "5s")
	t.Setenv("EVAL_FUZZY_THRESHOLD", "90")
	t.Setenv("GOOGLE_API_KEY", "g-key")
	t.Setenv("INDEX_BACKEND", "pgvector")
	t.Setenv("EVAL_MAX_PROMPT_TOKENS", "3000")

	cfg := validConfig(t)

	assert.Equal(t, []int{20, 5}, cfg.Eval.Ks)
	assert.Equal(t, []int{5, 20}, cfg.Eval.SortedKs())
	assert.Equal(t, 8, cfg.Eval.Workers)
	assert.Equal(t, 5*time.Second, cfg.Eval.RetrievalTimeout)
	assert.Equal(t, 90.0, cfg.Eval.FuzzyThreshold)
	assert.Equal(t, "g-key", cfg.LLM.ResolveAPIKey())
	assert.Equal(t, BackendPgVector, cfg.Eval.Backend)
	assert.Equal(t, 3000, cfg.Eval.MaxPromptTokens)
}

func TestLoad_BadValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("EVAL_K", "five")
	t.Setenv("EVAL_WORKERS", "many")

	cfg := validConfig(t)
	assert.Equal(t, []int{5, 10, 20}, cfg.Eval.Ks)
	assert.Equal(t, 4, cfg.Eval.Workers)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid defaults", func(c *Config) {}, ""},
		{"empty dataset", func(c *Config) { c.Eval.DatasetPath = " " }, "dataset path is required"},
		{"no ks", func(c *Config) { c.Eval.Ks = nil }, "at least one k"},
		{"negative k", func(c *Config) { c.Eval.Ks = []int{5, -1} }, "k must be positive"},
		{"zero workers", func(c *Config) { c.Eval.Workers = 0 }, "workers must be positive"},
		{"threshold range", func(c *Config) { c.Eval.FuzzyThreshold = 101 }, "fuzzy threshold"},
		{"bad method", func(c *Config) { c.Eval.MatchMethod = "jaro" }, "unknown match method"},
		{"bad backend", func(c *Config) { c.Eval.Backend = "faiss" }, "unknown index backend"},
		{"llm without key", func(c *Config) {
			c.Eval.UseLLM = true
			c.LLM.GeminiKey = ""
		}, "API key is required"},
		{"llm local provider needs no key", func(c *Config) {
			c.Eval.UseLLM = true
			c.LLM.Provider = "ollama"
		}, ""},
		{"negative prompt budget", func(c *Config) {
			c.Eval.UseLLM = true
			c.LLM.Provider = "ollama"
			c.Eval.MaxPromptTokens = -1
		}, "max prompt tokens must not be negative"},
		{"unknown provider", func(c *Config) {
			c.Eval.UseHyDE = true
			c.LLM.Provider = "cohere"
		}, "unknown LLM provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			cfg.LLM.GeminiKey = "key"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := validConfig(t)
	cfg.LLM.GeminiKey = "secret-key"
	cfg.Database.Password = "pw"

	red := cfg.Redacted()
	assert.Equal(t, "***REDACTED***", red.LLM.GeminiKey)
	assert.Equal(t, "***REDACTED***", red.Database.Password)
	assert.Empty(t, red.LLM.AnthropicKey)
	assert.Equal(t, "secret-key", cfg.LLM.GeminiKey)
}

func TestParseIntList(t *testing.T) {
	got, err := ParseIntList("5, 10,,20")
	require.NoError(t, err)
	assert.Equal(t, []int{5, 10, 20}, got)

	_, err = ParseIntList("5,x")
	assert.Error(t, err)
}
