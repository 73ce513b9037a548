package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alqutdigital/legal-rag-eval/internal/llm"
	"github.com/alqutdigital/legal-rag-eval/internal/storage"
	"github.com/alqutdigital/legal-rag-eval/internal/textnorm"
)

// ErrEmptyGeneration is reported when a provider returns no usable text.
var ErrEmptyGeneration = errors.New("empty generation")

// CitationPrompt is the generation prompt. It takes the question and the
// passage block.
const CitationPrompt = "You are a legal assistant. Answer concisely using only the provided passages. " +
	"Cite supporting passages with indices like [1], [2]. If unsure, say you cannot answer.\n\n" +
	"Question: %s\n\nPassages:\n%s\n\n" +
	"Format: <answer in 1-3 sentences> [citations]"

// AnswerMode tells how a prediction was produced.
type AnswerMode string

const (
	AnswerModeHeuristic AnswerMode = "heuristic"
	AnswerModeGenerated AnswerMode = "generated"
)

// Fallback reasons recorded when generation gives way to the heuristic.
const (
	FallbackTimeout   = "timeout"
	FallbackEmpty     = "empty_output"
	FallbackPanic     = "panic"
	FallbackError     = "provider_error"
	FallbackCancelled = "cancelled"
)

// Answer is a prediction plus how it was obtained.
type Answer struct {
	Text           string     `json:"text"`
	Mode           AnswerMode `json:"mode"`
	FallbackReason string     `json:"fallback_reason,omitempty"`
	Err            error      `json:"-"`
	Usage          llm.Usage  `json:"usage"`
	Passages       int        `json:"passages"`
	PromptTokens   int        `json:"prompt_tokens"`
}

// Heuristic sentence caps, in characters.
const (
	bestSentenceChars  = 600
	firstSentenceChars = 300
)

// BestSentence picks the sentence of text with the largest token-set overlap
// with question. The first sentence wins ties.
func BestSentence(text, question string) string {
	if text == "" {
		return ""
	}

	var sentences []string
	for _, line := range strings.Split(text, "\n") {
		for _, s := range strings.Split(line, ".") {
			if s = strings.TrimSpace(s); s != "" {
				sentences = append(sentences, s)
			}
		}
	}
	if len(sentences) == 0 {
		return textnorm.Truncate(strings.TrimSpace(text), firstSentenceChars)
	}

	questionTokens := textnorm.TokenSet(question)
	if len(questionTokens) == 0 {
		return textnorm.Truncate(sentences[0], firstSentenceChars)
	}

	best, bestScore := sentences[0], -1
	for _, s := range sentences {
		overlap := 0
		for tok := range textnorm.TokenSet(s) {
			if _, ok := questionTokens[tok]; ok {
				overlap++
			}
		}
		if overlap > bestScore {
			best, bestScore = s, overlap
		}
	}
	return textnorm.Truncate(best, bestSentenceChars)
}

// HeuristicAnswer answers from the top-ranked item alone.
func HeuristicAnswer(items []RetrievedItem, question string) string {
	if len(items) == 0 {
		return ""
	}
	return BestSentence(items[0].Text, question)
}

// GeneratorConfig holds configuration for answer generation.
type GeneratorConfig struct {
	MaxPassages     int
	MaxOutputTokens int
	Temperature     float64
}

// DefaultGeneratorConfig returns a default configuration.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MaxPassages:     10,
		MaxOutputTokens: 512,
	}
}

// Generator produces answers, falling back to the heuristic whenever the
// provider cannot. It never retries and never returns an error.
type Generator struct {
	provider llm.Provider
	builder  *PassageBuilder
	cache    storage.Cache
	config   GeneratorConfig
	logger   *slog.Logger
}

// NewGenerator creates a generator. A nil provider yields heuristic answers only.
func NewGenerator(provider llm.Provider, builder *PassageBuilder, cache storage.Cache, config GeneratorConfig, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if builder == nil {
		builder = NewPassageBuilder(logger, DefaultPassageBuilderConfig())
	}
	if cache == nil {
		cache = storage.NewNullCacheManager()
	}
	if config.MaxPassages <= 0 {
		config.MaxPassages = DefaultGeneratorConfig().MaxPassages
	}
	if config.MaxOutputTokens <= 0 {
		config.MaxOutputTokens = DefaultGeneratorConfig().MaxOutputTokens
	}
	return &Generator{
		provider: provider,
		builder:  builder,
		cache:    cache,
		config:   config,
		logger:   logger.With("component", "generator"),
	}
}

// Enabled reports whether a provider is configured.
func (g *Generator) Enabled() bool {
	return g.provider != nil
}

// Model returns the provider name and model, both empty when disabled.
func (g *Generator) Model() (provider, model string) {
	if g.provider == nil {
		return "", ""
	}
	return g.provider.Name(), g.provider.Model()
}

// MaxPassages returns the passage cap.
func (g *Generator) MaxPassages() int {
	return g.config.MaxPassages
}

// Heuristic answers without calling the provider.
func (g *Generator) Heuristic(question string, items []RetrievedItem) Answer {
	return Answer{Text: HeuristicAnswer(items, question), Mode: AnswerModeHeuristic}
}

// Generate answers question from items. Any provider failure is absorbed
// into a heuristic answer over the same items.
func (g *Generator) Generate(ctx context.Context, question string, items []RetrievedItem) Answer {
	if g.provider == nil {
		return g.Heuristic(question, items)
	}

	if len(items) > g.config.MaxPassages {
		items = items[:g.config.MaxPassages]
	}

	block := g.builder.Build(items)
	prompt := fmt.Sprintf(CitationPrompt, question, block.Text)
	promptTokens := g.builder.CountTokens(prompt)

	text, usage, err := g.call(ctx, prompt)
	if err != nil {
		reason := fallbackReason(ctx, err)
		g.logger.Warn("generation failed, using heuristic answer",
			"reason", reason,
			"error", err,
		)
		ans := g.Heuristic(question, items)
		ans.FallbackReason = reason
		ans.Err = err
		ans.Passages = block.Included
		ans.PromptTokens = promptTokens
		return ans
	}

	return Answer{
		Text:         text,
		Mode:         AnswerModeGenerated,
		Usage:        usage,
		Passages:     block.Included,
		PromptTokens: promptTokens,
	}
}

func (g *Generator) call(ctx context.Context, prompt string) (text string, usage llm.Usage, err error) {
	key := storage.BuildTextKey(g.provider.Name(), g.provider.Model(), fmt.Sprint(g.config.MaxOutputTokens), prompt)
	if cached, ok, cerr := g.cache.GetText(ctx, storage.TextKindGeneration, key); cerr == nil && ok {
		return cached, llm.Usage{}, nil
	}

	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %v", llm.ErrProviderPanic, r)
		}
	}()

	resp, err := g.provider.Chat(ctx, llm.Prompt(prompt, g.config.MaxOutputTokens, g.config.Temperature))
	if err != nil {
		return "", llm.Usage{}, err
	}
	if resp.IsEmpty() {
		return "", resp.Usage, ErrEmptyGeneration
	}

	text = strings.TrimSpace(resp.Text)
	if cerr := g.cache.SetText(ctx, storage.TextKindGeneration, key, text); cerr != nil {
		g.logger.Debug("failed to cache generation", "error", cerr)
	}
	return text, resp.Usage, nil
}

func fallbackReason(ctx context.Context, err error) string {
	switch {
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		return FallbackCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return FallbackTimeout
	case errors.Is(err, ErrEmptyGeneration), errors.Is(err, llm.ErrEmptyResponse):
		return FallbackEmpty
	case errors.Is(err, llm.ErrProviderPanic):
		return FallbackPanic
	default:
		return FallbackError
	}
}
