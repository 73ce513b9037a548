package rag

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// PassageBuilderConfig holds configuration for the passage builder.
type PassageBuilderConfig struct {
	SnippetChars int // per-passage cap in characters, 0 disables
	TotalChars   int // whole-block cap in characters, 0 disables
	MaxTokens    int // whole-block token budget, 0 disables
	Encoding     string
}

// DefaultPassageBuilderConfig returns a default configuration.
func DefaultPassageBuilderConfig() PassageBuilderConfig {
	return PassageBuilderConfig{
		SnippetChars: 800,
		TotalChars:   15000,
		Encoding:     "cl100k_base",
	}
}

// PassageBlock is a numbered passage listing ready for a prompt.
type PassageBlock struct {
	Text     string `json:"text"`
	Included int    `json:"included"`
	Tokens   int    `json:"tokens"` // tokens of the included blocks
}

// PassageBuilder formats retrieved items into the numbered passage block of
// the citation prompt.
type PassageBuilder struct {
	config PassageBuilderConfig
	logger *slog.Logger

	encOnce sync.Once
	enc     *tiktoken.Tiktoken
}

// NewPassageBuilder creates a new PassageBuilder instance.
func NewPassageBuilder(logger *slog.Logger, config PassageBuilderConfig) *PassageBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Encoding == "" {
		config.Encoding = DefaultPassageBuilderConfig().Encoding
	}
	return &PassageBuilder{
		config: config,
		logger: logger.With("component", "passage_builder"),
	}
}

// Build renders items as "[i] snippet\n(Source: src)\n\n" blocks, stopping
// before the first block that would exceed a cap. The result is trimmed.
func (pb *PassageBuilder) Build(items []RetrievedItem) PassageBlock {
	var (
		sb         strings.Builder
		usedChars  int
		usedTokens int
		included   int
	)

	for i, it := range items {
		snippet := strings.TrimSpace(it.Text)
		if pb.config.SnippetChars > 0 && utf8.RuneCountInString(snippet) > pb.config.SnippetChars {
			snippet = string([]rune(snippet)[:pb.config.SnippetChars]) + "…"
		}
		block := fmt.Sprintf("[%d] %s\n(Source: %s)\n\n", i+1, snippet, it.SourceID)

		blockChars := utf8.RuneCountInString(block)
		if pb.config.TotalChars > 0 && usedChars+blockChars > pb.config.TotalChars {
			break
		}

		blockTokens := pb.CountTokens(block)
		if pb.config.MaxTokens > 0 && usedTokens+blockTokens > pb.config.MaxTokens {
			break
		}
		usedTokens += blockTokens

		sb.WriteString(block)
		usedChars += blockChars
		included++
	}

	if included < len(items) {
		pb.logger.Debug("passage block truncated",
			"items", len(items),
			"included", included,
		)
	}

	return PassageBlock{
		Text:     strings.TrimSpace(sb.String()),
		Included: included,
		Tokens:   usedTokens,
	}
}

// CountTokens counts tokens with the configured encoding, falling back to a
// four-characters-per-token estimate when the encoding is unavailable.
func (pb *PassageBuilder) CountTokens(text string) int {
	pb.encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(pb.config.Encoding)
		if err != nil {
			pb.logger.Warn("tokenizer unavailable, estimating tokens", "encoding", pb.config.Encoding, "error", err)
			return
		}
		pb.enc = enc
	})

	if pb.enc == nil {
		return (utf8.RuneCountInString(text) + 3) / 4
	}
	return len(pb.enc.Encode(text, nil, nil))
}
