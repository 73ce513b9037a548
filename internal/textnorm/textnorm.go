// Package textnorm normalizes answer text and tokenizes it for scoring.
package textnorm

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kljensen/snowball/english"
)

var (
	articlesRe     = regexp.MustCompile(`\b(a|an|the)\b`)
	nonAlnumRe     = regexp.MustCompile(`[^a-z0-9]+`)
	minStemLength  = 3
	punctuationSet = func() [128]bool {
		var set [128]bool
		for _, r := range "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~" {
			set[r] = true
		}
		return set
	}()
)

// NormalizeAnswer lowercases s, strips ASCII punctuation, drops the articles
// a/an/the and collapses whitespace.
func NormalizeAnswer(s string) string {
	s = strings.ToLower(s)
	s = stripPunctuation(s)
	s = articlesRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// Tokens returns the whitespace tokens of NormalizeAnswer(s).
func Tokens(s string) []string {
	return strings.Fields(NormalizeAnswer(s))
}

// TokenSet returns the distinct tokens of NormalizeAnswer(s).
func TokenSet(s string) map[string]struct{} {
	tokens := Tokens(s)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

// RougeTokens tokenizes s the way ROUGE scoring expects: lowercase, every run
// of non-alphanumerics becomes a separator, and tokens longer than three
// characters are stemmed.
func RougeTokens(s string) []string {
	s = nonAlnumRe.ReplaceAllString(strings.ToLower(s), " ")
	tokens := strings.Fields(s)
	for i, tok := range tokens {
		if len(tok) > minStemLength {
			tokens[i] = Stem(tok)
		}
	}
	return tokens
}

// Stem returns the English stem of a lowercase word.
func Stem(word string) string {
	return english.Stem(word, true)
}

// Truncate returns at most n runes of s.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func stripPunctuation(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 128 && punctuationSet[r] {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
