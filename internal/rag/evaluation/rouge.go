package evaluation

import (
	"strings"

	"github.com/alqutdigital/legal-rag-eval/internal/textnorm"
)

// RougeScores holds ROUGE F-measures.
type RougeScores struct {
	ROUGE1 float64
	ROUGE2 float64
	ROUGEL float64
}

// RougeScorer computes ROUGE-1, ROUGE-2 and summary-level ROUGE-L with
// stemmed tokens.
type RougeScorer struct {
	tokenize func(string) []string
}

// NewRougeScorer creates a scorer using textnorm.RougeTokens.
func NewRougeScorer() *RougeScorer {
	return &RougeScorer{tokenize: textnorm.RougeTokens}
}

// Score compares a prediction against the target (gold) text.
func (r *RougeScorer) Score(target, prediction string) RougeScores {
	targetTokens := r.tokenize(target)
	predTokens := r.tokenize(prediction)

	return RougeScores{
		ROUGE1: ngramF(targetTokens, predTokens, 1),
		ROUGE2: ngramF(targetTokens, predTokens, 2),
		ROUGEL: r.summaryLCS(target, prediction),
	}
}

func ngramF(target, prediction []string, n int) float64 {
	targetNgrams := ngramCounts(target, n)
	predNgrams := ngramCounts(prediction, n)

	var overlap, targetTotal, predTotal int
	for gram, c := range targetNgrams {
		targetTotal += c
		overlap += min(c, predNgrams[gram])
	}
	for _, c := range predNgrams {
		predTotal += c
	}

	precision := float64(overlap) / float64(max(predTotal, 1))
	recall := float64(overlap) / float64(max(targetTotal, 1))
	return fmeasure(precision, recall)
}

func ngramCounts(tokens []string, n int) map[string]int {
	counts := make(map[string]int)
	for i := 0; i+n <= len(tokens); i++ {
		counts[strings.Join(tokens[i:i+n], "\x00")]++
	}
	return counts
}

func fmeasure(precision, recall float64) float64 {
	if precision+recall > 0 {
		return 2 * precision * recall / (precision + recall)
	}
	return 0
}

// summaryLCS computes ROUGE-Lsum: newline separated sentences, union LCS of
// each target sentence against all prediction sentences, hits clipped by the
// token counts of both sides.
func (r *RougeScorer) summaryLCS(target, prediction string) float64 {
	refSents := r.sentences(target)
	canSents := r.sentences(prediction)
	if len(refSents) == 0 || len(canSents) == 0 {
		return 0
	}

	refCounts := make(map[string]int)
	canCounts := make(map[string]int)
	var m, n int
	for _, s := range refSents {
		m += len(s)
		for _, t := range s {
			refCounts[t]++
		}
	}
	for _, s := range canSents {
		n += len(s)
		for _, t := range s {
			canCounts[t]++
		}
	}
	if m == 0 || n == 0 {
		return 0
	}

	hits := 0
	for _, ref := range refSents {
		for _, tok := range unionLCS(ref, canSents) {
			if canCounts[tok] > 0 && refCounts[tok] > 0 {
				hits++
				canCounts[tok]--
				refCounts[tok]--
			}
		}
	}

	recall := float64(hits) / float64(m)
	precision := float64(hits) / float64(n)
	return fmeasure(precision, recall)
}

func (r *RougeScorer) sentences(text string) [][]string {
	var out [][]string
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			continue
		}
		out = append(out, r.tokenize(line))
	}
	return out
}

// unionLCS returns the reference tokens covered by the LCS of ref with any
// candidate sentence, in reference order.
func unionLCS(ref []string, candidates [][]string) []string {
	covered := make([]bool, len(ref))
	for _, can := range candidates {
		for _, idx := range lcsIndices(ref, can) {
			covered[idx] = true
		}
	}

	var out []string
	for i, ok := range covered {
		if ok {
			out = append(out, ref[i])
		}
	}
	return out
}

// lcsIndices returns the reference indices of one longest common subsequence.
func lcsIndices(ref, can []string) []int {
	rows, cols := len(ref), len(can)
	table := make([][]int, rows+1)
	for i := range table {
		table[i] = make([]int, cols+1)
	}
	for i := 1; i <= rows; i++ {
		for j := 1; j <= cols; j++ {
			if ref[i-1] == can[j-1] {
				table[i][j] = table[i-1][j-1] + 1
			} else {
				table[i][j] = max(table[i-1][j], table[i][j-1])
			}
		}
	}

	var idx []int
	i, j := rows, cols
	for i > 0 && j > 0 {
		switch {
		case ref[i-1] == can[j-1]:
			idx = append(idx, i-1)
			i--
			j--
		case table[i][j-1] > table[i-1][j]:
			j--
		default:
			i--
		}
	}
	for a, b := 0, len(idx)-1; a < b; a, b = a+1, b-1 {
		idx[a], idx[b] = idx[b], idx[a]
	}
	return idx
}
