package relevance

import (
	"fmt"
	"sort"
	"strings"
)

// Scorer returns a similarity between 0 and 100.
type Scorer func(a, b string) float64

// Match methods.
const (
	MethodTokenSet  = "token_set"
	MethodTokenSort = "token_sort"
	MethodRatio     = "ratio"
)

// ScorerFor returns the scorer registered for method.
func ScorerFor(method string) (Scorer, error) {
	switch method {
	case "", MethodTokenSet:
		return TokenSetRatio, nil
	case MethodTokenSort:
		return TokenSortRatio, nil
	case MethodRatio:
		return Ratio, nil
	default:
		return nil, fmt.Errorf("unknown match method %q", method)
	}
}

// Ratio is the normalized indel similarity of two strings, counted in runes.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 100
	}
	dist := total - 2*lcsLength(ra, rb)
	return normDistance(dist, total)
}

// TokenSortRatio compares the whitespace tokens of both strings after sorting them.
func TokenSortRatio(a, b string) float64 {
	return Ratio(sortedTokens(strings.Fields(a)), sortedTokens(strings.Fields(b)))
}

// TokenSetRatio compares the shared and distinct token sets of two strings.
// A shared token set that fully covers either side scores 100.
func TokenSetRatio(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	var intersect, diffAB, diffBA []string
	for tok := range setA {
		if setB[tok] {
			intersect = append(intersect, tok)
		} else {
			diffAB = append(diffAB, tok)
		}
	}
	for tok := range setB {
		if !setA[tok] {
			diffBA = append(diffBA, tok)
		}
	}

	if len(intersect) > 0 && (len(diffAB) == 0 || len(diffBA) == 0) {
		return 100
	}

	abJoined := []rune(sortedTokens(diffAB))
	baJoined := []rune(sortedTokens(diffBA))
	abLen := len(abJoined)
	baLen := len(baJoined)
	sectLen := len([]rune(sortedTokens(intersect)))

	sep := 0
	if sectLen != 0 {
		sep = 1
	}
	sectABLen := sectLen + sep + abLen
	sectBALen := sectLen + sep + baLen

	diffDist := abLen + baLen - 2*lcsLength(abJoined, baJoined)
	result := normDistance(diffDist, sectABLen+sectBALen)
	if len(intersect) == 0 {
		return result
	}

	sectABRatio := normDistance(sep+abLen, sectLen+sectABLen)
	sectBARatio := normDistance(sep+baLen, sectLen+sectBALen)
	return max(result, sectABRatio, sectBARatio)
}

func normDistance(dist, lensum int) float64 {
	if lensum == 0 {
		return 100
	}
	return 100 - 100*float64(dist)/float64(lensum)
}

func tokenSet(s string) map[string]bool {
	fields := strings.Fields(s)
	set := make(map[string]bool, len(fields))
	for _, f := range fields {
		set[f] = true
	}
	return set
}

func sortedTokens(tokens []string) string {
	sorted := append([]string(nil), tokens...)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

// lcsLength returns the longest common subsequence length of two rune slices.
func lcsLength(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else {
				curr[j] = max(prev[j], curr[j-1])
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
