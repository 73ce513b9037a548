// Package evaluation scores retrieval and answer quality against a golden
// dataset and runs the evaluation matrix.
package evaluation

import (
	"math"
	"sort"
	"strings"

	"github.com/alqutdigital/legal-rag-eval/internal/textnorm"
)

// AnswerScores holds the answer-quality metrics of one prediction.
type AnswerScores struct {
	EM     float64 `json:"em"`
	F1     float64 `json:"f1"`
	ROUGE1 float64 `json:"rouge1"`
	ROUGE2 float64 `json:"rouge2"`
	ROUGEL float64 `json:"rougeL"`
}

// RankingScores holds the ranking metrics of one retrieval at k.
type RankingScores struct {
	Hit    float64 `json:"hit"`
	MRR    float64 `json:"mrr"`
	NDCG   float64 `json:"ndcg"`
	Oracle float64 `json:"oracle"`
}

// LatencyStats summarizes per-job latencies in milliseconds.
type LatencyStats struct {
	MeanMs   float64 `json:"mean_ms"`
	MedianMs float64 `json:"median_ms"`
	P95Ms    float64 `json:"p95_ms"`
	P99Ms    float64 `json:"p99_ms"`
	Count    int     `json:"count"`
}

// MetricsCalculator computes evaluation metrics for single records.
type MetricsCalculator struct {
	rouge *RougeScorer
}

// NewMetricsCalculator creates a new metrics calculator.
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{rouge: NewRougeScorer()}
}

// ScoreAnswer computes EM, token F1 and ROUGE for a prediction against gold.
func (mc *MetricsCalculator) ScoreAnswer(prediction, gold string) AnswerScores {
	rouge := mc.rouge.Score(gold, prediction)
	return AnswerScores{
		EM:     ExactMatch(prediction, gold),
		F1:     TokenF1(prediction, gold),
		ROUGE1: rouge.ROUGE1,
		ROUGE2: rouge.ROUGE2,
		ROUGEL: rouge.ROUGEL,
	}
}

// ScoreRanking computes Hit@k, MRR and nDCG@k for ranked sources, plus
// Oracle@k over the ranked texts.
func (mc *MetricsCalculator) ScoreRanking(sources, texts []string, relevant []string, gold string, k int) RankingScores {
	relevantSet := make(map[string]bool, len(relevant))
	for _, s := range relevant {
		relevantSet[s] = true
	}
	return RankingScores{
		Hit:    HitAtK(sources, relevantSet, k),
		MRR:    ReciprocalRank(sources, relevantSet, k),
		NDCG:   NDCGAtK(sources, relevantSet, k),
		Oracle: OracleAtK(texts, gold, k),
	}
}

// ExactMatch returns 1 when the normalized prediction equals the normalized gold.
func ExactMatch(prediction, gold string) float64 {
	if textnorm.NormalizeAnswer(prediction) == textnorm.NormalizeAnswer(gold) {
		return 1
	}
	return 0
}

// TokenF1 is the harmonic mean of token precision (over the prediction) and
// token recall (over the gold answer), counting shared tokens as a multiset.
// When either side has no tokens the score is 1 only if both are empty.
func TokenF1(prediction, gold string) float64 {
	predTokens := textnorm.Tokens(prediction)
	goldTokens := textnorm.Tokens(gold)

	if len(predTokens) == 0 || len(goldTokens) == 0 {
		if len(predTokens) == len(goldTokens) {
			return 1
		}
		return 0
	}

	goldCounts := make(map[string]int, len(goldTokens))
	for _, t := range goldTokens {
		goldCounts[t]++
	}

	common := 0
	for _, t := range predTokens {
		if goldCounts[t] > 0 {
			goldCounts[t]--
			common++
		}
	}
	if common == 0 {
		return 0
	}

	precision := float64(common) / float64(len(predTokens))
	recall := float64(common) / float64(len(goldTokens))
	return 2 * precision * recall / (precision + recall)
}

// HitAtK returns 1.0 if there's at least one relevant source in the top K, 0.0 otherwise.
func HitAtK(sources []string, relevant map[string]bool, k int) float64 {
	limit := min(k, len(sources))
	for i := 0; i < limit; i++ {
		if relevant[sources[i]] {
			return 1.0
		}
	}
	return 0.0
}

// ReciprocalRank returns 1/rank of the first relevant source within the top K.
func ReciprocalRank(sources []string, relevant map[string]bool, k int) float64 {
	limit := min(k, len(sources))
	for i := 0; i < limit; i++ {
		if relevant[sources[i]] {
			return 1.0 / float64(i+1)
		}
	}
	return 0.0
}

// NDCGAtK calculates Normalized Discounted Cumulative Gain at K with binary
// gain. A relevant source contributes only at its first occurrence, so several
// chunks of one document cannot push the score above 1.
func NDCGAtK(sources []string, relevant map[string]bool, k int) float64 {
	if len(relevant) == 0 || k <= 0 {
		return 0
	}

	idcg := idealDCGAtK(len(relevant), k)
	if idcg == 0 {
		return 0
	}
	return dcgAtK(sources, relevant, k) / idcg
}

// OracleAtK returns 1 when the normalized gold answer appears inside the
// normalized text of any of the top K passages.
func OracleAtK(texts []string, gold string, k int) float64 {
	normGold := textnorm.NormalizeAnswer(gold)
	if normGold == "" {
		return 0
	}

	limit := min(k, len(texts))
	for i := 0; i < limit; i++ {
		if strings.Contains(textnorm.NormalizeAnswer(texts[i]), normGold) {
			return 1
		}
	}
	return 0
}

// dcgAtK calculates Discounted Cumulative Gain at K.
func dcgAtK(sources []string, relevant map[string]bool, k int) float64 {
	var dcg float64
	seen := make(map[string]bool)
	limit := min(k, len(sources))

	for i := 0; i < limit; i++ {
		src := sources[i]
		if relevant[src] && !seen[src] {
			seen[src] = true
			dcg += 1.0 / math.Log2(float64(i+2)) // rank i+1, discount log2(rank+1)
		}
	}

	return dcg
}

// idealDCGAtK calculates the ideal DCG at K (all top K results are relevant).
func idealDCGAtK(numRelevant, k int) float64 {
	var idcg float64
	limit := min(k, numRelevant)

	for i := 0; i < limit; i++ {
		idcg += 1.0 / math.Log2(float64(i+2))
	}

	return idcg
}

// CalculateLatency summarizes latencies in milliseconds.
func CalculateLatency(latencies []float64) LatencyStats {
	if len(latencies) == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		MeanMs:   mean(latencies),
		MedianMs: percentile(latencies, 50),
		P95Ms:    percentile(latencies, 95),
		P99Ms:    percentile(latencies, 99),
		Count:    len(latencies),
	}
}

// mean calculates the mean of a slice of floats.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// percentile calculates the p-th percentile of a slice of floats.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	index := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))

	if lower == upper {
		return sorted[lower]
	}

	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}
