package evaluation

import "time"

// AggregateResult holds the mean metrics of one run.
type AggregateResult struct {
	Run              string  `json:"run"`
	Store            string  `json:"Store"`
	Index            string  `json:"index,omitempty"`
	K                int     `json:"k"`
	N                int     `json:"N"`
	EM               float64 `json:"EM"`
	F1               float64 `json:"F1"`
	ROUGE1           float64 `json:"ROUGE1"`
	ROUGE2           float64 `json:"ROUGE2"`
	ROUGEL           float64 `json:"ROUGEL"`
	Hit              float64 `json:"Hit@k"`
	MRR              float64 `json:"MRR"`
	NDCG             float64 `json:"nDCG"`
	Oracle           float64 `json:"Oracle@k"`
	RankingAvailable bool    `json:"RankingAvailable"`
	Fallbacks        int     `json:"fallbacks"`
	RetrievalErrors  int     `json:"retrieval_failures"`
}

// Aggregator collects records per run, indexed by sample position. It is
// owned by a single goroutine.
type Aggregator struct {
	runs      []RunSpec
	slots     map[string][]*Record
	latencies map[string][]float64
}

// NewAggregator creates an aggregator. maxPosition is one past the largest
// sample position.
func NewAggregator(runs []RunSpec, maxPosition int) *Aggregator {
	a := &Aggregator{
		runs:      runs,
		slots:     make(map[string][]*Record, len(runs)),
		latencies: make(map[string][]float64, len(runs)),
	}
	for _, run := range runs {
		a.slots[run.Name] = make([]*Record, maxPosition)
	}
	return a
}

// Add stores rec in its run's slot.
func (a *Aggregator) Add(rec *Record, elapsed time.Duration) {
	slots, ok := a.slots[rec.run]
	if !ok || rec.position < 0 || rec.position >= len(slots) {
		return
	}
	slots[rec.position] = rec
	a.latencies[rec.run] = append(a.latencies[rec.run], float64(elapsed.Microseconds())/1000.0)
}

// Records returns the records of run in sample order.
func (a *Aggregator) Records(run string) []*Record {
	var out []*Record
	for _, rec := range a.slots[run] {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

// Count returns the number of collected records across all runs.
func (a *Aggregator) Count() int {
	n := 0
	for _, slots := range a.slots {
		for _, rec := range slots {
			if rec != nil {
				n++
			}
		}
	}
	return n
}

// Latency returns the latency statistics of run.
func (a *Aggregator) Latency(run string) LatencyStats {
	return CalculateLatency(a.latencies[run])
}

// Finalize computes one AggregateResult per run, in run order. Means are
// summed in sample order and are 0 for an empty run.
func (a *Aggregator) Finalize() []AggregateResult {
	results := make([]AggregateResult, 0, len(a.runs))
	for _, run := range a.runs {
		res := AggregateResult{
			Run:              run.Name,
			Store:            run.Store,
			Index:            run.Index,
			K:                run.K,
			RankingAvailable: run.RankingAvailable,
		}
		for _, rec := range a.Records(run.Name) {
			res.N++
			res.EM += rec.EM
			res.F1 += rec.F1
			res.ROUGE1 += rec.ROUGE1
			res.ROUGE2 += rec.ROUGE2
			res.ROUGEL += rec.ROUGEL
			res.Hit += rec.Hit
			res.MRR += rec.MRR
			res.NDCG += rec.NDCG
			res.Oracle += rec.Oracle
			if rec.FallbackReason != "" {
				res.Fallbacks++
			}
			if rec.RetrievalError != "" {
				res.RetrievalErrors++
			}
		}
		if res.N > 0 {
			n := float64(res.N)
			res.EM /= n
			res.F1 /= n
			res.ROUGE1 /= n
			res.ROUGE2 /= n
			res.ROUGEL /= n
			res.Hit /= n
			res.MRR /= n
			res.NDCG /= n
			res.Oracle /= n
		}
		results = append(results, res)
	}
	return results
}
