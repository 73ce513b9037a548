package evaluation

import (
	"strconv"
	"strings"

	"github.com/alqutdigital/legal-rag-eval/internal/rag"
	"github.com/alqutdigital/legal-rag-eval/internal/rag/relevance"
)

// RunKind distinguishes single-index runs from the combined LLM run.
type RunKind string

const (
	RunKindIndex    RunKind = "index"
	RunKindCombined RunKind = "combined"
)

// RunSpec identifies one column of the evaluation matrix.
type RunSpec struct {
	// Name is the output directory name, e.g. StoreA_Acts_k5.
	Name string `json:"name"`
	// Store is the summary row label, e.g. HyDE_StoreA_Acts.
	Store string  `json:"store"`
	Kind  RunKind `json:"kind"`
	// Index is empty for the combined run.
	Index string `json:"index,omitempty"`
	K     int    `json:"k"`
	// RankK is the cutoff used for ranking metrics.
	RankK            int  `json:"rank_k"`
	RankingAvailable bool `json:"ranking_available"`
}

// RetrievedRef is a retrieved item as stored on a record.
type RetrievedRef struct {
	Source string  `json:"source"`
	Score  float64 `json:"score"`
	Text   string  `json:"text"`
}

// Record is the immutable result of one (sample, run) job.
type Record struct {
	ID       string `json:"id"`
	CaseName string `json:"case_name"`

	EM     float64 `json:"em"`
	F1     float64 `json:"f1"`
	ROUGE1 float64 `json:"rouge1"`
	ROUGE2 float64 `json:"rouge2"`
	ROUGEL float64 `json:"rougeL"`
	Hit    float64 `json:"hit@k"`
	MRR    float64 `json:"mrr"`
	NDCG   float64 `json:"ndcg"`
	Oracle float64 `json:"oracle@k"`

	Pred     string `json:"pred"`
	Gold     string `json:"gold"`
	Question string `json:"question"`

	RelevantSources  []string         `json:"relevant_sources"`
	RelevanceStatus  relevance.Status `json:"relevance_status"`
	RelevanceStage   relevance.Stage  `json:"relevance_stage,omitempty"`
	RankingAvailable bool             `json:"ranking_available"`

	AnswerMode     rag.AnswerMode `json:"answer_mode"`
	FallbackReason string         `json:"fallback_reason,omitempty"`
	RetrievalError string         `json:"retrieval_error,omitempty"`
	PromptTokens   int            `json:"prompt_tokens,omitempty"`

	Retrieved []RetrievedRef `json:"retrieved"`

	position int
	run      string
}

// Position returns the dataset position of the record's sample.
func (r *Record) Position() int { return r.position }

// Run returns the name of the run that produced the record.
func (r *Record) Run() string { return r.run }

func newRecord(sample QuerySample, run RunSpec) *Record {
	return &Record{
		ID:              sample.ID,
		CaseName:        sample.CaseName,
		Gold:            sample.GoldAnswer,
		Question:        sample.Question,
		RelevantSources: []string{},
		Retrieved:       []RetrievedRef{},
		position:        sample.Position,
		run:             run.Name,
	}
}

func (r *Record) setAnswer(ans rag.Answer, scores AnswerScores) {
	r.Pred = ans.Text
	r.AnswerMode = ans.Mode
	r.FallbackReason = ans.FallbackReason
	r.PromptTokens = ans.PromptTokens
	r.EM = scores.EM
	r.F1 = scores.F1
	r.ROUGE1 = scores.ROUGE1
	r.ROUGE2 = scores.ROUGE2
	r.ROUGEL = scores.ROUGEL
}

func (r *Record) setRanking(scores RankingScores) {
	r.Hit = scores.Hit
	r.MRR = scores.MRR
	r.NDCG = scores.NDCG
	r.Oracle = scores.Oracle
}

func (r *Record) setRelevance(set relevance.Set, available bool) {
	if set.Sources != nil {
		r.RelevantSources = set.Sources
	}
	r.RelevanceStatus = set.Status
	r.RelevanceStage = set.Stage
	r.RankingAvailable = available
}

func (r *Record) setRetrieved(items []rag.RetrievedItem) {
	refs := make([]RetrievedRef, len(items))
	for i, it := range items {
		refs[i] = RetrievedRef{Source: it.SourceID, Score: it.Score, Text: it.Text}
	}
	r.Retrieved = refs
}

var perRecordHeader = []string{
	"id", "case_name",
	"em", "f1", "rouge1", "rouge2", "rougeL",
	"hit@k", "mrr", "ndcg", "oracle@k",
	"answer_mode", "fallback_reason", "retrieval_error",
	"relevance_status", "relevance_stage", "ranking_available",
	"pred", "gold", "question",
	"relevant_sources", "retrieved_sources",
}

func (r *Record) csvRow() []string {
	retrieved := make([]string, len(r.Retrieved))
	for i, ref := range r.Retrieved {
		retrieved[i] = ref.Source
	}
	return []string{
		r.ID, r.CaseName,
		formatFloat(r.EM), formatFloat(r.F1), formatFloat(r.ROUGE1), formatFloat(r.ROUGE2), formatFloat(r.ROUGEL),
		formatFloat(r.Hit), formatFloat(r.MRR), formatFloat(r.NDCG), formatFloat(r.Oracle),
		string(r.AnswerMode), r.FallbackReason, r.RetrievalError,
		string(r.RelevanceStatus), string(r.RelevanceStage), strconv.FormatBool(r.RankingAvailable),
		r.Pred, r.Gold, r.Question,
		strings.Join(r.RelevantSources, ";"), strings.Join(retrieved, ";"),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
