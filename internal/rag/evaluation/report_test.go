package evaluation

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/legal-rag-eval/internal/rag"
	"github.com/alqutdigital/legal-rag-eval/internal/rag/relevance"
)

func mustReadRecords(t *testing.T, outDir, run string) []Record {
	t.Helper()
	f, err := os.Open(filepath.Join(outDir, run, RecordsFile))
	require.NoError(t, err)
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	return records
}

func testRecord(run string, pos int, em, hit float64, fallback string) *Record {
	rec := newRecord(QuerySample{ID: string(rune('0' + pos)), Position: pos, GoldAnswer: "gold"}, RunSpec{Name: run})
	rec.EM, rec.F1, rec.Hit = em, em, hit
	rec.FallbackReason = fallback
	return rec
}

func TestAggregator_Finalize(t *testing.T) {
	runs := []RunSpec{
		{Name: "StoreA_Acts_k5", Store: "StoreA_Acts", Index: "acts", K: 5, RankingAvailable: true},
		{Name: "StoreB_Judgments_k5", Store: "StoreB_Judgments", Index: "judgments", K: 5},
	}
	agg := NewAggregator(runs, 3)

	// Out-of-order arrival.
	agg.Add(testRecord("StoreA_Acts_k5", 2, 0, 1, ""), 30*time.Millisecond)
	agg.Add(testRecord("StoreA_Acts_k5", 0, 1, 1, "timeout"), 10*time.Millisecond)
	agg.Add(testRecord("unknown_run", 0, 1, 1, ""), time.Millisecond)
	agg.Add(testRecord("StoreA_Acts_k5", 7, 1, 1, ""), time.Millisecond)

	results := agg.Finalize()
	require.Len(t, results, 2)

	a := results[0]
	assert.Equal(t, "StoreA_Acts_k5", a.Run)
	assert.Equal(t, 2, a.N)
	assert.Equal(t, 0.5, a.EM)
	assert.Equal(t, 1.0, a.Hit)
	assert.Equal(t, 1, a.Fallbacks)
	assert.True(t, a.RankingAvailable)

	b := results[1]
	assert.Equal(t, 0, b.N)
	assert.Zero(t, b.EM)
	assert.False(t, b.RankingAvailable)

	records := agg.Records("StoreA_Acts_k5")
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].Position())
	assert.Equal(t, 2, records[1].Position())
	assert.Equal(t, 2, agg.Count())

	lat := agg.Latency("StoreA_Acts_k5")
	assert.Equal(t, 2, lat.Count)
	assert.InDelta(t, 20.0, lat.MeanMs, 1e-9)
}

func TestReporter_WriteRunAndSummary(t *testing.T) {
	outDir := t.TempDir()
	reporter, err := NewReporter(outDir, false, quietLogger())
	require.NoError(t, err)

	rec := newRecord(QuerySample{ID: "0", Question: "q, with comma", GoldAnswer: "Section 420", CaseName: "State v. Ram"}, RunSpec{Name: "StoreA_Acts_k5"})
	rec.setAnswer(rag.Answer{Text: "Section 420", Mode: rag.AnswerModeHeuristic}, AnswerScores{EM: 1, F1: 1})
	rec.setRelevance(relevance.Set{Sources: []string{"a.pdf", "b.pdf"}, Status: relevance.StatusMatched, Stage: relevance.StageExact}, true)
	rec.setRetrieved([]rag.RetrievedItem{{SourceID: "a.pdf", Rank: 1, Score: 0.5, Text: "Section 420"}})

	require.NoError(t, reporter.Stream(rec))
	agg := AggregateResult{Run: "StoreA_Acts_k5", Store: "StoreA_Acts", K: 5, N: 1, EM: 1, F1: 1, RankingAvailable: true}
	require.NoError(t, reporter.WriteRun(agg, []*Record{rec}))
	require.NoError(t, reporter.WriteSummary([]AggregateResult{agg}))
	require.NoError(t, reporter.Close())

	csvData, err := os.ReadFile(filepath.Join(outDir, "StoreA_Acts_k5", PerRecordFile))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(csvData)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "id,case_name,em,f1,rouge1,rouge2,rougeL,hit@k,mrr,ndcg,oracle@k"))
	assert.Contains(t, lines[1], `"q, with comma"`)
	assert.Contains(t, lines[1], "a.pdf;b.pdf")

	var raw map[string]any
	data, err := os.ReadFile(filepath.Join(outDir, "StoreA_Acts_k5", RecordsFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &raw))
	for _, key := range []string{"id", "case_name", "em", "f1", "rouge1", "rouge2", "rougeL", "hit@k", "mrr", "ndcg", "oracle@k", "pred", "gold", "question", "relevant_sources", "retrieved", "answer_mode"} {
		assert.Contains(t, raw, key)
	}

	summary, err := os.ReadFile(filepath.Join(outDir, "summary.csv"))
	require.NoError(t, err)
	assert.Equal(t,
		"Store,k,N,EM,F1,ROUGE1,ROUGE2,ROUGEL,Hit@k,MRR,nDCG,Oracle@k,RankingAvailable\n"+
			"StoreA_Acts,5,1,1,1,0,0,0,0,0,0,0,true\n",
		string(summary))

	var aggJSON map[string]any
	data, err = os.ReadFile(filepath.Join(outDir, "StoreA_Acts_k5", AggregateFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &aggJSON))
	for _, key := range []string{"N", "EM", "F1", "ROUGE1", "ROUGE2", "ROUGEL", "Hit@k", "MRR", "nDCG", "Oracle@k"} {
		assert.Contains(t, aggJSON, key)
	}

	assert.FileExists(t, filepath.Join(outDir, "summary.json"))
	assert.FileExists(t, filepath.Join(outDir, "summary.md"))
}

func TestReporter_WriteManifest(t *testing.T) {
	outDir := t.TempDir()
	reporter, err := NewReporter(outDir, true, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "summary_hyde", reporter.SummaryBase())

	result := &Result{RunID: "abc", Records: 4, Latency: []ManifestRun{{Name: "StoreA_Acts_k5", N: 4}}}
	require.NoError(t, reporter.WriteManifest(result.Manifest(DatasetStats{Entries: 5, Kept: 4, Skipped: 1}, map[string]string{"k": "5"})))

	var m Manifest
	data, err := os.ReadFile(filepath.Join(outDir, ManifestFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "abc", m.RunID)
	assert.Equal(t, 1, m.Dataset.Skipped)
	require.Len(t, m.Runs, 1)
}

func TestFormatSummaryMarkdown(t *testing.T) {
	md := FormatSummaryMarkdown([]AggregateResult{
		{Run: "StoreA_Acts_k5", Store: "StoreA_Acts", K: 5, N: 10, EM: 0.1, Hit: 0.5, RankingAvailable: true},
		{Run: "StoreB_Judgments_k5", Store: "StoreB_Judgments", K: 5, N: 10, Oracle: 0.3, Fallbacks: 2},
	})

	assert.Contains(t, md, "# Evaluation Results")
	assert.Contains(t, md, "| StoreA_Acts | 5 | 10 | 0.1000 |")
	assert.Contains(t, md, "| n/a | n/a | n/a | 0.3000 |")
	assert.Contains(t, md, "## Absorbed Failures")
	assert.Contains(t, md, "| StoreB_Judgments_k5 | 10 | 2 | 0 |")
}
