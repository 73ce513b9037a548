package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/legal-rag-eval/internal/rag"
	"github.com/alqutdigital/legal-rag-eval/internal/rag/evaluation"
)

var testRuns = []evaluation.RunSpec{
	{Name: "StoreA_Acts_k5", Kind: evaluation.RunKindIndex},
	{Name: "LLM_Gemini_gemini-2.5-pro_k5", Kind: evaluation.RunKindCombined},
}

func TestMetrics_Observer(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	var _ evaluation.Observer = m

	m.RunPlanned(testRuns, 3)
	assert.Equal(t, 6.0, testutil.ToFloat64(m.JobsPlanned))

	m.RecordCompleted(testRuns[0], &evaluation.Record{AnswerMode: rag.AnswerModeHeuristic, RetrievalError: "timeout"}, 20*time.Millisecond)
	m.RecordCompleted(testRuns[1], &evaluation.Record{AnswerMode: rag.AnswerModeHeuristic, FallbackReason: rag.FallbackTimeout}, time.Second)
	m.RecordCompleted(testRuns[1], &evaluation.Record{AnswerMode: rag.AnswerModeGenerated}, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("StoreA_Acts_k5", "heuristic")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsTotal.WithLabelValues("LLM_Gemini_gemini-2.5-pro_k5", "generated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FallbacksTotal.WithLabelValues("LLM_Gemini_gemini-2.5-pro_k5", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetrievalFailuresTotal.WithLabelValues("StoreA_Acts_k5")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.JobDuration))

	m.EvaluationFinished(&evaluation.Result{Aggregates: []evaluation.AggregateResult{{Run: "StoreA_Acts_k5", EM: 0.25, NDCG: 0.5}}})
	assert.Equal(t, 0.25, testutil.ToFloat64(m.RunMetric.WithLabelValues("StoreA_Acts_k5", "em")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.RunMetric.WithLabelValues("StoreA_Acts_k5", "ndcg")))
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics(nil)
	m.RunPlanned(testRuns, 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "legal_eval_jobs_planned 2"))
}

func TestProgress_Snapshot(t *testing.T) {
	p := NewProgress()
	assert.Equal(t, StatePending, p.Snapshot().State)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return start }
	p.RunPlanned(testRuns, 2)
	p.now = func() time.Time { return start.Add(90 * time.Second) }

	p.RecordCompleted(testRuns[0], &evaluation.Record{}, 0)
	p.RecordCompleted(testRuns[1], &evaluation.Record{FallbackReason: rag.FallbackEmpty}, 0)
	p.RecordCompleted(evaluation.RunSpec{Name: "unknown"}, &evaluation.Record{}, 0)

	s := p.Snapshot()
	assert.Equal(t, StateRunning, s.State)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 50.0, s.Percent)
	assert.Equal(t, "1m30s", s.Elapsed)
	require.Len(t, s.Runs, 2)
	assert.Equal(t, 1, s.Runs[1].Fallbacks)
	assert.False(t, p.Done())

	p.EvaluationFinished(&evaluation.Result{Interrupted: true})
	assert.Equal(t, StateInterrupted, p.Snapshot().State)
	assert.True(t, p.Done())
}
