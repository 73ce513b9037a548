// Package telemetry exposes evaluation progress as Prometheus metrics and as
// an in-memory progress snapshot.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alqutdigital/legal-rag-eval/internal/rag/evaluation"
)

// Metrics tracks an evaluation on a private registry.
//
// Usage:
//
//	m := telemetry.NewMetrics(prometheus.NewRegistry())
//	runner.AddObserver(m)
//	http.Handle("/metrics", m.Handler())
type Metrics struct {
	registry *prometheus.Registry

	// JobsPlanned is the number of (sample, run) jobs of the evaluation.
	JobsPlanned prometheus.Gauge

	// RecordsTotal counts completed records.
	// Labels: run, answer_mode (heuristic|generated)
	RecordsTotal *prometheus.CounterVec

	// FallbacksTotal counts generation fallbacks.
	// Labels: run, reason
	FallbacksTotal *prometheus.CounterVec

	// RetrievalFailuresTotal counts absorbed retrieval failures.
	// Labels: run
	RetrievalFailuresTotal *prometheus.CounterVec

	// JobDuration measures one job end to end, in seconds.
	// Labels: kind (index|combined)
	JobDuration *prometheus.HistogramVec

	// RunMetric holds the final mean of each metric per run.
	// Labels: run, metric
	RunMetric *prometheus.GaugeVec
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		JobsPlanned: factory.NewGauge(prometheus.GaugeOpts{
			Name: "legal_eval_jobs_planned",
			Help: "Number of (sample, run) jobs planned for the evaluation",
		}),

		RecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legal_eval_records_total",
				Help: "Total number of completed evaluation records by run and answer mode",
			},
			[]string{"run", "answer_mode"},
		),

		FallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legal_eval_fallbacks_total",
				Help: "Total number of generation fallbacks by run and reason",
			},
			[]string{"run", "reason"},
		),

		RetrievalFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "legal_eval_retrieval_failures_total",
				Help: "Total number of absorbed retrieval failures by run",
			},
			[]string{"run"},
		),

		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "legal_eval_job_duration_seconds",
				Help:    "Duration of evaluation jobs in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),

		RunMetric: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "legal_eval_run_metric",
				Help: "Final mean metric value per run",
			},
			[]string{"run", "metric"},
		),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunPlanned implements evaluation.Observer.
func (m *Metrics) RunPlanned(runs []evaluation.RunSpec, samples int) {
	m.JobsPlanned.Set(float64(len(runs) * samples))
}

// RecordCompleted implements evaluation.Observer.
func (m *Metrics) RecordCompleted(run evaluation.RunSpec, rec *evaluation.Record, elapsed time.Duration) {
	m.RecordsTotal.WithLabelValues(run.Name, string(rec.AnswerMode)).Inc()
	if rec.FallbackReason != "" {
		m.FallbacksTotal.WithLabelValues(run.Name, rec.FallbackReason).Inc()
	}
	if rec.RetrievalError != "" {
		m.RetrievalFailuresTotal.WithLabelValues(run.Name).Inc()
	}
	m.JobDuration.WithLabelValues(string(run.Kind)).Observe(elapsed.Seconds())
}

// EvaluationFinished implements evaluation.Observer.
func (m *Metrics) EvaluationFinished(result *evaluation.Result) {
	for _, agg := range result.Aggregates {
		for name, v := range map[string]float64{
			"em":     agg.EM,
			"f1":     agg.F1,
			"rouge1": agg.ROUGE1,
			"rouge2": agg.ROUGE2,
			"rougeL": agg.ROUGEL,
			"hit":    agg.Hit,
			"mrr":    agg.MRR,
			"ndcg":   agg.NDCG,
			"oracle": agg.Oracle,
		} {
			m.RunMetric.WithLabelValues(agg.Run, name).Set(v)
		}
	}
}
