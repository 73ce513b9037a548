package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alqutdigital/legal-rag-eval/internal/rag/evaluation"
)

// RunStartedEvent is published once the evaluation matrix is planned.
type RunStartedEvent struct {
	EventID   string    `json:"event_id"`
	RunID     string    `json:"run_id"`
	Runs      []string  `json:"runs"`
	Samples   int       `json:"samples"`
	Jobs      int       `json:"jobs"`
	StartedAt time.Time `json:"started_at"`
}

// RunCompletedEvent carries the aggregate of one run.
type RunCompletedEvent struct {
	EventID   string                     `json:"event_id"`
	RunID     string                     `json:"run_id"`
	Aggregate evaluation.AggregateResult `json:"aggregate"`
	Latency   evaluation.LatencyStats    `json:"latency"`
	Timestamp time.Time                  `json:"timestamp"`
}

// RunFinishedEvent is published when the whole evaluation ends.
type RunFinishedEvent struct {
	EventID     string    `json:"event_id"`
	RunID       string    `json:"run_id"`
	Records     int       `json:"records"`
	Dropped     int       `json:"dropped"`
	Interrupted bool      `json:"interrupted"`
	OutDir      string    `json:"out_dir"`
	FinishedAt  time.Time `json:"finished_at"`
}

// MsgID makes a republished event a JetStream duplicate.
func (e RunStartedEvent) MsgID() string   { return e.EventID }
func (e RunCompletedEvent) MsgID() string { return e.EventID }
func (e RunFinishedEvent) MsgID() string  { return e.EventID }

// Validate checks if the event has required fields.
func (e *RunStartedEvent) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.RunID == "" {
		return errors.New("run_id is required")
	}
	return nil
}

// Validate checks if the event has required fields.
func (e *RunCompletedEvent) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.Aggregate.Run == "" {
		return errors.New("aggregate run is required")
	}
	return nil
}

// EventPublisher publishes a JSON event to a subject.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, event any) error
}

// Publisher turns runner notifications into NATS events. Publish failures
// are logged and never affect the evaluation.
type Publisher struct {
	client  EventPublisher
	runID   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewPublisher creates a Publisher for runID.
func NewPublisher(client EventPublisher, runID string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client:  client,
		runID:   runID,
		timeout: 5 * time.Second,
		logger:  logger.With("component", "event_publisher", "run_id", runID),
	}
}

// RunPlanned publishes eval.run.started.
func (p *Publisher) RunPlanned(runs []evaluation.RunSpec, samples int) {
	names := make([]string, len(runs))
	for i, r := range runs {
		names[i] = r.Name
	}
	event := RunStartedEvent{
		EventID:   uuid.NewString(),
		RunID:     p.runID,
		Runs:      names,
		Samples:   samples,
		Jobs:      len(runs) * samples,
		StartedAt: time.Now().UTC(),
	}
	if err := event.Validate(); err != nil {
		p.logger.Warn("invalid event", "subject", SubjectRunStarted, "error", err)
		return
	}
	p.publish(SubjectRunStarted, event)
}

// RecordCompleted is a no-op; events are per run, not per record.
func (p *Publisher) RecordCompleted(evaluation.RunSpec, *evaluation.Record, time.Duration) {}

// EvaluationFinished publishes one eval.run.completed per run followed by
// eval.run.finished.
func (p *Publisher) EvaluationFinished(result *evaluation.Result) {
	latency := make(map[string]evaluation.LatencyStats, len(result.Latency))
	for _, l := range result.Latency {
		latency[l.Name] = l.Latency
	}

	for _, agg := range result.Aggregates {
		event := RunCompletedEvent{
			EventID:   uuid.NewString(),
			RunID:     p.runID,
			Aggregate: agg,
			Latency:   latency[agg.Run],
			Timestamp: time.Now().UTC(),
		}
		if err := event.Validate(); err != nil {
			p.logger.Warn("invalid event", "subject", SubjectRunCompleted, "error", err)
			continue
		}
		p.publish(SubjectRunCompleted, event)
	}

	p.publish(SubjectRunFinished, RunFinishedEvent{
		EventID:     uuid.NewString(),
		RunID:       p.runID,
		Records:     result.Records,
		Dropped:     result.Dropped,
		Interrupted: result.Interrupted,
		OutDir:      result.OutDir,
		FinishedAt:  result.FinishedAt,
	})
}

// publish uses its own deadline so events still go out after the run
// context is cancelled.
func (p *Publisher) publish(subject string, event any) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.client.Publish(ctx, subject, event); err != nil {
		p.logger.Warn("failed to publish event", "subject", subject, "error", err)
	}
}
