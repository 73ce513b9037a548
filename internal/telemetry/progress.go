package telemetry

import (
	"sync"
	"time"

	"github.com/alqutdigital/legal-rag-eval/internal/rag/evaluation"
)

// RunProgress is the progress of one run.
type RunProgress struct {
	Run       string `json:"run"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Fallbacks int    `json:"fallbacks"`
	Failures  int    `json:"retrieval_failures"`
}

// Snapshot is a point-in-time view of the evaluation.
type Snapshot struct {
	State     string        `json:"state"`
	Completed int           `json:"completed"`
	Total     int           `json:"total"`
	Percent   float64       `json:"percent"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	Elapsed   string        `json:"elapsed"`
	Runs      []RunProgress `json:"runs"`
}

// Progress states.
const (
	StatePending     = "pending"
	StateRunning     = "running"
	StateFinished    = "finished"
	StateInterrupted = "interrupted"
)

// Progress tracks completion per run. Observer calls come from the
// collector goroutine; Snapshot may be called from any goroutine.
type Progress struct {
	mu        sync.RWMutex
	state     string
	startedAt time.Time
	order     []string
	runs      map[string]*RunProgress
	now       func() time.Time
}

// NewProgress creates an empty tracker.
func NewProgress() *Progress {
	return &Progress{
		state: StatePending,
		runs:  make(map[string]*RunProgress),
		now:   time.Now,
	}
}

// RunPlanned implements evaluation.Observer.
func (p *Progress) RunPlanned(runs []evaluation.RunSpec, samples int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.state = StateRunning
	p.startedAt = p.now()
	p.order = p.order[:0]
	p.runs = make(map[string]*RunProgress, len(runs))
	for _, r := range runs {
		p.order = append(p.order, r.Name)
		p.runs[r.Name] = &RunProgress{Run: r.Name, Total: samples}
	}
}

// RecordCompleted implements evaluation.Observer.
func (p *Progress) RecordCompleted(run evaluation.RunSpec, rec *evaluation.Record, _ time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rp, ok := p.runs[run.Name]
	if !ok {
		return
	}
	rp.Completed++
	if rec.FallbackReason != "" {
		rp.Fallbacks++
	}
	if rec.RetrievalError != "" {
		rp.Failures++
	}
}

// EvaluationFinished implements evaluation.Observer.
func (p *Progress) EvaluationFinished(result *evaluation.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if result.Interrupted {
		p.state = StateInterrupted
	} else {
		p.state = StateFinished
	}
}

// Snapshot returns the current progress.
func (p *Progress) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Snapshot{State: p.state, StartedAt: p.startedAt, Runs: make([]RunProgress, 0, len(p.order))}
	for _, name := range p.order {
		rp := *p.runs[name]
		s.Completed += rp.Completed
		s.Total += rp.Total
		s.Runs = append(s.Runs, rp)
	}
	if s.Total > 0 {
		s.Percent = 100 * float64(s.Completed) / float64(s.Total)
	}
	if !p.startedAt.IsZero() {
		s.Elapsed = p.now().Sub(p.startedAt).Round(time.Second).String()
	}
	return s
}

// Done reports whether the evaluation has ended.
func (p *Progress) Done() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == StateFinished || p.state == StateInterrupted
}
