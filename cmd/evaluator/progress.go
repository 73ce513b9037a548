package main

import (
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/alqutdigital/legal-rag-eval/internal/rag/evaluation"
)

// barObserver renders one progress bar over every planned job.
type barObserver struct {
	out io.Writer
	bar *progressbar.ProgressBar
}

func newBarObserver(out io.Writer) *barObserver {
	return &barObserver{out: out}
}

// RunPlanned implements evaluation.Observer.
func (b *barObserver) RunPlanned(runs []evaluation.RunSpec, samples int) {
	b.bar = progressbar.NewOptions(len(runs)*samples,
		progressbar.OptionSetWriter(b.out),
		progressbar.OptionSetDescription("Evaluating"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "=",
			SaucerHead:    ">",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(b.out)
		}),
	)
}

// RecordCompleted implements evaluation.Observer.
func (b *barObserver) RecordCompleted(run evaluation.RunSpec, _ *evaluation.Record, _ time.Duration) {
	if b.bar == nil {
		return
	}
	b.bar.Describe(run.Name)
	_ = b.bar.Add(1)
}

// EvaluationFinished implements evaluation.Observer.
func (b *barObserver) EvaluationFinished(result *evaluation.Result) {
	if b.bar == nil {
		return
	}
	if result.Interrupted {
		_ = b.bar.Exit()
		fmt.Fprintln(b.out)
		return
	}
	_ = b.bar.Finish()
}
