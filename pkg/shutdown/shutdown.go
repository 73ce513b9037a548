// Package shutdown turns SIGINT/SIGTERM into context cancellation and closes
// process resources in reverse order of acquisition.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const defaultTimeout = 10 * time.Second

// ExitForced is the status used when a second signal aborts the drain.
const ExitForced = 130

// CleanupFunc releases one resource.
type CleanupFunc func(ctx context.Context) error

type step struct {
	name string
	fn   CleanupFunc
}

// Handler owns signal handling and the cleanup stack of one process.
type Handler struct {
	log     *slog.Logger
	timeout time.Duration

	mu    sync.Mutex
	steps []step

	interrupted atomic.Bool
	// exit is called on a second signal; tests replace it.
	exit func(code int)
}

// New returns a Handler whose Shutdown gives up after timeout.
func New(logger *slog.Logger, timeout time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Handler{log: logger, timeout: timeout, exit: os.Exit}
}

// Register pushes an anonymous cleanup.
func (h *Handler) Register(fn CleanupFunc) {
	h.RegisterNamed("", fn)
}

// RegisterNamed pushes a cleanup; name labels its log lines and errors.
func (h *Handler) RegisterNamed(name string, fn CleanupFunc) {
	h.mu.Lock()
	h.steps = append(h.steps, step{name: name, fn: fn})
	h.mu.Unlock()
}

// WatchSignals derives a context cancelled by the first SIGINT or SIGTERM.
// In-flight work is expected to drain; a second signal exits immediately.
// stop releases the signal handler and cancels the context.
func (h *Handler) WatchSignals(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	quit := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				if h.interrupted.Swap(true) {
					h.log.Error("second signal, aborting", "signal", sig.String())
					h.exit(ExitForced)
					return
				}
				h.log.Warn("interrupt received, draining in-flight work; signal again to abort", "signal", sig.String())
				cancel()
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(quit)
			cancel()
		})
	}
}

// Interrupted reports whether a signal has been received.
func (h *Handler) Interrupted() bool {
	return h.interrupted.Load()
}

// Shutdown pops and runs every cleanup, newest first. It returns the joined
// cleanup errors, or the context error if the timeout expires first.
func (h *Handler) Shutdown() error {
	h.mu.Lock()
	steps := h.steps
	h.steps = nil
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(steps) - 1; i >= 0; i-- {
			if err := h.run(ctx, steps[i]); err != nil {
				errs = append(errs, err)
			}
		}
		result <- errors.Join(errs...)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		h.log.Warn("cleanup timed out", "timeout", h.timeout)
		return ctx.Err()
	}
}

func (h *Handler) run(ctx context.Context, s step) error {
	start := time.Now()
	err := s.fn(ctx)
	log := h.log.With("component", s.name, "elapsed", time.Since(start))
	if err != nil {
		log.Error("cleanup failed", "error", err)
		if s.name != "" {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		return err
	}
	log.Debug("closed")
	return nil
}
