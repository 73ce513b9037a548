package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrEmptyResponse is returned when the model produced only whitespace.
	ErrEmptyResponse = errors.New("empty response from model")

	// ErrProviderPanic wraps a panic recovered from a provider call.
	ErrProviderPanic = errors.New("provider panicked")
)

// GuardConfig bounds every call made through a GuardedProvider.
type GuardConfig struct {
	Timeout           time.Duration
	RequestsPerMinute int // 0 disables rate limiting
}

// GuardedProvider wraps a provider with a per-call timeout, a request
// limiter and panic recovery. It never retries.
type GuardedProvider struct {
	wrapped Provider
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewGuardedProvider creates a new guarded provider wrapper.
func NewGuardedProvider(provider Provider, cfg GuardConfig, logger *slog.Logger) *GuardedProvider {
	if logger == nil {
		logger = slog.Default()
	}

	g := &GuardedProvider{
		wrapped: provider,
		timeout: cfg.Timeout,
		logger:  logger.With("component", "llm_guard", "provider", provider.Name()),
	}
	if cfg.RequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}
	return g
}

type reply struct {
	resp *ChatResponse
	err  error
}

// Chat implements the Provider interface. Empty output is reported as
// ErrEmptyResponse so callers can treat it like any other failure. The
// timeout is enforced even against a provider that ignores ctx.
func (p *GuardedProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter error: %w", err)
		}
	}

	done := make(chan reply, 1)
	go func() {
		var r reply
		defer func() {
			if v := recover(); v != nil {
				p.logger.Error("panic in provider call", "panic", v)
				r = reply{err: fmt.Errorf("%w: %v", ErrProviderPanic, v)}
			}
			done <- r
		}()
		r.resp, r.err = p.wrapped.Chat(ctx, req)
	}()

	var r reply
	select {
	case r = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.resp.IsEmpty() {
		return nil, ErrEmptyResponse
	}
	return r.resp, nil
}

// Name returns the wrapped provider's name.
func (p *GuardedProvider) Name() string {
	return p.wrapped.Name()
}

// Model returns the wrapped provider's model.
func (p *GuardedProvider) Model() string {
	return p.wrapped.Model()
}
