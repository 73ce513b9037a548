package llm

import (
	"context"
	"sync"
	"sync/atomic"
)

// MockProvider is a scripted Provider for tests.
type MockProvider struct {
	// Respond builds the reply for a request. A nil Respond echoes nothing.
	Respond func(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	calls atomic.Int64

	mu       sync.Mutex
	requests []ChatRequest
}

// NewMockProvider returns a provider that always answers text.
func NewMockProvider(text string) *MockProvider {
	return &MockProvider{
		Respond: func(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
			return &ChatResponse{Text: text, StopReason: StopReasonEndTurn, Model: "mock"}, nil
		},
	}
}

// Chat records the request and delegates to Respond.
func (m *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.calls.Add(1)
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Respond == nil {
		return &ChatResponse{Model: "mock"}, nil
	}
	return m.Respond(ctx, req)
}

// Calls returns how many times Chat was invoked.
func (m *MockProvider) Calls() int {
	return int(m.calls.Load())
}

// Requests returns a copy of the recorded requests.
func (m *MockProvider) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ChatRequest(nil), m.requests...)
}

// Name returns "mock".
func (m *MockProvider) Name() string { return "mock" }

// Model returns "mock-model".
func (m *MockProvider) Model() string { return "mock-model" }
