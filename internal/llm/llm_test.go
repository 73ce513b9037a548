package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		cfg      ProviderConfig
		wantName string
		wantErr  bool
	}{
		{name: "gemini", cfg: ProviderConfig{Provider: "gemini", APIKey: "k"}, wantName: "gemini"},
		{name: "google alias", cfg: ProviderConfig{Provider: "Google", APIKey: "k"}, wantName: "gemini"},
		{name: "gemini without key", cfg: ProviderConfig{Provider: "gemini"}, wantErr: true},
		{name: "anthropic", cfg: ProviderConfig{Provider: "anthropic", APIKey: "k"}, wantName: "anthropic"},
		{name: "ollama", cfg: ProviderConfig{Provider: "ollama"}, wantName: "ollama"},
		{name: "lmstudio", cfg: ProviderConfig{Provider: "lmstudio", Model: "qwen"}, wantName: "lmstudio"},
		{name: "unknown", cfg: ProviderConfig{Provider: "bard"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg, quietLogger())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())
			assert.NotEmpty(t, p.Model())
		})
	}
}

func TestConstructorsDefaultTheModel(t *testing.T) {
	a, err := NewAnthropicProvider(ProviderConfig{APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", a.Model())

	o, err := NewOpenAICompatProvider(ProviderConfig{Provider: "ollama", BaseURL: GetDefaultBaseURL("ollama")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", o.Model())

	p, err := NewProvider(ProviderConfig{Provider: "claude", APIKey: "k"}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Name())
	assert.Equal(t, GetDefaultModel("anthropic"), p.Model())
}

func TestValidateProviderConfig(t *testing.T) {
	assert.Error(t, ValidateProviderConfig(ProviderConfig{Provider: "gemini"}))
	assert.NoError(t, ValidateProviderConfig(ProviderConfig{Provider: "gemini", APIKey: "k"}))
	assert.Error(t, ValidateProviderConfig(ProviderConfig{Provider: "openai"}))
	assert.NoError(t, ValidateProviderConfig(ProviderConfig{Provider: "ollama"}))
	assert.NoError(t, ValidateProviderConfig(ProviderConfig{Provider: "Claude", APIKey: "k"}))

	err := ValidateProviderConfig(ProviderConfig{Provider: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic, gemini, lmstudio, ollama, openai")
}

func TestSplitSystem(t *testing.T) {
	system, turns := splitSystem(ChatRequest{
		SystemPrompt: " cite passages ",
		Messages: []Message{
			{Role: RoleSystem, Text: "answer in English"},
			UserMessage("q"),
			{Role: RoleAssistant, Text: "a"},
		},
	})
	assert.Equal(t, "cite passages\n\nanswer in English", system)
	require.Len(t, turns, 2)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, RoleAssistant, turns[1].Role)
}

func TestAnthropicBuildParams(t *testing.T) {
	p, err := NewAnthropicProvider(ProviderConfig{APIKey: "k"}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-20250514", p.Model())

	params := p.buildParams(ChatRequest{
		Messages: []Message{{Role: RoleSystem, Text: "be brief"}, UserMessage("q")},
	})
	assert.Equal(t, int64(512), params.MaxTokens)
	require.Len(t, params.System, 1)
	assert.Equal(t, "be brief", params.System[0].Text)
	assert.Len(t, params.Messages, 1)
}

func TestOpenAICompatBuildRequest(t *testing.T) {
	p, err := NewOpenAICompatProvider(ProviderConfig{Provider: "ollama", BaseURL: "http://localhost:11434/v1"}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "llama3.2", p.Model())

	creq := p.buildRequest(ChatRequest{SystemPrompt: "sys", Messages: []Message{UserMessage("q")}, MaxTokens: 64})
	require.Len(t, creq.Messages, 2)
	assert.Equal(t, "system", creq.Messages[0].Role)
	assert.Equal(t, 64, creq.MaxTokens)
	require.NotNil(t, creq.Seed)

	_, err = NewOpenAICompatProvider(ProviderConfig{Provider: "ollama"}, quietLogger())
	assert.Error(t, err)
}

func TestProviderError(t *testing.T) {
	cause := errors.New("429 rate limited")
	err := error(&ProviderError{Provider: "openai", Model: "gpt-4o-mini", Err: cause})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "openai/gpt-4o-mini: 429 rate limited", err.Error())
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "gemini-2.5-pro", GetDefaultModel("google"))
	assert.Equal(t, "http://localhost:11434/v1", GetDefaultBaseURL("ollama"))
	assert.Equal(t, "", GetDefaultBaseURL("gemini"))
	assert.Equal(t, "gemini", DefaultProviderConfig().Provider)
}

func TestGeminiConvertMessages(t *testing.T) {
	p, err := NewGeminiProvider(ProviderConfig{APIKey: "k"}, quietLogger())
	require.NoError(t, err)

	contents := p.convertMessages([]Message{
		{Role: RoleSystem, Text: "ignored"},
		UserMessage("question"),
		{Role: RoleAssistant, Text: "answer"},
	})
	require.Len(t, contents, 2)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "question", contents[0].Parts[0].Text)

	cfg := p.buildConfig(ChatRequest{SystemPrompt: "be brief", MaxTokens: 256})
	assert.Equal(t, int32(256), cfg.MaxOutputTokens)
	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "be brief", cfg.SystemInstruction.Parts[0].Text)
}

func TestGuardedProvider(t *testing.T) {
	ctx := context.Background()
	req := Prompt("q", 10, 0)

	t.Run("passes text through", func(t *testing.T) {
		g := NewGuardedProvider(NewMockProvider("ok [1]"), GuardConfig{}, quietLogger())
		resp, err := g.Chat(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, "ok [1]", resp.Text)
		assert.Equal(t, "mock", g.Name())
	})

	t.Run("whitespace is empty", func(t *testing.T) {
		g := NewGuardedProvider(NewMockProvider("  \n\t"), GuardConfig{}, quietLogger())
		_, err := g.Chat(ctx, req)
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("error is returned", func(t *testing.T) {
		boom := errors.New("quota exceeded")
		g := NewGuardedProvider(&MockProvider{Respond: func(context.Context, ChatRequest) (*ChatResponse, error) {
			return nil, boom
		}}, GuardConfig{}, quietLogger())
		_, err := g.Chat(ctx, req)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("panic is recovered", func(t *testing.T) {
		g := NewGuardedProvider(&MockProvider{Respond: func(context.Context, ChatRequest) (*ChatResponse, error) {
			panic("nil map")
		}}, GuardConfig{}, quietLogger())
		_, err := g.Chat(ctx, req)
		assert.ErrorIs(t, err, ErrProviderPanic)
	})

	t.Run("timeout", func(t *testing.T) {
		slow := &MockProvider{Respond: func(ctx context.Context, _ ChatRequest) (*ChatResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
		g := NewGuardedProvider(slow, GuardConfig{Timeout: 20 * time.Millisecond}, quietLogger())
		_, err := g.Chat(ctx, req)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("timeout holds when the provider ignores ctx", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)
		stuck := &MockProvider{Respond: func(context.Context, ChatRequest) (*ChatResponse, error) {
			<-release
			return &ChatResponse{Text: "late"}, nil
		}}
		g := NewGuardedProvider(stuck, GuardConfig{Timeout: 20 * time.Millisecond}, quietLogger())

		start := time.Now()
		resp, err := g.Chat(ctx, req)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Nil(t, resp)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
	})
}

func TestMockProviderRecordsRequests(t *testing.T) {
	m := NewMockProvider("x")
	_, _ = m.Chat(context.Background(), Prompt("one", 1, 0))
	_, _ = m.Chat(context.Background(), Prompt("two", 1, 0))
	assert.Equal(t, 2, m.Calls())
	assert.Equal(t, "two", m.Requests()[1].Messages[0].Text)
}
